package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rahul/webpilot/internal/agent"
	"github.com/rahul/webpilot/internal/browser"
	"github.com/rahul/webpilot/internal/governance"
	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/observability"
	"github.com/rahul/webpilot/internal/planner"
	"github.com/rahul/webpilot/internal/store"
	"github.com/rahul/webpilot/pkg/config"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

// app carries what every subcommand shares. The constructors are fields so
// tests can swap in fakes.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *observability.Logger

	newModel     func(name string, p config.ProviderConfig) (llms.Model, error)
	newLaunchers func(cfg *config.Config) (*browser.Registry, func())
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{newModel: newModel, newLaunchers: newLaunchers}

	root := &cobra.Command{
		Use:           "webpilot",
		Short:         "webpilot turns plain-language instructions into browser tasks.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = observability.NewFromConfig(cfg.Logger)
			a.logger.Zap().Debug("config loaded", zap.String("version", Version), zap.String("memory", cfg.Memory.Type))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newBatchCmd(a),
		newHistoryCmd(a),
		newStatsCmd(a),
		newClearMemoryCmd(a),
		newExportMemoryCmd(a),
		newImportMemoryCmd(a),
		newTelegramCmd(a),
	)
	return root, a
}

// stack is one wired Runner and the resources behind it.
type stack struct {
	runner *agent.Runner
	memory *store.Memory
	close  func()
}

func (a *app) openMemory(ctx context.Context) (*store.Memory, error) {
	var backend store.Backend
	path := a.cfg.Memory.Path
	switch strings.ToLower(a.cfg.Memory.Type) {
	case "json":
		b, err := store.NewJSONFile(path)
		if err != nil {
			return nil, fmt.Errorf("open json memory: %w", err)
		}
		backend = b
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open sqlite memory: %w", err)
		}
		b, err := store.NewHistoryStore(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite memory: %w", err)
		}
		backend = b
	}
	return store.Open(ctx, backend)
}

func (a *app) parser() intent.Parser {
	log := a.logger.Zap().Named("intent")
	name, p := a.cfg.GetDefaultProvider()
	if name == "" {
		return intent.NewFallback(nil, log)
	}
	model, err := a.newModel(name, p)
	if err != nil {
		log.Warn("llm provider unavailable, using rules only", zap.String("provider", name), zap.Error(err))
		return intent.NewFallback(nil, log)
	}
	llm := intent.NewLLMBacked(model, intent.NewPromptManager(a.cfg.Prompts.Dir), a.cfg.Task.ParseTimeout)
	llm.Observer = a.logger
	return intent.NewFallback(llm, log)
}

func (a *app) planner() *planner.Planner {
	p := planner.New()
	t, s := a.cfg.Task, a.cfg.Search
	if t.NavigateTimeout > 0 {
		p.Defaults.NavigateTimeout = t.NavigateTimeout
	}
	if t.StepTimeout > 0 {
		p.Defaults.StepTimeout = t.StepTimeout
	}
	p.Defaults.MaxRetries = t.MaxRetries
	p.SearchURL = s.URL
	if s.ResultSelector != "" {
		p.ResultSelector = s.ResultSelector
	}
	if s.SubmitSelector != "" {
		p.SubmitSelector = s.SubmitSelector
	}
	return p
}

// build wires a Runner from the loaded configuration. The caller must call
// close on the result.
func (a *app) build(ctx context.Context) (*stack, error) {
	policy, err := newPolicy(a.cfg.Policy)
	if err != nil {
		return nil, err
	}
	artifacts, err := store.NewArtifacts(a.cfg.App.ArtifactDir)
	if err != nil {
		return nil, err
	}
	mem, err := a.openMemory(ctx)
	if err != nil {
		return nil, err
	}

	registry, stopBrowsers := a.newLaunchers(a.cfg)
	r := agent.NewRunner(a.parser(), registry, mem, a.logger)
	r.Planner = a.planner()
	r.Policy = policy
	r.Artifacts = artifacts
	if a.cfg.Task.BaseDelay > 0 {
		r.BaseDelay = a.cfg.Task.BaseDelay
	}
	if a.cfg.Task.MaxDelay > 0 {
		r.MaxDelay = a.cfg.Task.MaxDelay
	}

	return &stack{
		runner: r,
		memory: mem,
		close: func() {
			stopBrowsers()
			if err := mem.Close(); err != nil {
				a.logger.Zap().Warn("close memory", zap.Error(err))
			}
		},
	}, nil
}

func newModel(name string, p config.ProviderConfig) (llms.Model, error) {
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	}
	return nil, fmt.Errorf("provider %s is not supported", name)
}

// newLaunchers registers chromedp for Chromium and Playwright for the other
// engines.
func newLaunchers(cfg *config.Config) (*browser.Registry, func()) {
	chrome := browser.NewChromeLauncher()
	chrome.ExecPath = cfg.Browser.ExecPath
	chrome.NoSandbox = cfg.Browser.NoSandbox
	pw := browser.NewPlaywrightLauncher()
	if cfg.Browser.LaunchTimeout > 0 {
		pw.LaunchTimeout = cfg.Browser.LaunchTimeout
	}
	if cfg.Browser.MaxContentBytes > 0 {
		chrome.MaxContent = cfg.Browser.MaxContentBytes
		pw.MaxContent = cfg.Browser.MaxContentBytes
	}

	reg := browser.NewRegistry()
	reg.Register(browser.Chromium, chrome)
	reg.Register(browser.Firefox, pw)
	reg.Register(browser.WebKit, pw)
	return reg, func() { _ = pw.Stop() }
}

func newPolicy(cfg config.PolicyConfig) (*governance.DefaultPolicyEngine, error) {
	e := governance.NewBrowserPolicy()
	for _, action := range cfg.DeniedActions {
		e.DenyAction(action)
	}
	for _, p := range cfg.DeniedTargets {
		if err := e.DenyTargets(p); err != nil {
			return nil, fmt.Errorf("policy.denied_targets: %w", err)
		}
	}
	for _, p := range cfg.DeniedPatterns {
		if err := e.DenyArguments(p); err != nil {
			return nil, fmt.Errorf("policy.denied_patterns: %w", err)
		}
	}
	e.AllowHosts(cfg.AllowedHosts...)
	return e, nil
}

func colorOutput(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && observability.IsTerminal(f)
}
