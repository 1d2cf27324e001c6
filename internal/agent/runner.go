package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/webpilot/internal/browser"
	"github.com/rahul/webpilot/internal/export"
	"github.com/rahul/webpilot/internal/extractor"
	"github.com/rahul/webpilot/internal/governance"
	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/observability"
	"github.com/rahul/webpilot/internal/planner"
	"github.com/rahul/webpilot/internal/store"
	"github.com/rahul/webpilot/internal/task"
	"go.uber.org/zap"
)

const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 8 * time.Second
)

// DefaultAbandonGrace bounds how long a session waits for a driver call that
// outlived its step timeout before the session is given up as broken.
const DefaultAbandonGrace = 2 * time.Second

// MemoryStore receives every finished task.
type MemoryStore interface {
	Append(ctx context.Context, rec store.MemoryRecord, persist bool) error
}

// ScreenshotStore keeps captured images and returns where they were put.
type ScreenshotStore interface {
	SaveScreenshot(ctx context.Context, taskID string, step int, data []byte) (string, error)
}

// ExportFunc writes results to path in format and returns the bytes written.
type ExportFunc func(path, format string, results []task.TaskResult) (int64, error)

// Options are the per-task knobs a caller may set.
type Options struct {
	Headless      bool
	BrowserType   browser.Type
	PersistMemory bool
	OutputFormat  string
	OutputPath    string
	// MaxRetries and TimeoutMs replace the planner defaults when set; limits
	// stated in the instruction itself still win.
	MaxRetries *int
	TimeoutMs  int
	// TaskID is generated when empty.
	TaskID string
}

func DefaultOptions() Options {
	return Options{
		Headless:     true,
		BrowserType:  browser.Chromium,
		OutputFormat: "json",
	}
}

// Runner executes instructions end to end. One Runner serves any number of
// concurrent tasks; each task launches and owns its own browser session.
type Runner struct {
	Parser    intent.Parser
	Planner   *planner.Planner
	Extractor *extractor.Extractor
	Launchers *browser.Registry
	Policy    governance.PolicyEngine
	Memory    MemoryStore
	Artifacts ScreenshotStore
	Export    ExportFunc
	Logger    *observability.Logger
	Tracker   *observability.Tracker

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	AbandonGrace time.Duration
	NewID        func() string
}

// NewRunner wires a Runner with default planner, extractor, policy and
// backoff. memory may be nil.
func NewRunner(parser intent.Parser, launchers *browser.Registry, memory MemoryStore, logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewLogger(nil, nil)
	}
	if parser == nil {
		parser = intent.NewFallback(nil, logger.Zap())
	}
	if launchers == nil {
		launchers = browser.NewRegistry()
	}
	return &Runner{
		Parser:    parser,
		Planner:   planner.New(),
		Extractor: extractor.New(logger.Zap().Named("extractor")),
		Launchers: launchers,
		Policy:    governance.NewBrowserPolicy(),
		Memory:    memory,
		Export:    export.WriteFile,
		Logger:    logger,
		Tracker:   observability.NewTracker(),
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		NewID:     uuid.NewString,

		AbandonGrace: DefaultAbandonGrace,
	}
}

// Prepare parses instruction and plans it without touching a browser.
func (r *Runner) Prepare(ctx context.Context, instruction string, opts Options) (intent.Intent, planner.Plan, error) {
	in, err := r.Parser.Parse(ctx, instruction)
	if err != nil {
		return in, planner.Plan{}, fmt.Errorf("parse instruction: %w", err)
	}
	plan, err := r.plannerFor(opts).Plan(in)
	if err != nil {
		return in, planner.Plan{}, err
	}
	return in, plan, nil
}

func (r *Runner) plannerFor(opts Options) *planner.Planner {
	p := *r.Planner
	if opts.TimeoutMs > 0 {
		d := time.Duration(opts.TimeoutMs) * time.Millisecond
		p.Defaults.NavigateTimeout = d
		p.Defaults.StepTimeout = d
	}
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		p.Defaults.MaxRetries = *opts.MaxRetries
	}
	return &p
}

// RunTask runs one instruction to completion. Step failures are reported in
// the result, not as an error; the error is non-nil only when the
// instruction could not be planned, and the result is then FAILED with no
// step results.
func (r *Runner) RunTask(ctx context.Context, instruction string, opts Options) (task.TaskResult, error) {
	res := task.TaskResult{
		TaskID:      opts.TaskID,
		Instruction: instruction,
		StepResults: []task.StepResult{},
		Records:     []extractor.Record{},
		StartedAt:   time.Now().UTC(),
	}
	if res.TaskID == "" {
		res.TaskID = r.NewID()
	}
	r.Tracker.Start(res.TaskID, instruction)
	defer func() { r.Tracker.Finish(res.TaskID, res.Status == task.StatusFailed) }()

	in, plan, err := r.Prepare(ctx, instruction, opts)
	res.Intent = in
	r.Logger.LogIntent(res.TaskID, in, in.FallbackUsed)
	if in.FallbackUsed {
		res.AddDiagnostic(task.DiagParseFallbackUsed, "language model unavailable or invalid, rule-based parse used")
	}
	if err != nil {
		res.Status = task.StatusFailed
		var pe *planner.PlanningError
		if errors.As(err, &pe) {
			res.AddDiagnostic(task.DiagPlanningError, pe.Error())
		}
		r.finish(ctx, &res, opts)
		return res, err
	}

	res.PlanSummary = task.Summarize(plan)
	r.Tracker.SetPhase(res.TaskID, observability.PhasePlanning, len(plan.Steps))
	r.Logger.LogPlan(res.TaskID, res.PlanSummary)

	steps, sess := r.execute(ctx, res.TaskID, plan, opts)
	res.StepResults = steps

	if sess.truncated {
		res.AddDiagnostic(task.DiagContentTruncated, "page content exceeded the read limit; records past the cut are missing")
	}
	if sess.content != nil {
		res.Records = r.Extractor.Extract(sess.content, extractor.Query{
			Filters:      in.Filters,
			TargetCount:  in.TargetCount,
			ItemSelector: sess.itemSelector,
			BaseURL:      sess.baseURL,
		})
		if res.Records == nil {
			res.Records = []extractor.Record{}
		}
	}

	var empty bool
	res.Status, empty = deriveStatus(plan, steps, len(res.Records))
	if empty {
		res.AddDiagnostic(task.DiagExtractionEmpty, "page content produced no records")
	}

	r.finish(ctx, &res, opts)
	return res, nil
}

// deriveStatus applies the outcome rules: a failed required step yields
// PARTIAL when records survive and FAILED otherwise; a successful extract
// with no records is FAILED; a failed optional step is PARTIAL.
func deriveStatus(plan planner.Plan, steps []task.StepResult, records int) (task.Status, bool) {
	var requiredFailed, optionalFailed, extracted bool
	for i, s := range steps {
		switch {
		case s.Status == task.StepFailed && plan.Steps[i].Optional:
			optionalFailed = true
		case s.Status == task.StepFailed:
			requiredFailed = true
		case s.Action == planner.ActionExtract && (s.Status == task.StepOK || s.Status == task.StepRetriedOK):
			extracted = true
		}
	}

	switch {
	case requiredFailed && records > 0:
		return task.StatusPartial, false
	case requiredFailed:
		return task.StatusFailed, extracted
	case extracted && records == 0:
		return task.StatusFailed, true
	case optionalFailed:
		return task.StatusPartial, false
	}
	return task.StatusSuccess, false
}

// finish stamps the result and hands it to memory and the export sink. Both
// are best effort: failures become diagnostics and never change the status.
func (r *Runner) finish(ctx context.Context, res *task.TaskResult, opts Options) {
	res.FinishedAt = time.Now().UTC()
	// a cancelled task is still remembered
	ctx = context.WithoutCancel(ctx)
	log := r.Logger.Zap()

	if r.Memory != nil {
		if err := r.Memory.Append(ctx, store.FromResult(*res), opts.PersistMemory); err != nil {
			res.AddDiagnostic(task.DiagMemoryPersistError, err.Error())
			log.Warn("memory append failed", zap.String("task_id", res.TaskID), zap.Error(err))
		}
	}

	if opts.OutputPath != "" && r.Export != nil {
		n, err := r.Export(opts.OutputPath, opts.OutputFormat, []task.TaskResult{*res})
		if err != nil {
			res.AddDiagnostic(task.DiagExportError, err.Error())
			log.Warn("export failed", zap.String("task_id", res.TaskID), zap.String("path", opts.OutputPath), zap.Error(err))
		} else {
			log.Info("results exported", zap.String("path", opts.OutputPath), zap.Int64("bytes", n))
		}
	}

	r.Logger.LogTask(res.TaskID, string(res.Status), len(res.Records), res.Duration())
}
