package governance

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes one browser step about to be executed.
type Request struct {
	Action string
	// Target is the URL for navigation and the selector otherwise.
	Target string
	// Arguments carries the value typed by a fill step.
	Arguments string
	TaskID    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates browser steps against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine is a deny-list engine with an optional host allow-list
// for navigation.
type DefaultPolicyEngine struct {
	mu            sync.RWMutex
	DeniedActions map[string]bool
	DeniedTargets []*regexp.Regexp
	DeniedRegex   []*regexp.Regexp
	AllowedHosts  map[string]bool
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedActions: make(map[string]bool),
		DeniedTargets: make([]*regexp.Regexp, 0),
		DeniedRegex:   make([]*regexp.Regexp, 0),
		AllowedHosts:  make(map[string]bool),
	}
}

// NewBrowserPolicy returns the engine used for tasks: local files and script
// URLs can never be opened.
func NewBrowserPolicy() *DefaultPolicyEngine {
	e := NewDefaultPolicyEngine()
	e.DeniedTargets = append(e.DeniedTargets, regexp.MustCompile(`(?i)^\s*(?:file|javascript|data|chrome|view-source):`))
	return e
}

func (e *DefaultPolicyEngine) DenyAction(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedActions[strings.ToUpper(name)] = true
}

func (e *DefaultPolicyEngine) DenyTargets(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedTargets = append(e.DeniedTargets, re)
	return nil
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

// AllowHosts restricts navigation to the given hosts and their subdomains.
func (e *DefaultPolicyEngine) AllowHosts(hosts ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			e.AllowedHosts[h] = true
		}
	}
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	action := strings.ToUpper(req.Action)
	if e.DeniedActions[action] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Action '%s' is restricted by system policy", action),
		}, nil
	}

	for _, re := range e.DeniedTargets {
		if re.MatchString(req.Target) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Target matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	if action == "NAVIGATE" && len(e.AllowedHosts) > 0 {
		u, err := url.Parse(req.Target)
		if err != nil {
			return Result{Effect: EffectDeny, Reason: "Unparseable navigation target"}, nil
		}
		if !e.hostAllowed(strings.ToLower(u.Hostname())) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Host '%s' is not on the allow-list", u.Hostname()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

func (e *DefaultPolicyEngine) hostAllowed(host string) bool {
	for allowed := range e.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
