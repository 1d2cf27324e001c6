package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Action is the browser operation a Step performs.
type Action string

const (
	ActionNavigate   Action = "NAVIGATE"
	ActionClick      Action = "CLICK"
	ActionFill       Action = "FILL"
	ActionExtract    Action = "EXTRACT"
	ActionScreenshot Action = "SCREENSHOT"
	ActionWait       Action = "WAIT"
)

// Params is the action-specific payload of a Step. Each variant carries only
// the fields its action needs.
type Params interface {
	Action() Action
	validate() error
}

type NavigateParams struct {
	URL string `json:"url" yaml:"url"`
}

func (NavigateParams) Action() Action { return ActionNavigate }

func (p NavigateParams) validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("navigate: empty url")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("navigate: url %q has no scheme", p.URL)
	}
	return nil
}

type ClickParams struct {
	Selector string `json:"selector" yaml:"selector"`
}

func (ClickParams) Action() Action { return ActionClick }

func (p ClickParams) validate() error {
	if strings.TrimSpace(p.Selector) == "" {
		return errors.New("click: empty selector")
	}
	return nil
}

type FillParams struct {
	Field    string `json:"field" yaml:"field"`
	Selector string `json:"selector" yaml:"selector"`
	Value    string `json:"value" yaml:"value"`
}

func (FillParams) Action() Action { return ActionFill }

func (p FillParams) validate() error {
	if strings.TrimSpace(p.Field) == "" || strings.TrimSpace(p.Selector) == "" {
		return errors.New("fill: field and selector are required")
	}
	return nil
}

// ExtractParams captures the whole document. Selector, when set, names the
// repeated result element the extractor should prefer.
type ExtractParams struct {
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
}

func (ExtractParams) Action() Action { return ActionExtract }

func (ExtractParams) validate() error { return nil }

type ScreenshotParams struct {
	FullPage bool `json:"full_page" yaml:"full_page"`
}

func (ScreenshotParams) Action() Action { return ActionScreenshot }

func (ScreenshotParams) validate() error { return nil }

// WaitParams pauses for Duration, then waits for Selector to be visible.
// At least one of them is set.
type WaitParams struct {
	Selector string        `json:"selector,omitempty" yaml:"selector,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func (WaitParams) Action() Action { return ActionWait }

func (p WaitParams) validate() error {
	if p.Duration < 0 {
		return errors.New("wait: negative duration")
	}
	if strings.TrimSpace(p.Selector) == "" && p.Duration == 0 {
		return errors.New("wait: selector or duration required")
	}
	return nil
}

// Step is one planned browser action. Steps are values and are never mutated
// after planning.
type Step struct {
	Index      int           `json:"index" yaml:"index"`
	Action     Action        `json:"action" yaml:"action"`
	Params     Params        `json:"params" yaml:"params"`
	Timeout    time.Duration `json:"-" yaml:"-"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Optional   bool          `json:"optional" yaml:"optional"`
}

// TimeoutMs is the step timeout in milliseconds.
func (s Step) TimeoutMs() int64 {
	return s.Timeout.Milliseconds()
}

func (s Step) MarshalJSON() ([]byte, error) {
	type alias Step
	return json.Marshal(struct {
		alias
		TimeoutMs int64 `json:"timeout_ms"`
	}{alias(s), s.TimeoutMs()})
}

func (s Step) MarshalYAML() (any, error) {
	return map[string]any{
		"index":       s.Index,
		"action":      string(s.Action),
		"params":      s.Params,
		"timeout_ms":  s.TimeoutMs(),
		"max_retries": s.MaxRetries,
		"optional":    s.Optional,
	}, nil
}

func (s Step) String() string {
	var detail string
	switch p := s.Params.(type) {
	case NavigateParams:
		detail = p.URL
	case ClickParams:
		detail = p.Selector
	case FillParams:
		detail = p.Field
	case ExtractParams:
		detail = p.Selector
		if detail == "" {
			detail = "page"
		}
	case WaitParams:
		detail = p.Selector
		if p.Duration > 0 {
			detail = strings.TrimSpace(p.Duration.String() + " " + detail)
		}
	}
	if detail == "" {
		return fmt.Sprintf("%d:%s", s.Index, s.Action)
	}
	return fmt.Sprintf("%d:%s(%s)", s.Index, s.Action, detail)
}

// Validate checks that the params variant matches the action and is complete.
func (s Step) Validate() error {
	if s.Params == nil {
		return fmt.Errorf("step %d: missing params", s.Index)
	}
	if s.Params.Action() != s.Action {
		return fmt.Errorf("step %d: %s step carries %s params", s.Index, s.Action, s.Params.Action())
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("step %d: non-positive timeout", s.Index)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("step %d: negative max_retries", s.Index)
	}
	if err := s.Params.validate(); err != nil {
		return fmt.Errorf("step %d: %w", s.Index, err)
	}
	return nil
}
