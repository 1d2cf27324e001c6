package intent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind is the category of work an instruction asks for.
type Kind string

const (
	KindSearch     Kind = "SEARCH"
	KindNavigate   Kind = "NAVIGATE"
	KindExtract    Kind = "EXTRACT"
	KindFormFill   Kind = "FORM_FILL"
	KindScreenshot Kind = "SCREENSHOT"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSearch, KindNavigate, KindExtract, KindFormFill, KindScreenshot:
		return true
	}
	return false
}

// FilterField names the record attribute a Filter constrains.
type FilterField string

const (
	PriceMax  FilterField = "PRICE_MAX"
	PriceMin  FilterField = "PRICE_MIN"
	RatingMin FilterField = "RATING_MIN"
	Keyword   FilterField = "KEYWORD"
)

// Filter is a single predicate over extracted records. Numeric fields use
// Number, KEYWORD uses Text.
type Filter struct {
	Field  FilterField `json:"field" yaml:"field"`
	Number float64     `json:"number,omitempty" yaml:"number,omitempty"`
	Text   string      `json:"text,omitempty" yaml:"text,omitempty"`
}

func (f Filter) String() string {
	if f.Field == Keyword {
		return fmt.Sprintf("%s=%q", f.Field, f.Text)
	}
	return fmt.Sprintf("%s=%g", f.Field, f.Number)
}

func (f Filter) validate() error {
	switch f.Field {
	case PriceMax, PriceMin:
		if f.Number < 0 {
			return fmt.Errorf("filter %s: negative price %g", f.Field, f.Number)
		}
	case RatingMin:
		if f.Number < 0 || f.Number > 5 {
			return fmt.Errorf("filter %s: rating %g out of range", f.Field, f.Number)
		}
	case Keyword:
		if strings.TrimSpace(f.Text) == "" {
			return fmt.Errorf("filter %s: empty keyword", f.Field)
		}
	default:
		return fmt.Errorf("unknown filter field %q", f.Field)
	}
	return nil
}

// Source records which parser produced an Intent.
type Source string

const (
	SourceLLM   Source = "llm"
	SourceRules Source = "rules"
)

// Intent is the structured interpretation of one instruction.
type Intent struct {
	Kind        Kind              `json:"kind" yaml:"kind"`
	Subject     string            `json:"subject" yaml:"subject"`
	Filters     []Filter          `json:"filters,omitempty" yaml:"filters,omitempty"`
	TargetCount *int              `json:"target_count,omitempty" yaml:"target_count,omitempty"`
	URLs        []string          `json:"urls,omitempty" yaml:"urls,omitempty"`
	FormFields  map[string]string `json:"form_fields,omitempty" yaml:"form_fields,omitempty"`

	// Screenshot asks a NAVIGATE plan to capture the page afterwards.
	Screenshot bool `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	// TimeoutMs and MaxRetries override the planner defaults when set.
	TimeoutMs  int  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	Source       Source `json:"source,omitempty" yaml:"source,omitempty"`
	FallbackUsed bool   `json:"fallback_used,omitempty" yaml:"fallback_used,omitempty"`
}

// ErrInvalid wraps every schema violation reported by Validate.
var ErrInvalid = errors.New("invalid intent")

// Validate checks the Intent against the schema shared by every parser.
func (in Intent) Validate() error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, in.Kind)
	}
	for _, f := range in.Filters {
		if err := f.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if in.TargetCount != nil && *in.TargetCount <= 0 {
		return fmt.Errorf("%w: target_count must be positive, got %d", ErrInvalid, *in.TargetCount)
	}
	for _, raw := range in.URLs {
		if !validURL(raw) {
			return fmt.Errorf("%w: bad url %q", ErrInvalid, raw)
		}
	}
	for name := range in.FormFields {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty form field name", ErrInvalid)
		}
	}
	if in.TimeoutMs < 0 {
		return fmt.Errorf("%w: negative timeout_ms", ErrInvalid)
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", ErrInvalid)
	}
	return nil
}

// validURL reports whether raw is an absolute http or https URL with a host.
func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// FirstURL returns the first URL of the intent or "".
func (in Intent) FirstURL() string {
	if len(in.URLs) == 0 {
		return ""
	}
	return in.URLs[0]
}

// HasFilter reports whether any filter constrains field.
func (in Intent) HasFilter(field FilterField) bool {
	for _, f := range in.Filters {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices or maps.
func (in Intent) Clone() Intent {
	out := in
	out.Filters = append([]Filter(nil), in.Filters...)
	out.URLs = append([]string(nil), in.URLs...)
	if in.TargetCount != nil {
		n := *in.TargetCount
		out.TargetCount = &n
	}
	if in.MaxRetries != nil {
		n := *in.MaxRetries
		out.MaxRetries = &n
	}
	if in.FormFields != nil {
		out.FormFields = make(map[string]string, len(in.FormFields))
		for k, v := range in.FormFields {
			out.FormFields[k] = v
		}
	}
	return out
}

// Parser turns instruction text into an Intent.
type Parser interface {
	Name() string
	Parse(ctx context.Context, text string) (Intent, error)
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(n int) *int { return &n }
