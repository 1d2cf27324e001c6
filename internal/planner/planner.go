package planner

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rahul/webpilot/internal/intent"
)

const (
	DefaultNavigateTimeout = 60 * time.Second
	DefaultStepTimeout     = 30 * time.Second
	DefaultMaxRetries      = 2

	DefaultSearchURL      = "https://html.duckduckgo.com/html/?q=%s"
	DefaultResultSelector = ".result, .search-result, .product-item, .item"
	DefaultSubmitSelector = `button[type="submit"], input[type="submit"]`
)

// PlanningError reports an Intent that cannot be turned into a Plan because
// it lacks a resource its kind requires.
type PlanningError struct {
	Kind   intent.Kind
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("cannot plan %s: %s", e.Kind, e.Reason)
}

// Plan is the ordered step list for one Intent.
type Plan struct {
	Intent intent.Intent `json:"intent" yaml:"intent"`
	Steps  []Step        `json:"steps" yaml:"steps"`
}

// HasAction reports whether any step performs a.
func (p Plan) HasAction(a Action) bool {
	for _, s := range p.Steps {
		if s.Action == a {
			return true
		}
	}
	return false
}

// Defaults are the per-step limits used when an Intent does not override them.
type Defaults struct {
	NavigateTimeout time.Duration
	StepTimeout     time.Duration
	MaxRetries      int
}

// Planner maps an Intent to a canonical step template.
type Planner struct {
	Defaults Defaults
	// SearchURL is a printf template receiving the escaped query.
	SearchURL      string
	ResultSelector string
	SubmitSelector string
}

func New() *Planner {
	return &Planner{
		Defaults: Defaults{
			NavigateTimeout: DefaultNavigateTimeout,
			StepTimeout:     DefaultStepTimeout,
			MaxRetries:      DefaultMaxRetries,
		},
		SearchURL:      DefaultSearchURL,
		ResultSelector: DefaultResultSelector,
		SubmitSelector: DefaultSubmitSelector,
	}
}

type template struct {
	params   Params
	optional bool
}

// Plan is deterministic: the same Intent always yields the same Plan.
func (p *Planner) Plan(in intent.Intent) (Plan, error) {
	if err := in.Validate(); err != nil {
		return Plan{}, &PlanningError{Kind: in.Kind, Reason: err.Error()}
	}

	var templates []template
	target := in.FirstURL()

	switch in.Kind {
	case intent.KindSearch:
		templates = append(templates,
			template{params: NavigateParams{URL: p.searchURL(in.Subject, target)}},
			template{params: ExtractParams{Selector: p.resultSelector()}},
		)

	case intent.KindNavigate:
		if target == "" {
			return Plan{}, &PlanningError{Kind: in.Kind, Reason: "no url to navigate to"}
		}
		templates = append(templates, template{params: NavigateParams{URL: target}})
		if in.Screenshot {
			templates = append(templates, template{params: ScreenshotParams{FullPage: true}, optional: true})
		}

	case intent.KindExtract:
		if target != "" {
			templates = append(templates, template{params: NavigateParams{URL: target}})
		}
		templates = append(templates, template{params: ExtractParams{}})

	case intent.KindFormFill:
		if target == "" && len(in.FormFields) == 0 {
			return Plan{}, &PlanningError{Kind: in.Kind, Reason: "neither a url nor form fields were given"}
		}
		if target != "" {
			templates = append(templates, template{params: NavigateParams{URL: target}})
		}
		for _, name := range intent.SortedFieldNames(in.FormFields) {
			templates = append(templates, template{params: FillParams{
				Field:    name,
				Selector: fieldSelector(name),
				Value:    in.FormFields[name],
			}})
		}
		templates = append(templates,
			template{params: ClickParams{Selector: p.submitSelector()}},
			template{params: WaitParams{Selector: "body"}, optional: true},
		)

	case intent.KindScreenshot:
		if target != "" {
			templates = append(templates, template{params: NavigateParams{URL: target}})
		}
		templates = append(templates, template{params: ScreenshotParams{FullPage: true}})

	default:
		return Plan{}, &PlanningError{Kind: in.Kind, Reason: "unsupported kind"}
	}

	plan := Plan{Intent: in.Clone(), Steps: make([]Step, 0, len(templates))}
	for i, t := range templates {
		step := Step{
			Index:      i,
			Action:     t.params.Action(),
			Params:     t.params,
			Timeout:    p.timeoutFor(t.params.Action(), in),
			MaxRetries: p.retriesFor(in),
			Optional:   t.optional,
		}
		if err := step.Validate(); err != nil {
			return Plan{}, &PlanningError{Kind: in.Kind, Reason: err.Error()}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func (p *Planner) timeoutFor(a Action, in intent.Intent) time.Duration {
	if in.TimeoutMs > 0 {
		return time.Duration(in.TimeoutMs) * time.Millisecond
	}
	if a == ActionNavigate {
		if p.Defaults.NavigateTimeout > 0 {
			return p.Defaults.NavigateTimeout
		}
		return DefaultNavigateTimeout
	}
	if p.Defaults.StepTimeout > 0 {
		return p.Defaults.StepTimeout
	}
	return DefaultStepTimeout
}

func (p *Planner) retriesFor(in intent.Intent) int {
	if in.MaxRetries != nil {
		return *in.MaxRetries
	}
	if p.Defaults.MaxRetries >= 0 {
		return p.Defaults.MaxRetries
	}
	return DefaultMaxRetries
}

func (p *Planner) searchURL(subject, site string) string {
	query := strings.TrimSpace(subject)
	if site != "" {
		if u, err := url.Parse(site); err == nil && u.Host != "" {
			query = strings.TrimSpace("site:" + u.Host + " " + query)
		}
	}
	tmpl := p.SearchURL
	if tmpl == "" {
		tmpl = DefaultSearchURL
	}
	return fmt.Sprintf(tmpl, url.QueryEscape(query))
}

func (p *Planner) resultSelector() string {
	if p.ResultSelector != "" {
		return p.ResultSelector
	}
	return DefaultResultSelector
}

func (p *Planner) submitSelector() string {
	if p.SubmitSelector != "" {
		return p.SubmitSelector
	}
	return DefaultSubmitSelector
}

// fieldSelector targets an input by name or id.
func fieldSelector(name string) string {
	q := strconv.Quote(name)
	return fmt.Sprintf("[name=%s], [id=%s]", q, q)
}
