package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// ErrUnavailable is returned when the LLM capability is not configured.
var ErrUnavailable = errors.New("llm capability unavailable")

// PromptSource supplies the system prompt for the LLM parser.
type PromptSource interface {
	GetParserPrompt() (string, error)
}

// Observer receives the raw exchange with the model. It is optional.
type Observer interface {
	LogLLM(taskID string, prompt any, response string, toolCalls any)
}

// LLMBacked asks a language model for a structured intent. Its answers are
// advisory: any error or schema violation is reported to the caller.
type LLMBacked struct {
	Model    llms.Model
	Prompts  PromptSource
	Timeout  time.Duration
	Observer Observer
}

func NewLLMBacked(model llms.Model, prompts PromptSource, timeout time.Duration) *LLMBacked {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LLMBacked{Model: model, Prompts: prompts, Timeout: timeout}
}

func (p *LLMBacked) Name() string {
	return "llm"
}

var submitIntentTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "submit_intent",
		Description: "Submit the structured interpretation of the user's browser instruction.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{
					"type": "string",
					"enum": []string{"SEARCH", "NAVIGATE", "EXTRACT", "FORM_FILL", "SCREENSHOT"},
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "What the user is looking for, without filters or URLs.",
				},
				"filters": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"field": map[string]any{
								"type": "string",
								"enum": []string{"PRICE_MAX", "PRICE_MIN", "RATING_MIN", "KEYWORD"},
							},
							"value": map[string]any{
								"description": "Number for price and rating filters, text for KEYWORD.",
							},
						},
						"required": []string{"field", "value"},
					},
				},
				"target_count": map[string]any{"type": "integer"},
				"urls": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"form_fields": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"screenshot": map[string]any{"type": "boolean"},
			},
			"required": []string{"kind", "subject"},
		},
	},
}

type llmIntent struct {
	Kind        string            `json:"kind"`
	Subject     string            `json:"subject"`
	Filters     []llmFilter       `json:"filters"`
	TargetCount *int              `json:"target_count"`
	URLs        []string          `json:"urls"`
	FormFields  map[string]string `json:"form_fields"`
	Screenshot  bool              `json:"screenshot"`
}

type llmFilter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (p *LLMBacked) Parse(ctx context.Context, text string) (Intent, error) {
	if p == nil || p.Model == nil {
		return Intent{}, ErrUnavailable
	}

	system := defaultParserPrompt
	if p.Prompts != nil {
		if loaded, err := p.Prompts.GetParserPrompt(); err == nil && loaded != "" {
			system = loaded
		}
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resp, err := p.Model.GenerateContent(callCtx, messages,
		llms.WithTools([]llms.Tool{submitIntentTool}),
		llms.WithTemperature(0),
	)
	if err != nil {
		return Intent{}, fmt.Errorf("generate intent: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Intent{}, errors.New("model returned no choices")
	}

	choice := resp.Choices[0]
	if p.Observer != nil {
		p.Observer.LogLLM("", messages, choice.Content, choice.ToolCalls)
	}

	payload := ""
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall != nil && tc.FunctionCall.Name == submitIntentTool.Function.Name {
			payload = tc.FunctionCall.Arguments
			break
		}
	}
	if payload == "" {
		payload = extractJSONObject(choice.Content)
	}
	if payload == "" {
		return Intent{}, errors.New("model returned neither a tool call nor JSON")
	}

	var decoded llmIntent
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Intent{}, fmt.Errorf("decode intent payload: %w", err)
	}

	in, err := decoded.toIntent()
	if err != nil {
		return Intent{}, err
	}
	if err := in.Validate(); err != nil {
		return Intent{}, err
	}
	return in, nil
}

func (d llmIntent) toIntent() (Intent, error) {
	in := Intent{
		Kind:        normalizeKind(d.Kind),
		Subject:     strings.TrimSpace(d.Subject),
		TargetCount: d.TargetCount,
		URLs:        d.URLs,
		FormFields:  d.FormFields,
		Screenshot:  d.Screenshot,
		Source:      SourceLLM,
	}
	if len(in.FormFields) == 0 {
		in.FormFields = nil
	}
	for _, f := range d.Filters {
		field := FilterField(strings.ToUpper(strings.TrimSpace(f.Field)))
		filter := Filter{Field: field}
		switch v := f.Value.(type) {
		case float64:
			if field == Keyword {
				filter.Text = fmt.Sprintf("%g", v)
			} else {
				filter.Number = v
			}
		case string:
			if field == Keyword {
				filter.Text = v
			} else {
				n, ok := parseAmount(strings.Trim(strings.TrimSpace(v), "₹$€£"), "")
				if !ok {
					return Intent{}, fmt.Errorf("%w: non-numeric value %q for %s", ErrInvalid, v, field)
				}
				filter.Number = n
			}
		default:
			return Intent{}, fmt.Errorf("%w: unsupported value %v for %s", ErrInvalid, f.Value, field)
		}
		in.Filters = append(in.Filters, filter)
	}
	return in, nil
}

func normalizeKind(raw string) Kind {
	k := strings.ToUpper(strings.TrimSpace(raw))
	k = strings.ReplaceAll(k, "-", "_")
	switch k {
	case "FILL_FORM", "FILL", "FORM":
		return KindFormFill
	case "GOTO", "GO_TO", "OPEN":
		return KindNavigate
	}
	return Kind(k)
}

// extractJSONObject returns the first balanced JSON object in value, looking
// inside fenced code blocks as well.
func extractJSONObject(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return trimmed[start : i+1]
			}
		}
	}
	return ""
}
