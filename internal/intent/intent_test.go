package intent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	calls   int
	err     error
	content string
	args    string
}

func (m *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	choice := &llms.ContentChoice{Content: m.content}
	if m.args != "" {
		choice.ToolCalls = []llms.ToolCall{{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "submit_intent",
				Arguments: m.args,
			},
		}}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func parseRules(t *testing.T, text string) Intent {
	t.Helper()
	in, err := NewRuleBased().Parse(context.Background(), text)
	require.NoError(t, err)
	require.NoError(t, in.Validate())
	return in
}

func TestRuleBased_SearchWithPriceAndCount(t *testing.T) {
	in := parseRules(t, "search laptops under ₹50,000 and list top 5 with price and link")

	assert.Equal(t, KindSearch, in.Kind)
	assert.Equal(t, "laptops", in.Subject)
	assert.Equal(t, []Filter{{Field: PriceMax, Number: 50000}}, in.Filters)
	require.NotNil(t, in.TargetCount)
	assert.Equal(t, 5, *in.TargetCount)
	assert.Empty(t, in.URLs)
	assert.Equal(t, SourceRules, in.Source)
}

func TestRuleBased_NavigateWithScreenshot(t *testing.T) {
	in := parseRules(t, "navigate to https://example.com and take a screenshot")

	assert.Equal(t, KindNavigate, in.Kind)
	assert.Equal(t, []string{"https://example.com"}, in.URLs)
	assert.True(t, in.Screenshot)
	assert.Empty(t, in.Filters)
}

func TestRuleBased_UnknownFallsBackToSearch(t *testing.T) {
	raw := "cheap flights to goa next weekend"
	in := parseRules(t, raw)

	assert.Equal(t, KindSearch, in.Kind)
	assert.Equal(t, raw, in.Subject)
}

func TestRuleBased_KindPrecedence(t *testing.T) {
	cases := map[string]Kind{
		"go to www.example.org":                          KindNavigate,
		"extract all product information from the page": KindExtract,
		"fill the form with name=John":                   KindFormFill,
		"take a screenshot of https://example.com":       KindScreenshot,
		"open https://example.com and search shoes":      KindSearch,
	}
	for text, want := range cases {
		t.Run(text, func(t *testing.T) {
			assert.Equal(t, want, parseRules(t, text).Kind)
		})
	}
}

func TestRuleBased_Filters(t *testing.T) {
	in := parseRules(t, `search phones between 10k and 20k rated above 4.2 containing "5G"`)

	assert.Equal(t, "phones", in.Subject)
	assert.ElementsMatch(t, []Filter{
		{Field: PriceMax, Number: 20000},
		{Field: PriceMin, Number: 10000},
		{Field: RatingMin, Number: 4.2},
		{Field: Keyword, Text: "5G"},
	}, in.Filters)
}

func TestRuleBased_PriceMinAndStars(t *testing.T) {
	in := parseRules(t, "search headphones over Rs. 2,000 with 4 stars and above")

	assert.ElementsMatch(t, []Filter{
		{Field: PriceMin, Number: 2000},
		{Field: RatingMin, Number: 4},
	}, in.Filters)
}

func TestRuleBased_URLs(t *testing.T) {
	in := parseRules(t, "visit example.com, then www.golang.org and https://go.dev/doc. Mail me at a@b.com")

	assert.Equal(t, []string{"https://go.dev/doc", "https://www.golang.org", "https://example.com"}, in.URLs)
}

func TestRuleBased_FormFields(t *testing.T) {
	in := parseRules(t, `fill the form at https://example.com/contact with name="Jane Doe", email=jane@example.com`)

	assert.Equal(t, KindFormFill, in.Kind)
	assert.Equal(t, []string{"https://example.com/contact"}, in.URLs)
	assert.Equal(t, map[string]string{
		"name":  "Jane Doe",
		"email": "jane@example.com",
	}, in.FormFields)
}

func TestRuleBased_NeverFails(t *testing.T) {
	inputs := []string{
		"", "   ", "???", "₹₹₹", "top 0", strings.Repeat("search ", 200), "under ₹ and over $",
		"navigate to https://. now", "go to http://%zz", "open https://[::1", "visit http:// and www.",
	}
	for _, text := range inputs {
		in, err := NewRuleBased().Parse(context.Background(), text)
		require.NoError(t, err)
		assert.True(t, in.Kind.Valid(), "kind must always be set for %q", text)
		assert.NoError(t, in.Validate())
	}
}

func TestRuleBased_DropsMalformedURLs(t *testing.T) {
	in, err := NewRuleBased().Parse(context.Background(), "open http://%zz and https://example.com/docs then https://.")
	require.NoError(t, err)
	assert.Equal(t, KindNavigate, in.Kind)
	assert.Equal(t, []string{"https://example.com/docs"}, in.URLs)
	assert.NoError(t, in.Validate())

	in, err = NewRuleBased().Parse(context.Background(), "go to http://%zz and take a screenshot")
	require.NoError(t, err)
	assert.Empty(t, in.URLs)
	assert.True(t, in.Screenshot)
	assert.NoError(t, in.Validate())
}

func TestLLMBacked_ToolCall(t *testing.T) {
	model := &fakeModel{args: `{"kind":"search","subject":"laptops","filters":[{"field":"PRICE_MAX","value":"50,000"}],"target_count":5}`}
	p := NewLLMBacked(model, nil, 0)

	in, err := p.Parse(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, KindSearch, in.Kind)
	assert.Equal(t, "laptops", in.Subject)
	assert.Equal(t, []Filter{{Field: PriceMax, Number: 50000}}, in.Filters)
	assert.Equal(t, SourceLLM, in.Source)
}

func TestLLMBacked_JSONInContent(t *testing.T) {
	model := &fakeModel{content: "Sure!\n```json\n{\"kind\":\"NAVIGATE\",\"subject\":\"docs\",\"urls\":[\"https://go.dev\"]}\n```"}
	in, err := NewLLMBacked(model, nil, 0).Parse(context.Background(), "open go docs")

	require.NoError(t, err)
	assert.Equal(t, KindNavigate, in.Kind)
	assert.Equal(t, []string{"https://go.dev"}, in.URLs)
}

func TestLLMBacked_RejectsInvalidSchema(t *testing.T) {
	model := &fakeModel{args: `{"kind":"DANCE","subject":"x"}`}
	_, err := NewLLMBacked(model, nil, 0).Parse(context.Background(), "x")

	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLLMBacked_Unavailable(t *testing.T) {
	var p *LLMBacked
	_, err := p.Parse(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFallback_LLMErrorsUseRules(t *testing.T) {
	model := &fakeModel{err: errors.New("provider down")}
	f := NewFallback(NewLLMBacked(model, nil, 0), nil)

	for i := 0; i < 3; i++ {
		in, err := f.Parse(context.Background(), "search laptops under ₹50,000 and list top 5 with price and link")
		require.NoError(t, err)
		assert.True(t, in.FallbackUsed)
		assert.Equal(t, KindSearch, in.Kind)
		assert.Equal(t, "laptops", in.Subject)
	}
	assert.Equal(t, 3, model.calls)
}

func TestFallback_InvalidLLMAnswerUsesRules(t *testing.T) {
	model := &fakeModel{args: `{"kind":"SEARCH","subject":"x","target_count":-2}`}
	f := NewFallback(NewLLMBacked(model, nil, 0), nil)

	in, err := f.Parse(context.Background(), "navigate to https://example.com")
	require.NoError(t, err)
	assert.True(t, in.FallbackUsed)
	assert.Equal(t, KindNavigate, in.Kind)
}

func TestFallback_NoPrimary(t *testing.T) {
	in, err := NewFallback(nil, nil).Parse(context.Background(), "search shoes")
	require.NoError(t, err)
	assert.False(t, in.FallbackUsed)
	assert.Equal(t, "shoes", in.Subject)
}

func TestValidate(t *testing.T) {
	bad := []Intent{
		{},
		{Kind: KindSearch, Filters: []Filter{{Field: "COLOR"}}},
		{Kind: KindSearch, Filters: []Filter{{Field: Keyword}}},
		{Kind: KindSearch, Filters: []Filter{{Field: RatingMin, Number: 7}}},
		{Kind: KindSearch, TargetCount: IntPtr(0)},
		{Kind: KindNavigate, URLs: []string{"ftp://example.com"}},
		{Kind: KindFormFill, FormFields: map[string]string{" ": "x"}},
	}
	for _, in := range bad {
		assert.ErrorIs(t, in.Validate(), ErrInvalid, "%+v", in)
	}
}

func TestClone_IsDeep(t *testing.T) {
	in := Intent{Kind: KindSearch, URLs: []string{"https://a.com"}, TargetCount: IntPtr(3), FormFields: map[string]string{"a": "b"}}
	out := in.Clone()
	out.URLs[0] = "https://b.com"
	*out.TargetCount = 9
	out.FormFields["a"] = "c"

	assert.Equal(t, "https://a.com", in.URLs[0])
	assert.Equal(t, 3, *in.TargetCount)
	assert.Equal(t, "b", in.FormFields["a"])
}

func TestPromptManager_GetParserPrompt(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"intent_parser.md": "Parser Content",
		"filters.md":       "Filters Content",
		"examples.md":      "Examples Content",
		"user.md":          "User Content",
		"extra.md":         "Extra Content",
		"notes.txt":        "ignored",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	prompt, err := NewPromptManager(dir).GetParserPrompt()
	require.NoError(t, err)

	assert.NotContains(t, prompt, "ignored")
	order := []string{"Parser Content", "Filters Content", "Examples Content", "User Content", "Extra Content"}
	for i := 1; i < len(order); i++ {
		assert.Less(t, strings.Index(prompt, order[i-1]), strings.Index(prompt, order[i]), "%s before %s", order[i-1], order[i])
	}
}

func TestPromptManager_MissingDir(t *testing.T) {
	_, err := NewPromptManager(filepath.Join(t.TempDir(), "nope")).GetParserPrompt()
	assert.Error(t, err)
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":"}"}`, extractJSONObject(`noise {"a":"}"} trailing`))
	assert.Equal(t, "", extractJSONObject("no json here"))
}
