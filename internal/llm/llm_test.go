package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// fakeModel returns scripted responses.
type fakeModel struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		for _, p := range m.Parts {
			if t, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, t.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func newTestClient(model llms.Model) *OpenAIClient {
	return NewWithModel(config.Default().LLM, model, nil)
}

func TestClassify_ParsesResponse(t *testing.T) {
	model := &fakeModel{response: `{
		"category": "bug",
		"title": "Crash on empty password",
		"summary": "Users report a crash when logging in with an empty password.",
		"severity": "major",
		"suggested_action": "Add input validation before authentication.",
		"confidence": 0.91
	}`}

	got, err := newTestClient(model).Classify(context.Background(), "login crash", []string{
		"it crashes when I log in", "login broken, instant crash",
	})
	require.NoError(t, err)

	assert.Equal(t, feedback.CategoryBug, got.Category)
	assert.Equal(t, "Crash on empty password", got.Title)
	assert.Equal(t, feedback.SeverityMajor, got.Severity)
	assert.Equal(t, "Add input validation before authentication.", got.SuggestedAction)
	assert.InDelta(t, 0.91, got.Confidence, 1e-9)

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "login crash")
	assert.Contains(t, model.prompts[0], "1. it crashes when I log in")
}

func TestClassify_ToleratesCodeFences(t *testing.T) {
	model := &fakeModel{response: "Here you go:\n```json\n" +
		`{"category": "feature", "title": "Dark mode", "summary": "Requests for a dark theme.", "severity": "minor", "suggested_action": "Scope a theme system.", "confidence": 0.8}` +
		"\n```"}

	got, err := newTestClient(model).Classify(context.Background(), "dark mode", []string{"please add dark mode"})
	require.NoError(t, err)
	assert.Equal(t, feedback.CategoryFeature, got.Category)
	assert.Empty(t, got.Severity, "severity only kept for bugs")
}

func TestClassify_ModelFailureIsRecoverable(t *testing.T) {
	model := &fakeModel{err: errors.New("rate limited")}

	_, err := newTestClient(model).Classify(context.Background(), "t", []string{"x"})
	assert.ErrorIs(t, err, feedback.ErrRecoverable)
}

func TestClassify_GarbageResponse(t *testing.T) {
	model := &fakeModel{response: "I cannot classify this."}

	_, err := newTestClient(model).Classify(context.Background(), "t", []string{"x"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestClassify_UnknownCategory(t *testing.T) {
	model := &fakeModel{response: `{"category": "urgent", "title": "x", "summary": "y", "confidence": 0.5}`}

	_, err := newTestClient(model).Classify(context.Background(), "t", []string{"x"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestExtractRules(t *testing.T) {
	model := &fakeModel{response: `["Use the project logger instead of fmt.Println", "", "Always wrap errors with context"]`}

	rules, err := newTestClient(model).ExtractRules(context.Background(), []string{
		"please use our logger here, not fmt.Println",
		"wrap this error",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Use the project logger instead of fmt.Println",
		"Always wrap errors with context",
	}, rules)
}

func TestExtractRules_EmptyInputSkipsModel(t *testing.T) {
	model := &fakeModel{response: `[]`}

	rules, err := newTestClient(model).ExtractRules(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Empty(t, model.prompts, "no model call for empty input")
}
