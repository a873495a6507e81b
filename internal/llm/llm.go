// Package llm wraps the external LLM collaborator used for topic
// classification and review-comment rule extraction.
//
// The model is not deterministic: classifying the same topic text may
// legitimately vary slightly across calls. Callers tolerate this by only
// re-classifying on new evidence; tests substitute fixed-response fakes
// rather than asserting on real model output.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// ErrBadResponse indicates the model returned output that could not be
// parsed into the expected structure.
var ErrBadResponse = errors.New("unparseable model response")

// Classifier labels a topic from its member texts.
type Classifier interface {
	Classify(ctx context.Context, title string, signals []string) (*feedback.Classification, error)
}

// RuleExtractor pulls reusable coding conventions out of review comments.
type RuleExtractor interface {
	ExtractRules(ctx context.Context, comments []string) ([]string, error)
}

// Client is the combined LLM collaborator interface.
type Client interface {
	Classifier
	RuleExtractor
}

// OpenAIClient implements Client over an OpenAI-compatible chat endpoint.
type OpenAIClient struct {
	model  llms.Model
	cfg    config.LLMConfig
	logger *zap.Logger
}

// NewOpenAIClient creates the production LLM client.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	return NewWithModel(cfg, model, logger), nil
}

// NewWithModel creates a client over an existing langchaingo model.
func NewWithModel(cfg config.LLMConfig, model llms.Model, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		model:  model,
		cfg:    cfg,
		logger: logger.Named("llm"),
	}
}

// classifyResponse is the JSON shape the classification prompt requests.
type classifyResponse struct {
	Category        string  `json:"category"`
	Title           string  `json:"title"`
	Summary         string  `json:"summary"`
	Severity        string  `json:"severity"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
}

// Classify labels a topic. Failures wrap feedback.ErrRecoverable; the caller
// marks the topic classification_pending and retries later rather than
// fabricating a label.
func (c *OpenAIClient) Classify(ctx context.Context, title string, signals []string) (*feedback.Classification, error) {
	prompt := classificationPrompt(title, signals)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var resp classifyResponse
	if err := json.Unmarshal(extractJSON(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	category, err := parseCategory(resp.Category)
	if err != nil {
		return nil, err
	}

	result := &feedback.Classification{
		Category:        category,
		Title:           resp.Title,
		Summary:         resp.Summary,
		SuggestedAction: resp.SuggestedAction,
		Confidence:      resp.Confidence,
	}
	if category == feedback.CategoryBug {
		result.Severity = parseSeverity(resp.Severity)
	}
	if result.Title == "" {
		result.Title = title
	}

	c.logger.Info("topic classified",
		zap.String("category", string(result.Category)),
		zap.Float64("confidence", result.Confidence))

	return result, nil
}

// ExtractRules asks the model for reusable conventions in review comments.
// Returns raw rule texts; normalization and dedup happen in fix memory.
func (c *OpenAIClient) ExtractRules(ctx context.Context, comments []string) ([]string, error) {
	if len(comments) == 0 {
		return nil, nil
	}

	raw, err := c.complete(ctx, ruleExtractionPrompt(comments))
	if err != nil {
		return nil, err
	}

	var rules []string
	if err := json.Unmarshal(extractJSON(raw), &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	out := rules[:0]
	for _, r := range rules {
		if strings.TrimSpace(r) != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithTemperature(c.cfg.Temperature))
	if err != nil {
		return "", fmt.Errorf("%w: LLM call failed: %v", feedback.ErrRecoverable, err)
	}
	return resp, nil
}

// extractJSON pulls the first JSON value out of a model response that may be
// wrapped in prose or code fences.
func extractJSON(s string) []byte {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return []byte(s)
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndexByte(s, '}')
	} else {
		end = strings.LastIndexByte(s, ']')
	}
	if end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

func parseCategory(s string) (feedback.Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bug":
		return feedback.CategoryBug, nil
	case "feature":
		return feedback.CategoryFeature, nil
	case "ux":
		return feedback.CategoryUX, nil
	case "non_actionable", "other", "":
		return feedback.CategoryNonActionable, nil
	default:
		return "", fmt.Errorf("%w: unknown category %q", ErrBadResponse, s)
	}
}

func parseSeverity(s string) feedback.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return feedback.SeverityCritical
	case "major":
		return feedback.SeverityMajor
	case "minor":
		return feedback.SeverityMinor
	default:
		return ""
	}
}
