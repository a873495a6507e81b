// Package embed wraps the external embedding model behind a cached,
// rate-limited, retrying gateway.
//
// Embeddings are cached by content hash, the same derivation used for signal
// ids, so re-embedding identical text is free. Transient failures are retried
// with bounded exponential backoff; on exhaustion the error wraps
// feedback.ErrRecoverable so callers requeue the work instead of losing it.
package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/embed"

// ErrEmptyText indicates empty input text.
var ErrEmptyText = errors.New("text cannot be empty")

// Embedder generates a vector for a single text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Gateway implements Embedder over a langchaingo embeddings provider.
type Gateway struct {
	provider embeddings.Embedder
	cfg      config.EmbeddingConfig
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string][]float32

	callCounter  metric.Int64Counter
	cacheCounter metric.Int64Counter
}

// New creates a gateway backed by an OpenAI-compatible embedding endpoint.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (*Gateway, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for keyless local endpoints.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	provider, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return NewWithProvider(cfg, provider, logger)
}

// NewWithProvider creates a gateway over an existing embeddings provider.
// Used by tests to substitute a deterministic embedder.
func NewWithProvider(cfg config.EmbeddingConfig, provider embeddings.Embedder, logger *zap.Logger) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("embeddings provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		logger:   logger.Named("embed"),
		cache:    make(map[string][]float32),
	}

	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.RateBurst, 1))
	}

	meter := otel.Meter(instrumentationName)
	var err error
	g.callCounter, err = meter.Int64Counter(
		"feedbackd.embed.calls_total",
		metric.WithDescription("Embedding model calls by result"),
	)
	if err != nil {
		g.logger.Warn("failed to create call counter", zap.Error(err))
	}
	g.cacheCounter, err = meter.Int64Counter(
		"feedbackd.embed.cache_hits_total",
		metric.WithDescription("Embedding cache hits"),
	)
	if err != nil {
		g.logger.Warn("failed to create cache counter", zap.Error(err))
	}

	return g, nil
}

// Embed returns the embedding vector for text, serving from cache when the
// content hash has been seen before.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: %s", feedback.ErrValidation, ErrEmptyText)
	}

	key := feedback.ContentHash(text)

	g.mu.RLock()
	cached, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		if g.cacheCounter != nil {
			g.cacheCounter.Add(ctx, 1)
		}
		return append([]float32(nil), cached...), nil
	}

	vec, err := g.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[key] = vec
	g.mu.Unlock()

	return append([]float32(nil), vec...), nil
}

// embedWithRetry calls the provider with bounded exponential backoff.
func (g *Gateway) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", feedback.ErrRecoverable, ctx.Err())
			}
		}

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", feedback.ErrRecoverable, err)
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		}

		vec, err := g.provider.EmbedQuery(callCtx, text)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if g.callCounter != nil {
				g.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
			}
			if g.cfg.VectorSize > 0 && len(vec) != g.cfg.VectorSize {
				return nil, fmt.Errorf("%w: model returned %d dimensions, expected %d",
					feedback.ErrConsistency, len(vec), g.cfg.VectorSize)
			}
			return vec, nil
		}

		lastErr = err
		g.logger.Warn("embedding call failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", g.cfg.MaxRetries),
			zap.Error(err))
	}

	if g.callCounter != nil {
		g.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
	}
	return nil, fmt.Errorf("%w: embedding failed after %d attempts: %v",
		feedback.ErrRecoverable, g.cfg.MaxRetries, lastErr)
}

// CacheSize returns the number of cached vectors.
func (g *Gateway) CacheSize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}

// FlushCache drops all cached vectors. Exposed as an explicit maintenance
// operation; nothing flushes implicitly.
func (g *Gateway) FlushCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[string][]float32)
}
