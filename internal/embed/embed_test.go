package embed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// fakeProvider implements embeddings.Embedder with scripted behavior.
type fakeProvider struct {
	vec      []float32
	failures int // fail this many calls before succeeding
	calls    int
}

func (f *fakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.EmbedQuery(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("model unavailable")
	}
	return append([]float32(nil), f.vec...), nil
}

func testConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		VectorSize:     3,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}
}

func TestEmbed_CachesByContentHash(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{vec: []float32{1, 2, 3}}

	g, err := NewWithProvider(testConfig(), provider, nil)
	require.NoError(t, err)

	v1, err := g.Embed(ctx, "App crashes on login")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v1)

	// Same text after normalization hits the cache.
	_, err = g.Embed(ctx, "app  CRASHES on login")
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, 1, g.CacheSize())
}

func TestEmbed_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{vec: []float32{1, 0, 0}, failures: 2}

	g, err := NewWithProvider(testConfig(), provider, nil)
	require.NoError(t, err)

	vec, err := g.Embed(ctx, "flaky once")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, 3, provider.calls)
}

func TestEmbed_ExhaustionIsRecoverable(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{vec: []float32{1, 0, 0}, failures: 10}

	g, err := NewWithProvider(testConfig(), provider, nil)
	require.NoError(t, err)

	_, err = g.Embed(ctx, "always failing")
	require.Error(t, err)
	assert.ErrorIs(t, err, feedback.ErrRecoverable)
	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, 0, g.CacheSize())
}

func TestEmbed_EmptyTextRejected(t *testing.T) {
	g, err := NewWithProvider(testConfig(), &fakeProvider{vec: []float32{1}}, nil)
	require.NoError(t, err)

	_, err = g.Embed(context.Background(), "")
	assert.ErrorIs(t, err, feedback.ErrValidation)
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.VectorSize = 5

	g, err := NewWithProvider(cfg, &fakeProvider{vec: []float32{1, 2, 3}}, nil)
	require.NoError(t, err)

	_, err = g.Embed(context.Background(), "wrong size")
	require.Error(t, err)
	assert.ErrorIs(t, err, feedback.ErrConsistency)
}

func TestFlushCache(t *testing.T) {
	g, err := NewWithProvider(testConfig(), &fakeProvider{vec: []float32{1, 2, 3}}, nil)
	require.NoError(t, err)

	_, err = g.Embed(context.Background(), "something")
	require.NoError(t, err)
	require.Equal(t, 1, g.CacheSize())

	g.FlushCache()
	assert.Equal(t, 0, g.CacheSize())
}

func TestEmbed_ReturnedVectorIsCopy(t *testing.T) {
	ctx := context.Background()
	g, err := NewWithProvider(testConfig(), &fakeProvider{vec: []float32{1, 2, 3}}, nil)
	require.NoError(t, err)

	v1, err := g.Embed(ctx, "text")
	require.NoError(t, err)
	v1[0] = 42

	v2, err := g.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, float32(1), v2[0])
}
