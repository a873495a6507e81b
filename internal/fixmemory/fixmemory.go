// Package fixmemory is the pipeline's learning loop: merged fixes become
// retrievable few-shot examples, and review comments become ranked style
// rules injected into future dispatches.
//
// Fix examples live in an embedded chromem-go collection queried by the
// problem embedding. Only merged fixes are recorded; rejected attempts
// teach nothing worth retrieving.
package fixmemory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/fixmemory"

// SimilarFix is one retrieved fix-memory example.
type SimilarFix struct {
	FixID      string
	Problem    string
	PatchRef   string
	Summary    string
	Similarity float64
}

// Memory records merged fixes and learned style rules.
type Memory struct {
	collection *chromem.Collection
	rules      store.RuleStore
	extractor  llm.RuleExtractor
	cfg        config.FixMemoryConfig
	logger     *zap.Logger

	tracer        trace.Tracer
	mergedCounter metric.Int64Counter
	rulesCounter  metric.Int64Counter
}

// New creates a fix memory over an existing chromem DB. Production passes a
// persistent DB from OpenDB; tests pass chromem.NewDB().
func New(cfg config.FixMemoryConfig, db *chromem.DB, rules store.RuleStore, extractor llm.RuleExtractor, logger *zap.Logger) (*Memory, error) {
	if db == nil {
		return nil, fmt.Errorf("chromem db is required")
	}
	if rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Documents always carry explicit embeddings; chromem must never fall
	// back to its default OpenAI embedder.
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectImplicitEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening fix collection %s: %w", cfg.Collection, err)
	}

	m := &Memory{
		collection: collection,
		rules:      rules,
		extractor:  extractor,
		cfg:        cfg,
		logger:     logger.Named("fixmemory"),
		tracer:     otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	if m.mergedCounter, err = meter.Int64Counter(
		"feedbackd.fixmemory.merged_fixes_total",
		metric.WithDescription("Merged fixes recorded into fix memory"),
	); err != nil {
		m.logger.Warn("failed to create merged counter", zap.Error(err))
	}
	if m.rulesCounter, err = meter.Int64Counter(
		"feedbackd.fixmemory.rules_learned_total",
		metric.WithDescription("Style rules learned from review comments"),
	); err != nil {
		m.logger.Warn("failed to create rules counter", zap.Error(err))
	}

	return m, nil
}

// OpenDB opens the persistent chromem database at the configured path,
// expanding a leading ~.
func OpenDB(cfg config.FixMemoryConfig) (*chromem.DB, error) {
	path := cfg.Path
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expanding fix memory path: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating fix memory directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening fix memory db: %w", err)
	}
	return db, nil
}

func rejectImplicitEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("fix memory documents carry explicit embeddings")
}

// RecordMerge stores a merged fix as a retrievable example. Called
// synchronously in the merge path so a fix is never marked merged without
// its memory entry.
func (m *Memory) RecordMerge(ctx context.Context, fix *feedback.FixRecord) error {
	ctx, span := m.tracer.Start(ctx, "fixmemory.record_merge",
		trace.WithAttributes(attribute.String("fix.id", fix.ID)))
	defer span.End()

	if fix.ID == "" || fix.ProblemText == "" {
		return fmt.Errorf("%w: fix id and problem text are required", feedback.ErrValidation)
	}
	if len(fix.Embedding) == 0 {
		return fmt.Errorf("%w: fix %s has no problem embedding", feedback.ErrValidation, fix.ID)
	}

	mergedAt := fix.MergedAt
	if mergedAt.IsZero() {
		mergedAt = fix.CreatedAt
	}
	doc := chromem.Document{
		ID:      fix.ID,
		Content: fix.ProblemText,
		Metadata: map[string]string{
			"task_id":   fix.TaskID,
			"topic_id":  fix.TopicID,
			"patch_ref": fix.PatchRef,
			"summary":   fix.Summary,
			"merged_at": strconv.FormatInt(mergedAt.Unix(), 10),
		},
		Embedding: fix.Embedding,
	}
	if err := m.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("recording merged fix %s: %w", fix.ID, err)
	}

	if m.mergedCounter != nil {
		m.mergedCounter.Add(ctx, 1)
	}
	m.logger.Info("merged fix recorded",
		zap.String("fix_id", fix.ID),
		zap.String("task_id", fix.TaskID))
	return nil
}

// RetrieveSimilar returns up to k past fixes nearest to the problem
// embedding, nearest first, dropping matches below the similarity floor.
func (m *Memory) RetrieveSimilar(ctx context.Context, embedding []float32, k int) ([]SimilarFix, error) {
	ctx, span := m.tracer.Start(ctx, "fixmemory.retrieve_similar")
	defer span.End()

	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", feedback.ErrValidation)
	}
	if k <= 0 {
		k = m.cfg.FewShotK
	}

	// chromem requires nResults <= document count.
	count := m.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := m.collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying fix memory: %w", err)
	}

	type scored struct {
		fix      SimilarFix
		mergedAt int64
	}
	kept := make([]scored, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < m.cfg.MinSimilarity {
			continue
		}
		ts, _ := strconv.ParseInt(r.Metadata["merged_at"], 10, 64)
		kept = append(kept, scored{
			fix: SimilarFix{
				FixID:      r.ID,
				Problem:    r.Content,
				PatchRef:   r.Metadata["patch_ref"],
				Summary:    r.Metadata["summary"],
				Similarity: sim,
			},
			mergedAt: ts,
		})
	}
	// Equal-similarity results come back in arbitrary order; prefer the
	// most recently merged fix.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].fix.Similarity != kept[j].fix.Similarity {
			return kept[i].fix.Similarity > kept[j].fix.Similarity
		}
		return kept[i].mergedAt > kept[j].mergedAt
	})

	out := make([]SimilarFix, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.fix)
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// LearnFromReview extracts style rules from review comments and upserts
// them. The LLM extractor is preferred; on failure a keyword heuristic
// salvages obviously prescriptive comments rather than losing the review.
func (m *Memory) LearnFromReview(ctx context.Context, comments []string) ([]*feedback.StyleRule, error) {
	ctx, span := m.tracer.Start(ctx, "fixmemory.learn_from_review")
	defer span.End()

	if len(comments) == 0 {
		return nil, nil
	}

	var texts []string
	if m.extractor != nil {
		extracted, err := m.extractor.ExtractRules(ctx, comments)
		if err != nil {
			m.logger.Warn("rule extraction failed, falling back to heuristic", zap.Error(err))
			texts = heuristicRules(comments)
		} else {
			texts = extracted
		}
	} else {
		texts = heuristicRules(comments)
	}

	var learned []*feedback.StyleRule
	for _, text := range texts {
		normalized := NormalizeRule(text)
		if normalized == "" {
			continue
		}
		rule, err := m.rules.Upsert(ctx, normalized)
		if err != nil {
			return learned, fmt.Errorf("upserting rule: %w", err)
		}
		learned = append(learned, rule)
	}

	if m.rulesCounter != nil && len(learned) > 0 {
		m.rulesCounter.Add(ctx, int64(len(learned)))
	}
	if len(learned) > 0 {
		m.logger.Info("style rules learned", zap.Int("count", len(learned)))
	}
	return learned, nil
}

// TopRules returns the highest-usage style rules for dispatch context.
func (m *Memory) TopRules(ctx context.Context) ([]*feedback.StyleRule, error) {
	return m.rules.Top(ctx, m.cfg.TopRules)
}

// FormatFewShot renders retrieved fixes as dispatch context.
func FormatFewShot(fixes []SimilarFix) string {
	if len(fixes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Similar problems fixed before:\n")
	for i, f := range fixes {
		fmt.Fprintf(&b, "%d. Problem: %s\n", i+1, f.Problem)
		if f.Summary != "" {
			fmt.Fprintf(&b, "   Fix: %s\n", f.Summary)
		}
		if f.PatchRef != "" {
			fmt.Fprintf(&b, "   Patch: %s\n", f.PatchRef)
		}
	}
	return b.String()
}

// FormatRules renders ranked style rules as dispatch context.
func FormatRules(rules []*feedback.StyleRule) string {
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Project conventions to follow:\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s\n", r.Text)
	}
	return b.String()
}
