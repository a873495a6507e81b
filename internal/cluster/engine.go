// Package cluster assigns signals to topics by embedding similarity.
//
// This is online single-pass clustering: each signal is compared against all
// existing topic centroids exactly once, at ingestion, and past assignments
// are never revisited. The trade is optimality for O(signals x topics)
// incremental cost and streaming suitability. Topics only grow; merging is a
// maintenance operation outside the hot path, never automatic.
package cluster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/cluster"

// topicTitleLimit caps the title derived from the founding signal's text.
const topicTitleLimit = 100

// Action describes what Assign did with a signal.
type Action string

const (
	// ActionAttached means the signal joined an existing topic.
	ActionAttached Action = "attached"

	// ActionCreated means a new singleton topic was created.
	ActionCreated Action = "created"

	// ActionTriaged means the best match fell in the triage band; the signal
	// was parked on the triage queue with its candidate topic and joins
	// nothing until a human confirms.
	ActionTriaged Action = "triaged"
)

// Assignment is the result of clustering one signal.
type Assignment struct {
	TopicID    string
	Action     Action
	Similarity float64

	// NewMemberCount is the topic's member count after assignment.
	NewMemberCount int
}

// Engine clusters signals into topics.
type Engine struct {
	topics  store.TopicStore
	triage  store.TriageStore
	signals store.SignalStore
	cfg     config.ClusterConfig
	logger  *zap.Logger

	tracer        trace.Tracer
	assignCounter metric.Int64Counter
}

// NewEngine creates a clustering engine.
func NewEngine(cfg config.ClusterConfig, topics store.TopicStore, triage store.TriageStore, signals store.SignalStore, logger *zap.Logger) (*Engine, error) {
	if topics == nil {
		return nil, fmt.Errorf("topic store is required")
	}
	if triage == nil {
		return nil, fmt.Errorf("triage store is required")
	}
	if signals == nil {
		return nil, fmt.Errorf("signal store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		topics:  topics,
		triage:  triage,
		signals: signals,
		cfg:     cfg,
		logger:  logger.Named("cluster"),
		tracer:  otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.assignCounter, err = meter.Int64Counter(
		"feedbackd.cluster.assignments_total",
		metric.WithDescription("Signal assignments by action"),
	)
	if err != nil {
		e.logger.Warn("failed to create assignment counter", zap.Error(err))
	}

	return e, nil
}

// Assign places a signal into a topic.
//
// The best-matching centroid wins when its cosine similarity is at or above
// the attach threshold; candidates within the tie epsilon of the best prefer
// the topic with more members, which stabilizes growth. Matches inside the
// triage band park the signal for human confirmation. Anything lower creates
// a new singleton topic.
func (e *Engine) Assign(ctx context.Context, sig *feedback.Signal, vector []float32) (*Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "cluster.assign")
	defer span.End()

	if sig == nil || sig.ID == "" {
		return nil, fmt.Errorf("%w: signal with id is required", feedback.ErrValidation)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: embedding vector is required", feedback.ErrValidation)
	}

	best, bestSim, err := e.findBestTopic(ctx, vector)
	if err != nil {
		return nil, err
	}

	var result *Assignment
	switch {
	case best != nil && bestSim >= e.cfg.AttachThreshold:
		result, err = e.attach(ctx, sig, best.ID, vector, bestSim)
	case best != nil && bestSim >= e.cfg.TriageThreshold:
		result, err = e.parkForTriage(ctx, sig, best, bestSim)
	default:
		result, err = e.createTopic(ctx, sig, vector)
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("action", string(result.Action)),
		attribute.String("topic_id", result.TopicID),
		attribute.Float64("similarity", result.Similarity),
	)
	if e.assignCounter != nil {
		e.assignCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(result.Action))))
	}
	return result, nil
}

// findBestTopic scans all centroids and applies the epsilon tie-break:
// among topics within TieEpsilon of the best similarity, the one with the
// most members wins. The best similarity itself drives the threshold
// decision.
func (e *Engine) findBestTopic(ctx context.Context, vector []float32) (*feedback.Topic, float64, error) {
	topics, err := e.topics.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("listing topics: %w", err)
	}
	if len(topics) == 0 {
		return nil, 0, nil
	}

	sims := make([]float64, len(topics))
	bestSim := -1.0
	for i, topic := range topics {
		sims[i] = Cosine(vector, topic.Centroid)
		if sims[i] > bestSim {
			bestSim = sims[i]
		}
	}

	var best *feedback.Topic
	for i, topic := range topics {
		if sims[i] < bestSim-e.cfg.TieEpsilon {
			continue
		}
		if best == nil || topic.MemberCount() > best.MemberCount() {
			best = topic
		}
	}
	return best, bestSim, nil
}

// attach adds the signal to the topic and advances the centroid to the
// incremental mean of all member embeddings. The store serializes updates
// per topic, keeping the mean correct under concurrent assignment.
func (e *Engine) attach(ctx context.Context, sig *feedback.Signal, topicID string, vector []float32, sim float64) (*Assignment, error) {
	updated, err := e.topics.Update(ctx, topicID, func(t *feedback.Topic) error {
		for _, id := range t.MemberSignalIDs {
			if id == sig.ID {
				return fmt.Errorf("%w: signal %s already in topic %s", feedback.ErrConsistency, sig.ID, topicID)
			}
		}
		t.MemberSignalIDs = append(t.MemberSignalIDs, sig.ID)

		n := float32(len(t.MemberSignalIDs))
		if len(t.Centroid) != len(vector) {
			return fmt.Errorf("%w: centroid dimension %d vs vector %d", feedback.ErrConsistency, len(t.Centroid), len(vector))
		}
		for i := range t.Centroid {
			t.Centroid[i] += (vector[i] - t.Centroid[i]) / n
		}
		t.UpdatedAt = timeNow()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.signals.SetTopic(ctx, sig.ID, topicID); err != nil {
		return nil, fmt.Errorf("recording signal topic: %w", err)
	}

	e.logger.Debug("signal attached",
		zap.String("signal_id", sig.ID),
		zap.String("topic_id", topicID),
		zap.Float64("similarity", sim),
		zap.Int("members", updated.MemberCount()))

	return &Assignment{
		TopicID:        topicID,
		Action:         ActionAttached,
		Similarity:     sim,
		NewMemberCount: updated.MemberCount(),
	}, nil
}

// parkForTriage records the candidate match on the triage queue only. The
// signal joins the member list, and the centroid, after a human confirms;
// until then the topic is untouched so the incremental mean stays the mean
// of contributing embeddings.
func (e *Engine) parkForTriage(ctx context.Context, sig *feedback.Signal, topic *feedback.Topic, sim float64) (*Assignment, error) {
	if err := e.triage.Push(ctx, store.TriageEntry{
		SignalID:   sig.ID,
		TopicID:    topic.ID,
		Similarity: sim,
	}); err != nil {
		return nil, fmt.Errorf("pushing triage entry: %w", err)
	}

	e.logger.Info("signal parked for triage",
		zap.String("signal_id", sig.ID),
		zap.String("topic_id", topic.ID),
		zap.Float64("similarity", sim))

	return &Assignment{
		TopicID:        topic.ID,
		Action:         ActionTriaged,
		Similarity:     sim,
		NewMemberCount: topic.MemberCount(),
	}, nil
}

// createTopic starts a new singleton topic with the signal's vector as the
// centroid and a title derived from its text.
func (e *Engine) createTopic(ctx context.Context, sig *feedback.Signal, vector []float32) (*Assignment, error) {
	now := timeNow()
	topic := &feedback.Topic{
		ID:              uuid.New().String(),
		Title:           deriveTitle(sig),
		Centroid:        append([]float32(nil), vector...),
		MemberSignalIDs: []string{sig.ID},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.topics.Create(ctx, topic); err != nil {
		return nil, fmt.Errorf("creating topic: %w", err)
	}
	if err := e.signals.SetTopic(ctx, sig.ID, topic.ID); err != nil {
		return nil, fmt.Errorf("recording signal topic: %w", err)
	}

	e.logger.Info("topic created",
		zap.String("topic_id", topic.ID),
		zap.String("signal_id", sig.ID))

	return &Assignment{
		TopicID:        topic.ID,
		Action:         ActionCreated,
		Similarity:     1,
		NewMemberCount: 1,
	}, nil
}

// deriveTitle uses the signal title when present, else truncated text.
func deriveTitle(sig *feedback.Signal) string {
	title := sig.Title
	if title == "" {
		title = sig.Text
	}
	if len(title) > topicTitleLimit {
		return title[:topicTitleLimit] + "..."
	}
	return title
}
