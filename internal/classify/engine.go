// Package classify labels topics and spawns tasks from actionable ones.
//
// Classification is lazy and evidence-driven: a topic is sent to the LLM
// only once it has enough members to be worth acting on, and never
// re-sent while its member count is unchanged since the last successful
// classification. An LLM failure leaves the topic marked pending instead
// of fabricating a label.
package classify

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
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/classify"

// Outcome describes what Classify did with a topic.
type Outcome string

const (
	// OutcomeSkipped means the topic was below the member minimum or already
	// classified at its current member count.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeClassified means the topic was labelled; no task was created.
	OutcomeClassified Outcome = "classified"

	// OutcomeTaskCreated means the topic was labelled actionable and a new
	// task was created for it.
	OutcomeTaskCreated Outcome = "task_created"
)

// Result reports one classification pass over a topic.
type Result struct {
	Outcome  Outcome
	Category feedback.Category

	// TaskID is set when Outcome is OutcomeTaskCreated.
	TaskID string
}

// Engine classifies topics and creates tasks.
type Engine struct {
	topics     store.TopicStore
	tasks      store.TaskStore
	signals    store.SignalStore
	classifier llm.Classifier
	cfg        config.ClassifyConfig
	logger     *zap.Logger

	tracer         trace.Tracer
	outcomeCounter metric.Int64Counter
}

// NewEngine creates a classification engine.
func NewEngine(cfg config.ClassifyConfig, topics store.TopicStore, tasks store.TaskStore, signals store.SignalStore, classifier llm.Classifier, logger *zap.Logger) (*Engine, error) {
	if topics == nil || tasks == nil || signals == nil {
		return nil, fmt.Errorf("topic, task and signal stores are required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		topics:     topics,
		tasks:      tasks,
		signals:    signals,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.Named("classify"),
		tracer:     otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.outcomeCounter, err = meter.Int64Counter(
		"feedbackd.classify.outcomes_total",
		metric.WithDescription("Classification passes by outcome"),
	)
	if err != nil {
		e.logger.Warn("failed to create outcome counter", zap.Error(err))
	}

	return e, nil
}

// Classify runs one classification pass over a topic.
//
// Triggered whenever a topic gains a member. Below the member minimum it is
// a no-op, as is a topic whose label already reflects its current member
// count, so redundant triggers are cheap. On LLM failure the topic is
// marked classification-pending and the recoverable error is returned for
// requeueing.
func (e *Engine) Classify(ctx context.Context, topicID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "classify.topic",
		trace.WithAttributes(attribute.String("topic.id", topicID)))
	defer span.End()

	topic, err := e.topics.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}

	if topic.MemberCount() < e.cfg.MinMembers {
		return e.skip(ctx, topic.Label), nil
	}
	if topic.ClassifyState == feedback.ClassifyDone && topic.ClassifiedMembers == topic.MemberCount() {
		return e.skip(ctx, topic.Label), nil
	}

	texts, err := e.memberTexts(ctx, topic)
	if err != nil {
		return nil, err
	}

	classification, err := e.classifier.Classify(ctx, topic.Title, texts)
	if err != nil {
		if markErr := e.markPending(ctx, topicID); markErr != nil {
			e.logger.Error("failed to mark topic pending", zap.String("topic_id", topicID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("classifying topic %s: %w", topicID, err)
	}

	memberCount := topic.MemberCount()
	updated, err := e.topics.Update(ctx, topicID, func(t *feedback.Topic) error {
		t.Label = classification.Category
		t.Classification = classification
		t.ClassifyState = feedback.ClassifyDone
		t.ClassifiedMembers = memberCount
		if classification.Title != "" {
			t.Title = classification.Title
		}
		t.UpdatedAt = timeNow()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing classification: %w", err)
	}

	e.logger.Info("topic classified",
		zap.String("topic_id", topicID),
		zap.String("category", string(classification.Category)),
		zap.Int("members", memberCount),
		zap.Float64("confidence", classification.Confidence))

	if !classification.Category.Actionable() {
		return e.record(ctx, OutcomeClassified, classification.Category, ""), nil
	}

	taskID, created, err := e.ensureTask(ctx, updated, classification)
	if err != nil {
		return nil, err
	}
	if !created {
		return e.record(ctx, OutcomeClassified, classification.Category, ""), nil
	}
	return e.record(ctx, OutcomeTaskCreated, classification.Category, taskID), nil
}

// memberTexts fetches member signal texts for the prompt, capped at the
// configured maximum. Most recent members come last so the prompt keeps the
// founding context when truncated.
func (e *Engine) memberTexts(ctx context.Context, topic *feedback.Topic) ([]string, error) {
	ids := topic.MemberSignalIDs
	if max := e.cfg.MaxSignalsInPrompt; max > 0 && len(ids) > max {
		ids = ids[:max]
	}

	texts := make([]string, 0, len(ids))
	for _, id := range ids {
		sig, err := e.signals.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: topic member %s missing from signal store", feedback.ErrConsistency, id)
		}
		texts = append(texts, sig.Text)
	}
	return texts, nil
}

// ensureTask creates a task for an actionable topic unless one is already
// open. The open-task check and creation both run while holding the topic's
// writer lock, which serializes concurrent classification of the same topic.
func (e *Engine) ensureTask(ctx context.Context, topic *feedback.Topic, c *feedback.Classification) (string, bool, error) {
	var taskID string
	created := false

	_, err := e.topics.Update(ctx, topic.ID, func(t *feedback.Topic) error {
		_, open, err := e.tasks.OpenForTopic(ctx, t.ID)
		if err != nil {
			return err
		}
		if open {
			return nil
		}

		now := timeNow()
		task := &feedback.Task{
			ID:        uuid.New().String(),
			TopicID:   t.ID,
			Kind:      c.Category,
			Title:     c.Title,
			Summary:   c.Summary,
			Status:    feedback.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if c.Category == feedback.CategoryBug {
			task.Severity = c.Severity
		}
		task.Priority = feedback.PriorityForSeverity(task.Severity)

		if err := e.tasks.Create(ctx, task); err != nil {
			return err
		}
		taskID = task.ID
		created = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("creating task for topic %s: %w", topic.ID, err)
	}

	if created {
		e.logger.Info("task created",
			zap.String("task_id", taskID),
			zap.String("topic_id", topic.ID),
			zap.String("kind", string(c.Category)))
	}
	return taskID, created, nil
}

func (e *Engine) markPending(ctx context.Context, topicID string) error {
	_, err := e.topics.Update(ctx, topicID, func(t *feedback.Topic) error {
		t.ClassifyState = feedback.ClassifyPending
		t.UpdatedAt = timeNow()
		return nil
	})
	return err
}

// Pending lists topics awaiting a classification retry. The maintenance
// sweep feeds these back through Classify.
func (e *Engine) Pending(ctx context.Context) ([]*feedback.Topic, error) {
	topics, err := e.topics.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*feedback.Topic
	for _, t := range topics {
		if t.ClassifyState == feedback.ClassifyPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (e *Engine) skip(ctx context.Context, label feedback.Category) *Result {
	return e.record(ctx, OutcomeSkipped, label, "")
}

func (e *Engine) record(ctx context.Context, outcome Outcome, category feedback.Category, taskID string) *Result {
	if e.outcomeCounter != nil {
		e.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome))))
	}
	return &Result{Outcome: outcome, Category: category, TaskID: taskID}
}
