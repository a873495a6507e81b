// Package pipeline connects the processing stages over NATS work queues.
//
// Ingestion is the only synchronous step: validate, dedup, store, publish.
// Embedding, clustering, classification and dispatch each run as queue
// subscribers, so stage backpressure and retry live in the queue rather
// than in call stacks. Stage messages carry a delivery attempt counter;
// recoverable failures requeue with the counter bumped until the bound,
// after which the entity is left in its pending state for the maintenance
// sweep instead of looping forever.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/classify"
	"github.com/fyrsmithlabs/feedbackd/internal/cluster"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/pipeline"

// Stage subjects. Each carries a stageMsg naming one entity id.
const (
	SubjectEmbed    = "feedback.embed"
	SubjectClassify = "feedback.classify"
	SubjectDispatch = "feedback.dispatch"
)

// queueGroup makes stage subscribers compete for messages, so running
// multiple daemon instances divides the work instead of duplicating it.
const queueGroup = "feedbackd-workers"

// maxDeliveryAttempts bounds requeues of one message.
const maxDeliveryAttempts = 5

// handlerTimeout bounds one stage handler invocation.
const handlerTimeout = 2 * time.Minute

// stageMsg is the wire format on stage subjects.
type stageMsg struct {
	ID       string `json:"id"`
	Attempts int    `json:"attempts"`
}

// Embedder turns signal text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Clusterer assigns an embedded signal to a topic.
type Clusterer interface {
	Assign(ctx context.Context, sig *feedback.Signal, vector []float32) (*cluster.Assignment, error)
}

// Classifier runs a classification pass over a topic.
type Classifier interface {
	Classify(ctx context.Context, topicID string) (*classify.Result, error)
}

// Dispatcher sends a task to the coding agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) (*feedback.Task, error)
}

// Submission is one raw feedback item offered for ingestion.
type Submission struct {
	Text      string            `json:"text"`
	Title     string            `json:"title,omitempty"`
	Source    string            `json:"source"`
	URL       string            `json:"url,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IngestResult reports what ingestion did with a submission.
type IngestResult struct {
	SignalID  string `json:"signal_id"`
	Duplicate bool   `json:"duplicate"`
}

// Pipeline owns the NATS stage topology.
type Pipeline struct {
	nc         *nats.Conn
	signals    store.SignalStore
	triage     store.TriageStore
	embedder   Embedder
	clusterer  Clusterer
	classifier Classifier
	dispatcher Dispatcher
	logger     *zap.Logger

	subs []*nats.Subscription

	ingestCounter  metric.Int64Counter
	requeueCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
	sweptCounter   metric.Int64Counter
}

// New creates a pipeline over an established NATS connection.
func New(nc *nats.Conn, signals store.SignalStore, triage store.TriageStore, embedder Embedder, clusterer Clusterer, classifier Classifier, dispatcher Dispatcher, logger *zap.Logger) (*Pipeline, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if signals == nil || triage == nil || embedder == nil || clusterer == nil || classifier == nil || dispatcher == nil {
		return nil, fmt.Errorf("all stage dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		nc:         nc,
		signals:    signals,
		triage:     triage,
		embedder:   embedder,
		clusterer:  clusterer,
		classifier: classifier,
		dispatcher: dispatcher,
		logger:     logger.Named("pipeline"),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if p.ingestCounter, err = meter.Int64Counter(
		"feedbackd.pipeline.ingested_total",
		metric.WithDescription("Ingested submissions by outcome"),
	); err != nil {
		p.logger.Warn("failed to create ingest counter", zap.Error(err))
	}
	if p.requeueCounter, err = meter.Int64Counter(
		"feedbackd.pipeline.requeues_total",
		metric.WithDescription("Stage messages requeued on recoverable failure"),
	); err != nil {
		p.logger.Warn("failed to create requeue counter", zap.Error(err))
	}
	if p.droppedCounter, err = meter.Int64Counter(
		"feedbackd.pipeline.dropped_total",
		metric.WithDescription("Stage messages dropped after exhausting delivery attempts"),
	); err != nil {
		p.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
	if p.sweptCounter, err = meter.Int64Counter(
		"feedbackd.pipeline.swept_total",
		metric.WithDescription("Orphaned signals re-queued by the maintenance sweep"),
	); err != nil {
		p.logger.Warn("failed to create swept counter", zap.Error(err))
	}

	return p, nil
}

// Ingest validates, dedups and stores a submission, then queues it for
// embedding. Duplicates are acknowledged and dropped; re-ingesting a whole
// scrape batch is a no-op.
func (p *Pipeline) Ingest(ctx context.Context, sub *Submission) (*IngestResult, error) {
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	sig := &feedback.Signal{
		ID:        feedback.SignalID(sub.Text, sub.Source, sub.URL, ts),
		Text:      sub.Text,
		Title:     sub.Title,
		Source:    sub.Source,
		URL:       sub.URL,
		Timestamp: ts,
		Metadata:  sub.Metadata,
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	inserted, err := p.signals.PutIfAbsent(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("storing signal: %w", err)
	}
	if !inserted {
		p.count(ctx, p.ingestCounter, "duplicate")
		p.logger.Debug("duplicate signal dropped", zap.String("signal_id", sig.ID))
		return &IngestResult{SignalID: sig.ID, Duplicate: true}, nil
	}

	if err := p.publish(SubjectEmbed, &stageMsg{ID: sig.ID}); err != nil {
		// Stored but unqueued; the maintenance sweep re-enqueues orphans.
		p.logger.Error("failed to queue signal for embedding",
			zap.String("signal_id", sig.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: queueing signal: %v", feedback.ErrRecoverable, err)
	}

	p.count(ctx, p.ingestCounter, "accepted")
	p.logger.Info("signal ingested",
		zap.String("signal_id", sig.ID),
		zap.String("source", sig.Source))
	return &IngestResult{SignalID: sig.ID}, nil
}

// Start subscribes the stage workers. Call Stop to drain them.
func (p *Pipeline) Start() error {
	stages := []struct {
		subject string
		handler func(context.Context, *stageMsg) error
	}{
		{SubjectEmbed, p.handleEmbed},
		{SubjectClassify, p.handleClassify},
		{SubjectDispatch, p.handleDispatch},
	}

	for _, stage := range stages {
		stage := stage
		sub, err := p.nc.QueueSubscribe(stage.subject, queueGroup, func(msg *nats.Msg) {
			p.handle(stage.subject, msg, stage.handler)
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", stage.subject, err)
		}
		p.subs = append(p.subs, sub)
	}

	p.logger.Info("pipeline workers started", zap.Int("stages", len(stages)))
	return nil
}

// Stop drains the stage subscriptions.
func (p *Pipeline) Stop() {
	for _, sub := range p.subs {
		if err := sub.Drain(); err != nil {
			p.logger.Warn("failed to drain subscription",
				zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	p.subs = nil
}

// SweepUnclustered re-queues stored signals that never reached a topic:
// signals whose embed-stage publish failed after the store write, or whose
// stage message was dropped after exhausting delivery attempts. Signals
// parked on the triage queue are waiting on a human, not lost, and are
// skipped. Re-queueing a signal that is concurrently being processed is
// harmless; clustering rejects the duplicate member.
func (p *Pipeline) SweepUnclustered(ctx context.Context) error {
	sigs, err := p.signals.ListUnclustered(ctx)
	if err != nil {
		return fmt.Errorf("listing unclustered signals: %w", err)
	}
	if len(sigs) == 0 {
		return nil
	}

	entries, err := p.triage.List(ctx)
	if err != nil {
		return fmt.Errorf("listing triage queue: %w", err)
	}
	parked := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		parked[entry.SignalID] = struct{}{}
	}

	var swept int
	for _, sig := range sigs {
		if _, ok := parked[sig.ID]; ok {
			continue
		}
		if err := p.publish(SubjectEmbed, &stageMsg{ID: sig.ID}); err != nil {
			return fmt.Errorf("re-queueing signal %s: %w", sig.ID, err)
		}
		swept++
		p.count(ctx, p.sweptCounter, SubjectEmbed)
	}

	if swept > 0 {
		p.logger.Info("re-queued orphaned signals", zap.Int("count", swept))
	}
	return nil
}

// handle decodes, runs and retries one stage message.
func (p *Pipeline) handle(subject string, msg *nats.Msg, fn func(context.Context, *stageMsg) error) {
	var m stageMsg
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		p.logger.Error("malformed stage message dropped",
			zap.String("subject", subject), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := fn(ctx, &m)
	if err == nil {
		return
	}

	if !feedback.IsRecoverable(err) {
		p.logger.Error("stage failed",
			zap.String("subject", subject),
			zap.String("id", m.ID),
			zap.Error(err))
		return
	}

	m.Attempts++
	if m.Attempts >= maxDeliveryAttempts {
		p.count(ctx, p.droppedCounter, subject)
		p.logger.Error("stage message dropped after exhausting attempts",
			zap.String("subject", subject),
			zap.String("id", m.ID),
			zap.Int("attempts", m.Attempts),
			zap.Error(err))
		return
	}

	p.count(ctx, p.requeueCounter, subject)
	p.logger.Warn("requeueing stage message",
		zap.String("subject", subject),
		zap.String("id", m.ID),
		zap.Int("attempts", m.Attempts),
		zap.Error(err))
	if pubErr := p.publish(subject, &m); pubErr != nil {
		p.logger.Error("failed to requeue stage message",
			zap.String("subject", subject),
			zap.String("id", m.ID),
			zap.Error(pubErr))
	}
}

// handleEmbed embeds a signal and clusters it, then queues its topic for
// classification. Triaged signals wait for human confirmation and do not
// advance.
func (p *Pipeline) handleEmbed(ctx context.Context, m *stageMsg) error {
	sig, err := p.signals.Get(ctx, m.ID)
	if err != nil {
		return err
	}
	if sig.TopicID != "" {
		// Already clustered; a sweep raced a slow delivery. Move the topic
		// forward instead of embedding twice.
		return p.publish(SubjectClassify, &stageMsg{ID: sig.TopicID})
	}

	vector, err := p.embedder.Embed(ctx, sig.Text)
	if err != nil {
		return err
	}

	assignment, err := p.clusterer.Assign(ctx, sig, vector)
	if err != nil {
		return err
	}

	if assignment.Action == cluster.ActionTriaged {
		return nil
	}
	return p.publish(SubjectClassify, &stageMsg{ID: assignment.TopicID})
}

// handleClassify classifies a topic and queues any new task for dispatch.
func (p *Pipeline) handleClassify(ctx context.Context, m *stageMsg) error {
	res, err := p.classifier.Classify(ctx, m.ID)
	if err != nil {
		return err
	}
	if res.Outcome != classify.OutcomeTaskCreated {
		return nil
	}
	return p.publish(SubjectDispatch, &stageMsg{ID: res.TaskID})
}

// handleDispatch hands a task to the coding agent.
func (p *Pipeline) handleDispatch(ctx context.Context, m *stageMsg) error {
	_, err := p.dispatcher.Dispatch(ctx, m.ID)
	return err
}

func (p *Pipeline) publish(subject string, m *stageMsg) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}

func (p *Pipeline) count(ctx context.Context, counter metric.Int64Counter, label string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", label)))
	}
}
