// Package orchestrator drives tasks through the fix lifecycle.
//
// Every status change goes through the task store's per-id writer lock and
// is validated against the lifecycle state machine, so concurrent webhook
// deliveries and API calls cannot race a task into an illegal state. The
// merge path records fix memory synchronously before the terminal
// transition: a merged task without its memory entry would silently stop
// the learning loop.
package orchestrator

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
	"github.com/fyrsmithlabs/feedbackd/internal/fixmemory"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/orchestrator"

// DispatchRequest is the work order handed to the coding agent.
type DispatchRequest struct {
	TaskID   string
	Problem  string
	Priority feedback.Priority

	// Context carries few-shot fix examples and ranked style rules.
	Context string

	// ReviewComments carries reviewer feedback on a re-dispatch.
	ReviewComments []string
}

// AgentClient submits work to the coding agent.
type AgentClient interface {
	// Dispatch submits the request and returns the agent's job id.
	Dispatch(ctx context.Context, req *DispatchRequest) (string, error)

	// Abandon tells the agent to stop a job. Best effort.
	Abandon(ctx context.Context, jobID string) error
}

// Embedder produces the problem embedding for fix memory.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FixMemory is the learning loop surface the orchestrator needs.
type FixMemory interface {
	RecordMerge(ctx context.Context, fix *feedback.FixRecord) error
	RetrieveSimilar(ctx context.Context, embedding []float32, k int) ([]fixmemory.SimilarFix, error)
	LearnFromReview(ctx context.Context, comments []string) ([]*feedback.StyleRule, error)
	TopRules(ctx context.Context) ([]*feedback.StyleRule, error)
}

// IssueCreator files a tracker issue for a task.
type IssueCreator interface {
	CreateIssue(ctx context.Context, task *feedback.Task) (string, error)
}

// Verdict is a review outcome reported for a task's current fix.
type Verdict string

const (
	VerdictMerged       Verdict = "merged"
	VerdictNeedsChanges Verdict = "needs_changes"
	VerdictRejected     Verdict = "rejected"
)

// Orchestrator owns task lifecycle transitions.
type Orchestrator struct {
	tasks    store.TaskStore
	fixes    store.FixStore
	agent    AgentClient
	embedder Embedder
	memory   FixMemory
	issues   IssueCreator
	cfg      config.TaskConfig
	logger   *zap.Logger

	tracer            trace.Tracer
	transitionCounter metric.Int64Counter
}

// New creates an orchestrator. The issue creator is optional; everything
// else is required.
func New(cfg config.TaskConfig, tasks store.TaskStore, fixes store.FixStore, agent AgentClient, embedder Embedder, memory FixMemory, issues IssueCreator, logger *zap.Logger) (*Orchestrator, error) {
	if tasks == nil || fixes == nil {
		return nil, fmt.Errorf("task and fix stores are required")
	}
	if agent == nil {
		return nil, fmt.Errorf("agent client is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if memory == nil {
		return nil, fmt.Errorf("fix memory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		tasks:    tasks,
		fixes:    fixes,
		agent:    agent,
		embedder: embedder,
		memory:   memory,
		issues:   issues,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		tracer:   otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	o.transitionCounter, err = meter.Int64Counter(
		"feedbackd.tasks.transitions_total",
		metric.WithDescription("Task status transitions"),
	)
	if err != nil {
		o.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	return o, nil
}

// Dispatch sends a pending task to the coding agent with fix-memory context.
//
// An agent failure leaves the task pending and returns a recoverable error
// so the work item is requeued rather than lost.
func (o *Orchestrator) Dispatch(ctx context.Context, taskID string) (*feedback.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransition(feedback.TaskDispatched) {
		return nil, fmt.Errorf("%w: cannot dispatch task in status %s", feedback.ErrInvalidTransition, task.Status)
	}

	jobID, err := o.submit(ctx, task, nil)
	if err != nil {
		return nil, err
	}

	return o.transition(ctx, taskID, feedback.TaskDispatched, func(t *feedback.Task) {
		t.AgentJobID = jobID
	})
}

// submit builds the dispatch context and hands the task to the agent.
func (o *Orchestrator) submit(ctx context.Context, task *feedback.Task, reviewComments []string) (string, error) {
	if o.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DispatchTimeout)
		defer cancel()
	}

	agentCtx, err := o.buildContext(ctx, task)
	if err != nil {
		// Degraded dispatch beats no dispatch; the agent just gets less
		// context.
		o.logger.Warn("dispatching without fix-memory context",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	jobID, err := o.agent.Dispatch(ctx, &DispatchRequest{
		TaskID:         task.ID,
		Problem:        task.ProblemText(),
		Priority:       task.Priority,
		Context:        agentCtx,
		ReviewComments: reviewComments,
	})
	if err != nil {
		return "", fmt.Errorf("%w: agent dispatch failed: %v", feedback.ErrRecoverable, err)
	}

	o.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_job_id", jobID),
		zap.Int("retry_count", task.RetryCount))
	return jobID, nil
}

// buildContext assembles few-shot fixes and style rules for the agent.
func (o *Orchestrator) buildContext(ctx context.Context, task *feedback.Task) (string, error) {
	vector, err := o.embedder.Embed(ctx, task.ProblemText())
	if err != nil {
		return "", err
	}
	similar, err := o.memory.RetrieveSimilar(ctx, vector, 0)
	if err != nil {
		return "", err
	}
	rules, err := o.memory.TopRules(ctx)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, 2)
	if s := fixmemory.FormatFewShot(similar); s != "" {
		parts = append(parts, s)
	}
	if s := fixmemory.FormatRules(rules); s != "" {
		parts = append(parts, s)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out, nil
}

// RecordFix registers the agent's produced fix and moves the task to
// fix_ready. The problem embedding is computed here, once, so later merge
// recording and similarity retrieval never re-embed.
func (o *Orchestrator) RecordFix(ctx context.Context, taskID, patchRef, summary string) (*feedback.FixRecord, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.record_fix",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	if patchRef == "" {
		return nil, fmt.Errorf("%w: patch reference is required", feedback.ErrValidation)
	}

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransition(feedback.TaskFixReady) {
		return nil, fmt.Errorf("%w: cannot record fix for task in status %s", feedback.ErrInvalidTransition, task.Status)
	}

	vector, err := o.embedder.Embed(ctx, task.ProblemText())
	if err != nil {
		return nil, fmt.Errorf("embedding problem text: %w", err)
	}

	fix := &feedback.FixRecord{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		TopicID:     task.TopicID,
		ProblemText: task.ProblemText(),
		PatchRef:    patchRef,
		Summary:     summary,
		Embedding:   vector,
		Outcome:     feedback.FixProposed,
		CreatedAt:   timeNow(),
	}
	if err := o.fixes.Create(ctx, fix); err != nil {
		return nil, fmt.Errorf("storing fix record: %w", err)
	}

	if _, err := o.transition(ctx, taskID, feedback.TaskFixReady, nil); err != nil {
		return nil, err
	}

	o.logger.Info("fix recorded",
		zap.String("task_id", taskID),
		zap.String("fix_id", fix.ID),
		zap.String("patch_ref", patchRef))
	return fix, nil
}

// MarkUnderReview moves a fix_ready task to under_review.
func (o *Orchestrator) MarkUnderReview(ctx context.Context, taskID string) (*feedback.Task, error) {
	return o.transition(ctx, taskID, feedback.TaskUnderReview, nil)
}

// RecordReview applies a review verdict to the task's current fix.
//
// Merged: the fix is written into fix memory first, then marked merged and
// immutable, then the task reaches its terminal status. Needs-changes:
// comments are appended to the fix, mined for style rules, and the task is
// re-dispatched with them, until the retry budget runs out and the task
// fails. Rejected: fix and task both terminate.
func (o *Orchestrator) RecordReview(ctx context.Context, taskID string, verdict Verdict, comments []string) (*feedback.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.record_review",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("verdict", string(verdict))))
	defer span.End()

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	fix, ok, err := o.fixes.LatestForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s has no fix to review", feedback.ErrConsistency, taskID)
	}

	switch verdict {
	case VerdictMerged:
		return o.merge(ctx, task, fix, comments)
	case VerdictNeedsChanges:
		return o.needsChanges(ctx, task, fix, comments)
	case VerdictRejected:
		return o.reject(ctx, task, fix)
	default:
		return nil, fmt.Errorf("%w: unknown verdict %q", feedback.ErrValidation, verdict)
	}
}

func (o *Orchestrator) merge(ctx context.Context, task *feedback.Task, fix *feedback.FixRecord, comments []string) (*feedback.Task, error) {
	if !task.Status.CanTransition(feedback.TaskMerged) {
		return nil, fmt.Errorf("%w: cannot merge task in status %s", feedback.ErrInvalidTransition, task.Status)
	}

	// Memory entry before the terminal transition. If this fails the task
	// stays reviewable and the webhook redelivers.
	if err := o.memory.RecordMerge(ctx, fix); err != nil {
		return nil, fmt.Errorf("recording fix memory: %w", err)
	}

	if _, err := o.fixes.Update(ctx, fix.ID, func(f *feedback.FixRecord) error {
		f.ReviewComments = append(f.ReviewComments, comments...)
		f.Outcome = feedback.FixMerged
		f.MergedAt = timeNow()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("marking fix merged: %w", err)
	}

	// Approvals sometimes carry conventions worth keeping too.
	if len(comments) > 0 {
		if _, err := o.memory.LearnFromReview(ctx, comments); err != nil {
			o.logger.Warn("rule learning failed on merge", zap.Error(err))
		}
	}

	return o.transition(ctx, task.ID, feedback.TaskMerged, nil)
}

func (o *Orchestrator) needsChanges(ctx context.Context, task *feedback.Task, fix *feedback.FixRecord, comments []string) (*feedback.Task, error) {
	if !task.Status.CanTransition(feedback.TaskDispatched) {
		return nil, fmt.Errorf("%w: cannot rework task in status %s", feedback.ErrInvalidTransition, task.Status)
	}

	if _, err := o.fixes.Update(ctx, fix.ID, func(f *feedback.FixRecord) error {
		f.ReviewComments = append(f.ReviewComments, comments...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("appending review comments: %w", err)
	}

	if _, err := o.memory.LearnFromReview(ctx, comments); err != nil {
		o.logger.Warn("rule learning failed", zap.Error(err))
	}

	if task.RetryCount+1 > o.cfg.MaxRetries {
		failed, err := o.transition(ctx, task.ID, feedback.TaskFailed, func(t *feedback.Task) {
			t.RetryCount++
		})
		if err != nil {
			return nil, err
		}
		o.logger.Warn("task failed after exhausting review retries",
			zap.String("task_id", task.ID),
			zap.Int("retries", failed.RetryCount))
		return failed, fmt.Errorf("%w: task %s after %d review cycles", feedback.ErrRetryExhausted, task.ID, failed.RetryCount)
	}

	jobID, err := o.submit(ctx, task, comments)
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, task.ID, feedback.TaskDispatched, func(t *feedback.Task) {
		t.AgentJobID = jobID
		t.RetryCount++
	})
}

func (o *Orchestrator) reject(ctx context.Context, task *feedback.Task, fix *feedback.FixRecord) (*feedback.Task, error) {
	if !task.Status.CanTransition(feedback.TaskRejected) {
		return nil, fmt.Errorf("%w: cannot reject task in status %s", feedback.ErrInvalidTransition, task.Status)
	}
	if _, err := o.fixes.Update(ctx, fix.ID, func(f *feedback.FixRecord) error {
		f.Outcome = feedback.FixRejected
		return nil
	}); err != nil {
		return nil, fmt.Errorf("marking fix rejected: %w", err)
	}
	return o.transition(ctx, task.ID, feedback.TaskRejected, nil)
}

// Cancel moves a non-terminal task to failed and abandons any in-flight
// agent job. Cancellation is cooperative; a fix that already merged stays
// merged.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*feedback.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is already %s", feedback.ErrInvalidTransition, taskID, task.Status)
	}

	if task.AgentJobID != "" {
		if err := o.agent.Abandon(ctx, task.AgentJobID); err != nil {
			o.logger.Warn("failed to abandon agent job",
				zap.String("task_id", taskID),
				zap.String("agent_job_id", task.AgentJobID),
				zap.Error(err))
		}
	}

	return o.transition(ctx, taskID, feedback.TaskFailed, nil)
}

// CreateIssue files a tracker issue for the task and stores its URL.
// Idempotent: a task that already has an issue keeps it.
func (o *Orchestrator) CreateIssue(ctx context.Context, taskID string) (*feedback.Task, error) {
	if o.issues == nil {
		return nil, fmt.Errorf("%w: issue tracker is not configured", feedback.ErrValidation)
	}

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.IssueURL != "" {
		return task, nil
	}

	url, err := o.issues.CreateIssue(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("%w: creating issue: %v", feedback.ErrRecoverable, err)
	}

	return o.tasks.Update(ctx, taskID, func(t *feedback.Task) error {
		if t.IssueURL == "" {
			t.IssueURL = url
		}
		return nil
	})
}

// transition applies a validated status change under the task writer lock.
// mutate, when non-nil, runs inside the same update.
func (o *Orchestrator) transition(ctx context.Context, taskID string, next feedback.TaskStatus, mutate func(*feedback.Task)) (*feedback.Task, error) {
	updated, err := o.tasks.Update(ctx, taskID, func(t *feedback.Task) error {
		if !t.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", feedback.ErrInvalidTransition, t.Status, next)
		}
		t.Status = next
		if mutate != nil {
			mutate(t)
		}
		t.UpdatedAt = timeNow()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.transitionCounter != nil {
		o.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(next))))
	}
	return updated, nil
}
