// Package store defines persistence contracts for pipeline entities and an
// in-memory implementation.
//
// The pipeline specifies required operations and consistency properties, not
// a storage technology: signal insertion is an atomic insert-if-absent
// (linearizable dedup per id), topic and task updates are serialized per id
// so the incremental centroid mean and the task state machine stay correct
// under concurrent events, and topics/tasks are listable in creation order
// for the read API.
package store

import (
	"context"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// SignalStore persists immutable feedback signals.
type SignalStore interface {
	// PutIfAbsent inserts the signal unless its id already exists. Returns
	// true when the signal was inserted, false on duplicate. The check and
	// insert are atomic; this is the pipeline's sole dedup checkpoint.
	PutIfAbsent(ctx context.Context, sig *feedback.Signal) (bool, error)

	// Get returns a signal by id, or feedback.ErrSignalNotFound.
	Get(ctx context.Context, id string) (*feedback.Signal, error)

	// SetTopic records the topic a signal was clustered into. The signal's
	// content is immutable; the topic id is the one piece of pipeline state
	// carried on it.
	SetTopic(ctx context.Context, id, topicID string) error

	// ListUnclustered returns signals not yet assigned to a topic, in
	// insertion order. The orphan sweep uses this to re-queue signals whose
	// embed-stage handoff was lost.
	ListUnclustered(ctx context.Context) ([]*feedback.Signal, error)

	// Count returns the number of stored signals.
	Count(ctx context.Context) (int, error)
}

// TopicStore persists topics.
type TopicStore interface {
	// Create inserts a new topic.
	Create(ctx context.Context, topic *feedback.Topic) error

	// Get returns a topic by id, or feedback.ErrTopicNotFound.
	Get(ctx context.Context, id string) (*feedback.Topic, error)

	// List returns all topics in creation order.
	List(ctx context.Context) ([]*feedback.Topic, error)

	// Update applies fn to the topic under the topic's writer lock. Updates
	// to the same topic are serialized; updates to different topics proceed
	// independently. fn receives a copy; the mutation is persisted only when
	// fn returns nil.
	Update(ctx context.Context, id string, fn func(*feedback.Topic) error) (*feedback.Topic, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	// Create inserts a new task.
	Create(ctx context.Context, task *feedback.Task) error

	// Get returns a task by id, or feedback.ErrTaskNotFound.
	Get(ctx context.Context, id string) (*feedback.Task, error)

	// List returns all tasks in creation order.
	List(ctx context.Context) ([]*feedback.Task, error)

	// OpenForTopic returns the task in a non-terminal status for the topic,
	// if any. At most one such task exists by invariant.
	OpenForTopic(ctx context.Context, topicID string) (*feedback.Task, bool, error)

	// Update applies fn to the task under the task's writer lock, keeping
	// the state machine single-writer per id.
	Update(ctx context.Context, id string, fn func(*feedback.Task) error) (*feedback.Task, error)
}

// FixStore persists fix records.
type FixStore interface {
	Create(ctx context.Context, fix *feedback.FixRecord) error
	Get(ctx context.Context, id string) (*feedback.FixRecord, error)

	// LatestForTask returns the most recently created fix record for a task.
	LatestForTask(ctx context.Context, taskID string) (*feedback.FixRecord, bool, error)

	Update(ctx context.Context, id string, fn func(*feedback.FixRecord) error) (*feedback.FixRecord, error)
}

// RuleStore persists style rules, deduplicated by normalized text.
type RuleStore interface {
	// Upsert increments the usage count of the rule with the given
	// normalized text, inserting it at usage_count=1 when absent. The usage
	// count never decreases.
	Upsert(ctx context.Context, normalizedText string) (*feedback.StyleRule, error)

	// Top returns up to n rules ordered by descending usage count, ties
	// broken by most recently seen.
	Top(ctx context.Context, n int) ([]*feedback.StyleRule, error)
}

// TriageEntry parks a mid-similarity signal for human confirmation.
type TriageEntry struct {
	SignalID   string  `json:"signal_id"`
	TopicID    string  `json:"topic_id"`
	Similarity float64 `json:"similarity"`
}

// TriageStore holds signals whose best topic match fell between the triage
// and attach thresholds.
type TriageStore interface {
	Push(ctx context.Context, entry TriageEntry) error
	List(ctx context.Context) ([]TriageEntry, error)
}
