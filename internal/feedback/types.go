package feedback

import (
	"fmt"
	"strings"
	"time"
)

// Signal is one piece of raw user feedback from any source.
type Signal struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Title     string            `json:"title,omitempty"`
	Source    string            `json:"source"`
	URL       string            `json:"url,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// TopicID is set once the clustering engine assigns the signal.
	TopicID string `json:"topic_id,omitempty"`
}

// Validate checks the fields required at ingestion.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return fmt.Errorf("%w: signal text cannot be empty", ErrValidation)
	}
	if s.Source == "" {
		return fmt.Errorf("%w: signal source cannot be empty", ErrValidation)
	}
	return nil
}

// Category is the actionability label assigned to a topic.
type Category string

const (
	CategoryBug           Category = "bug"
	CategoryFeature       Category = "feature"
	CategoryUX            Category = "ux"
	CategoryNonActionable Category = "non_actionable"
)

// Actionable reports whether topics with this label spawn tasks.
func (c Category) Actionable() bool {
	switch c {
	case CategoryBug, CategoryFeature, CategoryUX:
		return true
	}
	return false
}

// Severity applies to bug-labelled topics only.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Priority orders tasks for dispatch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// PriorityForSeverity maps a bug severity to a task priority. Non-bug tasks
// carry no severity and default to medium.
func PriorityForSeverity(s Severity) Priority {
	switch s {
	case SeverityCritical:
		return PriorityHigh
	case SeverityMinor:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Classification is the LLM's verdict on a topic.
type Classification struct {
	Category        Category `json:"category"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	Severity        Severity `json:"severity,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// ClassifyState tracks whether a topic's label is current.
type ClassifyState string

const (
	// ClassifyNone means the topic has never been classified.
	ClassifyNone ClassifyState = ""

	// ClassifyPending means a classification attempt failed and should be
	// retried when the topic next changes or on the maintenance sweep.
	ClassifyPending ClassifyState = "pending"

	// ClassifyDone means the label reflects ClassifiedMembers members.
	ClassifyDone ClassifyState = "done"
)

// Topic is a cluster of semantically similar signals.
type Topic struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Centroid        []float32 `json:"-"`
	MemberSignalIDs []string  `json:"member_signal_ids"`

	Label          Category        `json:"label,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	ClassifyState  ClassifyState   `json:"classify_state,omitempty"`

	// ClassifiedMembers is the member count at the last successful
	// classification; re-classification is skipped while it matches.
	ClassifiedMembers int `json:"classified_members,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberCount returns the number of member signals.
func (t *Topic) MemberCount() int { return len(t.MemberSignalIDs) }

// TaskStatus is a task's position in the fix lifecycle.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDispatched  TaskStatus = "dispatched"
	TaskFixReady    TaskStatus = "fix_ready"
	TaskUnderReview TaskStatus = "under_review"
	TaskMerged      TaskStatus = "merged"
	TaskRejected    TaskStatus = "rejected"
	TaskFailed      TaskStatus = "failed"
)

// taskTransitions is the full lifecycle state machine. fix_ready and
// under_review may loop back to dispatched on a needs-changes review.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:     {TaskDispatched, TaskFailed},
	TaskDispatched:  {TaskFixReady, TaskFailed},
	TaskFixReady:    {TaskUnderReview, TaskMerged, TaskRejected, TaskDispatched, TaskFailed},
	TaskUnderReview: {TaskMerged, TaskRejected, TaskDispatched, TaskFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return len(taskTransitions[s]) == 0
}

// Task is a unit of actionable work spawned from a classified topic.
type Task struct {
	ID      string   `json:"id"`
	TopicID string   `json:"topic_id"`
	Kind    Category `json:"kind"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`

	Severity Severity   `json:"severity,omitempty"`
	Priority Priority   `json:"priority"`
	Status   TaskStatus `json:"status"`

	// AgentJobID identifies the in-flight coding agent job, when dispatched.
	AgentJobID string `json:"agent_job_id,omitempty"`

	// IssueURL points at the tracker issue created for this task.
	IssueURL string `json:"issue_url,omitempty"`

	// RetryCount is the number of needs-changes review cycles consumed.
	RetryCount int `json:"retry_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProblemText is the canonical description used for fix-memory embedding
// and similarity retrieval.
func (t *Task) ProblemText() string {
	return fmt.Sprintf("%s: %s. %s", t.Kind, t.Title, t.Summary)
}

// FixOutcome is the review verdict on a produced fix.
type FixOutcome string

const (
	FixProposed FixOutcome = "proposed"
	FixMerged   FixOutcome = "merged"
	FixRejected FixOutcome = "rejected"
)

// FixRecord captures one fix attempt. Once merged the record is immutable
// and becomes retrievable fix memory.
type FixRecord struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	TopicID string `json:"topic_id"`

	ProblemText string `json:"problem_text"`
	PatchRef    string `json:"patch_ref"`
	Summary     string `json:"summary,omitempty"`

	ReviewComments []string  `json:"review_comments,omitempty"`
	Embedding      []float32 `json:"-"`

	Outcome   FixOutcome `json:"outcome"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  time.Time  `json:"merged_at,omitempty"`
}

// StyleRule is a reusable convention learned from review comments.
type StyleRule struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	UsageCount int       `json:"usage_count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
