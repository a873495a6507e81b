package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// Memory is an in-process implementation of all entity stores.
//
// Entities are kept in maps guarded by a read-write mutex; writes to a single
// topic or task additionally take a per-id lock so read-modify-write update
// closures serialize per entity while distinct entities update concurrently.
// Creation order is tracked in append-only slices for ordered listing.
type Memory struct {
	mu sync.RWMutex

	signals     map[string]*feedback.Signal
	signalOrder []string
	topics      map[string]*feedback.Topic
	topicOrder  []string
	tasks       map[string]*feedback.Task
	taskOrder   []string
	fixes       map[string]*feedback.FixRecord
	fixOrder    []string
	rules       map[string]*feedback.StyleRule // keyed by normalized text
	ruleCounter int
	triage      []TriageEntry

	locks keyedLocks
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		signals: make(map[string]*feedback.Signal),
		topics:  make(map[string]*feedback.Topic),
		tasks:   make(map[string]*feedback.Task),
		fixes:   make(map[string]*feedback.FixRecord),
		rules:   make(map[string]*feedback.StyleRule),
	}
}

// keyedLocks hands out one mutex per entity id.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l
}

// --- SignalStore ---

func (m *Memory) PutIfAbsent(_ context.Context, sig *feedback.Signal) (bool, error) {
	if sig.ID == "" {
		return false, fmt.Errorf("%w: signal id cannot be empty", feedback.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.signals[sig.ID]; exists {
		return false, nil
	}
	cp := *sig
	m.signals[sig.ID] = &cp
	m.signalOrder = append(m.signalOrder, sig.ID)
	return true, nil
}

func (m *Memory) SetSignalTopic(_ context.Context, id, topicID string) error {
	if topicID == "" {
		return fmt.Errorf("%w: topic id cannot be empty", feedback.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", feedback.ErrSignalNotFound, id)
	}
	if sig.TopicID != "" && sig.TopicID != topicID {
		return fmt.Errorf("%w: signal %s already in topic %s", feedback.ErrConsistency, id, sig.TopicID)
	}
	sig.TopicID = topicID
	return nil
}

func (m *Memory) ListUnclustered(_ context.Context) ([]*feedback.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*feedback.Signal
	for _, id := range m.signalOrder {
		sig := m.signals[id]
		if sig.TopicID != "" {
			continue
		}
		cp := *sig
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*feedback.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sig, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrSignalNotFound, id)
	}
	cp := *sig
	return &cp, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signals), nil
}

// --- TopicStore ---

func (m *Memory) CreateTopic(_ context.Context, topic *feedback.Topic) error {
	if topic.ID == "" {
		return fmt.Errorf("%w: topic id cannot be empty", feedback.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.topics[topic.ID]; exists {
		return fmt.Errorf("%w: topic %s already exists", feedback.ErrConsistency, topic.ID)
	}
	m.topics[topic.ID] = cloneTopic(topic)
	m.topicOrder = append(m.topicOrder, topic.ID)
	return nil
}

func (m *Memory) GetTopic(_ context.Context, id string) (*feedback.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topic, ok := m.topics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrTopicNotFound, id)
	}
	return cloneTopic(topic), nil
}

func (m *Memory) ListTopics(_ context.Context) ([]*feedback.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*feedback.Topic, 0, len(m.topicOrder))
	for _, id := range m.topicOrder {
		out = append(out, cloneTopic(m.topics[id]))
	}
	return out, nil
}

func (m *Memory) UpdateTopic(_ context.Context, id string, fn func(*feedback.Topic) error) (*feedback.Topic, error) {
	l := m.locks.lock("topic:" + id)
	defer l.Unlock()

	m.mu.RLock()
	current, ok := m.topics[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrTopicNotFound, id)
	}

	updated := cloneTopic(current)
	if err := fn(updated); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.topics[id] = cloneTopic(updated)
	m.mu.Unlock()
	return updated, nil
}

// --- TaskStore ---

func (m *Memory) CreateTask(_ context.Context, task *feedback.Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task id cannot be empty", feedback.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s already exists", feedback.ErrConsistency, task.ID)
	}
	cp := *task
	m.tasks[task.ID] = &cp
	m.taskOrder = append(m.taskOrder, task.ID)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*feedback.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrTaskNotFound, id)
	}
	cp := *task
	return &cp, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]*feedback.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*feedback.Task, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		cp := *m.tasks[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) OpenForTopic(_ context.Context, topicID string) (*feedback.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.taskOrder {
		task := m.tasks[id]
		if task.TopicID == topicID && !task.Status.Terminal() {
			cp := *task
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, fn func(*feedback.Task) error) (*feedback.Task, error) {
	l := m.locks.lock("task:" + id)
	defer l.Unlock()

	m.mu.RLock()
	current, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrTaskNotFound, id)
	}

	updated := *current
	if err := fn(&updated); err != nil {
		return nil, err
	}

	m.mu.Lock()
	cp := updated
	m.tasks[id] = &cp
	m.mu.Unlock()
	return &updated, nil
}

// --- FixStore ---

func (m *Memory) CreateFix(_ context.Context, fix *feedback.FixRecord) error {
	if fix.ID == "" {
		return fmt.Errorf("%w: fix id cannot be empty", feedback.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fixes[fix.ID]; exists {
		return fmt.Errorf("%w: fix %s already exists", feedback.ErrConsistency, fix.ID)
	}
	m.fixes[fix.ID] = cloneFix(fix)
	m.fixOrder = append(m.fixOrder, fix.ID)
	return nil
}

func (m *Memory) GetFix(_ context.Context, id string) (*feedback.FixRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fix, ok := m.fixes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrFixNotFound, id)
	}
	return cloneFix(fix), nil
}

func (m *Memory) LatestForTask(_ context.Context, taskID string) (*feedback.FixRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.fixOrder) - 1; i >= 0; i-- {
		fix := m.fixes[m.fixOrder[i]]
		if fix.TaskID == taskID {
			return cloneFix(fix), true, nil
		}
	}
	return nil, false, nil
}

func (m *Memory) UpdateFix(_ context.Context, id string, fn func(*feedback.FixRecord) error) (*feedback.FixRecord, error) {
	l := m.locks.lock("fix:" + id)
	defer l.Unlock()

	m.mu.RLock()
	current, ok := m.fixes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrFixNotFound, id)
	}

	if current.Outcome == feedback.FixMerged {
		return nil, fmt.Errorf("%w: fix %s is merged and immutable", feedback.ErrConsistency, id)
	}

	updated := cloneFix(current)
	if err := fn(updated); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fixes[id] = cloneFix(updated)
	m.mu.Unlock()
	return updated, nil
}

// --- RuleStore ---

func (m *Memory) Upsert(_ context.Context, normalizedText string) (*feedback.StyleRule, error) {
	if normalizedText == "" {
		return nil, fmt.Errorf("%w: rule text cannot be empty", feedback.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[normalizedText]
	if !ok {
		m.ruleCounter++
		rule = &feedback.StyleRule{
			ID:   fmt.Sprintf("rule-%d", m.ruleCounter),
			Text: normalizedText,
		}
		m.rules[normalizedText] = rule
	}
	rule.UsageCount++
	rule.LastSeenAt = timeNow()

	cp := *rule
	return &cp, nil
}

func (m *Memory) Top(_ context.Context, n int) ([]*feedback.StyleRule, error) {
	m.mu.RLock()
	out := make([]*feedback.StyleRule, 0, len(m.rules))
	for _, rule := range m.rules {
		cp := *rule
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// --- TriageStore ---

func (m *Memory) Push(_ context.Context, entry TriageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triage = append(m.triage, entry)
	return nil
}

func (m *Memory) List(_ context.Context) ([]TriageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TriageEntry, len(m.triage))
	copy(out, m.triage)
	return out, nil
}

// --- clone helpers ---

func cloneTopic(t *feedback.Topic) *feedback.Topic {
	cp := *t
	cp.Centroid = append([]float32(nil), t.Centroid...)
	cp.MemberSignalIDs = append([]string(nil), t.MemberSignalIDs...)
	return &cp
}

func cloneFix(f *feedback.FixRecord) *feedback.FixRecord {
	cp := *f
	cp.Embedding = append([]float32(nil), f.Embedding...)
	cp.ReviewComments = append([]string(nil), f.ReviewComments...)
	return &cp
}
