package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Signals returns the SignalStore view of the memory store.
func (m *Memory) Signals() SignalStore { return signalView{m} }

// Topics returns the TopicStore view of the memory store.
func (m *Memory) Topics() TopicStore { return topicView{m} }

// Tasks returns the TaskStore view of the memory store.
func (m *Memory) Tasks() TaskStore { return taskView{m} }

// Fixes returns the FixStore view of the memory store.
func (m *Memory) Fixes() FixStore { return fixView{m} }

// Rules returns the RuleStore view of the memory store.
func (m *Memory) Rules() RuleStore { return ruleView{m} }

// TriageQueue returns the TriageStore view of the memory store.
func (m *Memory) TriageQueue() TriageStore { return triageView{m} }

type signalView struct{ m *Memory }

func (v signalView) PutIfAbsent(ctx context.Context, sig *feedback.Signal) (bool, error) {
	return v.m.PutIfAbsent(ctx, sig)
}
func (v signalView) Get(ctx context.Context, id string) (*feedback.Signal, error) {
	return v.m.Get(ctx, id)
}
func (v signalView) SetTopic(ctx context.Context, id, topicID string) error {
	return v.m.SetSignalTopic(ctx, id, topicID)
}
func (v signalView) ListUnclustered(ctx context.Context) ([]*feedback.Signal, error) {
	return v.m.ListUnclustered(ctx)
}
func (v signalView) Count(ctx context.Context) (int, error) { return v.m.Count(ctx) }

type topicView struct{ m *Memory }

func (v topicView) Create(ctx context.Context, t *feedback.Topic) error {
	return v.m.CreateTopic(ctx, t)
}
func (v topicView) Get(ctx context.Context, id string) (*feedback.Topic, error) {
	return v.m.GetTopic(ctx, id)
}
func (v topicView) List(ctx context.Context) ([]*feedback.Topic, error) {
	return v.m.ListTopics(ctx)
}
func (v topicView) Update(ctx context.Context, id string, fn func(*feedback.Topic) error) (*feedback.Topic, error) {
	return v.m.UpdateTopic(ctx, id, fn)
}

type taskView struct{ m *Memory }

func (v taskView) Create(ctx context.Context, t *feedback.Task) error {
	return v.m.CreateTask(ctx, t)
}
func (v taskView) Get(ctx context.Context, id string) (*feedback.Task, error) {
	return v.m.GetTask(ctx, id)
}
func (v taskView) List(ctx context.Context) ([]*feedback.Task, error) {
	return v.m.ListTasks(ctx)
}
func (v taskView) OpenForTopic(ctx context.Context, topicID string) (*feedback.Task, bool, error) {
	return v.m.OpenForTopic(ctx, topicID)
}
func (v taskView) Update(ctx context.Context, id string, fn func(*feedback.Task) error) (*feedback.Task, error) {
	return v.m.UpdateTask(ctx, id, fn)
}

type fixView struct{ m *Memory }

func (v fixView) Create(ctx context.Context, f *feedback.FixRecord) error {
	return v.m.CreateFix(ctx, f)
}
func (v fixView) Get(ctx context.Context, id string) (*feedback.FixRecord, error) {
	return v.m.GetFix(ctx, id)
}
func (v fixView) LatestForTask(ctx context.Context, taskID string) (*feedback.FixRecord, bool, error) {
	return v.m.LatestForTask(ctx, taskID)
}
func (v fixView) Update(ctx context.Context, id string, fn func(*feedback.FixRecord) error) (*feedback.FixRecord, error) {
	return v.m.UpdateFix(ctx, id, fn)
}

type ruleView struct{ m *Memory }

func (v ruleView) Upsert(ctx context.Context, text string) (*feedback.StyleRule, error) {
	return v.m.Upsert(ctx, text)
}
func (v ruleView) Top(ctx context.Context, n int) ([]*feedback.StyleRule, error) {
	return v.m.Top(ctx, n)
}

type triageView struct{ m *Memory }

func (v triageView) Push(ctx context.Context, e TriageEntry) error { return v.m.Push(ctx, e) }
func (v triageView) List(ctx context.Context) ([]TriageEntry, error) {
	return v.m.List(ctx)
}

// Interface conformance checks.
var (
	_ SignalStore = signalView{}
	_ TopicStore  = topicView{}
	_ TaskStore   = taskView{}
	_ FixStore    = fixView{}
	_ RuleStore   = ruleView{}
	_ TriageStore = triageView{}
)
