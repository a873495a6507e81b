package classify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

// fakeClassifier returns a scripted classification.
type fakeClassifier struct {
	result *feedback.Classification
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ []string) (*feedback.Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fixture struct {
	engine     *Engine
	mem        *store.Memory
	classifier *fakeClassifier
}

func newFixture(t *testing.T, classifier *fakeClassifier) *fixture {
	t.Helper()
	mem := store.NewMemory()
	engine, err := NewEngine(config.Default().Classify, mem.Topics(), mem.Tasks(), mem.Signals(), classifier, nil)
	require.NoError(t, err)
	return &fixture{engine: engine, mem: mem, classifier: classifier}
}

// seedTopic stores a topic with n member signals.
func (f *fixture) seedTopic(t *testing.T, id string, n int) {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sigID := fmt.Sprintf("%s-sig-%d", id, i)
		_, err := f.mem.Signals().PutIfAbsent(ctx, &feedback.Signal{
			ID:        sigID,
			Text:      fmt.Sprintf("crash report number %d", i),
			Source:    "reddit",
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
		ids = append(ids, sigID)
	}
	require.NoError(t, f.mem.Topics().Create(ctx, &feedback.Topic{
		ID:              id,
		Title:           "crash reports",
		Centroid:        []float32{1, 0},
		MemberSignalIDs: ids,
		CreatedAt:       time.Now(),
	}))
}

func bugClassification() *feedback.Classification {
	return &feedback.Classification{
		Category:        feedback.CategoryBug,
		Title:           "Crash on login",
		Summary:         "Users report crashes during login.",
		Severity:        feedback.SeverityCritical,
		SuggestedAction: "Fix the login flow.",
		Confidence:      0.9,
	}
}

func TestClassify_BelowMinimumSkips(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})
	f.seedTopic(t, "t1", 2) // min is 3

	res, err := f.engine.Classify(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, f.classifier.calls)
}

func TestClassify_ActionableCreatesTask(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})
	f.seedTopic(t, "t1", 3)
	ctx := context.Background()

	res, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTaskCreated, res.Outcome)
	assert.Equal(t, feedback.CategoryBug, res.Category)
	require.NotEmpty(t, res.TaskID)

	task, err := f.mem.Tasks().Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TopicID)
	assert.Equal(t, feedback.TaskPending, task.Status)
	assert.Equal(t, feedback.SeverityCritical, task.Severity)
	assert.Equal(t, feedback.PriorityHigh, task.Priority)
	assert.Equal(t, "Crash on login", task.Title)

	topic, err := f.mem.Topics().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, feedback.CategoryBug, topic.Label)
	assert.Equal(t, feedback.ClassifyDone, topic.ClassifyState)
	assert.Equal(t, 3, topic.ClassifiedMembers)
	assert.Equal(t, "Crash on login", topic.Title, "topic title refined by classification")
}

func TestClassify_NonActionableCreatesNoTask(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: &feedback.Classification{
		Category:   feedback.CategoryNonActionable,
		Title:      "General praise",
		Summary:    "Users like the app.",
		Confidence: 0.95,
	}})
	f.seedTopic(t, "t1", 3)
	ctx := context.Background()

	res, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClassified, res.Outcome)

	tasks, err := f.mem.Tasks().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClassify_IdempotentAtSameMemberCount(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})
	f.seedTopic(t, "t1", 3)
	ctx := context.Background()

	_, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, f.classifier.calls)

	res, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 1, f.classifier.calls, "unchanged topic is not re-sent to the model")
}

func TestClassify_ReclassifiesOnNewMember(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})
	f.seedTopic(t, "t1", 3)
	ctx := context.Background()

	_, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)

	_, err = f.mem.Signals().PutIfAbsent(ctx, &feedback.Signal{
		ID: "t1-sig-3", Text: "another crash", Source: "reddit", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	_, err = f.mem.Topics().Update(ctx, "t1", func(topic *feedback.Topic) error {
		topic.MemberSignalIDs = append(topic.MemberSignalIDs, "t1-sig-3")
		return nil
	})
	require.NoError(t, err)

	_, err = f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.classifier.calls)
}

func TestClassify_NoSecondTaskWhileOneIsOpen(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})
	f.seedTopic(t, "t1", 3)
	ctx := context.Background()

	first, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, OutcomeTaskCreated, first.Outcome)

	// Force re-classification by growing the topic.
	_, err = f.mem.Signals().PutIfAbsent(ctx, &feedback.Signal{
		ID: "t1-sig-3", Text: "more crashing", Source: "reddit", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	_, err = f.mem.Topics().Update(ctx, "t1", func(topic *feedback.Topic) error {
		topic.MemberSignalIDs = append(topic.MemberSignalIDs, "t1-sig-3")
		return nil
	})
	require.NoError(t, err)

	second, err := f.engine.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClassified, second.Outcome, "open task suppresses a second one")

	tasks, err := f.mem.Tasks().List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestClassify_LLMFailureMarksPending(t *testing.T) {
	f := newFixture(t, &fakeClassifier{err: fmt.Errorf("%w: model down", feedback.ErrRecoverable)})
	f.seedTopic(t, "t1", 3)
	ctx := context.Background()

	_, err := f.engine.Classify(ctx, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, feedback.ErrRecoverable)

	topic, err := f.mem.Topics().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, feedback.ClassifyPending, topic.ClassifyState)
	assert.Empty(t, topic.Label, "no label fabricated on failure")

	pending, err := f.engine.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].ID)
}

func TestClassify_UnknownTopic(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})

	_, err := f.engine.Classify(context.Background(), "missing")
	assert.ErrorIs(t, err, feedback.ErrTopicNotFound)
}

func TestClassify_MissingMemberSignalIsConsistencyError(t *testing.T) {
	f := newFixture(t, &fakeClassifier{result: bugClassification()})
	ctx := context.Background()
	require.NoError(t, f.mem.Topics().Create(ctx, &feedback.Topic{
		ID:              "t1",
		Title:           "ghost members",
		Centroid:        []float32{1, 0},
		MemberSignalIDs: []string{"nope-1", "nope-2", "nope-3"},
	}))

	_, err := f.engine.Classify(ctx, "t1")
	assert.ErrorIs(t, err, feedback.ErrConsistency)
}
