package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedbackd/internal/classify"
	"github.com/fyrsmithlabs/feedbackd/internal/cluster"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

type stubEmbedder struct {
	mu     sync.Mutex
	err    error
	fails  int // fail this many calls before succeeding
	calls  int
	vector []float32
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.fails > 0 {
		s.fails--
		return nil, fmt.Errorf("%w: embed flake", feedback.ErrRecoverable)
	}
	if s.vector != nil {
		return s.vector, nil
	}
	return []float32{1, 0, 0}, nil
}

type stubClusterer struct {
	mu          sync.Mutex
	assignments []*cluster.Assignment
	next        *cluster.Assignment
}

func (s *stubClusterer) Assign(_ context.Context, sig *feedback.Signal, _ []float32) (*cluster.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.next
	if a == nil {
		a = &cluster.Assignment{TopicID: "topic-1", Action: cluster.ActionAttached, NewMemberCount: 1}
	}
	s.assignments = append(s.assignments, a)
	return a, nil
}

type stubClassifier struct {
	mu     sync.Mutex
	topics []string
	result *classify.Result
}

func (s *stubClassifier) Classify(_ context.Context, topicID string) (*classify.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topicID)
	if s.result != nil {
		return s.result, nil
	}
	return &classify.Result{Outcome: classify.OutcomeSkipped}, nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	tasks []string
}

func (s *stubDispatcher) Dispatch(_ context.Context, taskID string) (*feedback.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, taskID)
	return &feedback.Task{ID: taskID, Status: feedback.TaskDispatched}, nil
}

func (s *stubDispatcher) dispatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tasks...)
}

type fixture struct {
	p          *Pipeline
	mem        *store.Memory
	embedder   *stubEmbedder
	clusterer  *stubClusterer
	classifier *stubClassifier
	dispatcher *stubDispatcher
	nc         *nats.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	f := &fixture{
		mem:        store.NewMemory(),
		embedder:   &stubEmbedder{},
		clusterer:  &stubClusterer{},
		classifier: &stubClassifier{},
		dispatcher: &stubDispatcher{},
		nc:         nc,
	}
	f.p, err = New(nc, f.mem.Signals(), f.mem.TriageQueue(), f.embedder, f.clusterer, f.classifier, f.dispatcher, nil)
	require.NoError(t, err)
	require.NoError(t, f.p.Start())
	t.Cleanup(f.p.Stop)
	return f
}

func submission(text string) *Submission {
	return &Submission{
		Text:      text,
		Source:    "reddit",
		URL:       "https://reddit.com/r/x/" + text,
		Timestamp: time.Now(),
	}
}

func TestIngest_StoresAndQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.p.Ingest(ctx, submission("app crashes on login"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.SignalID)

	sig, err := f.mem.Signals().Get(ctx, res.SignalID)
	require.NoError(t, err)
	assert.Equal(t, "app crashes on login", sig.Text)

	require.Eventually(t, func() bool {
		f.classifier.mu.Lock()
		defer f.classifier.mu.Unlock()
		return len(f.classifier.topics) == 1
	}, 3*time.Second, 10*time.Millisecond, "signal should flow embed -> cluster -> classify")
	assert.Equal(t, "topic-1", f.classifier.topics[0])
}

func TestIngest_DuplicateIsDroppedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.p.Ingest(ctx, submission("app crashes on login"))
	require.NoError(t, err)
	second, err := f.p.Ingest(ctx, &Submission{
		Text:      "App   CRASHES on login", // same identity after normalization
		Source:    "reddit",
		URL:       "https://reddit.com/r/x/app crashes on login",
		Timestamp: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, first.SignalID, second.SignalID)
	assert.True(t, second.Duplicate)

	count, err := f.mem.Signals().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Only the first ingest reaches the embed stage.
	require.Eventually(t, func() bool {
		f.embedder.mu.Lock()
		defer f.embedder.mu.Unlock()
		return f.embedder.calls >= 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, 1, f.embedder.calls)
}

func TestIngest_InvalidSubmission(t *testing.T) {
	f := newFixture(t)

	_, err := f.p.Ingest(context.Background(), &Submission{Source: "reddit"})
	assert.ErrorIs(t, err, feedback.ErrValidation)
}

func TestPipeline_TaskCreationFlowsToDispatch(t *testing.T) {
	f := newFixture(t)
	f.classifier.result = &classify.Result{
		Outcome:  classify.OutcomeTaskCreated,
		Category: feedback.CategoryBug,
		TaskID:   "task-42",
	}

	_, err := f.p.Ingest(context.Background(), submission("crash crash crash"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.dispatcher.dispatched()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"task-42"}, f.dispatcher.dispatched())
}

func TestPipeline_TriagedSignalDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	f.clusterer.next = &cluster.Assignment{
		TopicID: "topic-1", Action: cluster.ActionTriaged, Similarity: 0.7,
	}

	_, err := f.p.Ingest(context.Background(), submission("kind of similar gripe"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.clusterer.mu.Lock()
		defer f.clusterer.mu.Unlock()
		return len(f.clusterer.assignments) == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	f.classifier.mu.Lock()
	defer f.classifier.mu.Unlock()
	assert.Empty(t, f.classifier.topics, "triaged signals wait for human confirmation")
}

func TestPipeline_RecoverableFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.embedder.mu.Lock()
	f.embedder.fails = 2
	f.embedder.mu.Unlock()

	_, err := f.p.Ingest(context.Background(), submission("flaky embedding"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.classifier.mu.Lock()
		defer f.classifier.mu.Unlock()
		return len(f.classifier.topics) == 1
	}, 5*time.Second, 10*time.Millisecond, "message requeued until the embedder recovers")

	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, 3, f.embedder.calls)
}

func TestPipeline_AttemptsAreBounded(t *testing.T) {
	f := newFixture(t)
	f.embedder.mu.Lock()
	f.embedder.err = fmt.Errorf("%w: permanently flaky", feedback.ErrRecoverable)
	f.embedder.mu.Unlock()

	_, err := f.p.Ingest(context.Background(), submission("never embeds"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.embedder.mu.Lock()
		defer f.embedder.mu.Unlock()
		return f.embedder.calls >= maxDeliveryAttempts
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, maxDeliveryAttempts, f.embedder.calls, "requeueing stops at the attempt bound")
}

func TestPipeline_NonRecoverableFailureIsNotRequeued(t *testing.T) {
	f := newFixture(t)
	f.embedder.mu.Lock()
	f.embedder.err = errors.New("hard failure")
	f.embedder.mu.Unlock()

	_, err := f.p.Ingest(context.Background(), submission("hard failure case"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.embedder.mu.Lock()
		defer f.embedder.mu.Unlock()
		return f.embedder.calls == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, 1, f.embedder.calls)
}

func TestSweepUnclustered_RequeuesStrandedSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Stored but never queued, as when the embed publish fails right after
	// the store write.
	stranded := &feedback.Signal{
		ID:        "sig-stranded",
		Text:      "crash on login",
		Source:    "reddit",
		Timestamp: time.Now(),
	}
	inserted, err := f.mem.Signals().PutIfAbsent(ctx, stranded)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, f.p.SweepUnclustered(ctx))

	require.Eventually(t, func() bool {
		f.clusterer.mu.Lock()
		defer f.clusterer.mu.Unlock()
		return len(f.clusterer.assignments) == 1
	}, 3*time.Second, 10*time.Millisecond, "sweep should push the signal back through the embed stage")
}

func TestSweepUnclustered_SkipsTriagedSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parked := &feedback.Signal{
		ID:        "sig-parked",
		Text:      "kind of similar gripe",
		Source:    "reddit",
		Timestamp: time.Now(),
	}
	_, err := f.mem.Signals().PutIfAbsent(ctx, parked)
	require.NoError(t, err)
	require.NoError(t, f.mem.TriageQueue().Push(ctx, store.TriageEntry{
		SignalID: parked.ID, TopicID: "topic-1", Similarity: 0.7,
	}))

	require.NoError(t, f.p.SweepUnclustered(ctx))
	time.Sleep(200 * time.Millisecond)

	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, 0, f.embedder.calls, "parked signals wait on a human, not the sweep")
}

func TestEmbedStage_ClusteredSignalIsNotReembedded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clustered := &feedback.Signal{
		ID:        "sig-done",
		Text:      "crash on login",
		Source:    "reddit",
		Timestamp: time.Now(),
	}
	_, err := f.mem.Signals().PutIfAbsent(ctx, clustered)
	require.NoError(t, err)
	require.NoError(t, f.mem.Signals().SetTopic(ctx, clustered.ID, "topic-9"))

	// A redelivery for an already-clustered signal moves its topic forward.
	require.NoError(t, f.p.publish(SubjectEmbed, &stageMsg{ID: clustered.ID}))

	require.Eventually(t, func() bool {
		f.classifier.mu.Lock()
		defer f.classifier.mu.Unlock()
		return len(f.classifier.topics) == 1
	}, 3*time.Second, 10*time.Millisecond)

	f.classifier.mu.Lock()
	assert.Equal(t, "topic-9", f.classifier.topics[0])
	f.classifier.mu.Unlock()

	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, 0, f.embedder.calls)
}

func TestStageMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(&stageMsg{ID: "abc", Attempts: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","attempts":2}`, string(data))
}
