package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/orchestrator"
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

func connect(t *testing.T, srv *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestClientDispatch(t *testing.T) {
	srv := startTestNATSServer(t)
	nc := connect(t, srv)

	var got dispatchPayload
	sub, err := nc.Subscribe(SubjectDispatch, func(msg *nats.Msg) {
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		reply, _ := json.Marshal(dispatchReply{JobID: "job-42"})
		_ = msg.Respond(reply)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	client, err := NewClient(connect(t, srv), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobID, err := client.Dispatch(ctx, &orchestrator.DispatchRequest{
		TaskID:         "task-1",
		Problem:        "bug: Crash on save. The editor crashes when saving.",
		Priority:       feedback.PriorityHigh,
		Context:        "Similar merged fixes:\n...",
		ReviewComments: []string{"use the retry helper"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)

	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "high", got.Priority)
	assert.Contains(t, got.Problem, "Crash on save")
	assert.NotEmpty(t, got.Context)
	assert.Equal(t, []string{"use the retry helper"}, got.ReviewComments)
}

func TestClientDispatchAgentError(t *testing.T) {
	srv := startTestNATSServer(t)
	nc := connect(t, srv)

	sub, err := nc.Subscribe(SubjectDispatch, func(msg *nats.Msg) {
		reply, _ := json.Marshal(dispatchReply{Error: "at capacity"})
		_ = msg.Respond(reply)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	client, err := NewClient(connect(t, srv), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Dispatch(ctx, &orchestrator.DispatchRequest{TaskID: "task-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at capacity")
}

func TestClientDispatchNoResponder(t *testing.T) {
	srv := startTestNATSServer(t)

	client, err := NewClient(connect(t, srv), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = client.Dispatch(ctx, &orchestrator.DispatchRequest{TaskID: "task-1"})
	require.Error(t, err)
}

func TestClientAbandon(t *testing.T) {
	srv := startTestNATSServer(t)
	nc := connect(t, srv)

	received := make(chan abandonPayload, 1)
	sub, err := nc.Subscribe(SubjectAbandon, func(msg *nats.Msg) {
		var p abandonPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			received <- p
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	client, err := NewClient(connect(t, srv), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, client.Abandon(context.Background(), "job-42"))

	select {
	case p := <-received:
		assert.Equal(t, "job-42", p.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("abandon message not delivered")
	}
}

func TestNewClientRequiresConnection(t *testing.T) {
	_, err := NewClient(nil, zap.NewNop())
	require.Error(t, err)
}
