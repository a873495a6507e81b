// Package agent hands tasks to the external coding agent over NATS
// request/reply. The agent itself runs outside this daemon; this client
// owns only the wire contract.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/orchestrator"
)

// Request/reply subjects the agent runner listens on.
const (
	SubjectDispatch = "agent.dispatch"
	SubjectAbandon  = "agent.abandon"
)

// dispatchPayload is the wire format for a dispatch request.
type dispatchPayload struct {
	TaskID         string   `json:"task_id"`
	Problem        string   `json:"problem"`
	Priority       string   `json:"priority"`
	Context        string   `json:"context,omitempty"`
	ReviewComments []string `json:"review_comments,omitempty"`
}

// dispatchReply is the agent's acknowledgement.
type dispatchReply struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// abandonPayload asks the agent to stop a running job.
type abandonPayload struct {
	JobID string `json:"job_id"`
}

// Client implements the orchestrator's agent boundary over NATS.
type Client struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewClient creates an agent client on an established NATS connection.
func NewClient(nc *nats.Conn, logger *zap.Logger) (*Client, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{nc: nc, logger: logger.Named("agent")}, nil
}

// Dispatch sends the request and waits for the agent's job id. The
// orchestrator treats any failure here as recoverable, so an unreachable
// agent leaves the task pending for a later retry.
func (c *Client) Dispatch(ctx context.Context, req *orchestrator.DispatchRequest) (string, error) {
	payload := dispatchPayload{
		TaskID:         req.TaskID,
		Problem:        req.Problem,
		Priority:       string(req.Priority),
		Context:        req.Context,
		ReviewComments: req.ReviewComments,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, SubjectDispatch, data)
	if err != nil {
		return "", fmt.Errorf("agent unreachable: %w", err)
	}

	var reply dispatchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode dispatch reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("agent rejected dispatch: %s", reply.Error)
	}
	if reply.JobID == "" {
		return "", errors.New("agent reply missing job id")
	}

	c.logger.Debug("dispatched task to agent",
		zap.String("task_id", req.TaskID),
		zap.String("job_id", reply.JobID))
	return reply.JobID, nil
}

// Abandon tells the agent to stop a job. Fire and forget; the caller
// treats failure as best effort.
func (c *Client) Abandon(ctx context.Context, jobID string) error {
	data, err := json.Marshal(abandonPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal abandon request: %w", err)
	}
	if err := c.nc.Publish(SubjectAbandon, data); err != nil {
		return fmt.Errorf("publish abandon: %w", err)
	}
	return nil
}
