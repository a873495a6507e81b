package httpapi

import (
	"context"
	"net/http"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/githubx"
	"github.com/fyrsmithlabs/feedbackd/internal/orchestrator"
)

// handleGitHubWebhook ingests PR lifecycle events as review outcomes.
//
// Signature validation uses the HMAC-SHA256 scheme GitHub sends in
// X-Hub-Signature-256; anything unsigned or mis-signed is rejected before
// parsing. Events that do not correlate with a task (no Task ID marker, no
// fix branch) are acknowledged and ignored, since the repo sees plenty of
// human PRs too.
func (s *Server) handleGitHubWebhook(c echo.Context) error {
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, 1<<20)

	payload, err := github.ValidatePayload(r, s.webhookSecret)
	if err != nil {
		s.logger.Warn("invalid webhook signature", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		s.logger.Warn("unparseable webhook payload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	ctx := r.Context()
	switch e := event.(type) {
	case *github.PullRequestEvent:
		s.handlePullRequest(ctx, e)
	case *github.PullRequestReviewEvent:
		s.handlePullRequestReview(ctx, e)
	default:
		s.logger.Debug("ignoring webhook event", zap.String("type", github.WebHookType(r)))
	}

	// Always 200 once authenticated: GitHub retries non-2xx deliveries, and
	// an event we chose to ignore should not be redelivered.
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePullRequest(ctx context.Context, e *github.PullRequestEvent) {
	pr := e.GetPullRequest()
	taskID, ok := githubx.ExtractTaskID(pr.GetBody(), pr.GetHead().GetRef())
	if !ok {
		return
	}

	logger := s.logger.With(
		zap.String("task_id", taskID),
		zap.Int("pr", pr.GetNumber()),
		zap.String("action", e.GetAction()))

	switch e.GetAction() {
	case "opened":
		// The agent opened its fix PR.
		if _, err := s.orch.RecordFix(ctx, taskID, pr.GetHTMLURL(), pr.GetTitle()); err != nil {
			logger.Warn("failed to record fix from PR", zap.Error(err))
		}
	case "closed":
		verdict := orchestrator.VerdictRejected
		if pr.GetMerged() {
			verdict = orchestrator.VerdictMerged
		}
		if _, err := s.orch.RecordReview(ctx, taskID, verdict, nil); err != nil {
			logger.Warn("failed to record review from PR close", zap.Error(err))
		}
	case "review_requested":
		if _, err := s.orch.MarkUnderReview(ctx, taskID); err != nil {
			logger.Warn("failed to mark task under review", zap.Error(err))
		}
	}
}

func (s *Server) handlePullRequestReview(ctx context.Context, e *github.PullRequestReviewEvent) {
	if e.GetAction() != "submitted" {
		return
	}
	pr := e.GetPullRequest()
	taskID, ok := githubx.ExtractTaskID(pr.GetBody(), pr.GetHead().GetRef())
	if !ok {
		return
	}

	review := e.GetReview()
	if review.GetState() != "changes_requested" {
		return
	}

	var comments []string
	if body := review.GetBody(); body != "" {
		comments = append(comments, body)
	}
	if _, err := s.orch.RecordReview(ctx, taskID, orchestrator.VerdictNeedsChanges, comments); err != nil {
		s.logger.Warn("failed to record changes-requested review",
			zap.String("task_id", taskID), zap.Error(err))
	}
}
