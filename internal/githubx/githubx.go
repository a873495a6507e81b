// Package githubx integrates the task lifecycle with GitHub: filing
// tracker issues for tasks and correlating pull requests back to tasks.
package githubx

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// issuesService is the slice of the GitHub API the client uses.
type issuesService interface {
	Create(ctx context.Context, owner, repo string, issue *github.IssueRequest) (*github.Issue, *github.Response, error)
}

// Client files GitHub issues for tasks.
type Client struct {
	issues issuesService
	owner  string
	repo   string
	logger *zap.Logger
}

// NewClient creates an authenticated GitHub client for the configured repo.
func NewClient(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))

	return &Client{
		issues: gh.Issues,
		owner:  owner,
		repo:   repo,
		logger: logger.Named("github"),
	}, nil
}

func splitRepo(full string) (string, string, error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("github repo must be owner/name, got %q", full)
	}
	return parts[0], parts[1], nil
}

// CreateIssue files a tracker issue for the task and returns its URL.
func (c *Client) CreateIssue(ctx context.Context, task *feedback.Task) (string, error) {
	req := &github.IssueRequest{
		Title:  github.String(issueTitle(task)),
		Body:   github.String(issueBody(task)),
		Labels: &[]string{"feedbackd", string(task.Kind), "priority:" + string(task.Priority)},
	}

	issue, _, err := c.issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return "", fmt.Errorf("creating issue for task %s: %w", task.ID, err)
	}

	c.logger.Info("issue created",
		zap.String("task_id", task.ID),
		zap.String("url", issue.GetHTMLURL()))
	return issue.GetHTMLURL(), nil
}

func issueTitle(task *feedback.Task) string {
	return fmt.Sprintf("[%s] %s", task.Kind, task.Title)
}

func issueBody(task *feedback.Task) string {
	var b strings.Builder
	b.WriteString(task.Summary)
	b.WriteString("\n\n")
	if task.Severity != "" {
		fmt.Fprintf(&b, "**Severity:** %s\n", task.Severity)
	}
	fmt.Fprintf(&b, "**Priority:** %s\n", task.Priority)
	fmt.Fprintf(&b, "\nTask ID: %s\n", task.ID)
	b.WriteString("\n_Filed automatically from clustered user feedback._\n")
	return b.String()
}

// FixBranch is the branch naming convention for agent-produced fixes.
func FixBranch(taskID string) string {
	return "feedbackd/fix-" + taskID
}

var (
	taskIDBodyRe   = regexp.MustCompile(`(?mi)^\s*Task ID:\s*([0-9a-f-]{36})\s*$`)
	taskIDBranchRe = regexp.MustCompile(`^feedbackd/fix-([0-9a-f-]{36})$`)
)

// ExtractTaskID correlates a pull request with a task, from the "Task ID:"
// line in the PR body or from the fix branch name.
func ExtractTaskID(body, branch string) (string, bool) {
	if m := taskIDBodyRe.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	if m := taskIDBranchRe.FindStringSubmatch(branch); m != nil {
		return m[1], true
	}
	return "", false
}
