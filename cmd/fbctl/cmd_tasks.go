package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/httpapi"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks [id]",
	Short: "List tasks, show one, or drive its lifecycle",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasks,
}

var reviewFlags struct {
	verdict  string
	comments []string
}

var reviewCmd = &cobra.Command{
	Use:   "review [task-id]",
	Short: "Record a review verdict for a task's current fix",
	Args:  cobra.ExactArgs(1),
	RunE:  runReview,
}

var fixFlags struct {
	patchRef string
	summary  string
}

var fixCmd = &cobra.Command{
	Use:   "fix [task-id]",
	Short: "Record a produced fix for a dispatched task",
	Args:  cobra.ExactArgs(1),
	RunE:  runFix,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [task-id]",
	Short: "Send a pending task to the coding agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispatch,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task and abandon its agent job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var issueCmd = &cobra.Command{
	Use:   "issue [task-id]",
	Short: "File a tracker issue for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssue,
}

func init() {
	f := reviewCmd.Flags()
	f.StringVar(&reviewFlags.verdict, "verdict", "", "merged, needs_changes or rejected (required)")
	f.StringArrayVar(&reviewFlags.comments, "comment", nil, "review comment, repeatable")
	_ = reviewCmd.MarkFlagRequired("verdict")

	ff := fixCmd.Flags()
	ff.StringVar(&fixFlags.patchRef, "patch-ref", "", "PR or patch reference (required)")
	ff.StringVar(&fixFlags.summary, "summary", "", "what the fix does")
	_ = fixCmd.MarkFlagRequired("patch-ref")

	tasksCmd.AddCommand(dispatchCmd)
	tasksCmd.AddCommand(reviewCmd)
	tasksCmd.AddCommand(fixCmd)
	tasksCmd.AddCommand(cancelCmd)
	tasksCmd.AddCommand(issueCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		var task feedback.Task
		if err := client.get("/api/v1/tasks/"+args[0], &task); err != nil {
			return err
		}
		printTask(cmd, &task)
		return nil
	}

	var tasks []*feedback.Task
	if err := client.get("/api/v1/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	for _, t := range tasks {
		fmt.Fprintf(out, "%s  %-12s %-7s [%s] %s\n", t.ID, t.Status, t.Priority, t.Kind, t.Title)
	}
	return nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	var task feedback.Task
	if err := newAPIClient().post("/api/v1/tasks/"+args[0]+"/dispatch", nil, &task); err != nil {
		return err
	}
	printTask(cmd, &task)
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	req := httpapi.RecordReviewRequest{
		Verdict:  reviewFlags.verdict,
		Comments: reviewFlags.comments,
	}
	var task feedback.Task
	if err := newAPIClient().post("/api/v1/tasks/"+args[0]+"/review", req, &task); err != nil {
		return err
	}
	printTask(cmd, &task)
	return nil
}

func runFix(cmd *cobra.Command, args []string) error {
	req := httpapi.RecordFixRequest{
		PatchRef: fixFlags.patchRef,
		Summary:  fixFlags.summary,
	}
	var fix feedback.FixRecord
	if err := newAPIClient().post("/api/v1/tasks/"+args[0]+"/fix", req, &fix); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded fix %s (%s)\n", fix.ID, fix.PatchRef)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	var task feedback.Task
	if err := newAPIClient().post("/api/v1/tasks/"+args[0]+"/cancel", nil, &task); err != nil {
		return err
	}
	printTask(cmd, &task)
	return nil
}

func runIssue(cmd *cobra.Command, args []string) error {
	var task feedback.Task
	if err := newAPIClient().post("/api/v1/tasks/"+args[0]+"/issue", nil, &task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Issue: %s\n", task.IssueURL)
	return nil
}

func printTask(cmd *cobra.Command, t *feedback.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:     %s\n", t.ID)
	fmt.Fprintf(out, "Topic:    %s\n", t.TopicID)
	fmt.Fprintf(out, "Kind:     %s\n", t.Kind)
	fmt.Fprintf(out, "Title:    %s\n", t.Title)
	fmt.Fprintf(out, "Status:   %s\n", t.Status)
	fmt.Fprintf(out, "Priority: %s\n", t.Priority)
	if t.Severity != "" {
		fmt.Fprintf(out, "Severity: %s\n", t.Severity)
	}
	if t.AgentJobID != "" {
		fmt.Fprintf(out, "Job:      %s\n", t.AgentJobID)
	}
	if t.IssueURL != "" {
		fmt.Fprintf(out, "Issue:    %s\n", t.IssueURL)
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(out, "Retries:  %d\n", t.RetryCount)
	}
	fmt.Fprintf(out, "Updated:  %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))
}
