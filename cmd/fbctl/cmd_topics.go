package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

var topicsCmd = &cobra.Command{
	Use:   "topics [id]",
	Short: "List topics, or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTopics,
}

func runTopics(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		var topic feedback.Topic
		if err := client.get("/api/v1/topics/"+args[0], &topic); err != nil {
			return err
		}
		fmt.Fprintf(out, "Topic:    %s\n", topic.ID)
		fmt.Fprintf(out, "Title:    %s\n", topic.Title)
		fmt.Fprintf(out, "Members:  %d\n", topic.MemberCount())
		if topic.Label != "" {
			fmt.Fprintf(out, "Label:    %s\n", topic.Label)
		}
		if topic.ClassifyState != feedback.ClassifyNone {
			fmt.Fprintf(out, "Classify: %s\n", topic.ClassifyState)
		}
		if c := topic.Classification; c != nil {
			fmt.Fprintf(out, "Summary:  %s\n", c.Summary)
			if c.Severity != "" {
				fmt.Fprintf(out, "Severity: %s\n", c.Severity)
			}
			if c.SuggestedAction != "" {
				fmt.Fprintf(out, "Action:   %s\n", c.SuggestedAction)
			}
			fmt.Fprintf(out, "Confidence: %.2f\n", c.Confidence)
		}
		fmt.Fprintf(out, "Updated:  %s\n", topic.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	var topics []*feedback.Topic
	if err := client.get("/api/v1/topics", &topics); err != nil {
		return err
	}
	if len(topics) == 0 {
		fmt.Fprintln(out, "No topics.")
		return nil
	}
	for _, t := range topics {
		label := string(t.Label)
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(out, "%s  %-15s %3d members  %s\n", t.ID, label, t.MemberCount(), t.Title)
	}
	return nil
}
