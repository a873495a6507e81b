package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Show signals waiting for human topic confirmation",
	Args:  cobra.NoArgs,
	RunE:  runTriage,
}

func runTriage(cmd *cobra.Command, _ []string) error {
	var entries []store.TriageEntry
	if err := newAPIClient().get("/api/v1/triage", &entries); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Triage queue is empty.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  best topic %s  similarity %.3f\n", e.SignalID, e.TopicID, e.Similarity)
	}
	return nil
}
