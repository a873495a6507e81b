package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/feedbackd/internal/pipeline"
)

var ingestFlags struct {
	source string
	title  string
	url    string
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Submit one feedback item",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.source, "source", "fbctl", "feedback source name")
	f.StringVar(&ingestFlags.title, "title", "", "optional short title")
	f.StringVar(&ingestFlags.url, "url", "", "link to the original report")
}

func runIngest(cmd *cobra.Command, args []string) error {
	sub := pipeline.Submission{
		Text:   strings.Join(args, " "),
		Title:  ingestFlags.title,
		Source: ingestFlags.source,
		URL:    ingestFlags.url,
	}

	var res pipeline.IngestResult
	if err := newAPIClient().post("/api/v1/ingest", sub, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Duplicate {
		fmt.Fprintf(out, "Duplicate of signal %s\n", res.SignalID)
		return nil
	}
	fmt.Fprintf(out, "Accepted signal %s\n", res.SignalID)
	return nil
}
