package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	server string
}

var rootCmd = &cobra.Command{
	Use:   "fbctl",
	Short: "Control a running feedbackd daemon",
	Long:  "Fbctl talks to feedbackd's HTTP API: submit feedback,\ninspect topics and tasks, and drive task reviews.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.server, "server", "http://localhost:9180", "feedbackd base URL")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
