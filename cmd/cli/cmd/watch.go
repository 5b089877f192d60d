package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"suiteplane/pkg/api"
)

var watchCmd = &cobra.Command{
	Use:   "watch [execution_id]",
	Short: "Follow the progress of an execution until it finishes",
	Long: `Stream progress snapshots of an execution. Exits non-zero when the
execution ends in any status other than completed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchExecution(cmd, newClient(), args[0])
	},
}

func watchExecution(cmd *cobra.Command, client *SuiteClient, executionID string) error {
	last, err := client.Watch(cmd.Context(), executionID, func(s api.Snapshot) {
		cmd.Println(formatSnapshot(s))
	})
	if err != nil {
		return err
	}
	if !last.Terminal {
		return fmt.Errorf("stream ended before execution %s finished", executionID)
	}

	cmd.Printf("%s Execution %s %s (pass rate %.1f%%)\n",
		statusIcon(last.Status), executionID, colorizeStatus(last.Status), last.PassRate)
	if last.Reason != "" {
		cmd.Printf("   Reason: %s\n", last.Reason)
	}
	if last.Status != "completed" {
		return fmt.Errorf("execution %s", last.Status)
	}
	return nil
}

func formatSnapshot(s api.Snapshot) string {
	c := s.Counts
	return fmt.Sprintf("%s %5.1f%% %-9s passed=%d failed=%d errored=%d pending=%d retried=%d",
		progressBar(s.PercentComplete, 20), s.PercentComplete, s.Status,
		c.Passed, c.Failed, c.Errored, c.Pending, c.Retried)
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
