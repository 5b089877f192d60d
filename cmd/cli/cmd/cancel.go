package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [execution_id]",
	Short: "Request cancellation of an execution",
	Long: `Ask the engine to stop an execution. Queued test cases are abandoned,
running ones finish their current attempt, and no further retries are scheduled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		execution, err := newClient().CancelExecution(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Printf("%s Cancellation requested for %s (status: %s)\n",
			statusIcon("cancelled"), execution.ID, colorizeStatus(execution.Status))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
