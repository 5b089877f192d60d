package cmd

import (
	"github.com/spf13/cobra"

	"suiteplane/pkg/api"
)

var runCmd = &cobra.Command{
	Use:   "run [suite_id]",
	Short: "Start an execution of a suite",
	Long: `Expand a suite into its test cases and start running them. Policy flags
override the controller defaults for this execution only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := startRequest(cmd, args[0])

		client := newClient()
		result, err := client.StartExecution(cmd.Context(), req)
		if err != nil {
			return err
		}
		cmd.Printf("🚀 Execution started!\nID: %s\n", result.ExecutionID)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchExecution(cmd, client, result.ExecutionID)
		}
		return nil
	},
}

func startRequest(cmd *cobra.Command, suiteID string) api.StartExecutionRequest {
	flags := cmd.Flags()
	req := api.StartExecutionRequest{SuiteID: suiteID}
	req.Name, _ = flags.GetString("name")
	req.Environment, _ = flags.GetString("env")
	req.Trigger, _ = flags.GetString("trigger")

	if flags.Changed("max-retries") {
		n, _ := flags.GetInt("max-retries")
		req.Policy.MaxRetries = &n
	}
	if overrides, _ := flags.GetStringToInt("retries-for"); len(overrides) > 0 {
		req.Policy.TestCaseMaxRetries = overrides
	}
	if timeout, _ := flags.GetDuration("timeout"); timeout > 0 {
		req.Policy.Timeout = timeout.String()
	}
	if backoff, _ := flags.GetDuration("backoff"); backoff > 0 {
		req.Policy.BackoffBase = backoff.String()
	}
	if flags.Changed("jitter") {
		j, _ := flags.GetFloat64("jitter")
		req.Policy.Jitter = &j
	}
	req.Policy.FailOnAnyFailure, _ = flags.GetBool("fail-on-any")
	req.Policy.RetryAssertionFailures, _ = flags.GetBool("retry-assertions")
	return req
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "Display name of the execution")
	cmd.Flags().String("env", "", "Environment the suite runs against")
	cmd.Flags().String("trigger", "manual", "Trigger source (manual, scheduled, ci_cd, api, webhook)")
	cmd.Flags().Int("max-retries", 0, "Retries per test case (default: controller setting)")
	cmd.Flags().StringToInt("retries-for", nil, "Per test case retry overrides, e.g. login=5,search=0")
	cmd.Flags().Duration("timeout", 0, "Execution deadline measured from start, e.g. 30m")
	cmd.Flags().Duration("backoff", 0, "Base retry backoff, e.g. 5s")
	cmd.Flags().Float64("jitter", 0, "Backoff jitter factor in [0,1]")
	cmd.Flags().Bool("fail-on-any", false, "Mark the execution failed if any test case fails")
	cmd.Flags().Bool("retry-assertions", false, "Retry assertion failures as well as infrastructure errors")
	cmd.Flags().BoolP("watch", "w", false, "Follow progress until the execution finishes")
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}
