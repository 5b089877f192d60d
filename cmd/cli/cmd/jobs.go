package cmd

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"suiteplane/pkg/api"
)

// maxErrorWidth truncates long failure messages in the table view.
const maxErrorWidth = 50

var jobsCmd = &cobra.Command{
	Use:   "jobs [execution_id]",
	Short: "List every attempt of every test case in an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := newClient().ListJobs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			cmd.Println("No jobs found.")
			return nil
		}
		renderJobs(cmd, jobs)
		return nil
	},
}

func renderJobs(cmd *cobra.Command, jobs []api.JobResponse) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"#", "Test Case", "Attempt", "Status", "Kind", "Duration", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Attempt", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: maxErrorWidth, WidthMaxEnforcer: text.Trim},
	})

	for _, j := range jobs {
		duration := "-"
		if j.StartedAt != nil && j.FinishedAt != nil {
			duration = formatDuration(j.FinishedAt.Sub(*j.StartedAt))
		}
		t.AppendRow(table.Row{
			strconv.Itoa(j.Position),
			j.TestCaseID,
			j.Attempt,
			j.Status,
			j.FailureKind,
			duration,
			j.LastError,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
