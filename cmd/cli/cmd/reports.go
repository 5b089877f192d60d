package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List archived execution reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		suiteID, _ := cmd.Flags().GetString("suite")
		limit, _ := cmd.Flags().GetInt("limit")

		reports, err := newClient().ListReports(cmd.Context(), suiteID, limit)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			cmd.Println("No reports found.")
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Execution ID", "Suite", "Status", "Pass Rate", "Completed"})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Pass Rate", Align: text.AlignRight},
		})
		for _, r := range reports {
			t.AppendRow(table.Row{
				r.ExecutionID,
				r.SuiteID,
				r.Status,
				fmt.Sprintf("%.1f%%", r.PassRate),
				r.CompletedAt.Format(timeLayout),
			})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportsCmd)

	reportsCmd.Flags().StringP("suite", "s", "", "Only list reports of this suite")
	reportsCmd.Flags().IntP("limit", "l", 20, "Number of reports to list")
}
