package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"suiteplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [execution_id]",
	Short: "Get status of an execution",
	Long:  `Retrieve the current state of an execution (pending, running, completed, failed, cancelled) with its per-outcome counts, progress and timestamps.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		execution, err := newClient().GetExecution(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(cmd, *execution)
		return nil
	},
}

func printStatus(cmd *cobra.Command, execution api.ExecutionResponse) {
	// Header with status icon
	icon := statusIcon(execution.Status)
	cmd.Printf("%s %sExecution Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, execution.ID)
	cmd.Printf("%sSuite:%s       %s\n", colorDim, colorReset, execution.SuiteID)
	if execution.Name != "" {
		cmd.Printf("%sName:%s        %s\n", colorDim, colorReset, execution.Name)
	}
	if execution.Environment != "" {
		cmd.Printf("%sEnvironment:%s %s\n", colorDim, colorReset, execution.Environment)
	}
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(execution.Status))
	if execution.CancelRequested && execution.Status != "cancelled" {
		cmd.Printf("%sCancel:%s      %srequested%s\n", colorDim, colorReset, colorYellow, colorReset)
	}

	c := execution.Counts
	cmd.Printf("%sProgress:%s    %s %.1f%%\n", colorDim, colorReset, progressBar(execution.PercentComplete, 20), execution.PercentComplete)
	cmd.Printf("%sTests:%s       %d total, %s%d passed%s, %s%d failed%s, %s%d errored%s, %d pending\n",
		colorDim, colorReset, c.Total,
		colorGreen, c.Passed, colorReset,
		colorRed, c.Failed, colorReset,
		colorYellow, c.Errored, colorReset,
		c.Pending)
	if c.Retried > 0 {
		cmd.Printf("%sRetried:%s     %d\n", colorDim, colorReset, c.Retried)
	}
	if c.Passed+c.Failed+c.Errored > 0 {
		cmd.Printf("%sPass Rate:%s   %.1f%%\n", colorDim, colorReset, execution.PassRate)
	}

	if execution.Reason != "" {
		cmd.Printf("%sReason:%s      %s%s%s\n", colorDim, colorReset, colorRed, execution.Reason, colorReset)
	}
	if execution.Deadline != nil {
		cmd.Printf("%sDeadline:%s    %s\n", colorDim, colorReset, execution.Deadline.Format(timeLayout))
	}

	// Timestamps with relative time
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(execution.StartedAt))

	// Duration if both times available
	if execution.StartedAt != nil && execution.CompletedAt != nil {
		duration := execution.CompletedAt.Sub(*execution.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(execution.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(execution.CompletedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

const timeLayout = "Mon, 02 Jan 2006 15:04:05 MST"

func statusColor(status string) string {
	switch status {
	case "completed", "succeeded":
		return colorGreen
	case "failed":
		return colorRed
	case "running", "retrying", "abandoned":
		return colorYellow
	case "pending", "queued", "cancelled":
		return colorCyan
	default:
		return ""
	}
}

func statusIcon(status string) string {
	switch status {
	case "completed", "succeeded":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "retrying":
		return colorYellow + "↻" + colorReset
	case "pending", "queued":
		return colorCyan + "◯" + colorReset
	case "cancelled", "abandoned":
		return colorCyan + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	color := statusColor(status)
	if color == "" {
		return status
	}
	return statusIcon(status) + " " + color + status + colorReset
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(filled, width))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format(timeLayout), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
