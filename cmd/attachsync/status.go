package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nvoss/attachsync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and gate state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := app.Status(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(status)
		return nil
	}

	gateColor := color.New(color.FgGreen)
	if status.QueueStatus.Blocking() {
		gateColor = color.New(color.FgYellow)
	}

	fmt.Printf("Queue status:  %s\n", gateColor.Sprint(string(status.QueueStatus)))
	fmt.Printf("Uploads:       %d pending\n", status.UploadsPending)
	fmt.Printf("Downloads:     %d pending (%s awaiting)\n",
		status.DownloadsPending, formatBytes(status.PendingBytes))
	if status.ExpectedBytes > 0 {
		fmt.Printf("Progress:      %s / %s\n",
			formatBytes(status.TransferredBytes), formatBytes(status.ExpectedBytes))
	}
	if status.QueueStatus == models.StatusEmpty {
		printSuccess("Nothing to do")
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
