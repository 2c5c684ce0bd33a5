package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <upload|download|all>",
	Short: "Clear pending transfer tasks",
	Long: `Cancel stops any active drain and removes pending tasks. Cancelling
downloads also resets the pending-byte counter.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var err error
	switch args[0] {
	case "upload":
		err = app.CancelAllUploads(ctx)
	case "download":
		err = app.CancelAllDownloads(ctx)
	case "all":
		if err = app.CancelAllUploads(ctx); err == nil {
			err = app.CancelAllDownloads(ctx)
		}
	default:
		return errors.New("target must be upload, download, or all")
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]string{"cancelled": args[0]})
		return nil
	}
	printSuccess("Cancelled %s tasks", args[0])
	return nil
}
