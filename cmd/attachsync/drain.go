package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvoss/attachsync/internal/models"
)

var drainCmd = &cobra.Command{
	Use:   "drain [upload|download]",
	Short: "Run pending transfers until the store empties",
	Long: `Drain works through the task store, respecting priority order and the
environmental status gate. With no argument both directions run,
uploads first.`,
	Example: `  attachsync drain
  attachsync drain download`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDrain,
}

func init() {
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		printWarning("\nDrain interrupted, letting in-flight transfers finish...")
		cancel()
	}()

	direction := "all"
	if len(args) == 1 {
		direction = args[0]
	}

	start := time.Now()

	var err error
	switch direction {
	case "upload":
		err = app.DrainUploads(ctx)
	case "download":
		err = app.DrainDownloads(ctx)
	case "all":
		if err = app.DrainUploads(ctx); err == nil {
			err = app.DrainDownloads(ctx)
		}
	default:
		return errors.New("direction must be upload or download")
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, models.ErrDrainInProgress) {
		return err
	}

	status, statusErr := app.Status(ctx)
	if statusErr != nil {
		return statusErr
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"duration": time.Since(start).Round(time.Millisecond).String(),
			"status":   status,
		})
		return nil
	}

	if status.UploadsPending == 0 && status.DownloadsPending == 0 {
		printSuccess("Drain complete in %s", time.Since(start).Round(time.Second))
	} else {
		printWarning("Drain stopped (%s): %d upload(s), %d download(s) still pending",
			status.QueueStatus, status.UploadsPending, status.DownloadsPending)
	}
	return nil
}
