package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvoss/attachsync/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <upload|download> [attachment-id]...",
	Short: "Schedule attachments for transfer",
	Long: `Enqueue adds attachments to the durable task store. Re-enqueueing an
attachment updates its priority and recency instead of duplicating it.

With --from-json, attachment metadata is loaded from a JSON array of
attachment descriptors and upserted before enqueueing, for operational
backfills where the rows do not exist yet.`,
	Example: `  attachsync enqueue upload att-123
  attachsync enqueue download att-123 att-456 --user-initiated
  attachsync enqueue download --from-json restore-batch.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

var (
	enqueueUserInitiated bool
	enqueueDescriptors   string
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().BoolVarP(&enqueueUserInitiated, "user-initiated", "u", false,
		"Treat as an explicit user request (top priority, no opportunistic caps)")
	enqueueCmd.Flags().StringVar(&enqueueDescriptors, "from-json", "",
		"Path to a JSON array of attachment descriptors to upsert and enqueue")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	direction := args[0]
	ids := args[1:]
	ctx := cmd.Context()

	if enqueueDescriptors != "" {
		data, err := os.ReadFile(enqueueDescriptors)
		if err != nil {
			return fmt.Errorf("read descriptors: %w", err)
		}
		var attachments []*models.Attachment
		if err := json.Unmarshal(data, &attachments); err != nil {
			return fmt.Errorf("parse descriptors: %w", err)
		}
		for _, a := range attachments {
			if a.ID == "" {
				return fmt.Errorf("descriptor missing id in %s", enqueueDescriptors)
			}
			if err := app.PutAttachment(ctx, a); err != nil {
				return fmt.Errorf("store attachment %s: %w", a.ID, err)
			}
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no attachments given (pass ids or --from-json)")
	}

	var enqueue func(string) error
	switch direction {
	case "upload":
		enqueue = func(id string) error {
			return app.EnqueueUpload(ctx, id, enqueueUserInitiated)
		}
	case "download":
		enqueue = func(id string) error {
			return app.EnqueueDownload(ctx, id, enqueueUserInitiated)
		}
	default:
		return fmt.Errorf("unknown direction %q (want upload or download)", direction)
	}

	for _, id := range ids {
		if err := enqueue(id); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"enqueued":  len(ids),
			"direction": direction,
		})
		return nil
	}
	printSuccess("Enqueued %d attachment(s) for %s", len(ids), direction)
	return nil
}
