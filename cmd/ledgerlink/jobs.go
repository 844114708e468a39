package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/ledgerlink/pkg/client"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/replay"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue OPERATION PROVIDER",
	Short: "Enqueue a sync job",
	Long: `Enqueue a sync job with a JSON payload read from --payload or a file.

Examples:
  # Push a stock count to the point-of-sale provider
  ledgerlink enqueue update-stock pos --payload '{"outlet_id":"o-1","product_id":"p-1","count":12}'

  # Payload from a file, with an explicit idempotency key
  ledgerlink enqueue create-pay-component accounting -f component.json --key pay-2025-W01-staff-1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd)
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("key")
		actor, _ := cmd.Flags().GetString("actor")

		req := queue.EnqueueRequest{
			Operation:      types.Operation(args[0]),
			Provider:       types.Provider(args[1]),
			Payload:        payload,
			IdempotencyKey: key,
			ActorID:        actor,
		}

		if server, _ := cmd.Flags().GetString("server"); server != "" {
			c, err := client.NewClient(server)
			if err != nil {
				return err
			}
			resp, err := c.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printEnqueued(cmd, resp.JobID, resp.Created, resp.Status)
		}

		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			job, created, err := e.queue.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			return printEnqueued(cmd, job.ID, created, job.Status)
		})
	},
}

func printEnqueued(cmd *cobra.Command, id string, created bool, status types.JobStatus) error {
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), map[string]any{"job_id": id, "created": created})
	}
	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s enqueued\n", id)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s already exists (%s)\n", id, status)
	}
	return nil
}

func readPayload(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("payload")
	file, _ := cmd.Flags().GetString("file")

	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use either --payload or --file")
	case inline != "":
		return json.RawMessage(inline), nil
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %v", err)
		}
		return data, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %v", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("a payload is required (--payload or --file)")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-submit dead-lettered or past jobs under their idempotency keys",
	Long: `Replay selects dead-lettered jobs (default) or succeeded history and
re-submits them in batches. Dead letters are re-armed and marked replayed;
history is a no-op by construction. Workers deliver the jobs.

--retryable keeps only dead letters from transient failures, the same set
the agent's sync action replays. Escalated credential failures are replayed
only without it, once the credentials are fixed.

Interrupting stops between batches.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		p, _ := cmd.Flags().GetString("provider")
		op, _ := cmd.Flags().GetString("operation")
		minAge, _ := cmd.Flags().GetDuration("min-age")
		limit, _ := cmd.Flags().GetInt("limit")
		batch, _ := cmd.Flags().GetInt("batch-size")
		delay, _ := cmd.Flags().GetDuration("delay")
		retryable, _ := cmd.Flags().GetBool("retryable")
		if batch == 0 {
			batch = loaded.Replay.BatchSize
		}
		if !cmd.Flags().Changed("delay") {
			delay = loaded.Replay.InterBatchDelay
		}

		filter := replay.Filter{
			Source:    replay.Source(source),
			Provider:  types.Provider(p),
			Operation: types.Operation(op),
			MinAge:    minAge,
			Limit:     limit,
			Retryable: retryable,
		}
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			summary, err := e.replay.Replay(ctx, filter, batch, delay)
			if jsonOutput(cmd) {
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Selected %d, re-armed %d, created %d, no-op %d in %d batches\n",
					summary.Selected, summary.Rearmed, summary.Created, summary.NoOps, summary.Batches)
				if summary.Held > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Held %d permanent or escalated dead letters\n", summary.Held)
				}
				for _, msg := range summary.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", msg)
				}
				if summary.Cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "Interrupted; remaining jobs were not replayed")
				}
			}
			if err != nil {
				return err
			}
			if summary.Failed > 0 {
				return &exitError{code: 2, msg: fmt.Sprintf("%d replays failed", summary.Failed)}
			}
			return nil
		})
	},
}

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Inspect and resolve dead-lettered jobs",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _ := cmd.Flags().GetString("provider")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			entries, err := e.queue.DeadLetters(ctx, storage.DeadLetterFilter{
				Provider:        types.Provider(p),
				IncludeResolved: all,
				Limit:           limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
				return nil
			}
			printDeadLetters(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

var deadLetterResolveCmd = &cobra.Command{
	Use:   "resolve JOB_ID",
	Short: "Resolve a dead letter manually without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		note, _ := cmd.Flags().GetString("note")

		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			entry, err := e.replay.Resolve(ctx, args[0], by, note)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Dead letter %s resolved by %s\n", entry.JobID, entry.ResolvedBy)
			return nil
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive succeeded jobs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		retention, _ := cmd.Flags().GetDuration("retention")
		if retention == 0 {
			retention = loaded.Queue.Retention
		}
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			n, err := e.queue.Archive(ctx, retention)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]int{"archived": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Archived %d jobs\n", n)
			return nil
		})
	},
}

func init() {
	enqueueCmd.Flags().String("payload", "", "JSON payload")
	enqueueCmd.Flags().StringP("file", "f", "", "File holding the JSON payload ('-' for stdin)")
	enqueueCmd.Flags().String("key", "", "Idempotency key (derived from the payload when empty)")
	enqueueCmd.Flags().String("actor", "", "Internal actor id for identity mapping")
	enqueueCmd.Flags().String("server", "", "Submit through a running engine's HTTP API instead of the store")

	replayCmd.Flags().String("source", string(replay.SourceDeadLetter), "Jobs to replay: dead-letter or history")
	replayCmd.Flags().String("provider", "", "Only this provider")
	replayCmd.Flags().String("operation", "", "Only this operation")
	replayCmd.Flags().Duration("min-age", 0, "Only jobs that failed or were created at least this long ago")
	replayCmd.Flags().Int("limit", 0, "Replay at most this many jobs (0 for all)")
	replayCmd.Flags().Bool("retryable", false, "Only dead letters from transient failures")
	replayCmd.Flags().Int("batch-size", 0, "Jobs per batch (default replay.batch_size)")
	replayCmd.Flags().Duration("delay", 0, "Pause between batches (default replay.inter_batch_delay)")

	deadLetterListCmd.Flags().String("provider", "", "Only this provider")
	deadLetterListCmd.Flags().Bool("all", false, "Include resolved entries")
	deadLetterListCmd.Flags().Int("limit", 0, "Maximum entries (0 for all)")

	deadLetterResolveCmd.Flags().String("by", "", "Operator resolving the entry (required)")
	deadLetterResolveCmd.Flags().String("note", "", "Resolution note")
	_ = deadLetterResolveCmd.MarkFlagRequired("by")

	archiveCmd.Flags().Duration("retention", 0, "Keep succeeded jobs newer than this (default queue.retention)")

	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterResolveCmd)

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(deadLetterCmd)
	rootCmd.AddCommand(archiveCmd)
}
