package main

import (
	"context"
	"fmt"

	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/spf13/cobra"
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Audit and manage drift between the ledger and providers",
}

var driftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drift records",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		p, _ := cmd.Flags().GetString("provider")

		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			records, err := e.store.ListDrift(ctx, storage.DriftFilter{
				Status:   types.DriftStatus(status),
				Provider: types.Provider(p),
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No drift records")
				return nil
			}
			printDrift(cmd.OutOrStdout(), records)
			return nil
		})
	},
}

var driftAuditCmd = &cobra.Command{
	Use:   "audit PERIOD_KEY...",
	Short: "Compare ledger totals with provider totals",
	Long: `Audit one or more period keys. With --provider and --metric only that
pair is audited; otherwise every configured drift target is.

Keys follow the metric: "2025-W01" or "2025-W01/<actor>" for pay-cents and
hours, "<outlet>/<product>" for stock-units.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _ := cmd.Flags().GetString("provider")
		m, _ := cmd.Flags().GetString("metric")
		if (p == "") != (m == "") {
			return fmt.Errorf("--provider and --metric go together")
		}

		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			d, err := e.auditor()
			if err != nil {
				return err
			}

			var open []*types.DriftRecord
			var auditErr error
			if p != "" {
				for _, key := range args {
					rec, err := d.AuditPeriod(ctx, types.Provider(p), types.Metric(m), key)
					if err != nil {
						auditErr = err
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", key, err)
						continue
					}
					if rec.Status == types.DriftOpen {
						open = append(open, rec)
					}
				}
			} else {
				summary, err := d.AuditAll(ctx, args)
				open, auditErr = summary.Open, err
				for _, msg := range summary.Errors {
					fmt.Fprintln(cmd.ErrOrStderr(), msg)
				}
			}

			if jsonOutput(cmd) {
				if err := printJSON(cmd.OutOrStdout(), open); err != nil {
					return err
				}
			} else if len(open) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "✓ No drift beyond tolerance")
			} else {
				printDrift(cmd.OutOrStdout(), open)
			}
			if auditErr != nil {
				return &exitError{code: 2, msg: auditErr.Error()}
			}
			return nil
		})
	},
}

var driftCorrectCmd = &cobra.Command{
	Use:   "correct DRIFT_ID",
	Short: "Enqueue the sync job that corrects an open drift record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			job, err := e.drift.Correct(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Correction job %s (%s %s)\n", job.ID, job.Operation, job.Provider)
			return nil
		})
	},
}

var driftOverrideCmd = &cobra.Command{
	Use:   "override DRIFT_ID",
	Short: "Close an open drift record by operator decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")

		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			rec, err := e.drift.Override(ctx, args[0], by)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Drift %s closed by %s\n", rec.ID, rec.ClosedBy)
			return nil
		})
	},
}

func init() {
	driftListCmd.Flags().String("status", "", "Only records with this status (open, closed)")
	driftListCmd.Flags().String("provider", "", "Only this provider")

	driftAuditCmd.Flags().String("provider", "", "Audit only this provider")
	driftAuditCmd.Flags().String("metric", "", "Audit only this metric (pay-cents, hours, stock-units)")

	driftOverrideCmd.Flags().String("by", "", "Operator closing the record (required)")
	_ = driftOverrideCmd.MarkFlagRequired("by")

	driftCmd.AddCommand(driftListCmd)
	driftCmd.AddCommand(driftAuditCmd)
	driftCmd.AddCommand(driftCorrectCmd)
	driftCmd.AddCommand(driftOverrideCmd)

	rootCmd.AddCommand(driftCmd)
}
