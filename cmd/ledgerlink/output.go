package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/ledgerlink/pkg/agent"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// storeDownReport stands in for a cycle report when the store cannot be
// reached. Only the store probe is known, and it is in error.
func storeDownReport(start time.Time, err error) *types.CycleReport {
	return &types.CycleReport{
		ID:         uuid.New().String(),
		Mode:       agent.ModeHealth,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Probes: map[string]types.ProbeResult{
			agent.ProbeStore: {Status: types.ProbeError, Message: err.Error()},
		},
		Errors: []string{fmt.Sprintf("%s: %v", agent.ProbeStore, err)},
	}
}

// printReport writes a cycle report for operators
func printReport(w io.Writer, report *types.CycleReport) {
	fmt.Fprintf(w, "Cycle %s (%s)\n", report.ID, report.Mode)
	fmt.Fprintf(w, "  Started:  %s\n", report.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Duration: %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(w)

	names := make([]string, 0, len(report.Probes))
	for name := range report.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBE\tSTATUS\tVALUE\tMESSAGE")
	for _, name := range names {
		p := report.Probes[name]
		fmt.Fprintf(tw, "%s\t%s\t%g\t%s\n", name, p.Status, p.Value, p.Message)
	}
	tw.Flush()

	if len(report.Actions) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ACTION\tOUTCOME\tDETAIL")
		for _, a := range report.Actions {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Action, a.Outcome, a.Detail)
		}
		tw.Flush()
	} else if len(report.Recommendations) == 0 && report.Mode != agent.ModeHealth {
		fmt.Fprintln(w, "\nNo action needed")
	}

	if len(report.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

// reportExit maps a report to the process exit status: 0 when nothing is in
// error, 2 when a probe or action failed
func reportExit(report *types.CycleReport) error {
	var failed []string
	for name, p := range report.Probes {
		if p.Status == types.ProbeError {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	if len(failed) > 0 || len(report.Errors) > 0 {
		return &exitError{code: 2, msg: "unhealthy: " + strings.Join(failed, ", ")}
	}
	return nil
}

func printDeadLetters(w io.Writer, entries []*types.DeadLetterEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tPROVIDER\tOPERATION\tKIND\tATTEMPTS\tLAST FAILED\tSTATE\tDETAIL")
	for _, d := range entries {
		state := "open"
		if d.Resolved {
			state = string(d.Resolution)
		} else if d.Escalated {
			state = "escalated"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.JobID, d.Provider, d.Operation, d.Kind, d.Attempts,
			d.LastFailedAt.Format(time.RFC3339), state, d.Detail)
	}
	tw.Flush()
}

func printDrift(w io.Writer, records []*types.DriftRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSEVERITY\tINTERNAL\tREPORTED\tDELTA\tTOLERANCE\tCHECKED\tCORRECTION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%g\t%g\t%s\t%s\n",
			r.ID, r.Status, r.Severity, r.Internal, r.Reported, r.Delta, r.Tolerance,
			r.LastCheckedAt.Format(time.RFC3339), r.CorrectionJobID)
	}
	tw.Flush()
}
