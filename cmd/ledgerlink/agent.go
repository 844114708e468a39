package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/ledgerlink/pkg/agent"
	"github.com/cuemby/ledgerlink/pkg/api"
	"github.com/cuemby/ledgerlink/pkg/client"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one agent cycle and print the report",
	Long: `Run exactly one agent cycle: check health, decide, act on the
enabled capabilities and record the report.

With --drain, jobs that are due after the cycle (including any the sync
action re-armed) are then processed in this process until none are left.

Exits 2 when a probe or an action ended in error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		drain, _ := cmd.Flags().GetBool("drain")
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			report, err := e.agent.RunCycle(ctx)
			if err != nil {
				// The report is still complete, only persisting it failed
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			}
			if err := show(cmd, report); err != nil {
				return err
			}
			if drain {
				pool, err := e.newPool()
				if err != nil {
					return err
				}
				n, err := pool.Drain(ctx)
				fmt.Fprintf(cmd.ErrOrStderr(), "Processed %d due job(s)\n", n)
				if err != nil {
					return err
				}
			}
			return reportExit(report)
		})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run agent cycles on a fixed interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval == 0 {
			interval = loaded.Agent.Interval
		}
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			return e.agent.Monitor(ctx, interval, func(report *types.CycleReport) {
				if err := show(cmd, report); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
				}
			})
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last cycle report without acting",
	Long: `Print the report of the last cycle. Nothing is run or acted on.

When the store cannot be opened or read, a report carrying the store error
is printed instead and the command exits 2.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if server, _ := cmd.Flags().GetString("server"); server != "" {
			c, err := client.NewClient(server)
			if err != nil {
				return err
			}
			report, err := c.Status(cmd.Context())
			if errors.Is(err, client.ErrNoReport) {
				printNoReport(cmd)
				return nil
			}
			if err != nil {
				return err
			}
			return show(cmd, report)
		}
		return localStatus(cmd, loaded)
	},
}

func localStatus(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	start := time.Now()

	e, err := openEngine(ctx, cfg)
	if err != nil {
		return showStoreDown(cmd, start, err)
	}
	defer e.Close()

	report, err := e.agent.LastReport(ctx)
	switch {
	case errors.Is(err, agent.ErrNoReport):
		printNoReport(cmd)
		return nil
	case err != nil:
		return showStoreDown(cmd, start, err)
	}
	return show(cmd, report)
}

func printNoReport(cmd *cobra.Command) {
	fmt.Fprintln(cmd.OutOrStdout(), "No cycle has run yet. Use 'ledgerlink run' or 'ledgerlink monitor'.")
}

// showStoreDown prints a report whose store probe carries err
func showStoreDown(cmd *cobra.Command, start time.Time, err error) error {
	report := storeDownReport(start, err)
	if err := show(cmd, report); err != nil {
		return err
	}
	return reportExit(report)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run only the health checks",
	Long: `Run every probe and print the results. Nothing is acted on and the
report is not stored. A report is printed even when the engine cannot be
opened; the store probe then carries the error.

With --grpc, the gRPC health service of a running engine is queried
instead and its serving status printed. --probe narrows the query to one
probe, e.g. --probe store.

Exits 2 when any probe is in error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			probe, _ := cmd.Flags().GetString("probe")
			return remoteHealth(cmd, addr, probe)
		}
		start := time.Now()

		e, err := openEngine(ctx, loaded)
		if err != nil {
			return showStoreDown(cmd, start, err)
		}
		defer e.Close()

		report := e.agent.CheckHealth(ctx)
		if err := show(cmd, report); err != nil {
			return err
		}
		return reportExit(report)
	},
}

func remoteHealth(cmd *cobra.Command, addr, probe string) error {
	service := ""
	if probe != "" {
		service = api.ServicePrefix + probe
	}
	status, err := client.CheckHealth(cmd.Context(), addr, service)
	if err != nil {
		return fmt.Errorf("health check against %s failed: %w", addr, err)
	}

	name := service
	if name == "" {
		name = "overall"
	}
	if jsonOutput(cmd) {
		if err := printJSON(cmd.OutOrStdout(), map[string]string{"service": name, "status": status.String()}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		return &exitError{code: 2, msg: name + " is " + status.String()}
	}
	return nil
}

func show(cmd *cobra.Command, report *types.CycleReport) error {
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func init() {
	runCmd.Flags().Bool("drain", false, "Process due jobs after the cycle")
	monitorCmd.Flags().Duration("interval", 0, "Cycle interval (default agent.interval)")
	healthCmd.Flags().String("grpc", "", "Query the gRPC health service at this address")
	healthCmd.Flags().String("probe", "", "Probe to query with --grpc (default overall)")
	statusCmd.Flags().String("server", "", "Read the report from a running engine's HTTP API")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}
