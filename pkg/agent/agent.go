package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/drift"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/health"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/ratelimit"
	"github.com/cuemby/ledgerlink/pkg/replay"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cycle modes recorded on reports
const (
	ModeRun     = "run"
	ModeMonitor = "monitor"
	ModeHealth  = "health"
)

const lastReportKey = "agent/last-report"

// ErrNoReport is returned by LastReport before any cycle has completed
var ErrNoReport = errors.New("no cycle report recorded")

// UsageReader reports rate-limit pressure per provider
type UsageReader interface {
	Usage(ctx context.Context, p types.Provider) (ratelimit.Usage, error)
}

// Options wires an Agent. Drift, Limiter, Tracker and Broker may be nil;
// the probes that depend on them then report not-configured.
type Options struct {
	Config  *config.Config
	Store   storage.Store
	Queue   *queue.Queue
	Replay  *replay.Engine
	Drift   *drift.Detector
	Limiter UsageReader
	Tracker *health.Tracker
	Clock   clock.Clock
	Broker  *events.Broker
}

// Agent runs the health-check, decide, act, report cycle
type Agent struct {
	cfg     *config.Config
	store   storage.Store
	queue   *queue.Queue
	replay  *replay.Engine
	drift   *drift.Detector
	limiter UsageReader
	tracker *health.Tracker
	clock   clock.Clock
	broker  *events.Broker
	logger  zerolog.Logger

	// cycleMu serializes whole cycles, so no action runs twice at once.
	// An action that outlives its cycle is a replay whose jobs are still
	// queued, tracked through replayed.
	cycleMu sync.Mutex
	mu      sync.Mutex
	// jobs re-armed by the last sync action, checked before replaying again
	replayed []string
}

// New creates an agent
func New(opts Options) *Agent {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Agent{
		cfg:     opts.Config,
		store:   opts.Store,
		queue:   opts.Queue,
		replay:  opts.Replay,
		drift:   opts.Drift,
		limiter: opts.Limiter,
		tracker: opts.Tracker,
		clock:   clk,
		broker:  opts.Broker,
		logger:  log.WithComponent("agent"),
	}
}

// RunCycle performs one full cycle and persists its report
func (a *Agent) RunCycle(ctx context.Context) (*types.CycleReport, error) {
	return a.cycle(ctx, ModeRun)
}

func (a *Agent) cycle(ctx context.Context, mode string) (*types.CycleReport, error) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AgentCycleDuration)

	report := a.newReport(mode)
	logger := log.WithCycleID(report.ID)

	snap := a.checkHealth(ctx, report)
	report.Recommendations = a.decide(snap)
	for _, name := range report.Recommendations {
		action := a.act(ctx, report, snap, name)
		report.Actions = append(report.Actions, action)
		if action.Outcome == types.OutcomeError {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", name, action.Detail))
		}
	}
	report.FinishedAt = a.clock.Now()

	err := a.persist(ctx, report)
	metrics.AgentCycles.WithLabelValues(mode).Inc()

	event := logger.Info()
	if len(report.Errors) > 0 {
		event = logger.Warn()
	}
	event.
		Str("mode", mode).
		Int("probes", len(report.Probes)).
		Interface("recommendations", report.Recommendations).
		Int("actions", len(report.Actions)).
		Int("errors", len(report.Errors)).
		Msg("Agent cycle complete")

	return report, err
}

// CheckHealth runs only the probes. Nothing is acted on or persisted.
func (a *Agent) CheckHealth(ctx context.Context) *types.CycleReport {
	report := a.newReport(ModeHealth)
	a.checkHealth(ctx, report)
	report.FinishedAt = a.clock.Now()
	return report
}

// LastReport returns the report persisted by the most recent cycle
func (a *Agent) LastReport(ctx context.Context) (*types.CycleReport, error) {
	data, err := a.store.GetMeta(ctx, lastReportKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("failed to read last report: %w", err)
	}
	var report types.CycleReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode last report: %w", err)
	}
	return &report, nil
}

// Monitor runs a cycle immediately and then on every tick of interval until
// ctx is cancelled. onReport, if set, sees each report as it completes.
func (a *Agent) Monitor(ctx context.Context, interval time.Duration, onReport func(*types.CycleReport)) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", interval).Msg("Agent monitor started")
	for {
		report, err := a.cycle(ctx, ModeMonitor)
		if err != nil {
			// Log error but continue
			a.logger.Error().Err(err).Msg("Agent cycle failed to persist")
		}
		if onReport != nil {
			onReport(report)
		}

		select {
		case <-ticker.C():
		case <-ctx.Done():
			a.logger.Info().Msg("Agent monitor stopped")
			return nil
		}
	}
}

func (a *Agent) newReport(mode string) *types.CycleReport {
	return &types.CycleReport{
		ID:        uuid.New().String(),
		Mode:      mode,
		StartedAt: a.clock.Now(),
		Probes:    make(map[string]types.ProbeResult),
	}
}

// persist writes the action trail and the report. Both are attempted even
// if one fails.
func (a *Agent) persist(ctx context.Context, report *types.CycleReport) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	for i := range report.Actions {
		if err := a.store.AppendAction(ctx, &report.Actions[i]); err != nil {
			errs = append(errs, fmt.Errorf("append %s action: %w", report.Actions[i].Action, err))
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		errs = append(errs, fmt.Errorf("encode report: %w", err))
	} else if err := a.store.PutMeta(ctx, lastReportKey, data); err != nil {
		errs = append(errs, fmt.Errorf("save report: %w", err))
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		report.Errors = append(report.Errors, err.Error())
		return err
	}
	return nil
}
