package agent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/health"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
)

// probeTimeout bounds every probe so one slow dependency cannot stall the cycle
const probeTimeout = 10 * time.Second

// snapshot carries what the probes learned into the decide phase
type snapshot struct {
	stats      *types.QueueStats
	staleDrift []*types.DriftRecord
}

// probe names
const (
	ProbeStore      = "store"
	ProbeQueue      = "queue"
	ProbeDeadLetter = "dead-letter"
	ProbeAuth       = "auth"
	ProbeDrift      = "drift"
)

func rateLimitProbe(p types.Provider) string { return "ratelimit:" + string(p) }
func providerProbe(p types.Provider) string  { return "provider:" + string(p) }

// checkHealth runs every probe in turn and records the results on report
func (a *Agent) checkHealth(ctx context.Context, report *types.CycleReport) *snapshot {
	snap := &snapshot{}

	a.runProbe(ctx, report, ProbeStore, a.probeStore)
	a.runProbe(ctx, report, ProbeQueue, func(ctx context.Context) types.ProbeResult {
		return a.probeQueue(ctx, snap)
	})
	a.runProbe(ctx, report, ProbeDeadLetter, func(ctx context.Context) types.ProbeResult {
		return a.probeDeadLetter(ctx, snap)
	})
	a.runProbe(ctx, report, ProbeAuth, func(ctx context.Context) types.ProbeResult {
		return a.probeAuth(ctx, snap)
	})
	for _, p := range a.providers() {
		a.runProbe(ctx, report, rateLimitProbe(p), func(ctx context.Context) types.ProbeResult {
			return a.probeRateLimit(ctx, p)
		})
	}
	a.runProbe(ctx, report, ProbeDrift, func(ctx context.Context) types.ProbeResult {
		return a.probeDrift(ctx, snap)
	})
	for _, p := range a.providers() {
		a.runProbe(ctx, report, providerProbe(p), func(ctx context.Context) types.ProbeResult {
			return a.probeProvider(ctx, p)
		})
	}
	return snap
}

// runProbe times a probe and turns a panic into an error result
func (a *Agent) runProbe(ctx context.Context, report *types.CycleReport, name string, fn func(context.Context) types.ProbeResult) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := a.clock.Now()
	result := func() (result types.ProbeResult) {
		defer func() {
			if r := recover(); r != nil {
				result = errorResult(fmt.Errorf("probe panicked: %v", r))
			}
		}()
		return fn(ctx)
	}()
	result.Duration = a.clock.Now().Sub(start)

	report.Probes[name] = result
	if result.Status == types.ProbeError {
		report.Errors = append(report.Errors, fmt.Sprintf("probe %s: %s", name, result.Message))
	}

	healthy := 0.0
	if result.Status == types.ProbeHealthy {
		healthy = 1
	}
	metrics.ProbeStatus.WithLabelValues(name).Set(healthy)
}

func errorResult(err error) types.ProbeResult {
	return types.ProbeResult{Status: types.ProbeError, Message: err.Error()}
}

func (a *Agent) providers() []types.Provider {
	out := make([]types.Provider, 0, len(a.cfg.Providers))
	for p := range a.cfg.Providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// stats loads queue statistics once per cycle
func (a *Agent) stats(ctx context.Context, snap *snapshot) (*types.QueueStats, error) {
	if snap.stats != nil {
		return snap.stats, nil
	}
	stats, err := a.queue.Stats(ctx, a.cfg.Agent.StaleAfter)
	if err != nil {
		return nil, err
	}
	snap.stats = &stats
	return snap.stats, nil
}

func (a *Agent) probeStore(ctx context.Context) types.ProbeResult {
	if err := a.store.Ping(ctx); err != nil {
		return errorResult(fmt.Errorf("store unreachable: %w", err))
	}
	return types.ProbeResult{Status: types.ProbeHealthy, Message: "reachable"}
}

func (a *Agent) probeQueue(ctx context.Context, snap *snapshot) types.ProbeResult {
	stats, err := a.stats(ctx, snap)
	if err != nil {
		return errorResult(err)
	}

	pending := stats.ByStatus[types.JobStatusPending]
	inFlight := stats.ByStatus[types.JobStatusInFlight]

	beats, err := a.store.ListHeartbeats(ctx)
	if err != nil {
		return errorResult(fmt.Errorf("failed to read heartbeats: %w", err))
	}
	live := 0
	cutoff := a.clock.Now().Add(-a.cfg.Agent.StaleAfter)
	for _, hb := range beats {
		if hb.LastSeen.After(cutoff) {
			live++
		}
	}

	msg := fmt.Sprintf("pending=%d in-flight=%d stale=%d workers=%d/%d live", pending, inFlight, stats.StaleInFlight, live, len(beats))
	result := types.ProbeResult{Status: types.ProbeHealthy, Message: msg, Value: float64(pending)}
	switch {
	case stats.StaleInFlight > 0:
		result.Status = types.ProbeDegraded
	case len(beats) > 0 && live == 0 && pending > 0:
		result.Status = types.ProbeDegraded
		result.Message = msg + ", no worker seen recently"
	}
	return result
}

func (a *Agent) probeDeadLetter(ctx context.Context, snap *snapshot) types.ProbeResult {
	stats, err := a.stats(ctx, snap)
	if err != nil {
		return errorResult(err)
	}
	threshold := a.cfg.Agent.DeadLetterThreshold
	result := types.ProbeResult{
		Status:  types.ProbeHealthy,
		Message: fmt.Sprintf("%d open, threshold %d", stats.DeadLetterOpen, threshold),
		Value:   float64(stats.DeadLetterOpen),
	}
	if stats.DeadLetterOpen >= threshold {
		result.Status = types.ProbeDegraded
	}
	return result
}

func (a *Agent) probeAuth(ctx context.Context, snap *snapshot) types.ProbeResult {
	stats, err := a.stats(ctx, snap)
	if err != nil {
		return errorResult(err)
	}

	var parts []string
	total := 0
	for p, n := range stats.EscalatedOpen {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", p, n))
			total += n
		}
	}
	if total == 0 {
		return types.ProbeResult{Status: types.ProbeHealthy, Message: "no auth escalations"}
	}
	sort.Strings(parts)
	return types.ProbeResult{
		Status:  types.ProbeError,
		Message: "credentials rejected: " + strings.Join(parts, ", "),
		Value:   float64(total),
	}
}

func (a *Agent) probeRateLimit(ctx context.Context, p types.Provider) types.ProbeResult {
	if a.limiter == nil {
		return types.ProbeResult{Status: types.ProbeNotConfigured, Message: "no rate limiter"}
	}
	usage, err := a.limiter.Usage(ctx, p)
	if err != nil {
		return errorResult(err)
	}

	result := types.ProbeResult{
		Status:  types.ProbeHealthy,
		Message: fmt.Sprintf("saturation %.2f", usage.Saturation),
		Value:   usage.Saturation,
	}
	if usage.RetryAfter > 0 {
		result.Status = types.ProbeDegraded
		result.Message += fmt.Sprintf(", retry-after %s", usage.RetryAfter.Round(time.Second))
	} else if usage.Saturation >= a.cfg.Agent.SaturationDegraded {
		result.Status = types.ProbeDegraded
	}
	return result
}

func (a *Agent) probeDrift(ctx context.Context, snap *snapshot) types.ProbeResult {
	if a.drift == nil {
		return types.ProbeResult{Status: types.ProbeNotConfigured, Message: "no ledger source"}
	}
	open, err := a.drift.List(ctx, storage.DriftFilter{Status: types.DriftOpen})
	if err != nil {
		return errorResult(err)
	}
	stale, err := a.drift.StalePeriods(ctx, a.cfg.Agent.DriftStaleAfter)
	if err != nil {
		return errorResult(err)
	}
	snap.staleDrift = stale

	if len(open) == 0 {
		return types.ProbeResult{Status: types.ProbeHealthy, Message: "no open drift"}
	}

	worst := 0.0
	critical := 0
	for _, rec := range open {
		worst = math.Max(worst, math.Abs(rec.Delta))
		if rec.Severity == types.SeverityCritical {
			critical++
		}
	}
	result := types.ProbeResult{
		Status:  types.ProbeDegraded,
		Message: fmt.Sprintf("%d open (%d critical, %d stale), max delta %.2f", len(open), critical, len(stale), worst),
		Value:   worst,
	}
	if critical > 0 {
		result.Status = types.ProbeError
	}
	return result
}

func (a *Agent) probeProvider(ctx context.Context, p types.Provider) types.ProbeResult {
	name := providerProbe(p)
	if a.tracker == nil || !a.tracker.Has(name) {
		return types.ProbeResult{Status: types.ProbeNotConfigured, Message: "no health url"}
	}

	result, status, _ := a.tracker.Check(ctx, name)
	out := types.ProbeResult{Status: types.ProbeHealthy, Message: result.Message}
	switch {
	case !status.Healthy:
		out.Status = types.ProbeError
	case status.Flapping():
		out.Status = types.ProbeDegraded
		out.Message = fmt.Sprintf("%s (%d consecutive failures)", result.Message, status.ConsecutiveFailures)
	}
	if !result.Healthy {
		out.Value = float64(status.ConsecutiveFailures)
	}
	return out
}

// ProviderTracker builds HTTP reachability checks for every provider with a
// health URL configured
func ProviderTracker(cfg *config.Config) *health.Tracker {
	tracker := health.NewTracker(health.DefaultConfig())
	for p, pc := range cfg.Providers {
		if pc.HealthURL == "" {
			continue
		}
		checker := health.NewHTTPChecker(pc.HealthURL)
		if pc.Token != "" {
			checker.WithBearer(pc.Token)
		}
		if pc.Timeout > 0 {
			checker.WithTimeout(pc.Timeout)
		}
		tracker.Add(providerProbe(p), checker)
	}
	return tracker
}
