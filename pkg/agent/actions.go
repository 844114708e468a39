package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/ledgerlink/pkg/drift"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/replay"
	"github.com/cuemby/ledgerlink/pkg/types"
)

const (
	detailDisabled   = "disabled by configuration"
	detailInProgress = "in-progress"
)

// decide turns probe signals into recommended actions, in a fixed order
func (a *Agent) decide(snap *snapshot) []types.ActionName {
	var out []types.ActionName
	if snap.stats != nil && snap.stats.StaleInFlight > 0 {
		out = append(out, types.ActionHeal)
	}
	if snap.stats != nil && snap.stats.DeadLetterOpen >= a.cfg.Agent.DeadLetterThreshold {
		out = append(out, types.ActionSync)
	}
	if len(snap.staleDrift) > 0 {
		out = append(out, types.ActionReconcile)
	}
	if snap.stats != nil && escalated(snap.stats) > 0 {
		out = append(out, types.ActionAlert)
	}
	return out
}

func escalated(stats *types.QueueStats) int {
	total := 0
	for _, n := range stats.EscalatedOpen {
		total += n
	}
	return total
}

// enabled reports whether configuration lets the agent execute an action.
// Alerts only publish an event and are always allowed.
func (a *Agent) enabled(name types.ActionName) bool {
	switch name {
	case types.ActionHeal:
		return a.cfg.Agent.AutoHeal
	case types.ActionSync:
		return a.cfg.Agent.AutoSync
	case types.ActionReconcile:
		return a.cfg.Agent.AutoReconcile
	}
	return true
}

// act executes one recommendation and returns its audit record
func (a *Agent) act(ctx context.Context, report *types.CycleReport, snap *snapshot, name types.ActionName) types.AgentAction {
	action := types.AgentAction{
		Cycle:     report.ID,
		Timestamp: a.clock.Now(),
		Action:    name,
		Signal:    report.Probes,
	}

	logger := a.logger.With().Str("cycle_id", report.ID).Str("action", string(name)).Logger()
	finish := func(outcome types.Outcome, detail string) types.AgentAction {
		action.Outcome = outcome
		action.Detail = detail
		metrics.AgentActions.WithLabelValues(string(name), string(outcome)).Inc()
		return action
	}

	if !a.enabled(name) {
		logger.Info().Msg("Action recommended but disabled by configuration")
		return finish(types.OutcomeSkipped, detailDisabled)
	}

	var (
		detail string
		err    error
	)
	switch name {
	case types.ActionHeal:
		detail, err = a.heal(ctx)
	case types.ActionSync:
		var busy bool
		busy, err = a.replayInProgress(ctx)
		if err == nil && busy {
			logger.Info().Msg("Jobs from the last replay are still queued")
			return finish(types.OutcomeSkipped, detailInProgress)
		}
		if err == nil {
			detail, err = a.sync(ctx)
		}
	case types.ActionReconcile:
		detail, err = a.reconcile(ctx, snap.staleDrift)
	case types.ActionAlert:
		detail = a.alert(snap.stats)
	default:
		err = fmt.Errorf("unknown action %q", name)
	}

	if err != nil {
		logger.Error().Err(err).Msg("Action failed")
		if detail != "" {
			return finish(types.OutcomeError, detail+": "+err.Error())
		}
		return finish(types.OutcomeError, err.Error())
	}
	logger.Info().Str("detail", detail).Msg("Action completed")
	return finish(types.OutcomeSuccess, detail)
}

func (a *Agent) heal(ctx context.Context) (string, error) {
	n, err := a.queue.RequeueStale(ctx, a.cfg.Agent.StaleAfter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("requeued %d stale in-flight jobs", n), nil
}

// replayInProgress reports whether any job re-armed by the previous sync is
// still waiting to be delivered. The ids live in memory, so after a restart
// the first sync runs unconditionally.
func (a *Agent) replayInProgress(ctx context.Context) (bool, error) {
	a.mu.Lock()
	ids := append([]string(nil), a.replayed...)
	a.mu.Unlock()

	for _, id := range ids {
		job, err := a.queue.Get(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				continue
			}
			return false, err
		}
		if job.Status == types.JobStatusPending || job.Status == types.JobStatusInFlight {
			return true, nil
		}
	}
	return false, nil
}

func (a *Agent) sync(ctx context.Context) (string, error) {
	if a.replay == nil {
		return "", fmt.Errorf("replay engine not configured")
	}
	// Escalated and permanent failures wait for an operator
	summary, err := a.replay.Replay(ctx, replay.Filter{Source: replay.SourceDeadLetter, Retryable: true},
		a.cfg.Replay.BatchSize, a.cfg.Replay.InterBatchDelay)

	a.mu.Lock()
	a.replayed = summary.JobIDs
	a.mu.Unlock()

	detail := fmt.Sprintf("replayed %d of %d dead letters", summary.Rearmed+summary.Created, summary.Selected)
	if summary.Held > 0 {
		detail += fmt.Sprintf(", %d held for an operator", summary.Held)
	}
	if err == nil && summary.Failed > 0 {
		err = fmt.Errorf("%d replays failed", summary.Failed)
	}
	return detail, err
}

// reconcile re-audits stale drift and routes a correction for anything still
// open. Records that need an operator are counted, not failed.
func (a *Agent) reconcile(ctx context.Context, stale []*types.DriftRecord) (string, error) {
	if a.drift == nil {
		return "", fmt.Errorf("drift detector not configured")
	}

	var closed, corrected, manual int
	var errs []error
	for _, rec := range stale {
		fresh, err := a.drift.Reaudit(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
			continue
		}
		if fresh.Status == types.DriftClosed {
			closed++
			continue
		}

		_, err = a.drift.Correct(ctx, fresh.ID)
		switch {
		case errors.Is(err, drift.ErrNoCorrection):
			manual++
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
		default:
			corrected++
		}
	}

	detail := fmt.Sprintf("re-audited %d: %d closed, %d corrections queued, %d need an operator",
		len(stale), closed, corrected, manual)
	return detail, errors.Join(errs...)
}

func (a *Agent) alert(stats *types.QueueStats) string {
	var providers []string
	for p, n := range stats.EscalatedOpen {
		if n > 0 {
			providers = append(providers, string(p))
		}
	}
	sort.Strings(providers)
	msg := fmt.Sprintf("auth escalations open for %s", strings.Join(providers, ", "))

	a.broker.Publish(&events.Event{
		Type:     events.EventAgentAlert,
		Message:  msg,
		Metadata: map[string]string{"providers": strings.Join(providers, ",")},
	})
	a.logger.Error().Strs("providers", providers).Msg("Provider credentials need attention")
	return msg
}
