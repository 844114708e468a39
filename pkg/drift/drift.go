package drift

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/ledger"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/ratelimit"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// Close reasons
const (
	ReasonWithinTolerance = "within-tolerance"
	ReasonManualOverride  = "manual-override"
)

var (
	// ErrNotOpen is returned when correcting or overriding a closed record
	ErrNotOpen = errors.New("drift record is not open")

	// ErrRateLimited is returned when the provider allowance has no room for
	// the read; the audit should be retried later
	ErrRateLimited = errors.New("provider rate limit reached")
)

// Enqueuer is the part of the queue corrections go through
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*types.SyncJob, bool, error)
}

// Limiter gates provider reads
type Limiter interface {
	TryAcquire(ctx context.Context, p types.Provider) (ratelimit.Decision, error)
	ObserveRetryAfter(ctx context.Context, p types.Provider, d time.Duration) error
}

// Identities resolves actors in audit keys to provider ids
type Identities interface {
	Resolve(ctx context.Context, actorID string, p types.Provider) (string, bool, error)
}

// Options wires a Detector. Limiter and Broker may be nil.
type Options struct {
	Config     *config.Config
	Store      storage.Store
	Source     ledger.Source
	Registry   *provider.Registry
	Identities Identities
	Limiter    Limiter
	Queue      Enqueuer
	Clock      clock.Clock
	Broker     *events.Broker
	Builders   map[types.Metric]CorrectionBuilder // nil uses DefaultBuilders
}

// Detector compares ledger totals with what providers report. It never
// writes to a provider; corrections are sync jobs.
type Detector struct {
	cfg      *config.Config
	store    storage.Store
	source   ledger.Source
	registry *provider.Registry
	ids      Identities
	limiter  Limiter
	queue    Enqueuer
	clock    clock.Clock
	broker   *events.Broker
	builders map[types.Metric]CorrectionBuilder
	logger   zerolog.Logger
}

// New creates a drift detector
func New(opts Options) *Detector {
	builders := opts.Builders
	if builders == nil {
		builders = DefaultBuilders()
	}
	return &Detector{
		cfg:      opts.Config,
		store:    opts.Store,
		source:   opts.Source,
		registry: opts.Registry,
		ids:      opts.Identities,
		limiter:  opts.Limiter,
		queue:    opts.Queue,
		clock:    opts.Clock,
		broker:   opts.Broker,
		builders: builders,
		logger:   log.WithComponent("drift"),
	}
}

// Tolerance returns the configured tolerance for a metric
func (d *Detector) Tolerance(m types.Metric) float64 {
	switch m {
	case types.MetricPayCents:
		return float64(d.cfg.Drift.ToleranceCents)
	case types.MetricHours:
		return d.cfg.Drift.ToleranceHours
	case types.MetricStockUnits:
		return d.cfg.Drift.ToleranceUnits
	}
	return 0
}

// Grade returns the severity of delta against tolerance: minor up to 3×,
// major up to 10×, critical beyond
func Grade(delta, tolerance float64) types.DriftSeverity {
	mag := math.Abs(delta)
	switch {
	case mag <= tolerance:
		return types.SeverityNone
	case tolerance <= 0:
		return types.SeverityMinor
	case mag <= 3*tolerance:
		return types.SeverityMinor
	case mag <= 10*tolerance:
		return types.SeverityMajor
	default:
		return types.SeverityCritical
	}
}

// AuditPeriod compares one key. Within tolerance closes an open record for
// the key; outside tolerance opens or refreshes the single record for it.
// When nothing was open and nothing drifts, the returned record is not
// persisted and has severity none.
func (d *Detector) AuditPeriod(ctx context.Context, p types.Provider, m types.Metric, periodKey string) (*types.DriftRecord, error) {
	rec, err := d.audit(ctx, p, m, periodKey)
	result := "error"
	switch {
	case err != nil:
	case rec.Status == types.DriftOpen:
		result = "drift"
	default:
		result = "within-tolerance"
	}
	metrics.DriftAudits.WithLabelValues(string(p), result).Inc()
	return rec, err
}

func (d *Detector) audit(ctx context.Context, p types.Provider, m types.Metric, periodKey string) (*types.DriftRecord, error) {
	internal, err := d.source.InternalTotal(ctx, m, periodKey)
	if err != nil {
		return nil, fmt.Errorf("internal total: %w", err)
	}

	reported, err := d.reported(ctx, p, m, periodKey)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	tolerance := d.Tolerance(m)
	delta := internal - reported
	severity := Grade(delta, tolerance)
	id := types.DriftID(p, m, periodKey)

	existing, err := d.store.GetDrift(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load drift record %s: %w", id, err)
	}

	logger := d.logger.With().
		Str("drift_id", id).
		Float64("internal", internal).
		Float64("reported", reported).
		Float64("delta", delta).
		Logger()

	if severity == types.SeverityNone {
		if existing == nil || existing.Status != types.DriftOpen {
			return &types.DriftRecord{
				ID: id, Provider: p, Metric: m, PeriodKey: periodKey,
				Internal: internal, Reported: reported, Delta: delta, Tolerance: tolerance,
				Severity: severity, Status: types.DriftClosed, LastCheckedAt: now,
			}, nil
		}
		existing.Internal, existing.Reported, existing.Delta = internal, reported, delta
		existing.Tolerance = tolerance
		existing.LastCheckedAt = now
		existing.Status = types.DriftClosed
		existing.ClosedAt = now
		existing.ClosedReason = ReasonWithinTolerance
		if err := d.store.PutDrift(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to close drift record %s: %w", id, err)
		}
		logger.Info().Msg("Drift closed within tolerance")
		d.broker.Publish(&events.Event{
			Type:     events.EventDriftClosed,
			Message:  ReasonWithinTolerance,
			Metadata: map[string]string{"drift_id": id},
		})
		return existing, nil
	}

	rec := existing
	opened := rec == nil || rec.Status != types.DriftOpen
	if opened {
		rec = &types.DriftRecord{
			ID:         id,
			Provider:   p,
			Metric:     m,
			PeriodKey:  periodKey,
			Status:     types.DriftOpen,
			DetectedAt: now,
		}
	}
	rec.Internal, rec.Reported, rec.Delta = internal, reported, delta
	rec.Tolerance = tolerance
	rec.Severity = severity
	rec.LastCheckedAt = now

	if err := d.store.PutDrift(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save drift record %s: %w", id, err)
	}

	if opened {
		logger.Warn().Str("severity", string(severity)).Msg("Drift detected")
		d.broker.Publish(&events.Event{
			Type:    events.EventDriftDetected,
			Message: fmt.Sprintf("%s %s off by %g", p, m, delta),
			Metadata: map[string]string{
				"drift_id": id,
				"severity": string(severity),
			},
		})
	} else {
		logger.Debug().Str("severity", string(severity)).Msg("Drift still open")
	}
	return rec, nil
}

// reported reads the provider's total. Actor segments in pay and hours keys
// are translated to the provider's id first.
func (d *Detector) reported(ctx context.Context, p types.Provider, m types.Metric, periodKey string) (float64, error) {
	adapter, err := d.registry.Get(p)
	if err != nil {
		return 0, err
	}

	providerKey := periodKey
	if m == types.MetricPayCents || m == types.MetricHours {
		if period, actor := ledger.SplitKey(periodKey); actor != "" {
			externalID, found, err := d.ids.Resolve(ctx, actor, p)
			if err != nil {
				return 0, fmt.Errorf("identity lookup: %w", err)
			}
			if !found {
				return 0, fmt.Errorf("no %s id mapped for actor %s", p, actor)
			}
			providerKey = period + "/" + externalID
		}
	}

	if d.limiter != nil {
		decision, err := d.limiter.TryAcquire(ctx, p)
		if err != nil {
			return 0, err
		}
		if !decision.Allowed {
			return 0, fmt.Errorf("%w: %s, retry in %s", ErrRateLimited, p, decision.Wait)
		}
	}

	total, err := adapter.ReportedTotal(ctx, m, providerKey)
	if err != nil {
		if perr := provider.Classify(err); perr.RetryAfter > 0 && d.limiter != nil {
			if lerr := d.limiter.ObserveRetryAfter(ctx, p, perr.RetryAfter); lerr != nil {
				d.logger.Warn().Err(lerr).Msg("Failed to record retry-after")
			}
		}
		return 0, fmt.Errorf("reported total: %w", err)
	}
	return total, nil
}

// AuditSummary is the result of AuditAll
type AuditSummary struct {
	Audited int
	Open    []*types.DriftRecord
	Errors  []string
}

// AuditAll audits every configured (provider, metric) target for each key.
// A failing key is recorded in the summary and does not stop the others.
func (d *Detector) AuditAll(ctx context.Context, keys []string) (AuditSummary, error) {
	var summary AuditSummary
	var errs []error
	for _, target := range d.cfg.Drift.Targets {
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			rec, err := d.AuditPeriod(ctx, target.Provider, target.Metric, key)
			summary.Audited++
			if err != nil {
				err = fmt.Errorf("%s: %w", types.DriftID(target.Provider, target.Metric, key), err)
				errs = append(errs, err)
				summary.Errors = append(summary.Errors, err.Error())
				continue
			}
			if rec.Status == types.DriftOpen {
				summary.Open = append(summary.Open, rec)
			}
		}
	}
	return summary, errors.Join(errs...)
}

// Reaudit repeats the audit behind an existing record
func (d *Detector) Reaudit(ctx context.Context, rec *types.DriftRecord) (*types.DriftRecord, error) {
	return d.AuditPeriod(ctx, rec.Provider, rec.Metric, rec.PeriodKey)
}

// Correct enqueues the sync job that fixes an open record. The job key is
// tied to the drift episode and delta, so repeated calls for an unchanged
// drift return the same job.
func (d *Detector) Correct(ctx context.Context, id string) (*types.SyncJob, error) {
	rec, err := d.store.GetDrift(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.DriftOpen {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}

	build, ok := d.builders[rec.Metric]
	if !ok {
		return nil, fmt.Errorf("%w: no builder for %s", ErrNoCorrection, rec.Metric)
	}
	req, err := build(rec)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "drift:" + rec.ID + ":" +
			strconv.FormatInt(rec.DetectedAt.UnixNano(), 10) + ":" +
			strconv.FormatFloat(rec.Delta, 'f', -1, 64)
	}

	job, _, err := d.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue correction for %s: %w", id, err)
	}

	rec.CorrectionJobID = job.ID
	if err := d.store.PutDrift(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save drift record %s: %w", id, err)
	}

	d.logger.Info().
		Str("drift_id", id).
		Str("job_id", job.ID).
		Msg("Drift correction enqueued")
	d.broker.Publish(&events.Event{
		Type:     events.EventDriftCorrected,
		Metadata: map[string]string{"drift_id": id, "job_id": job.ID},
	})
	return job, nil
}

// Override closes an open record by operator decision
func (d *Detector) Override(ctx context.Context, id, by string) (*types.DriftRecord, error) {
	rec, err := d.store.GetDrift(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.DriftOpen {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}

	now := d.clock.Now()
	rec.Status = types.DriftClosed
	rec.ClosedAt = now
	rec.ClosedReason = ReasonManualOverride
	rec.ClosedBy = by
	if err := d.store.PutDrift(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to close drift record %s: %w", id, err)
	}

	d.logger.Info().Str("drift_id", id).Str("by", by).Msg("Drift closed by override")
	d.broker.Publish(&events.Event{
		Type:     events.EventDriftClosed,
		Message:  ReasonManualOverride,
		Metadata: map[string]string{"drift_id": id, "by": by},
	})
	return rec, nil
}

// List returns drift records matching filter
func (d *Detector) List(ctx context.Context, filter storage.DriftFilter) ([]*types.DriftRecord, error) {
	return d.store.ListDrift(ctx, filter)
}

// StalePeriods returns open records not checked within maxAge
func (d *Detector) StalePeriods(ctx context.Context, maxAge time.Duration) ([]*types.DriftRecord, error) {
	open, err := d.store.ListDrift(ctx, storage.DriftFilter{Status: types.DriftOpen})
	if err != nil {
		return nil, err
	}
	cutoff := d.clock.Now().Add(-maxAge)
	var stale []*types.DriftRecord
	for _, rec := range open {
		if rec.LastCheckedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}
