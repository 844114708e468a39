package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/drift"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/identity"
	"github.com/cuemby/ledgerlink/pkg/ledger"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/ratelimit"
	"github.com/cuemby/ledgerlink/pkg/replay"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

// reportedTotals is an adapter that only serves drift reads
type reportedTotals struct {
	name   types.Provider
	totals map[string]float64
}

func (r *reportedTotals) Name() types.Provider { return r.name }

func (r *reportedTotals) Execute(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	return provider.Result{}, nil
}

func (r *reportedTotals) ReportedTotal(ctx context.Context, metric types.Metric, key string) (float64, error) {
	return r.totals[key], nil
}

type fixture struct {
	agent    *Agent
	cfg      *config.Config
	store    storage.Store
	queue    *queue.Queue
	clock    *clock.MockClock
	broker   *events.Broker
	source   *ledger.StaticSource
	reported *reportedTotals
	detector *drift.Detector
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Agent.DeadLetterThreshold = 2
	cfg.Replay.BatchSize = 10
	cfg.Replay.InterBatchDelay = 0
	cfg.Drift.ToleranceUnits = 1
	if mutate != nil {
		mutate(&cfg)
	}

	clk := clock.NewMockClock(t0)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q := queue.New(store, clk, &cfg, broker)
	limiter := ratelimit.New(&cfg, clk, ratelimit.NewStoreWindow(store))
	source := ledger.NewStaticSource()
	reported := &reportedTotals{name: types.ProviderPOS, totals: make(map[string]float64)}
	detector := drift.New(drift.Options{
		Config:     &cfg,
		Store:      store,
		Source:     source,
		Registry:   provider.NewRegistry(reported),
		Identities: identity.New(store, clk, time.Minute),
		Limiter:    limiter,
		Queue:      q,
		Clock:      clk,
		Broker:     broker,
	})

	f := &fixture{
		cfg:      &cfg,
		store:    store,
		queue:    q,
		clock:    clk,
		broker:   broker,
		source:   source,
		reported: reported,
		detector: detector,
	}
	f.agent = New(Options{
		Config:  &cfg,
		Store:   store,
		Queue:   q,
		Replay:  replay.New(q, clk, broker),
		Drift:   detector,
		Limiter: limiter,
		Tracker: ProviderTracker(&cfg),
		Clock:   clk,
		Broker:  broker,
	})
	return f
}

func stockUpdate(product string) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Operation: types.OpUpdateStock,
		Provider:  types.ProviderPOS,
		Payload:   json.RawMessage(fmt.Sprintf(`{"outlet_id":"outlet-1","product_id":%q,"count":4}`, product)),
	}
}

// failJob enqueues a job, claims it and fails it with cause
func (f *fixture) failJob(t *testing.T, req queue.EnqueueRequest, cause error) *types.SyncJob {
	t.Helper()
	ctx := context.Background()
	job, _, err := f.queue.Enqueue(ctx, req)
	require.NoError(t, err)
	claimed, err := f.queue.DequeueBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	failed, err := f.queue.Fail(ctx, job.ID, cause)
	require.NoError(t, err)
	return failed
}

func validation() error {
	return &provider.Error{Kind: types.ErrorPermanentValidation, Status: 422}
}

func timeout() error {
	return &provider.Error{Kind: types.ErrorTransientNetwork, Detail: "context deadline exceeded"}
}

// singleAttempt makes one transient failure dead-letter a pos job
func singleAttempt(c *config.Config) {
	pos := c.Providers[types.ProviderPOS]
	pos.MaxAttempts = 1
	c.Providers[types.ProviderPOS] = pos
}

func actionFor(report *types.CycleReport, name types.ActionName) (types.AgentAction, bool) {
	for _, a := range report.Actions {
		if a.Action == name {
			return a, true
		}
	}
	return types.AgentAction{}, false
}

func TestQuietCycle(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ModeRun, report.Mode)
	assert.Empty(t, report.Recommendations)
	assert.Empty(t, report.Actions)
	assert.Empty(t, report.Errors)

	for _, name := range []string{ProbeStore, ProbeQueue, ProbeDeadLetter, ProbeAuth, ProbeDrift} {
		assert.Equal(t, types.ProbeHealthy, report.Probes[name].Status, name)
	}
	assert.Equal(t, types.ProbeHealthy, report.Probes["ratelimit:pos"].Status)
	assert.Equal(t, types.ProbeNotConfigured, report.Probes["provider:pos"].Status)
}

func TestCycleWithAutoSyncDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Agent.AutoSync = false })
	ctx := context.Background()
	for _, p := range []string{"prod-1", "prod-2", "prod-3"} {
		f.failJob(t, stockUpdate(p), validation())
	}

	report, err := f.agent.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.ProbeDegraded, report.Probes[ProbeDeadLetter].Status)
	assert.Equal(t, 3.0, report.Probes[ProbeDeadLetter].Value)
	assert.Contains(t, report.Recommendations, types.ActionSync)

	replayAction, ok := actionFor(report, types.ActionSync)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSkipped, replayAction.Outcome)
	assert.Equal(t, detailDisabled, replayAction.Detail)

	// Nothing was replayed
	open, err := f.queue.DeadLetters(ctx, storage.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 3)

	last, err := f.agent.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ID, last.ID)
	assert.Equal(t, report.Recommendations, last.Recommendations)

	actions, err := f.store.ListActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionSync, actions[0].Action)
	assert.Equal(t, types.OutcomeSkipped, actions[0].Outcome)
	assert.Equal(t, report.ID, actions[0].Cycle)
	assert.Contains(t, actions[0].Signal, ProbeDeadLetter)
}

func TestCycleReplaysBacklog(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.AutoSync = true
		singleAttempt(c)
	})
	ctx := context.Background()
	for _, p := range []string{"prod-1", "prod-2"} {
		f.failJob(t, stockUpdate(p), timeout())
	}

	report, err := f.agent.RunCycle(ctx)
	require.NoError(t, err)
	replayAction, ok := actionFor(report, types.ActionSync)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, replayAction.Outcome)
	assert.Equal(t, "replayed 2 of 2 dead letters", replayAction.Detail)

	pending, err := f.queue.List(ctx, storage.JobFilter{Status: types.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// New failures cross the threshold again while the replayed jobs are
	// still queued, so the replay is not launched twice
	rearmed := map[string]bool{pending[0].ID: true, pending[1].ID: true}
	for _, p := range []string{"prod-3", "prod-4"} {
		_, _, err := f.queue.Enqueue(ctx, stockUpdate(p))
		require.NoError(t, err)
	}
	claimed, err := f.queue.DequeueBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	for _, job := range claimed {
		if rearmed[job.ID] {
			_, err := f.queue.Defer(ctx, job.ID, time.Hour)
			require.NoError(t, err)
			continue
		}
		_, err := f.queue.Fail(ctx, job.ID, validation())
		require.NoError(t, err)
	}

	second, err := f.agent.RunCycle(ctx)
	require.NoError(t, err)
	again, ok := actionFor(second, types.ActionSync)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSkipped, again.Outcome)
	assert.Equal(t, detailInProgress, again.Detail)
}

func TestConcurrentCyclesReplayOnce(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.AutoSync = true
		singleAttempt(c)
	})
	ctx := context.Background()
	for _, p := range []string{"prod-1", "prod-2"} {
		f.failJob(t, stockUpdate(p), timeout())
	}

	reports := make([]*types.CycleReport, 2)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := f.agent.RunCycle(ctx)
			assert.NoError(t, err)
			reports[i] = report
		}()
	}
	wg.Wait()

	outcomes := map[types.Outcome]int{}
	for _, report := range reports {
		require.NotNil(t, report)
		if action, ok := actionFor(report, types.ActionSync); ok {
			outcomes[action.Outcome]++
		}
	}
	// The later cycle sees the backlog already re-armed
	assert.Equal(t, map[types.Outcome]int{types.OutcomeSuccess: 1}, outcomes)

	pending, err := f.queue.List(ctx, storage.JobFilter{Status: types.JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSyncLeavesPermanentFailuresForOperator(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.AutoSync = true
		c.Agent.DeadLetterThreshold = 1
		singleAttempt(c)
	})
	ctx := context.Background()

	escalated := f.failJob(t, stockUpdate("prod-1"), &provider.Error{Kind: types.ErrorPermanentAuth, Status: 401})
	invalid := f.failJob(t, stockUpdate("prod-2"), validation())
	retryable := f.failJob(t, stockUpdate("prod-3"), timeout())

	report, err := f.agent.RunCycle(ctx)
	require.NoError(t, err)
	replayAction, ok := actionFor(report, types.ActionSync)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, replayAction.Outcome)
	assert.Equal(t, "replayed 1 of 1 dead letters, 2 held for an operator", replayAction.Detail)

	got, err := f.queue.Get(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)

	for i := 0; i < 2; i++ {
		for _, id := range []string{escalated.ID, invalid.ID} {
			job, err := f.queue.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, types.JobStatusDeadLettered, job.Status)
			assert.Equal(t, 1, job.Attempts)
		}

		// The escalation stays visible until an operator resolves it
		health := f.agent.CheckHealth(ctx)
		assert.Equal(t, types.ProbeError, health.Probes[ProbeAuth].Status)
		assert.Contains(t, health.Probes[ProbeAuth].Message, "pos=1")

		_, err = f.agent.RunCycle(ctx)
		require.NoError(t, err)
	}

	open, err := f.queue.DeadLetters(ctx, storage.DeadLetterFilter{})
	require.NoError(t, err)
	var ids []string
	for _, entry := range open {
		assert.False(t, entry.Resolved)
		ids = append(ids, entry.JobID)
	}
	assert.ElementsMatch(t, []string{escalated.ID, invalid.ID}, ids)
}

func TestCycleHealsStaleJobs(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.AutoHeal = true
		c.Agent.StaleAfter = 10 * time.Minute
	})
	ctx := context.Background()

	job, _, err := f.queue.Enqueue(ctx, stockUpdate("prod-1"))
	require.NoError(t, err)
	_, err = f.queue.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	f.clock.Add(11 * time.Minute)

	report, err := f.agent.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProbeDegraded, report.Probes[ProbeQueue].Status)

	heal, ok := actionFor(report, types.ActionHeal)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, heal.Outcome)
	assert.Equal(t, "requeued 1 stale in-flight jobs", heal.Detail)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestAuthEscalationRaisesAlert(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	f.failJob(t, stockUpdate("prod-1"), &provider.Error{Kind: types.ErrorPermanentAuth, Status: 401})

	report, err := f.agent.RunCycle(context.Background())
	require.NoError(t, err)

	auth := report.Probes[ProbeAuth]
	assert.Equal(t, types.ProbeError, auth.Status)
	assert.Contains(t, auth.Message, "pos=1")
	assert.NotEmpty(t, report.Errors)

	alert, ok := actionFor(report, types.ActionAlert)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, alert.Outcome)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventAgentAlert {
				assert.Equal(t, "pos", ev.Metadata["providers"])
				return
			}
		case <-timeout:
			t.Fatal("no agent alert published")
		}
	}
}

func TestCycleReconcilesStaleDrift(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.AutoReconcile = true
		c.Agent.DriftStaleAfter = time.Hour
	})
	ctx := context.Background()

	f.source.Set(types.MetricStockUnits, "outlet-1/prod-1", 40)
	f.reported.totals["outlet-1/prod-1"] = 30
	rec, err := f.detector.AuditPeriod(ctx, types.ProviderPOS, types.MetricStockUnits, "outlet-1/prod-1")
	require.NoError(t, err)
	require.Equal(t, types.DriftOpen, rec.Status)

	// Not stale yet
	report, err := f.agent.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProbeDegraded, report.Probes[ProbeDrift].Status)
	assert.NotContains(t, report.Recommendations, types.ActionReconcile)

	f.clock.Add(2 * time.Hour)
	report, err = f.agent.RunCycle(ctx)
	require.NoError(t, err)

	reconcile, ok := actionFor(report, types.ActionReconcile)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, reconcile.Outcome)
	assert.Contains(t, reconcile.Detail, "1 corrections queued")

	fresh, err := f.store.GetDrift(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, fresh.CorrectionJobID)

	job, err := f.queue.Get(ctx, fresh.CorrectionJobID)
	require.NoError(t, err)
	assert.Equal(t, types.OpUpdateStock, job.Operation)
	assert.JSONEq(t, `{"outlet_id":"outlet-1","product_id":"prod-1","count":40}`, string(job.Payload))
}

// panickingUsage stands in for a broken limiter backend
type panickingUsage struct{}

func (panickingUsage) Usage(ctx context.Context, p types.Provider) (ratelimit.Usage, error) {
	panic("backend exploded")
}

func TestProbePanicDoesNotAbortCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.limiter = panickingUsage{}

	report, err := f.agent.RunCycle(context.Background())
	require.NoError(t, err)

	rl := report.Probes["ratelimit:pos"]
	assert.Equal(t, types.ProbeError, rl.Status)
	assert.Contains(t, rl.Message, "backend exploded")
	// Later probes still ran
	assert.Equal(t, types.ProbeHealthy, report.Probes[ProbeDrift].Status)
	assert.NotEmpty(t, report.Errors)
}

func TestHealthReportsWhenStoreIsDown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Close())

	report := f.agent.CheckHealth(context.Background())
	assert.Equal(t, ModeHealth, report.Mode)
	assert.Equal(t, types.ProbeError, report.Probes[ProbeStore].Status)
	assert.Equal(t, types.ProbeError, report.Probes[ProbeQueue].Status)
	assert.Empty(t, report.Actions)
}

func TestProviderProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	f := newFixture(t, func(c *config.Config) {
		pc := c.Providers[types.ProviderPOS]
		pc.HealthURL = healthy.URL
		c.Providers[types.ProviderPOS] = pc
	})

	report := f.agent.CheckHealth(context.Background())
	assert.Equal(t, types.ProbeHealthy, report.Probes["provider:pos"].Status)
	assert.Equal(t, types.ProbeNotConfigured, report.Probes["provider:accounting"].Status)
}

func TestLastReportBeforeAnyCycle(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.agent.LastReport(context.Background())
	assert.ErrorIs(t, err, ErrNoReport)

	// Health checks are not persisted
	f.agent.CheckHealth(context.Background())
	_, err = f.agent.LastReport(context.Background())
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestMonitorRunsOnEveryTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan *types.CycleReport, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.agent.Monitor(ctx, time.Minute, func(r *types.CycleReport) { reports <- r })
	}()

	first := <-reports
	assert.Equal(t, ModeMonitor, first.Mode)

	f.clock.Add(time.Minute)
	select {
	case second := <-reports:
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, t0.Add(time.Minute), second.StartedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not run on tick")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	assert.Error(t, f.agent.Monitor(context.Background(), 0, nil))
}
