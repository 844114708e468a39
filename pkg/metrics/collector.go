package metrics

import (
	"context"
	"time"

	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
)

// Collector refreshes the state gauges from the store
type Collector struct {
	store     storage.Store
	providers []types.Provider
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, providers []types.Provider) *Collector {
	return &Collector{
		store:     store,
		providers: providers,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs one refresh. Each group is best effort.
func (c *Collector) Collect(ctx context.Context) {
	c.collectStoreHealth(ctx)
	c.collectJobMetrics(ctx)
	c.collectDeadLetterMetrics(ctx)
	c.collectDriftMetrics(ctx)
	c.collectWindowMetrics(ctx)
}

func (c *Collector) collectStoreHealth(ctx context.Context) {
	if err := c.store.Ping(ctx); err != nil {
		UpdateComponent("store", false, err.Error())
		return
	}
	UpdateComponent("store", true, "")
}

func (c *Collector) collectJobMetrics(ctx context.Context) {
	counts, err := c.store.CountJobs(ctx)
	if err != nil {
		return
	}

	for _, status := range []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusInFlight,
		types.JobStatusSucceeded,
		types.JobStatusDeadLettered,
	} {
		JobsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectDeadLetterMetrics(ctx context.Context) {
	entries, err := c.store.ListDeadLetters(ctx, storage.DeadLetterFilter{})
	if err != nil {
		return
	}
	DeadLettersOpen.Set(float64(len(entries)))
}

func (c *Collector) collectDriftMetrics(ctx context.Context) {
	records, err := c.store.ListDrift(ctx, storage.DriftFilter{Status: types.DriftOpen})
	if err != nil {
		return
	}

	bySeverity := map[types.DriftSeverity]int{
		types.SeverityMinor:    0,
		types.SeverityMajor:    0,
		types.SeverityCritical: 0,
	}
	for _, rec := range records {
		bySeverity[rec.Severity]++
	}
	for severity, count := range bySeverity {
		DriftOpen.WithLabelValues(string(severity)).Set(float64(count))
	}
}

func (c *Collector) collectWindowMetrics(ctx context.Context) {
	for _, p := range c.providers {
		w, err := c.store.GetWindow(ctx, p)
		if err != nil || w.Allowed == 0 {
			continue
		}
		RateLimitSaturation.WithLabelValues(string(p)).Set(float64(w.Consumed) / float64(w.Allowed))
	}
}
