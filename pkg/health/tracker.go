package health

import (
	"context"
	"sync"
)

// Tracker runs named checkers and keeps a Status per name, so a single
// failed probe reads as flapping and only repeated failures as unhealthy
type Tracker struct {
	mu       sync.Mutex
	config   Config
	checkers map[string]Checker
	statuses map[string]*Status
}

// NewTracker creates an empty tracker
func NewTracker(config Config) *Tracker {
	return &Tracker{
		config:   config,
		checkers: make(map[string]Checker),
		statuses: make(map[string]*Status),
	}
}

// Add registers a checker under name, replacing any previous one
func (t *Tracker) Add(name string, c Checker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkers[name] = c
	t.statuses[name] = NewStatus()
}

// Has reports whether a checker is registered under name
func (t *Tracker) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.checkers[name]
	return ok
}

// Check runs the named checker with the configured timeout and returns the
// result with a snapshot of the updated status. ok is false for unknown names.
func (t *Tracker) Check(ctx context.Context, name string) (Result, Status, bool) {
	t.mu.Lock()
	c, ok := t.checkers[name]
	t.mu.Unlock()
	if !ok {
		return Result{}, Status{}, false
	}

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}
	result := c.Check(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.statuses[name]
	status.Update(result, t.config)
	return result, *status, true
}
