package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
)

// heartbeat publishes one worker's liveness record. The agent's queue probe
// reads these to tell a dead pool from an idle one.
type heartbeat struct {
	store   storage.Store
	clock   clock.Clock
	id      string
	started time.Time

	mu   sync.Mutex
	jobs int
}

func newHeartbeat(store storage.Store, clk clock.Clock, id string) *heartbeat {
	return &heartbeat{store: store, clock: clk, id: id, started: clk.Now()}
}

func (h *heartbeat) processed(n int) {
	h.mu.Lock()
	h.jobs += n
	h.mu.Unlock()
}

// beat records the worker as seen now. Failures are logged and ignored.
func (h *heartbeat) beat(ctx context.Context) {
	if h.store == nil {
		return
	}

	h.mu.Lock()
	hb := &types.WorkerHeartbeat{
		WorkerID:      h.id,
		StartedAt:     h.started,
		LastSeen:      h.clock.Now(),
		JobsProcessed: h.jobs,
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.store.PutHeartbeat(ctx, hb); err != nil {
		log.Logger.Warn().Err(err).Str("worker_id", h.id).Msg("Failed to publish heartbeat")
	}
}
