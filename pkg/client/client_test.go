package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ledgerlink/pkg/agent"
	"github.com/cuemby/ledgerlink/pkg/api"
	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type reports struct {
	mu     sync.Mutex
	report *types.CycleReport
}

func (r *reports) set(report *types.CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = report
}

func (r *reports) LastReport(ctx context.Context) (*types.CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report == nil {
		return nil, agent.ErrNoReport
	}
	return r.report, nil
}

func newEngineAPI(t *testing.T, src *reports) *Client {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	q := queue.New(store, clock.NewMockClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)), &cfg, nil)

	srv := httptest.NewServer(api.NewHealthServer(q, src).GetHandler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c.WithHTTPClient(srv.Client())
}

func TestEnqueue(t *testing.T) {
	c := newEngineAPI(t, &reports{})
	ctx := context.Background()

	req := queue.EnqueueRequest{
		Operation: types.OpUpdateStock,
		Provider:  types.ProviderPOS,
		Payload:   json.RawMessage(`{"outlet_id":"o-1","product_id":"p-1","count":12}`),
	}

	first, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	again, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.JobID, again.JobID)

	_, err = c.Enqueue(ctx, queue.EnqueueRequest{Operation: types.OpUpdateStock})
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestStatus(t *testing.T) {
	src := &reports{}
	c := newEngineAPI(t, src)
	ctx := context.Background()

	_, err := c.Status(ctx)
	assert.ErrorIs(t, err, ErrNoReport)

	src.set(&types.CycleReport{ID: "cycle-7", Mode: agent.ModeMonitor})
	got, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cycle-7", got.ID)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("")
	assert.Error(t, err)

	c, err := NewClient("127.0.0.1:9090/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9090", c.baseURL)
}

func TestCheckHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := api.NewServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx := context.Background()
	got, err := CheckHealth(ctx, lis.Addr().String(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)

	srv.ObserveReport(&types.CycleReport{Probes: map[string]types.ProbeResult{
		"store": {Status: types.ProbeHealthy},
	}})
	got, err = CheckHealth(ctx, lis.Addr().String(), api.ServicePrefix+"store")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)
}
