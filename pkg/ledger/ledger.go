package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/ledgerlink/pkg/types"
	_ "github.com/lib/pq"
)

// Source computes what the internal ledger says a total should be. Keys
// follow the drift conventions: "<period>" or "<period>/<actorID>" for
// pay-cents and hours, "<outletID>/<productID>" for stock-units.
type Source interface {
	InternalTotal(ctx context.Context, metric types.Metric, key string) (float64, error)
}

// SplitKey splits a two-part key. rest is empty for a single-part key.
func SplitKey(key string) (first, rest string) {
	first, rest, _ = strings.Cut(key, "/")
	return first, rest
}

const (
	payByPeriod = `SELECT COALESCE(SUM(CASE WHEN kind = 'deduction' THEN -amount_cents ELSE amount_cents END), 0)
FROM pay_components WHERE period = $1`
	payByActor = payByPeriod + ` AND actor_id = $2`

	hoursByPeriod = `SELECT COALESCE(SUM(hours), 0) FROM timesheets WHERE period = $1`
	hoursByActor  = hoursByPeriod + ` AND actor_id = $2`

	stockByProduct = `SELECT COALESCE(SUM(units), 0) FROM stock_levels WHERE outlet_id = $1 AND product_id = $2`
)

// SQLSource reads totals from the internal ledger database. The engine only
// reads; the tables belong to the system of record.
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource wraps an open database handle
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

// OpenSQLSource connects to the ledger with the lib/pq driver
func OpenSQLSource(ctx context.Context, dsn string) (*SQLSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach ledger database: %w", err)
	}
	return NewSQLSource(db), nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (s *SQLSource) InternalTotal(ctx context.Context, metric types.Metric, key string) (float64, error) {
	first, rest := SplitKey(key)
	if first == "" {
		return 0, fmt.Errorf("empty %s key", metric)
	}

	var query string
	args := []interface{}{first}
	switch metric {
	case types.MetricPayCents:
		query = payByPeriod
		if rest != "" {
			query = payByActor
			args = append(args, rest)
		}
	case types.MetricHours:
		query = hoursByPeriod
		if rest != "" {
			query = hoursByActor
			args = append(args, rest)
		}
	case types.MetricStockUnits:
		if rest == "" {
			return 0, fmt.Errorf("stock-units key %q must be outlet/product", key)
		}
		query = stockByProduct
		args = append(args, rest)
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}

	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to compute internal %s for %s: %w", metric, key, err)
	}
	return total, nil
}

// StaticSource serves totals set in memory. It backs tests and dry runs
// where no ledger database is configured.
type StaticSource struct {
	mu     sync.RWMutex
	totals map[string]float64
}

func NewStaticSource() *StaticSource {
	return &StaticSource{totals: make(map[string]float64)}
}

// Set records the internal total for a metric and key
func (s *StaticSource) Set(metric types.Metric, key string, total float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[string(metric)+"|"+key] = total
}

// InternalTotal returns the stored total, or an error for an unknown key
func (s *StaticSource) InternalTotal(ctx context.Context, metric types.Metric, key string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, ok := s.totals[string(metric)+"|"+key]
	if !ok {
		return 0, fmt.Errorf("no internal %s total for %s", metric, key)
	}
	return total, nil
}
