package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSource(t *testing.T) (*SQLSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLSource(db), mock
}

func TestSQLSourceQueries(t *testing.T) {
	tests := []struct {
		name   string
		metric types.Metric
		key    string
		query  string
		args   []driver.Value
		total  float64
	}{
		{"pay period", types.MetricPayCents, "2025-W01", payByPeriod, []driver.Value{"2025-W01"}, 1000000},
		{"pay actor", types.MetricPayCents, "2025-W01/staff-1", payByActor, []driver.Value{"2025-W01", "staff-1"}, 10000},
		{"hours period", types.MetricHours, "2025-W01", hoursByPeriod, []driver.Value{"2025-W01"}, 312.5},
		{"hours actor", types.MetricHours, "2025-W01/staff-1", hoursByActor, []driver.Value{"2025-W01", "staff-1"}, 38},
		{"stock", types.MetricStockUnits, "outlet-1/prod-9", stockByProduct, []driver.Value{"outlet-1", "prod-9"}, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockSource(t)

			mock.ExpectQuery(regexp.QuoteMeta(tt.query)).
				WithArgs(tt.args...).
				WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(tt.total))

			total, err := s.InternalTotal(context.Background(), tt.metric, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.total, total)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLSourceRejectsBadKeys(t *testing.T) {
	s, mock := newMockSource(t)
	ctx := context.Background()

	_, err := s.InternalTotal(ctx, types.MetricStockUnits, "outlet-1")
	assert.Error(t, err)
	_, err = s.InternalTotal(ctx, types.MetricPayCents, "")
	assert.Error(t, err)
	_, err = s.InternalTotal(ctx, types.Metric("revenue"), "2025-W01")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceWrapsQueryErrors(t *testing.T) {
	s, mock := newMockSource(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta(hoursByPeriod)).WillReturnError(boom)

	_, err := s.InternalTotal(context.Background(), types.MetricHours, "2025-W01")
	assert.ErrorIs(t, err, boom)
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource()
	s.Set(types.MetricPayCents, "2025-W01", 10000)

	total, err := s.InternalTotal(context.Background(), types.MetricPayCents, "2025-W01")
	require.NoError(t, err)
	assert.Equal(t, float64(10000), total)

	_, err = s.InternalTotal(context.Background(), types.MetricHours, "2025-W01")
	assert.Error(t, err)
}

func TestSplitKey(t *testing.T) {
	first, rest := SplitKey("2025-W01/staff-1")
	assert.Equal(t, "2025-W01", first)
	assert.Equal(t, "staff-1", rest)

	first, rest = SplitKey("2025-W01")
	assert.Equal(t, "2025-W01", first)
	assert.Empty(t, rest)
}
