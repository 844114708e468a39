package drift

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/cuemby/ledgerlink/pkg/provider/accounting"
	"github.com/cuemby/ledgerlink/pkg/provider/pos"
	"github.com/cuemby/ledgerlink/pkg/provider/timetracking"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayCorrectionDeduction(t *testing.T) {
	req, err := PayCorrection(&types.DriftRecord{
		Provider:  types.ProviderAccounting,
		PeriodKey: "2025-W01/staff-1",
		Delta:     -120.4,
	})
	require.NoError(t, err)

	var p accounting.PayComponent
	require.NoError(t, json.Unmarshal(req.Payload, &p))
	assert.Equal(t, accounting.KindDeduction, p.Kind)
	assert.Equal(t, int64(120), p.AmountCents)
	assert.Equal(t, "staff-1", req.ActorID)
}

func TestHoursCorrection(t *testing.T) {
	req, err := HoursCorrection(&types.DriftRecord{
		Provider:  types.ProviderTimeTracking,
		PeriodKey: "2025-W02/staff-1",
		Delta:     1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OpSubmitTimesheet, req.Operation)

	var ts timetracking.Timesheet
	require.NoError(t, json.Unmarshal(req.Payload, &ts))
	assert.Equal(t, "2025-01-06", ts.Date)
	assert.Equal(t, 1.5, ts.Hours)

	tests := []struct {
		name string
		rec  types.DriftRecord
	}{
		{"aggregate", types.DriftRecord{PeriodKey: "2025-W02", Delta: 2}},
		{"excess hours", types.DriftRecord{PeriodKey: "2025-W02/staff-1", Delta: -2}},
		{"more than a day", types.DriftRecord{PeriodKey: "2025-W02/staff-1", Delta: 30}},
		{"unparseable period", types.DriftRecord{PeriodKey: "Q1/staff-1", Delta: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HoursCorrection(&tt.rec)
			assert.True(t, errors.Is(err, ErrNoCorrection), "got %v", err)
		})
	}
}

func TestStockCorrectionSetsLedgerCount(t *testing.T) {
	req, err := StockCorrection(&types.DriftRecord{
		Provider:  types.ProviderPOS,
		PeriodKey: "outlet-1/prod-9",
		Internal:  42,
		Reported:  40,
		Delta:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OpUpdateStock, req.Operation)
	assert.Empty(t, req.ActorID)

	var s pos.StockUpdate
	require.NoError(t, json.Unmarshal(req.Payload, &s))
	assert.Equal(t, "outlet-1", s.OutletID)
	assert.Equal(t, "prod-9", s.ProductID)
	assert.Equal(t, 42, s.Count)

	_, err = StockCorrection(&types.DriftRecord{PeriodKey: "outlet-1", Internal: 3})
	assert.True(t, errors.Is(err, ErrNoCorrection))
}

func TestPeriodDate(t *testing.T) {
	tests := []struct {
		period string
		want   string
	}{
		{"2025-W01", "2024-12-30"},
		{"2025-W02", "2025-01-06"},
		{"2026-W53", "2026-12-28"},
		{"2025-03-14", "2025-03-14"},
	}
	for _, tt := range tests {
		got, err := periodDate(tt.period)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.period)
	}

	_, err := periodDate("2025-W60")
	assert.Error(t, err)
}
