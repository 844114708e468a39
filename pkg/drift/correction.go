package drift

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/ledgerlink/pkg/ledger"
	"github.com/cuemby/ledgerlink/pkg/provider/accounting"
	"github.com/cuemby/ledgerlink/pkg/provider/pos"
	"github.com/cuemby/ledgerlink/pkg/provider/timetracking"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/types"
)

// ErrNoCorrection is returned when a drift cannot be fixed by a sync job
// and needs an operator
var ErrNoCorrection = errors.New("no automatic correction")

// CorrectionBuilder turns an open drift record into the sync job that
// brings the provider back in line with the ledger
type CorrectionBuilder func(rec *types.DriftRecord) (queue.EnqueueRequest, error)

// DefaultBuilders returns the builders for every metric
func DefaultBuilders() map[types.Metric]CorrectionBuilder {
	return map[types.Metric]CorrectionBuilder{
		types.MetricPayCents:   PayCorrection,
		types.MetricHours:      HoursCorrection,
		types.MetricStockUnits: StockCorrection,
	}
}

const correctionNote = "drift correction"

// PayCorrection adds an earnings line for a shortfall or a deduction for an
// overpayment. Only per-actor records can be corrected.
func PayCorrection(rec *types.DriftRecord) (queue.EnqueueRequest, error) {
	period, actor := ledger.SplitKey(rec.PeriodKey)
	if actor == "" {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %s is a period aggregate", ErrNoCorrection, rec.ID)
	}
	cents := int64(math.Round(math.Abs(rec.Delta)))
	if cents == 0 {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: delta rounds to zero", ErrNoCorrection)
	}

	kind := accounting.KindEarnings
	if rec.Delta < 0 {
		kind = accounting.KindDeduction
	}
	return request(types.OpCreatePayComponent, rec.Provider, actor, &accounting.PayComponent{
		Period:      period,
		Kind:        kind,
		AmountCents: cents,
		Description: correctionNote,
	})
}

// HoursCorrection submits the missing hours as a date/hours timesheet.
// Excess hours reported by the provider cannot be retracted this way.
func HoursCorrection(rec *types.DriftRecord) (queue.EnqueueRequest, error) {
	period, actor := ledger.SplitKey(rec.PeriodKey)
	if actor == "" {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %s is a period aggregate", ErrNoCorrection, rec.ID)
	}
	if rec.Delta <= 0 {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: provider reports more hours than the ledger", ErrNoCorrection)
	}
	if rec.Delta > 24 {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %.2f hours exceeds one timesheet", ErrNoCorrection, rec.Delta)
	}
	date, err := periodDate(period)
	if err != nil {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %v", ErrNoCorrection, err)
	}

	return request(types.OpSubmitTimesheet, rec.Provider, actor, &timetracking.Timesheet{
		Date:    date,
		Hours:   math.Round(rec.Delta*100) / 100,
		Comment: correctionNote,
	})
}

// StockCorrection sets the provider's level to the ledger's count
func StockCorrection(rec *types.DriftRecord) (queue.EnqueueRequest, error) {
	outlet, product := ledger.SplitKey(rec.PeriodKey)
	if product == "" {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %s is not an outlet/product key", ErrNoCorrection, rec.ID)
	}
	if rec.Internal < 0 {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: ledger count is negative", ErrNoCorrection)
	}

	return request(types.OpUpdateStock, rec.Provider, "", &pos.StockUpdate{
		OutletID:  outlet,
		ProductID: product,
		Count:     int(math.Round(rec.Internal)),
		Reason:    correctionNote,
	})
}

func request(op types.Operation, p types.Provider, actor string, payload interface{ Validate() error }) (queue.EnqueueRequest, error) {
	if err := payload.Validate(); err != nil {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %v", ErrNoCorrection, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return queue.EnqueueRequest{}, err
	}
	return queue.EnqueueRequest{Operation: op, Provider: p, Payload: data, ActorID: actor}, nil
}

// periodDate maps a period key to the date a correction is booked on: the
// date itself, or the Monday of an ISO week such as 2025-W01
func periodDate(period string) (string, error) {
	if _, err := time.Parse("2006-01-02", period); err == nil {
		return period, nil
	}

	var year, week int
	if n, err := fmt.Sscanf(period, "%d-W%d", &year, &week); err != nil || n != 2 || week < 1 || week > 53 {
		return "", fmt.Errorf("cannot derive a date from period %q", period)
	}
	// January 4th is always in ISO week 1
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset+(week-1)*7)
	return monday.Format("2006-01-02"), nil
}
