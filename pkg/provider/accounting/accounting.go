package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

const tenantHeader = "Xero-Tenant-Id"

const dateLayout = "2006-01-02"

// Pay component kinds
const (
	KindEarnings      = "earnings"
	KindDeduction     = "deduction"
	KindReimbursement = "reimbursement"
)

// PayComponent adds one line to an employee's payslip in the draft pay run
// for a period
type PayComponent struct {
	Period      string  `json:"period"`
	Kind        string  `json:"kind"`
	RateID      string  `json:"rate_id,omitempty"` // empty uses the provider's default rate for the kind
	Units       float64 `json:"units,omitempty"`
	AmountCents int64   `json:"amount_cents"`
	Description string  `json:"description,omitempty"`
}

func (p *PayComponent) Validate() error {
	if p.Period == "" {
		return errors.New("period is required")
	}
	switch p.Kind {
	case KindEarnings, KindDeduction, KindReimbursement:
	default:
		return errors.New("kind must be earnings, deduction or reimbursement")
	}
	if p.AmountCents <= 0 {
		return errors.New("amount_cents must be positive")
	}
	if p.Units < 0 {
		return errors.New("units must not be negative")
	}
	return nil
}

// PayRun opens a draft pay run for a calendar period
type PayRun struct {
	CalendarID  string `json:"calendar_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	PaymentDate string `json:"payment_date,omitempty"`
}

func (p *PayRun) Validate() error {
	if p.CalendarID == "" {
		return errors.New("calendar_id is required")
	}
	start, err := time.Parse(dateLayout, p.PeriodStart)
	if err != nil {
		return errors.New("period_start must be YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, p.PeriodEnd)
	if err != nil {
		return errors.New("period_end must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return errors.New("period_end is before period_start")
	}
	if p.PaymentDate != "" {
		if _, err := time.Parse(dateLayout, p.PaymentDate); err != nil {
			return errors.New("payment_date must be YYYY-MM-DD")
		}
	}
	return nil
}

// MarkSent posts a pay run so payslips are released to employees
type MarkSent struct {
	PayRunID string `json:"pay_run_id"`
}

func (p *MarkSent) Validate() error {
	if p.PayRunID == "" {
		return errors.New("pay_run_id is required")
	}
	return nil
}

// Adapter drives the accounting/payroll provider
type Adapter struct {
	client *provider.Client
	ids    provider.Identities
	logger zerolog.Logger
}

// New creates the accounting adapter. tenantID is sent on every call when set.
func New(client *provider.Client, ids provider.Identities, tenantID string) *Adapter {
	if tenantID != "" {
		client.WithHeader(tenantHeader, tenantID)
	}
	return &Adapter{
		client: client,
		ids:    ids,
		logger: log.WithProvider("adapter", string(types.ProviderAccounting)),
	}
}

func (a *Adapter) Name() types.Provider { return types.ProviderAccounting }

// Execute performs one normalized operation
func (a *Adapter) Execute(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	switch job.Operation {
	case types.OpCreatePayComponent:
		return a.createPayComponent(ctx, job)
	case types.OpCreatePayRun:
		return a.createPayRun(ctx, job)
	case types.OpMarkSent:
		return a.markSent(ctx, job)
	default:
		return provider.Result{}, provider.Unsupported(a.Name(), job.Operation)
	}
}

type payslipLine struct {
	EmployeeID string      `json:"EmployeeID"`
	Period     string      `json:"Period"`
	Earnings   []amountRow `json:"EarningsLines,omitempty"`
	Deductions []amountRow `json:"DeductionLines,omitempty"`
	Reimburse  []amountRow `json:"ReimbursementLines,omitempty"`
}

type amountRow struct {
	RateID      string      `json:"RateID,omitempty"`
	Units       float64     `json:"NumberOfUnits,omitempty"`
	Amount      json.Number `json:"Amount"`
	Description string      `json:"Description,omitempty"`
}

type payslipLineResponse struct {
	PayslipLines []struct {
		PayslipLineID string `json:"PayslipLineID"`
		EmployeeID    string `json:"EmployeeID"`
	} `json:"PayslipLines"`
}

func (a *Adapter) createPayComponent(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var p PayComponent
	if err := provider.Decode(job, &p); err != nil {
		return provider.Result{}, err
	}
	employeeID, err := provider.ResolveActor(ctx, a.ids, a.Name(), job)
	if err != nil {
		return provider.Result{}, err
	}

	row := amountRow{RateID: p.RateID, Units: p.Units, Amount: provider.Cents(p.AmountCents), Description: p.Description}
	line := payslipLine{EmployeeID: employeeID, Period: p.Period}
	switch p.Kind {
	case KindEarnings:
		line.Earnings = []amountRow{row}
	case KindDeduction:
		line.Deductions = []amountRow{row}
	case KindReimbursement:
		line.Reimburse = []amountRow{row}
	}

	var resp payslipLineResponse
	err = a.client.Do(ctx, provider.Call{
		Method:         http.MethodPost,
		Path:           "/PayslipLines",
		Body:           map[string]interface{}{"PayslipLines": []payslipLine{line}},
		IdempotencyKey: job.IdempotencyKey,
	}, &resp)
	if err != nil {
		return provider.Result{}, err
	}
	if len(resp.PayslipLines) == 0 || resp.PayslipLines[0].PayslipLineID == "" {
		return provider.Result{}, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "provider did not return PayslipLineID"}
	}

	res := provider.Result{ExternalID: resp.PayslipLines[0].PayslipLineID, ActorExternalID: resp.PayslipLines[0].EmployeeID}
	provider.RecordActor(ctx, a.ids, a.Name(), job, res.ActorExternalID, a.logger)
	return res, nil
}

type payRunBody struct {
	PayRunID              string `json:"PayRunID,omitempty"`
	PayrollCalendarID     string `json:"PayrollCalendarID,omitempty"`
	PayRunPeriodStartDate string `json:"PayRunPeriodStartDate,omitempty"`
	PayRunPeriodEndDate   string `json:"PayRunPeriodEndDate,omitempty"`
	PaymentDate           string `json:"PaymentDate,omitempty"`
	PayRunStatus          string `json:"PayRunStatus,omitempty"`
}

type payRunsEnvelope struct {
	PayRuns []payRunBody `json:"PayRuns"`
}

func (a *Adapter) createPayRun(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var p PayRun
	if err := provider.Decode(job, &p); err != nil {
		return provider.Result{}, err
	}

	var resp payRunsEnvelope
	err := a.client.Do(ctx, provider.Call{
		Method: http.MethodPost,
		Path:   "/PayRuns",
		Body: payRunsEnvelope{PayRuns: []payRunBody{{
			PayrollCalendarID:     p.CalendarID,
			PayRunPeriodStartDate: p.PeriodStart,
			PayRunPeriodEndDate:   p.PeriodEnd,
			PaymentDate:           p.PaymentDate,
			PayRunStatus:          "DRAFT",
		}}},
		IdempotencyKey: job.IdempotencyKey,
	}, &resp)
	if err != nil {
		return provider.Result{}, err
	}
	if len(resp.PayRuns) == 0 || resp.PayRuns[0].PayRunID == "" {
		return provider.Result{}, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "provider did not return PayRunID"}
	}
	return provider.Result{ExternalID: resp.PayRuns[0].PayRunID}, nil
}

func (a *Adapter) markSent(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var p MarkSent
	if err := provider.Decode(job, &p); err != nil {
		return provider.Result{}, err
	}

	err := a.client.Do(ctx, provider.Call{
		Method: http.MethodPost,
		Path:   "/PayRuns/" + url.PathEscape(p.PayRunID),
		Body: payRunsEnvelope{PayRuns: []payRunBody{{
			PayRunID:     p.PayRunID,
			PayRunStatus: "POSTED",
		}}},
	}, nil)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{ExternalID: p.PayRunID}, nil
}

type paySummary struct {
	Period     string      `json:"Period"`
	TotalWages json.Number `json:"TotalWages"`
}

// ReportedTotal returns the pay total in cents the provider holds for a
// period. periodKey is "<period>" for all employees or
// "<period>/<employee id>" for one.
func (a *Adapter) ReportedTotal(ctx context.Context, metric types.Metric, periodKey string) (float64, error) {
	if metric != types.MetricPayCents {
		return 0, provider.UnsupportedMetric(a.Name(), metric)
	}

	period, employee, _ := strings.Cut(periodKey, "/")
	q := url.Values{"period": {period}}
	if employee != "" {
		q.Set("employee", employee)
	}

	var resp paySummary
	if err := a.client.Do(ctx, provider.Call{Method: http.MethodGet, Path: "/Reports/PaySummary", Query: q}, &resp); err != nil {
		return 0, err
	}
	cents, err := provider.ParseCents(resp.TotalWages.String())
	if err != nil {
		return 0, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "unreadable TotalWages", Err: err}
	}
	return float64(cents), nil
}
