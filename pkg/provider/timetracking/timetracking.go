package timetracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// Timesheet is one worked shift. Either Start/End or Date/Hours is given;
// the latter is used for adjustments where shift times are unknown.
type Timesheet struct {
	Start        time.Time `json:"start,omitzero"`
	End          time.Time `json:"end,omitzero"`
	Date         string    `json:"date,omitempty"`
	Hours        float64   `json:"hours,omitempty"`
	BreakMinutes int       `json:"break_minutes,omitempty"`
	LocationID   string    `json:"location_id,omitempty"`
	Comment      string    `json:"comment,omitempty"`

	// EmployeeCode identifies the employee when no mapping exists yet. The
	// provider answers with its employee id, which becomes the mapping.
	EmployeeCode string `json:"employee_code,omitempty"`
}

func (t *Timesheet) Validate() error {
	switch {
	case !t.Start.IsZero() || !t.End.IsZero():
		if t.Start.IsZero() || t.End.IsZero() {
			return errors.New("start and end must both be set")
		}
		if !t.End.After(t.Start) {
			return errors.New("end must be after start")
		}
		if time.Duration(t.BreakMinutes)*time.Minute >= t.End.Sub(t.Start) {
			return errors.New("break is longer than the shift")
		}
	case t.Date != "":
		if _, err := time.Parse("2006-01-02", t.Date); err != nil {
			return errors.New("date must be YYYY-MM-DD")
		}
		if t.Hours <= 0 || t.Hours > 24 {
			return errors.New("hours must be within (0, 24]")
		}
	default:
		return errors.New("either start/end or date/hours is required")
	}
	if t.BreakMinutes < 0 {
		return errors.New("break_minutes must not be negative")
	}
	return nil
}

// Adapter drives the time-and-attendance provider
type Adapter struct {
	client *provider.Client
	ids    provider.Identities
	logger zerolog.Logger
}

// New creates the time-tracking adapter
func New(client *provider.Client, ids provider.Identities) *Adapter {
	return &Adapter{
		client: client,
		ids:    ids,
		logger: log.WithProvider("adapter", string(types.ProviderTimeTracking)),
	}
}

func (a *Adapter) Name() types.Provider { return types.ProviderTimeTracking }

// Execute performs one normalized operation
func (a *Adapter) Execute(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	switch job.Operation {
	case types.OpSubmitTimesheet:
		return a.submitTimesheet(ctx, job)
	default:
		return provider.Result{}, provider.Unsupported(a.Name(), job.Operation)
	}
}

type timesheetRequest struct {
	EmployeeID   int64   `json:"intEmployeeId,omitempty"`
	EmployeeCode string  `json:"strEmployeeCode,omitempty"`
	Start        int64   `json:"intStartTimestamp,omitempty"`
	End          int64   `json:"intEndTimestamp,omitempty"`
	Date         string  `json:"strDate,omitempty"`
	Hours        float64 `json:"fltTotalTime,omitempty"`
	Mealbreak    int     `json:"intMealbreakMinute"`
	OpUnitID     int64   `json:"intOpunitId,omitempty"`
	Comment      string  `json:"strComment,omitempty"`
}

type timesheetResponse struct {
	ID       json.Number `json:"Id"`
	Employee json.Number `json:"Employee"`
}

func (a *Adapter) submitTimesheet(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var t Timesheet
	if err := provider.Decode(job, &t); err != nil {
		return provider.Result{}, err
	}
	if job.ActorID == "" {
		return provider.Result{}, provider.Validation("%s requires an actor", job.Operation)
	}

	req := timesheetRequest{
		Date:      t.Date,
		Hours:     t.Hours,
		Mealbreak: t.BreakMinutes,
		Comment:   t.Comment,
	}
	if !t.Start.IsZero() {
		req.Start = t.Start.Unix()
		req.End = t.End.Unix()
	}
	if t.LocationID != "" {
		id, err := strconv.ParseInt(t.LocationID, 10, 64)
		if err != nil {
			return provider.Result{}, provider.Validation("location_id %q is not numeric", t.LocationID)
		}
		req.OpUnitID = id
	}

	externalID, found, err := a.ids.Resolve(ctx, job.ActorID, a.Name())
	if err != nil {
		return provider.Result{}, &provider.Error{Kind: types.ErrorTransientNetwork, Detail: "identity lookup failed", Err: err}
	}
	switch {
	case found:
		id, err := strconv.ParseInt(externalID, 10, 64)
		if err != nil {
			return provider.Result{}, provider.Validation("mapped employee id %q is not numeric", externalID)
		}
		req.EmployeeID = id
	case t.EmployeeCode != "":
		req.EmployeeCode = t.EmployeeCode
	default:
		return provider.Result{}, provider.Validation("no %s id mapped for actor %s", a.Name(), job.ActorID)
	}

	var resp timesheetResponse
	err = a.client.Do(ctx, provider.Call{
		Method:         http.MethodPost,
		Path:           "/api/v1/supervise/timesheet/update",
		Body:           req,
		IdempotencyKey: job.IdempotencyKey,
	}, &resp)
	if err != nil {
		return provider.Result{}, err
	}
	if resp.ID == "" {
		return provider.Result{}, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "provider did not return a timesheet Id"}
	}

	res := provider.Result{ExternalID: resp.ID.String(), ActorExternalID: resp.Employee.String()}
	provider.RecordActor(ctx, a.ids, a.Name(), job, res.ActorExternalID, a.logger)
	return res, nil
}

type totalsResponse struct {
	TotalTime json.Number `json:"TotalTime"`
}

// ReportedTotal returns the approved hours the provider holds for a period.
// periodKey is "<period>" or "<period>/<employee id>".
func (a *Adapter) ReportedTotal(ctx context.Context, metric types.Metric, periodKey string) (float64, error) {
	if metric != types.MetricHours {
		return 0, provider.UnsupportedMetric(a.Name(), metric)
	}

	period, employee, _ := strings.Cut(periodKey, "/")
	q := url.Values{"period": {period}}
	if employee != "" {
		q.Set("employee", employee)
	}

	var resp totalsResponse
	if err := a.client.Do(ctx, provider.Call{Method: http.MethodGet, Path: "/api/v1/timesheet/totals", Query: q}, &resp); err != nil {
		return 0, err
	}
	hours, err := resp.TotalTime.Float64()
	if err != nil {
		return 0, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "unreadable TotalTime", Err: err}
	}
	return hours, nil
}
