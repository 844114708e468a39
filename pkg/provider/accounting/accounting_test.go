package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memIdentities map[string]string

func (m memIdentities) Resolve(ctx context.Context, actorID string, p types.Provider) (string, bool, error) {
	id, ok := m[string(p)+"/"+actorID]
	return id, ok, nil
}

func (m memIdentities) Record(ctx context.Context, actorID string, p types.Provider, externalID string) error {
	m[string(p)+"/"+actorID] = externalID
	return nil
}

func newAdapter(t *testing.T, handler http.HandlerFunc, ids memIdentities) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultProvider()
	cfg.BaseURL = server.URL
	cfg.Token = "tok"
	client, err := provider.NewClient(types.ProviderAccounting, cfg, clock.NewRealClock())
	require.NoError(t, err)
	return New(client, ids, "tenant-1")
}

func job(op types.Operation, actor string, payload string) *types.SyncJob {
	return &types.SyncJob{
		ID:             "job-1",
		Operation:      op,
		Provider:       types.ProviderAccounting,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: "key-1",
		ActorID:        actor,
	}
}

func TestCreatePayComponent(t *testing.T) {
	ids := memIdentities{"accounting/staff-7": "emp-7"}
	var got map[string][]payslipLine

	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/PayslipLines", r.URL.Path)
		assert.Equal(t, "tenant-1", r.Header.Get(tenantHeader))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		fmt.Fprint(w, `{"PayslipLines":[{"PayslipLineID":"line-1","EmployeeID":"emp-7"}]}`)
	}, ids)

	res, err := a.Execute(context.Background(), job(types.OpCreatePayComponent, "staff-7",
		`{"period":"2024-W05","kind":"deduction","amount_cents":1250,"description":"uniform"}`))
	require.NoError(t, err)
	assert.Equal(t, "line-1", res.ExternalID)

	require.Len(t, got["PayslipLines"], 1)
	line := got["PayslipLines"][0]
	assert.Equal(t, "emp-7", line.EmployeeID)
	require.Len(t, line.Deductions, 1)
	assert.Equal(t, "12.50", line.Deductions[0].Amount.String())
	assert.Empty(t, line.Earnings)
}

func TestCreatePayComponentRecordsChangedEmployee(t *testing.T) {
	ids := memIdentities{"accounting/staff-7": "emp-old"}
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"PayslipLines":[{"PayslipLineID":"line-1","EmployeeID":"emp-new"}]}`)
	}, ids)

	_, err := a.Execute(context.Background(), job(types.OpCreatePayComponent, "staff-7",
		`{"period":"2024-W05","kind":"earnings","amount_cents":100}`))
	require.NoError(t, err)
	assert.Equal(t, "emp-new", ids["accounting/staff-7"])
}

func TestCreatePayComponentErrors(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		payload string
		status  int
		want    types.ErrorKind
	}{
		{"missing mapping", "staff-9", `{"period":"p","kind":"earnings","amount_cents":100}`, 0, types.ErrorPermanentValidation},
		{"no actor", "", `{"period":"p","kind":"earnings","amount_cents":100}`, 0, types.ErrorPermanentValidation},
		{"bad kind", "staff-7", `{"period":"p","kind":"bonus","amount_cents":100}`, 0, types.ErrorPermanentValidation},
		{"zero amount", "staff-7", `{"period":"p","kind":"earnings"}`, 0, types.ErrorPermanentValidation},
		{"malformed json", "staff-7", `{"period":`, 0, types.ErrorPermanentValidation},
		{"provider down", "staff-7", `{"period":"p","kind":"earnings","amount_cents":100}`, http.StatusServiceUnavailable, types.ErrorTransientNetwork},
		{"auth revoked", "staff-7", `{"period":"p","kind":"earnings","amount_cents":100}`, http.StatusForbidden, types.ErrorPermanentAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
			}, memIdentities{"accounting/staff-7": "emp-7"})

			_, err := a.Execute(context.Background(), job(types.OpCreatePayComponent, tt.actor, tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.want, provider.Classify(err).Kind)
			if tt.status == 0 {
				assert.Zero(t, calls, "invalid jobs must not reach the provider")
			}
		})
	}
}

func TestCreatePayRun(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var env payRunsEnvelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		if assert.Len(t, env.PayRuns, 1) {
			assert.Equal(t, "cal-1", env.PayRuns[0].PayrollCalendarID)
			assert.Equal(t, "DRAFT", env.PayRuns[0].PayRunStatus)
		}
		fmt.Fprint(w, `{"PayRuns":[{"PayRunID":"run-42"}]}`)
	}, memIdentities{})

	res, err := a.Execute(context.Background(), job(types.OpCreatePayRun, "",
		`{"calendar_id":"cal-1","period_start":"2024-02-05","period_end":"2024-02-11"}`))
	require.NoError(t, err)
	assert.Equal(t, "run-42", res.ExternalID)

	_, err = a.Execute(context.Background(), job(types.OpCreatePayRun, "",
		`{"calendar_id":"cal-1","period_start":"2024-02-11","period_end":"2024-02-05"}`))
	assert.Equal(t, types.ErrorPermanentValidation, provider.Classify(err).Kind)
}

func TestMarkSentPostsPayRun(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PayRuns/run-42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}, memIdentities{})

	res, err := a.Execute(context.Background(), job(types.OpMarkSent, "", `{"pay_run_id":"run-42"}`))
	require.NoError(t, err)
	assert.Equal(t, "run-42", res.ExternalID)
}

func TestUnsupportedOperation(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {}, memIdentities{})
	_, err := a.Execute(context.Background(), job(types.OpUpdateStock, "", `{}`))
	assert.Equal(t, types.ErrorPermanentValidation, provider.Classify(err).Kind)
}

func TestReportedTotal(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-W05", r.URL.Query().Get("period"))
		assert.Equal(t, "emp-7", r.URL.Query().Get("employee"))
		fmt.Fprint(w, `{"Period":"2024-W05","TotalWages":1234.56}`)
	}, memIdentities{})

	total, err := a.ReportedTotal(context.Background(), types.MetricPayCents, "2024-W05/emp-7")
	require.NoError(t, err)
	assert.Equal(t, float64(123456), total)

	_, err = a.ReportedTotal(context.Background(), types.MetricHours, "2024-W05")
	assert.Equal(t, types.ErrorPermanentValidation, provider.Classify(err).Kind)
}
