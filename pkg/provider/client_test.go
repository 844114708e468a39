package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, url string, mutate func(*config.ProviderConfig)) *Client {
	t.Helper()
	cfg := config.DefaultProvider()
	cfg.BaseURL = url
	cfg.Token = "tok"
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(types.ProviderAccounting, cfg, clock.NewMockClock(testNow))
	require.NoError(t, err)
	return c
}

func TestClientClassifiesResponses(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		header         map[string]string
		body           string
		wantKind       types.ErrorKind
		wantRetryAfter time.Duration
		wantDetail     string
	}{
		{
			name:       "500 is transient",
			status:     http.StatusInternalServerError,
			body:       `{"message":"upstream down"}`,
			wantKind:   types.ErrorTransientNetwork,
			wantDetail: "upstream down",
		},
		{
			name:           "429 with retry-after seconds",
			status:         http.StatusTooManyRequests,
			header:         map[string]string{"Retry-After": "30", "X-Rate-Limit-Problem": "minute"},
			wantKind:       types.ErrorTransientRateLimited,
			wantRetryAfter: 30 * time.Second,
			wantDetail:     "(limit: minute)",
		},
		{
			name:           "429 with retry-after http date",
			status:         http.StatusTooManyRequests,
			header:         map[string]string{"Retry-After": testNow.Add(90 * time.Second).Format(http.TimeFormat)},
			wantKind:       types.ErrorTransientRateLimited,
			wantRetryAfter: 90 * time.Second,
		},
		{
			name:           "429 with retry_after body field",
			status:         http.StatusTooManyRequests,
			body:           `{"error":"slow down","retry_after":12}`,
			wantKind:       types.ErrorTransientRateLimited,
			wantRetryAfter: 12 * time.Second,
			wantDetail:     "slow down",
		},
		{
			name:           "larger of header and body wins",
			status:         http.StatusTooManyRequests,
			header:         map[string]string{"Retry-After": "5"},
			body:           `{"retry_after":"20"}`,
			wantKind:       types.ErrorTransientRateLimited,
			wantRetryAfter: 20 * time.Second,
		},
		{
			name:       "401 is permanent auth",
			status:     http.StatusUnauthorized,
			body:       `{"Message":"token expired"}`,
			wantKind:   types.ErrorPermanentAuth,
			wantDetail: "token expired",
		},
		{
			name:       "400 collects validation messages",
			status:     http.StatusBadRequest,
			body:       `{"Elements":[{"ValidationErrors":[{"Message":"rate required"},{"Message":"bad date"}]}]}`,
			wantKind:   types.ErrorPermanentValidation,
			wantDetail: "rate required; bad date",
		},
		{
			name:       "404 is permanent unknown",
			status:     http.StatusNotFound,
			body:       `<html>missing</html>`,
			wantKind:   types.ErrorPermanentUnknown,
			wantDetail: "<html>missing</html>",
		},
		{
			name:       "nested error object",
			status:     http.StatusUnprocessableEntity,
			body:       `{"error":{"message":"sku unknown"}}`,
			wantKind:   types.ErrorPermanentValidation,
			wantDetail: "sku unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			err := newTestClient(t, server.URL, nil).Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"}, nil)
			require.Error(t, err)

			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.wantKind, perr.Kind)
			assert.Equal(t, tt.status, perr.Status)
			assert.Equal(t, tt.wantRetryAfter, perr.RetryAfter)
			assert.Contains(t, perr.Detail, tt.wantDetail)
		})
	}
}

func TestClientSendsAuthAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "t-1", r.Header.Get("Xero-Tenant-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "2024-W05", r.URL.Query().Get("period"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"abc"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/", nil).WithHeader("Xero-Tenant-Id", "t-1")

	var out struct {
		ID string `json:"id"`
	}
	err := c.Do(context.Background(), Call{
		Method: http.MethodPost,
		Path:   "/items",
		Query:  map[string][]string{"period": {"2024-W05"}},
		Body:   map[string]string{"a": "b"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.ID)
}

func TestClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL, func(cfg *config.ProviderConfig) {
		cfg.Timeout = 50 * time.Millisecond
	})

	err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/slow"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrorTransientNetwork, Classify(err).Kind)
}

func TestClientConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := newTestClient(t, url, nil).Do(context.Background(), Call{Method: http.MethodGet, Path: "/"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrorTransientNetwork, Classify(err).Kind)
}

func TestClientOAuthClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"minted","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer minted" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(t, server.URL, func(cfg *config.ProviderConfig) {
		cfg.Token = ""
		cfg.OAuth = &config.OAuthConfig{TokenURL: server.URL + "/token", ClientID: "id", ClientSecret: "secret"}
	})
	require.NoError(t, c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/api/ping"}, nil))
}

func TestClientOAuthRejectedIsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(cfg *config.ProviderConfig) {
		cfg.Token = ""
		cfg.OAuth = &config.OAuthConfig{TokenURL: server.URL + "/token", ClientID: "id", ClientSecret: "wrong"}
	})
	err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/api/ping"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrorPermanentAuth, Classify(err).Kind)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3", testNow))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", testNow))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", testNow))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(testNow.Add(-time.Hour).Format(http.TimeFormat), testNow))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "stock", 10, "stock"},
		{"ascii", "inventory", 3, "inv..."},
		{"cut inside rune", "año", 2, "a..."},
		{"cut after rune", "año", 3, "añ..."},
		{"first rune too wide", "€uro", 1, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestClientDetailIsValidUTF8(t *testing.T) {
	// Each "é" is two bytes, so a 200 byte cut at an odd offset splits one
	body := "x" + strings.Repeat("é", 150)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/things"}, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, utf8.ValidString(perr.Detail))
	assert.True(t, strings.HasSuffix(perr.Detail, "..."))
	assert.LessOrEqual(t, len(perr.Detail), 203)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), types.ErrorTransientNetwork},
		{"provider error passes through", &Error{Kind: types.ErrorPermanentAuth}, types.ErrorPermanentAuth},
		{"wrapped provider error", fmt.Errorf("x: %w", Validation("bad")), types.ErrorPermanentValidation},
		{"anything else", errors.New("boom"), types.ErrorPermanentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Kind)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, types.ErrorTransientRateLimited, KindForStatus(429))
	assert.Equal(t, types.ErrorTransientNetwork, KindForStatus(408))
	assert.Equal(t, types.ErrorTransientNetwork, KindForStatus(503))
	assert.Equal(t, types.ErrorPermanentAuth, KindForStatus(403))
	assert.Equal(t, types.ErrorPermanentValidation, KindForStatus(422))
	assert.Equal(t, types.ErrorPermanentUnknown, KindForStatus(410))
	assert.True(t, KindForStatus(502).Transient())
	assert.False(t, KindForStatus(401).Transient())
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(types.ProviderPOS, config.DefaultProvider(), clock.NewRealClock())
	assert.Error(t, err)
}
