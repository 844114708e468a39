package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxResponseBody = 1 << 20

// Call is one request/response exchange with a provider
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}

	// IdempotencyKey is forwarded as Idempotency-Key so a retried create
	// is not applied twice by providers that honour it
	IdempotencyKey string
}

// Client performs authenticated JSON calls against one provider. Every call
// carries a bounded timeout and every failure comes back as *Error.
type Client struct {
	provider types.Provider
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	headers  map[string]string
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewClient builds a client from provider configuration. OAuth client
// credentials take precedence over a static bearer token.
func NewClient(p types.Provider, cfg config.ProviderConfig, clk clock.Clock) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", p)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider %s: invalid base_url: %w", p, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultProvider().Timeout
	}

	c := &Client{
		provider: p,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{},
		timeout:  timeout,
		headers:  map[string]string{},
		clock:    clk,
		logger:   log.WithProvider("provider-client", string(p)),
	}

	switch {
	case cfg.OAuth != nil:
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// Token fetches happen outside the request context, bound them too
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		c.http.Transport = &oauth2.Transport{
			Source: cc.TokenSource(tokenCtx),
			Base:   http.DefaultTransport,
		}
	case cfg.Token != "":
		c.headers["Authorization"] = "Bearer " + cfg.Token
	}

	return c, nil
}

// WithHeader sets a header sent on every call
func (c *Client) WithHeader(key, value string) *Client {
	c.headers[key] = value
	return c
}

// Provider returns the provider this client talks to
func (c *Client) Provider() types.Provider {
	return c.provider
}

// Do executes the call and decodes a 2xx JSON response into out (when non-nil)
func (c *Client) Do(ctx context.Context, call Call, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return c.fail(Validation("encode request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, c.baseURL+call.Path, body)
	if err != nil {
		return c.fail(Validation("build request: %v", err))
	}
	if len(call.Query) > 0 {
		req.URL.RawQuery = call.Query.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if call.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", call.IdempotencyKey)
	}

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	timer.ObserveDurationVec(metrics.ProviderCallDuration, string(c.provider))
	if err != nil {
		return c.fail(Classify(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return c.fail(Classify(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(c.responseError(resp, data))
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return c.fail(&Error{
				Kind:   types.ErrorPermanentUnknown,
				Status: resp.StatusCode,
				Detail: "undecodable response body",
				Err:    err,
			})
		}
	}
	return nil
}

func (c *Client) fail(err *Error) error {
	metrics.ProviderErrors.WithLabelValues(string(c.provider), string(err.Kind)).Inc()
	c.logger.Debug().
		Str("kind", string(err.Kind)).
		Int("status", err.Status).
		Dur("retry_after", err.RetryAfter).
		Msg(err.Error())
	return err
}

// errorBody covers the error shapes the supported providers return. JSON
// field matching is case-insensitive, so Message also catches "message".
type errorBody struct {
	Message    string          `json:"message"`
	Error      json.RawMessage `json:"error"`
	Detail     string          `json:"detail"`
	RetryAfter json.RawMessage `json:"retry_after"`
	Elements   []struct {
		ValidationErrors []struct {
			Message string `json:"Message"`
		} `json:"ValidationErrors"`
	} `json:"Elements"`
}

func (b *errorBody) message() string {
	var msgs []string
	for _, el := range b.Elements {
		for _, v := range el.ValidationErrors {
			msgs = append(msgs, v.Message)
		}
	}
	if len(msgs) > 0 {
		return strings.Join(msgs, "; ")
	}
	if b.Message != "" {
		return b.Message
	}
	if len(b.Error) > 0 {
		var s string
		if err := json.Unmarshal(b.Error, &s); err == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(b.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return b.Detail
}

// retryAfter reads retry_after as seconds, whether encoded as a number or a string
func (b *errorBody) retryAfter() time.Duration {
	if len(b.RetryAfter) == 0 {
		return 0
	}
	raw := strings.Trim(string(b.RetryAfter), `"`)
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func (c *Client) responseError(resp *http.Response, data []byte) *Error {
	perr := &Error{
		Kind:   KindForStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		perr.Detail = body.message()
	}
	if perr.Detail == "" {
		perr.Detail = truncate(strings.TrimSpace(string(data)), 200)
	}
	if perr.Detail == "" {
		perr.Detail = http.StatusText(resp.StatusCode)
	}
	if problem := resp.Header.Get("X-Rate-Limit-Problem"); problem != "" {
		perr.Detail += " (limit: " + problem + ")"
	}

	perr.RetryAfter = max(ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()), body.retryAfter())
	return perr
}

// ParseRetryAfter reads a Retry-After header value given either as delay
// seconds or as an HTTP date. Unparseable or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
