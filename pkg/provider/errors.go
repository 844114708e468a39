package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/ledgerlink/pkg/types"
	"golang.org/x/oauth2"
)

// Error is a provider failure normalized into the shared taxonomy
type Error struct {
	Kind       types.ErrorKind
	Status     int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // provider-supplied wait, 0 when absent
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil && e.Detail == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// JobError converts the failure into the form persisted on a job
func (e *Error) JobError(at time.Time) *types.JobError {
	return &types.JobError{
		Kind:   e.Kind,
		Status: e.Status,
		Detail: e.Error(),
		At:     at,
	}
}

// Validation returns a permanent-validation error for a payload the provider
// would reject
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: types.ErrorPermanentValidation, Detail: fmt.Sprintf(format, args...)}
}

// KindForStatus maps an HTTP status to a failure kind
func KindForStatus(status int) types.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return types.ErrorTransientRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return types.ErrorTransientNetwork
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.ErrorPermanentAuth
	case status == http.StatusBadRequest, status == http.StatusConflict,
		status == http.StatusPreconditionFailed, status == http.StatusUnprocessableEntity:
		return types.ErrorPermanentValidation
	default:
		return types.ErrorPermanentUnknown
	}
}

// Classify maps any error returned while talking to a provider onto the
// shared taxonomy. Timeouts and connection failures are always transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		kind := types.ErrorPermanentAuth
		if status == http.StatusTooManyRequests || status >= 500 {
			kind = KindForStatus(status)
		}
		return &Error{Kind: kind, Status: status, Detail: "token request failed", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: types.ErrorTransientNetwork, Detail: "call timed out", Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &Error{Kind: types.ErrorTransientNetwork, Err: err}
	}

	return &Error{Kind: types.ErrorPermanentUnknown, Err: err}
}
