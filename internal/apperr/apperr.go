// Package apperr defines the error classes shared by the newsletter services.
//
// Every error returned across a package boundary carries one class, and most
// carry one sentinel as well, so callers can use either Class.Has or errors.Is:
//
//	err := apperr.Validation.Wrap(apperr.ErrCodeMismatch)
//	apperr.Validation.Has(err)              // true
//	errors.Is(err, apperr.ErrCodeMismatch)  // true
package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// Validation marks caller mistakes: bad input, wrong code, unknown ids.
	Validation = errs.Class("validation")
	// Conflict marks requests that clash with current state.
	Conflict = errs.Class("conflict")
	// Transient marks failures worth retrying later (upstream, SMTP, missing data).
	Transient = errs.Class("transient")
	// Fatal marks malformed persisted state; retrying will not help.
	Fatal = errs.Class("fatal")
)

var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrUnknownTenant    = errors.New("unknown tenant")
	ErrDuplicateActive  = errors.New("already subscribed")
	ErrNotSubscribed    = errors.New("not subscribed")
	ErrNoPendingRequest = errors.New("no pending verification request")
	ErrCodeMismatch     = errors.New("verification code mismatch")
	ErrCodeExpired      = errors.New("verification code expired")
	ErrAttemptsExceeded = errors.New("too many verification attempts")
	ErrAlreadyConsumed  = errors.New("verification code already used")
	ErrTokenNotFound    = errors.New("unsubscribe token not found")
	ErrNoData           = errors.New("no collected data for date")
	ErrCollectFailed    = errors.New("collection failed")
)

// HTTPStatus maps an error to the response status the web layer returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownTenant), errors.Is(err, ErrTokenNotFound):
		return http.StatusNotFound
	case Validation.Has(err):
		return http.StatusBadRequest
	case Conflict.Has(err):
		return http.StatusConflict
	case Transient.Has(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable name for err, used in JSON error
// bodies and metric labels.
func Code(err error) string {
	for _, c := range []struct {
		err  error
		code string
	}{
		{ErrInvalidEmail, "invalid_email"},
		{ErrUnknownTenant, "unknown_tenant"},
		{ErrDuplicateActive, "duplicate_active"},
		{ErrNotSubscribed, "not_subscribed"},
		{ErrNoPendingRequest, "no_pending_request"},
		{ErrCodeMismatch, "code_mismatch"},
		{ErrCodeExpired, "code_expired"},
		{ErrAttemptsExceeded, "attempts_exceeded"},
		{ErrAlreadyConsumed, "already_consumed"},
		{ErrTokenNotFound, "token_not_found"},
		{ErrNoData, "no_data"},
		{ErrCollectFailed, "collect_failed"},
	} {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	switch {
	case err == nil:
		return ""
	case Validation.Has(err):
		return "validation"
	case Conflict.Has(err):
		return "conflict"
	case Transient.Has(err):
		return "transient"
	case Fatal.Has(err):
		return "fatal"
	default:
		return "internal"
	}
}
