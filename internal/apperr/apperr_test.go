package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"unknown tenant", Validation.Wrap(ErrUnknownTenant), http.StatusNotFound},
		{"token", Validation.Wrap(ErrTokenNotFound), http.StatusNotFound},
		{"mismatch", Validation.Wrap(ErrCodeMismatch), http.StatusBadRequest},
		{"duplicate", Conflict.Wrap(ErrDuplicateActive), http.StatusConflict},
		{"wrapped conflict", fmt.Errorf("confirm: %w", Conflict.Wrap(ErrAlreadyConsumed)), http.StatusConflict},
		{"transient", Transient.New("smtp down"), http.StatusServiceUnavailable},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassAndSentinelBothMatch(t *testing.T) {
	err := fmt.Errorf("confirm: %w", Validation.Wrap(ErrCodeExpired))
	if !Validation.Has(err) {
		t.Fatal("class lost through wrapping")
	}
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatal("sentinel lost through class wrap")
	}
	if Code(err) != "code_expired" {
		t.Fatalf("code = %q", Code(err))
	}
	if Code(Fatal.New("bad row")) != "fatal" {
		t.Fatal("fatal class code")
	}
}
