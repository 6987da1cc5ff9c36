package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"unauthorized", Unauthorized("no token"), CodeUnauthorized},
		{"forbidden", Forbidden("viewer cannot mutate"), CodeForbidden},
		{"not found", NotFound("project %s", "p1"), CodeNotFound},
		{"conflict", Conflict("reservation expired"), CodeConflict},
		{"rate limited", RateLimited("jobs.enqueue"), CodeRateLimited},
		{"wrapped", fmt.Errorf("failed to enqueue: %w", Conflict("bad kind")), CodeConflict},
		{"uncoded", errors.New("boom"), Code("")},
		{"nil", nil, Code("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsIs(t *testing.T) {
	err := fmt.Errorf("failed to confirm: %w", Conflict("confirmation mismatch"))

	if !errors.Is(err, ErrConflict) {
		t.Error("expected errors.Is(err, ErrConflict)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("conflict must not match ErrNotFound")
	}
}

func TestPredicates(t *testing.T) {
	if !IsRateLimited(RateLimited("x")) {
		t.Error("IsRateLimited failed on rate-limited error")
	}
	if IsConflict(NotFound("x")) {
		t.Error("IsConflict matched a not-found error")
	}
	if IsUnauthorized(errors.New("plain")) {
		t.Error("IsUnauthorized matched an uncoded error")
	}
}

func TestMessageOf(t *testing.T) {
	if got := MessageOf(Conflict("attempt cap exceeded (25/25)")); got != "attempt cap exceeded (25/25)" {
		t.Errorf("MessageOf() = %q", got)
	}
	if got := MessageOf(errors.New("plain")); got != "plain" {
		t.Errorf("MessageOf(plain) = %q", got)
	}
	if got := MessageOf(nil); got != "" {
		t.Errorf("MessageOf(nil) = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Unauthorized("x"), http.StatusUnauthorized},
		{Forbidden("x"), http.StatusForbidden},
		{NotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{RateLimited("x"), http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
