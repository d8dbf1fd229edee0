package apperr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestGetKindFindsWrappedErrors(t *testing.T) {
	base := NotFound("attribution not found")
	wrapped := fmt.Errorf("override: %w", base)

	if got := GetKind(wrapped); got != KindNotFound {
		t.Fatalf("expected KindNotFound through wrap, got %v", got)
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatal("expected Is to match wrapped kind")
	}
	if GetKind(fmt.Errorf("plain")) != KindUnknown {
		t.Fatal("expected untyped error to be KindUnknown")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{NotFound("x"), http.StatusNotFound},
		{Validation("x"), http.StatusUnprocessableEntity},
		{Forbidden("x"), http.StatusForbidden},
		{Conflict("x"), http.StatusConflict},
		{Internal("x"), http.StatusInternalServerError},
		{New(KindUnknown, "x"), http.StatusBadRequest},
	}

	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("kind %v: expected %d, got %d", tc.err.Kind, tc.want, got)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if IsRetryable(Validation("invoice is not paid")) {
		t.Fatal("validation errors must not be retried")
	}
	if !IsRetryable(fmt.Errorf("connection reset")) {
		t.Fatal("untyped errors should be retried")
	}
	if !IsRetryable(Wrap(KindInternal, "db", fmt.Errorf("boom"))) {
		t.Fatal("internal errors should be retried")
	}
}

func TestErrorIncludesOp(t *testing.T) {
	err := Forbidden("audit log entries cannot be modified").WithOp("audit.Update")
	if err.Error() != "audit.Update: audit log entries cannot be modified" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
