package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapHTTPStatusKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusUnprocessableEntity, KindInvalidRequest},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusInternalServerError, KindUnavailable},
		{http.StatusServiceUnavailable, KindUnavailable},
		{http.StatusTooManyRequests, KindHTTP},
	}
	for _, tc := range cases {
		err := WrapHTTPStatus("p", tc.status, "boom")
		if err.Kind != tc.kind {
			t.Errorf("status %d: expected kind %s, got %s", tc.status, tc.kind, err.Kind)
		}
		if StatusOf(err) != tc.status {
			t.Errorf("status %d lost in wrapping", tc.status)
		}
	}
}

func TestWrapTransportDeadline(t *testing.T) {
	err := WrapTransport("p", fmt.Errorf("call: %w", context.DeadlineExceeded))
	if err.Kind != KindTimeout {
		t.Fatalf("expected timeout kind for deadline, got %s", err.Kind)
	}
}

func TestKindOfNonAdapterError(t *testing.T) {
	if KindOf(errors.New("random")) != KindUnavailable {
		t.Fatal("non-adapter errors default to unavailable")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Fatal("bare deadline errors map to timeout")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewError("p", KindUnavailable, 0, "wrapped", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}
