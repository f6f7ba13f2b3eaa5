package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGatewayError_Error(t *testing.T) {
	err := NewCreditsError("No payment method")
	if got, want := err.Error(), "CreditsError: No payment method"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestGatewayError_Unwrap(t *testing.T) {
	originalErr := errors.New("row not found")
	gatewayErr := WrapAuthError("Invalid API key.", originalErr)

	if !errors.Is(gatewayErr, originalErr) {
		t.Errorf("errors.Is did not find the wrapped error")
	}
}

func TestGatewayError_HTTPStatusCode(t *testing.T) {
	kinds := []ErrorKind{KindAuth, KindCredits, KindMonthlyLimit, KindUserLimit, KindModel}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			err := &GatewayError{Kind: kind, Message: "x"}
			if got := err.HTTPStatusCode(); got != http.StatusUnauthorized {
				t.Errorf("HTTPStatusCode() = %d, want 401", got)
			}
		})
	}
}

func TestErrorKind_SuggestedStatus(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected int
	}{
		{KindAuth, http.StatusUnauthorized},
		{KindCredits, http.StatusPaymentRequired},
		{KindMonthlyLimit, http.StatusTooManyRequests},
		{KindUserLimit, http.StatusTooManyRequests},
		{KindModel, http.StatusNotFound},
		{ErrorKind("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.SuggestedStatus(); got != tt.expected {
				t.Errorf("SuggestedStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGatewayError_ToJSON(t *testing.T) {
	raw, err := json.Marshal(NewModelError("Model gpt-x not supported").ToJSON())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"error":{"message":"Model gpt-x not supported","type":"ModelError"},"type":"error"}`
	if string(raw) != want {
		t.Errorf("ToJSON() = %s, want %s", raw, want)
	}
}

func TestErrorTypeName(t *testing.T) {
	if got := ErrorTypeName(fmt.Errorf("wrapped: %w", NewUserLimitError("cap"))); got != "UserLimitError" {
		t.Errorf("ErrorTypeName(wrapped gateway error) = %q", got)
	}
	if got := ErrorTypeName(errors.New("boom")); got != "*errors.errorString" {
		t.Errorf("ErrorTypeName(plain) = %q", got)
	}
	if got := ErrorTypeName(nil); got != "" {
		t.Errorf("ErrorTypeName(nil) = %q", got)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{Session: "s1", Request: "r1"})
	ctx = WithRequestID(ctx, "req-1")

	if got := GetIdentity(ctx); got.Session != "s1" || got.Request != "r1" {
		t.Errorf("GetIdentity() = %+v", got)
	}
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q", got)
	}
	if got := GetIdentity(context.Background()); got != (Identity{}) {
		t.Errorf("GetIdentity(empty) = %+v", got)
	}
}
