// Package core provides the error taxonomy and request-scoped context shared by
// every layer of the gateway.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of caller-facing failures.
type ErrorKind string

const (
	// KindAuth is a missing or invalid caller credential.
	KindAuth ErrorKind = "AuthError"
	// KindCredits is a missing payment method or a non-positive balance.
	KindCredits ErrorKind = "CreditsError"
	// KindMonthlyLimit is a workspace spending cap reached this month.
	KindMonthlyLimit ErrorKind = "MonthlyLimitError"
	// KindUserLimit is a per-user spending cap reached this month.
	KindUserLimit ErrorKind = "UserLimitError"
	// KindModel is an unknown model, an empty provider pool or a model
	// disabled for the workspace.
	KindModel ErrorKind = "ModelError"
)

// compatStatus is the status every kind is emitted with today.
const compatStatus = http.StatusUnauthorized

// SuggestedStatus is the status code the kind would map to on its own.
// Responses still use HTTPStatusCode.
func (k ErrorKind) SuggestedStatus() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindCredits:
		return http.StatusPaymentRequired
	case KindMonthlyLimit, KindUserLimit:
		return http.StatusTooManyRequests
	case KindModel:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is a caller-facing failure with a human-readable message.
type GatewayError struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status written to the caller.
func (e *GatewayError) HTTPStatusCode() int {
	return compatStatus
}

// ToJSON converts the error to the wire envelope.
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    e.Kind,
			"message": e.Message,
		},
	}
}

// InternalErrorJSON is the body returned for anything outside the taxonomy.
func InternalErrorJSON() map[string]interface{} {
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "error",
			"message": "internal server error",
		},
	}
}

// AsGatewayError reports whether err carries a taxonomy error.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// ErrorTypeName names an error for logs: the taxonomy kind when present,
// otherwise the dynamic Go type of the outermost error.
func ErrorTypeName(err error) string {
	if err == nil {
		return ""
	}
	if gwErr, ok := AsGatewayError(err); ok {
		return string(gwErr.Kind)
	}
	return fmt.Sprintf("%T", err)
}

func newError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// NewAuthError creates an AuthError.
func NewAuthError(message string) *GatewayError {
	return newError(KindAuth, message, nil)
}

// NewCreditsError creates a CreditsError.
func NewCreditsError(message string) *GatewayError {
	return newError(KindCredits, message, nil)
}

// NewMonthlyLimitError creates a MonthlyLimitError.
func NewMonthlyLimitError(message string) *GatewayError {
	return newError(KindMonthlyLimit, message, nil)
}

// NewUserLimitError creates a UserLimitError.
func NewUserLimitError(message string) *GatewayError {
	return newError(KindUserLimit, message, nil)
}

// NewModelError creates a ModelError.
func NewModelError(message string) *GatewayError {
	return newError(KindModel, message, nil)
}

// WrapAuthError creates an AuthError that keeps the store error for logs.
func WrapAuthError(message string, err error) *GatewayError {
	return newError(KindAuth, message, err)
}
