// Package apierr defines the client-visible error taxonomy of the gateway
// and its HTTP rendering.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindAccountDisabled     Kind = "account_disabled"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindModelForbidden      Kind = "model_forbidden"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalidRequest      Kind = "invalid_request"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAccountDisabled, KindModelForbidden:
		return http.StatusForbidden
	case KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "invalid or inactive API key"}
	// ErrAccountMissing covers a valid key whose account row is gone; the
	// credential is unusable, so the client sees the same 401 as an unknown
	// key.
	ErrAccountMissing      = &Error{Kind: KindUnauthenticated, Message: "no account for API key"}
	ErrAccountDisabled     = &Error{Kind: KindAccountDisabled, Message: "account is disabled"}
	ErrBudgetExceeded      = &Error{Kind: KindBudgetExceeded, Message: "budget exceeded"}
	ErrModelForbidden      = &Error{Kind: KindModelForbidden, Message: "model not allowed for this API key"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Message: "upstream provider unavailable"}
)

type envelope struct {
	Error *Error `json:"error"`
}

// Write renders err as the gateway's JSON error body. Non-taxonomy errors
// become a generic internal error so internals never leak to clients.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Kind: KindInternal, Message: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{Error: apiErr})
}
