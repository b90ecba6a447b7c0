package sogni

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a structured error from the Sogni API.
type APIError struct {
	Status  int    `json:"status"`
	Code    int    `json:"errorCode"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sogni: %s (status %d, code %d)", e.Message, e.Status, e.Code)
}

// Vendor error codes observed in the wild.
const (
	codeInvalidToken      = 107
	codeInsufficientFunds = 4024
)

// ErrorKind classifies an upstream failure for retry/propagation decisions.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth_error"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindNetwork           ErrorKind = "network_error"
	KindValidation        ErrorKind = "validation_error"
	KindTimeout           ErrorKind = "timeout"
	KindGeneric           ErrorKind = "generation_error"
)

// Retryable reports whether the caller may retry after corrective action
// (for auth errors, a forced re-login).
func (k ErrorKind) Retryable() bool {
	return k == KindAuth || k == KindNetwork
}

// Classify maps an error onto an ErrorKind. All substring/code checks for
// vendor errors live here so call sites never repeat them inline.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized, apiErr.Code == codeInvalidToken:
			return KindAuth
		case apiErr.Code == codeInsufficientFunds:
			return KindInsufficientFunds
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid token"), strings.Contains(msg, "token expired"),
		strings.Contains(msg, "unauthorized"):
		return KindAuth
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient credit"):
		return KindInsufficientFunds
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return KindNetwork
	}
	return KindGeneric
}

// IsBenignClose reports whether a transport error is one of the close races
// seen during page navigation. These are swallowed at the transport layer and
// never surfaced.
func IsBenignClose(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close 1000") ||
		strings.Contains(msg, "websocket: close 1001") ||
		strings.Contains(msg, "websocket: close 1005") ||
		strings.Contains(msg, "websocket: close 1006")
}
