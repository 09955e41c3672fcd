// Package broker provides the brokerage API client: OAuth session
// management, market data, positions, balances, and order submission.
package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrReconnectRequired is terminal: the refresh credential was revoked or
// rejected and the user must re-link the account. Never retried.
var ErrReconnectRequired = errors.New("broker session revoked: reconnect required")

// ErrTransportShape indicates the broker returned something other than the
// expected JSON shape (e.g. HTML from a misrouted request). This is an
// infrastructure misconfiguration, not a trading condition, and is logged
// loudly by callers.
var ErrTransportShape = errors.New("unexpected response shape from broker")

// APIError represents a broker application error with status, code, and body.
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker API error %d (%s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// RejectionKind is the small user-facing taxonomy order rejections map to.
// Raw broker text is never surfaced directly.
type RejectionKind string

const (
	RejectionInsufficientFunds   RejectionKind = "insufficient_buying_power"
	RejectionWrongPriceDirection RejectionKind = "wrong_price_direction"
	RejectionNotTradeable        RejectionKind = "instrument_not_tradeable"
	RejectionNotPermissioned     RejectionKind = "account_not_permissioned"
	RejectionInvalidContract     RejectionKind = "invalid_strike_or_expiration"
	RejectionUnknown             RejectionKind = "unknown"
)

// Message returns the human-readable reason attached to terminal signal
// statuses.
func (k RejectionKind) Message() string {
	switch k {
	case RejectionInsufficientFunds:
		return "Insufficient buying power for this order"
	case RejectionWrongPriceDirection:
		return "Limit price is on the wrong side of the market"
	case RejectionNotTradeable:
		return "Instrument is not tradeable in this account"
	case RejectionNotPermissioned:
		return "Account is not permissioned for this order type"
	case RejectionInvalidContract:
		return "Invalid strike or expiration for this contract"
	default:
		return "Order rejected by broker"
	}
}

// ClassifyRejection maps broker error codes to the friendly taxonomy.
func ClassifyRejection(code, message string) RejectionKind {
	c := strings.ToLower(code)
	m := strings.ToLower(message)
	switch {
	case strings.Contains(c, "buying_power") || strings.Contains(c, "margin") ||
		strings.Contains(m, "buying power") || strings.Contains(m, "insufficient funds"):
		return RejectionInsufficientFunds
	case strings.Contains(c, "price") && (strings.Contains(m, "side") ||
		strings.Contains(m, "direction") || strings.Contains(c, "effect")):
		return RejectionWrongPriceDirection
	case strings.Contains(c, "not_tradeable") || strings.Contains(m, "not tradeable") ||
		strings.Contains(m, "closing only"):
		return RejectionNotTradeable
	case strings.Contains(c, "permission") || strings.Contains(c, "not_permitted") ||
		strings.Contains(m, "permission"):
		return RejectionNotPermissioned
	case strings.Contains(c, "invalid_symbol") || strings.Contains(c, "expiration") ||
		strings.Contains(c, "strike") || strings.Contains(m, "unknown symbol"):
		return RejectionInvalidContract
	default:
		return RejectionUnknown
	}
}

// IsTransient reports whether an error looks like a temporary network or
// server failure worth a single immediate retry. Application-level 4xx
// responses are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	if errors.Is(err, ErrReconnectRequired) || errors.Is(err, ErrTransportShape) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether a response indicates an expired or invalid
// access credential, recoverable by a refresh.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 401
	}
	return false
}
