package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every dispatch component. Callers match with errors.Is;
// the typed errors below unwrap to these sentinels.
var (
	ErrValidation                  = errors.New("validation error")
	ErrNormalization               = errors.New("normalization error")
	ErrInsufficientCredit          = errors.New("insufficient credit")
	ErrSenderNotAvailable          = errors.New("sender identity not available")
	ErrProviderTransient           = errors.New("provider transient error")
	ErrProviderPermanent           = errors.New("provider permanent error")
	ErrIdempotencyConflict         = errors.New("idempotency key already used")
	ErrReconciliationInconsistency = errors.New("reconciliation inconsistency")
	ErrDuplicateRequest            = errors.New("duplicate request")
	ErrMessageNotFound             = errors.New("outbound message not found")
	// ErrReceiptTooEarly is a final receipt for a message still queued. Redelivery may succeed.
	ErrReceiptTooEarly = errors.New("message not yet submitted")
)

// ValidationError describes a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NormalizationError is returned when a recipient cannot be turned into an E.164 address.
type NormalizationError struct {
	Input  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization error: %q: %s", e.Input, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return ErrNormalization }

// Provider error codes after mapping from the gateway's own codes.
const (
	ProviderCodeMalformedDestination = "malformed_destination"
	ProviderCodeSenderUnregistered   = "sender_unregistered"
	ProviderCodeInsufficientBalance  = "insufficient_upstream_balance"
	ProviderCodeUnauthorized         = "unauthorized"
	ProviderCodeRejected             = "rejected"
	ProviderCodeRateLimited          = "rate_limited"
	ProviderCodeUnavailable          = "unavailable"
	ProviderCodeNetwork              = "network"
)

// ProviderError is a gateway failure mapped into the local taxonomy.
type ProviderError struct {
	Code         string // one of the ProviderCode* constants
	ProviderCode string // raw code reported by the provider, if any
	Message      string
	StatusCode   int // HTTP status, 0 for network failures
	Transient    bool
	Err          error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("provider %s error (%s)", kind, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match both the taxonomy sentinel and the wrapped cause.
func (e *ProviderError) Is(target error) bool {
	if e.Transient {
		return target == ErrProviderTransient
	}
	return target == ErrProviderPermanent
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewTransientProviderError(code, message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{Code: code, Message: message, StatusCode: statusCode, Transient: true, Err: cause}
}

func NewPermanentProviderError(code, providerCode, message string, statusCode int) *ProviderError {
	return &ProviderError{Code: code, ProviderCode: providerCode, Message: message, StatusCode: statusCode}
}

// IsRetryable reports whether err is worth another gateway attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderTransient)
}

// ErrorCode gives a short stable code for persisting a failure reason on a message.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNormalization):
		return "normalization"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrSenderNotAvailable):
		return "sender_not_available"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrReceiptTooEarly):
		return "receipt_too_early"
	default:
		return "internal"
	}
}
