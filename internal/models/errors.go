package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the top-level classification of every error the engine sees.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindValidation    ErrorKind = "validation"
	KindRateLimit     ErrorKind = "rate_limit"
	KindTransient     ErrorKind = "transient"
	KindFatal         ErrorKind = "fatal"
	KindCancellation  ErrorKind = "cancellation"
)

// Reason is a bounded vocabulary describing why a backend call failed.
// It keeps ErrorBreakdown keys low-cardinality.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonProcessExit Reason = "process_exit"
	ReasonProtocol    Reason = "protocol"
	ReasonToolError   Reason = "tool_error"
	ReasonConnection  Reason = "connection"
	ReasonOutput      Reason = "output"
	ReasonUnknown     Reason = "unknown"
)

// ClassifiedError is implemented by every error in the taxonomy.
type ClassifiedError interface {
	error
	Kind() ErrorKind
	// Classification is a stable key such as "fatal:process_exit".
	Classification() string
}

// ConfigurationError reports bad setup detected before the loop starts.
type ConfigurationError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration error")
	if e.Component != "" {
		sb.WriteString(" (" + e.Component + ")")
	}
	sb.WriteString(": " + e.Message)
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *ConfigurationError) Unwrap() error          { return e.Err }
func (e *ConfigurationError) Kind() ErrorKind        { return KindConfiguration }
func (e *ConfigurationError) Classification() string { return string(KindConfiguration) }

// ValidationError reports a malformed request parameter.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Kind() ErrorKind        { return KindValidation }
func (e *ValidationError) Classification() string { return string(KindValidation) }

// RateLimitError is retryable after a wait. ResetAt is zero when the
// backend did not say when the limit lifts.
type RateLimitError struct {
	Message string
	ResetAt time.Time
	Err     error
}

func (e *RateLimitError) Error() string {
	if !e.ResetAt.IsZero() {
		return fmt.Sprintf("rate limited until %s: %s", e.ResetAt.Format(time.RFC3339), e.Message)
	}
	return "rate limited: " + e.Message
}

func (e *RateLimitError) Unwrap() error          { return e.Err }
func (e *RateLimitError) Kind() ErrorKind        { return KindRateLimit }
func (e *RateLimitError) Classification() string { return string(KindRateLimit) }

// TransientBackendError is a recoverable failure; the run moves on to
// the next iteration.
type TransientBackendError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *TransientBackendError) Error() string {
	return formatBackendError("transient", e.Reason, e.Message, e.Err)
}

func (e *TransientBackendError) Unwrap() error   { return e.Err }
func (e *TransientBackendError) Kind() ErrorKind { return KindTransient }
func (e *TransientBackendError) Classification() string {
	return classificationKey(KindTransient, e.Reason)
}

// FatalBackendError ends the run.
type FatalBackendError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *FatalBackendError) Error() string {
	return formatBackendError("fatal", e.Reason, e.Message, e.Err)
}

func (e *FatalBackendError) Unwrap() error   { return e.Err }
func (e *FatalBackendError) Kind() ErrorKind { return KindFatal }
func (e *FatalBackendError) Classification() string {
	return classificationKey(KindFatal, e.Reason)
}

// CancellationError reports an external abort.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution cancelled: %v", e.Cause)
	}
	return "execution cancelled"
}

func (e *CancellationError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return context.Canceled
}

func (e *CancellationError) Kind() ErrorKind        { return KindCancellation }
func (e *CancellationError) Classification() string { return string(KindCancellation) }

func formatBackendError(prefix string, reason Reason, msg string, err error) string {
	var sb strings.Builder
	sb.WriteString(prefix + " backend error")
	if reason != "" {
		sb.WriteString(" (" + string(reason) + ")")
	}
	if msg != "" {
		sb.WriteString(": " + msg)
	}
	if err != nil {
		sb.WriteString(fmt.Sprintf(": %v", err))
	}
	return sb.String()
}

func classificationKey(kind ErrorKind, reason Reason) string {
	if reason == "" {
		reason = ReasonUnknown
	}
	return string(kind) + ":" + string(reason)
}

// IsRateLimit checks if the error is or wraps a RateLimitError.
func IsRateLimit(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsTransient checks if the error is or wraps a TransientBackendError.
func IsTransient(err error) bool {
	var e *TransientBackendError
	return errors.As(err, &e)
}

// IsFatal checks if the error is or wraps a FatalBackendError.
func IsFatal(err error) bool {
	var e *FatalBackendError
	return errors.As(err, &e)
}

// IsConfiguration checks if the error is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// IsValidation checks if the error is or wraps a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// AsClassified returns the first ClassifiedError in err's chain.
func AsClassified(err error) (ClassifiedError, bool) {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IterationError is the immutable record of a classified failure stored
// on an IterationResult.
type IterationError struct {
	Kind           ErrorKind `json:"kind"`
	Classification string    `json:"classification"`
	Message        string    `json:"message"`
}

// NewIterationError snapshots a classified error.
func NewIterationError(err ClassifiedError) *IterationError {
	if err == nil {
		return nil
	}
	return &IterationError{
		Kind:           err.Kind(),
		Classification: err.Classification(),
		Message:        err.Error(),
	}
}

func (e *IterationError) Error() string { return e.Message }

func itoa(n int) string { return strconv.Itoa(n) }
