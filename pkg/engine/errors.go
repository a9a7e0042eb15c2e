package engine

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass decides what the reconciler does with a failed provider call.
type ErrorClass string

const (
	// Network failures and timeouts. Retried with backoff.
	ErrorClassTransient ErrorClass = "transient"

	// Vendor rate limiting. Retried like a busy resource.
	ErrorClassThrottled ErrorClass = "throttled"

	// Stale version token. The operation is re-read and recomputed, never
	// replayed.
	ErrorClassConflict ErrorClass = "conflict"

	// The resource is mid-change on the vendor side, such as a distribution
	// still deploying. Retried with backoff.
	ErrorClassBusy ErrorClass = "busy"

	// Quota, policy or payload errors. The binding is blocked.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a provider or engine failure tagged with an ErrorClass and
// a stable code.
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Err       error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		b.WriteString(" (resource=" + e.Resource + ", operation=" + e.Operation + ")")
	case e.Resource != "":
		b.WriteString(" (resource=" + e.Resource + ")")
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so
// errors.Is(err, &EngineError{Class: ErrorClassBusy, Code: ErrCodeBusy})
// works as a sentinel test.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// Reason is the message shown to operators for a blocked binding, without
// the class prefix or the wrapped cause.
func (e *EngineError) Reason() string {
	return e.Message
}

func classified(class ErrorClass, code, msg string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: msg, Err: err}
}

func NewTransientError(msg string, err error) *EngineError {
	return classified(ErrorClassTransient, ErrCodeNetwork, msg, err)
}

func NewThrottledError(msg string, err error) *EngineError {
	return classified(ErrorClassThrottled, ErrCodeRateLimited, msg, err)
}

// NewConflictError records the provider's current version token, when
// known, under DetailCurrentVersion.
func NewConflictError(msg, currentVersion string, err error) *EngineError {
	e := classified(ErrorClassConflict, ErrCodeConflict, msg, err)
	if currentVersion != "" {
		e.WithDetail(DetailCurrentVersion, currentVersion)
	}
	return e
}

// NewBusyError keeps the vendor's reason as the message.
func NewBusyError(reason string, err error) *EngineError {
	return classified(ErrorClassBusy, ErrCodeBusy, reason, err)
}

// NewPermanentError has no code; callers add one with WithCode.
func NewPermanentError(msg string, err error) *EngineError {
	return classified(ErrorClassPermanent, "", msg, err)
}

// NewNotFoundError is what adapters return from Read for an absent resource.
func NewNotFoundError(ref ResourceRef) *EngineError {
	e := classified(ErrorClassPermanent, ErrCodeNotFound, "resource not found", nil)
	e.Resource = ref.Key()
	return e
}

func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// AsEngineError finds the EngineError in err's chain. Anything unclassified
// is treated as transient; a deadline gets ErrCodeTimeout.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("provider call timed out", err).WithCode(ErrCodeTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError("network error", err)
	}
	return NewTransientError("unclassified provider error", err)
}

// CurrentVersion returns the version token carried by a conflict, or "".
func CurrentVersion(err error) string {
	var e *EngineError
	if !errors.As(err, &e) {
		return ""
	}
	v, _ := e.Details[DetailCurrentVersion].(string)
	return v
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return classOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool  { return classOf(err) == ErrorClassConflict }
func IsBusy(err error) bool      { return classOf(err) == ErrorClassBusy }
func IsPermanent(err error) bool { return classOf(err) == ErrorClassPermanent }

func IsNotFound(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeNotFound
}

// IsRetryable reports whether the reconciler retries err on a later tick
// instead of blocking the binding.
func IsRetryable(err error) bool {
	switch classOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict, ErrorClassBusy:
		return true
	}
	return false
}

// DetailCurrentVersion is the Details key of a conflict's version token.
const DetailCurrentVersion = "current_version"

// Error codes recorded on blocked bindings and in metrics.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONCURRENCY_CONFLICT"
	ErrCodeBusy               = "RESOURCE_BUSY"
	ErrCodeValidationPending  = "VALIDATION_PENDING"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeProviderFailed     = "PROVIDER_FAILED"
	ErrCodeAttemptsExhausted  = "ATTEMPTS_EXHAUSTED"
	ErrCodeConvergenceTimeout = "CONVERGENCE_TIMEOUT"
)
