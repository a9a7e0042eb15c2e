// Package apierr maps vendor API failures onto engine error classes.
package apierr

import (
	"fmt"
	"strings"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Failure is a vendor API error reduced to what classification needs.
type Failure struct {
	// Vendor names the API, e.g. "alidns".
	Vendor string

	// Code is the vendor error code, e.g. "Throttling.User".
	Code string

	// Status is the HTTP status, zero when no response was received.
	Status int

	// Message is the vendor message, kept verbatim.
	Message string

	// Err is the original error.
	Err error
}

// Classify returns the engine error for a vendor failure. The checks run in
// order; the first match wins.
func Classify(f Failure) *engine.EngineError {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Code != "" {
		msg = fmt.Sprintf("%s: %s: %s", f.Vendor, f.Code, msg)
	} else {
		msg = fmt.Sprintf("%s: %s", f.Vendor, msg)
	}

	code := strings.ToLower(f.Code)
	has := func(parts ...string) bool {
		for _, p := range parts {
			if strings.Contains(code, p) {
				return true
			}
		}
		return false
	}

	switch {
	case f.Status == 429 || has("throttl", "requestlimitexceeded", "toomanyrequests", "ratelimit"):
		return engine.NewThrottledError(msg, f.Err)
	case f.Status == 412 || has("preconditionfailed", "invalidifmatchversion"):
		return engine.NewConflictError(msg, "", f.Err)
	case has("resourceinuse", "inuse", "notdisabled"):
		return engine.NewBusyError(msg, f.Err)
	case f.Status == 404 || has("notfound", "notexist", "nosuch", "nodataofrecord"):
		return engine.NewPermanentError(msg, f.Err).WithCode(engine.ErrCodeNotFound)
	case f.Status == 401 || f.Status == 403 ||
		has("accessdenied", "forbidden", "unauthorized", "authfailure", "invalidaccesskey", "signaturedoesnotmatch"):
		return engine.NewPermanentError(msg, f.Err).WithCode(engine.ErrCodePermissionDenied)
	case has("limitexceeded", "quota"):
		return engine.NewPermanentError(msg, f.Err).WithCode(engine.ErrCodeQuotaExceeded)
	case f.Status >= 500 || has("internalerror", "serviceunavailable", "internalfailure"):
		return engine.NewTransientError(msg, f.Err).WithCode(engine.ErrCodeProviderFailed)
	case f.Status >= 400 || has("invalid", "missing", "unsupported"):
		return engine.NewPermanentError(msg, f.Err).WithCode(engine.ErrCodeProviderFailed)
	default:
		return engine.NewTransientError(msg, f.Err)
	}
}

// WithResource classifies f and sets the resource when the error has none.
func WithResource(f Failure, resource string) *engine.EngineError {
	e := Classify(f)
	if e.Resource == "" {
		e.Resource = resource
	}
	return e
}
