package policy

import (
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Severity of a violation. Error and critical deny admission.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is one Rego module. The module defines a "deny" set whose members
// are strings, or objects with "message" and optional "severity" and
// "remediation" keys.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity,omitempty"`
	Enabled     bool     `json:"enabled"`
	Builtin     bool     `json:"-"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was read from; empty for builtins.
	Source string `json:"-"`

	// Bundle names the bundle file that carried the policy, if any.
	Bundle string `json:"-"`
}

// Bundle is a JSON file carrying several policies.
type Bundle struct {
	Name     string   `json:"name"`
	Version  string   `json:"version,omitempty"`
	Policies []Policy `json:"policies"`
}

// PolicyViolation is one member of a policy's deny set.
type PolicyViolation struct {
	Policy      string   `json:"policy"`
	BindingID   string   `json:"binding_id,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// PolicyResult is the outcome of evaluating every enabled policy against one
// desired state.
type PolicyResult struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings name policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	Evaluated []string      `json:"evaluated"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Blocking returns the violations that deny admission.
func (r *PolicyResult) Blocking() []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// PolicyInput is the "input" document every policy sees.
type PolicyInput struct {
	Desired *engine.DesiredState `json:"desired"`

	// Operation is "admit" during reconciliation and "validate" from the CLI.
	Operation string    `json:"operation"`
	Now       time.Time `json:"now"`
}
