package engine

import (
	"encoding/json"
	"fmt"
)

// ConvergenceStatus is the per-binding convergence state.
type ConvergenceStatus string

const (
	// StatusUninitialized indicates a record that has not yet accepted a desired state.
	StatusUninitialized ConvergenceStatus = "UNINITIALIZED"

	// StatusPendingDNSValidation indicates the authorization and validation
	// records are not yet observed at their required scopes.
	StatusPendingDNSValidation ConvergenceStatus = "PENDING_DNS_VALIDATION"

	// StatusPendingCertificateIssuance indicates validation records are in place
	// and the authority has not yet reported the certificate as issued.
	StatusPendingCertificateIssuance ConvergenceStatus = "PENDING_CERTIFICATE_ISSUANCE"

	// StatusPendingEdgePropagation indicates the certificate is issued and the
	// edge (aliases, certificate attachment, routing) is converging.
	StatusPendingEdgePropagation ConvergenceStatus = "PENDING_EDGE_PROPAGATION"

	// StatusAvailable indicates every desired field is observed on every resource.
	StatusAvailable ConvergenceStatus = "AVAILABLE"

	// StatusBlocked indicates a permanent conflict that needs an operator.
	StatusBlocked ConvergenceStatus = "BLOCKED"

	// StatusFailed indicates the binding did not converge within the wall-clock timeout.
	StatusFailed ConvergenceStatus = "FAILED"
)

// AllStatuses lists every convergence status in forward order followed by side states.
var AllStatuses = []ConvergenceStatus{
	StatusUninitialized,
	StatusPendingDNSValidation,
	StatusPendingCertificateIssuance,
	StatusPendingEdgePropagation,
	StatusAvailable,
	StatusBlocked,
	StatusFailed,
}

// rank orders the forward path. Side states rank below zero.
func (s ConvergenceStatus) rank() int {
	switch s {
	case StatusUninitialized:
		return 0
	case StatusPendingDNSValidation:
		return 1
	case StatusPendingCertificateIssuance:
		return 2
	case StatusPendingEdgePropagation:
		return 3
	case StatusAvailable:
		return 4
	default:
		return -1
	}
}

// IsTerminal returns true for the side states that stop automated reconciliation.
func (s ConvergenceStatus) IsTerminal() bool {
	return s == StatusBlocked || s == StatusFailed
}

// IsPending returns true while the binding is on the forward path towards AVAILABLE.
func (s ConvergenceStatus) IsPending() bool {
	return s == StatusPendingDNSValidation || s == StatusPendingCertificateIssuance ||
		s == StatusPendingEdgePropagation
}

// Before reports whether s precedes other on the forward path.
func (s ConvergenceStatus) Before(other ConvergenceStatus) bool {
	return s.rank() >= 0 && other.rank() >= 0 && s.rank() < other.rank()
}

// CanTransitionTo reports whether the loop may move a binding from s to next.
// Forward moves and moves into BLOCKED or FAILED are allowed; nothing leaves
// a side state except an operator resubmission.
func (s ConvergenceStatus) CanTransitionTo(next ConvergenceStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return s.Before(next)
}

// Validate checks if the status is valid.
func (s ConvergenceStatus) Validate() error {
	for _, known := range AllStatuses {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid convergence status: %s", s)
}

// MarshalJSON implements json.Marshaler.
func (s ConvergenceStatus) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ConvergenceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ConvergenceStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// ParseStatus parses a status name case-sensitively.
func ParseStatus(name string) (ConvergenceStatus, error) {
	s := ConvergenceStatus(name)
	return s, s.Validate()
}

// CertificateStatus is the normalized certificate state reported by an authority.
type CertificateStatus string

const (
	CertificatePendingValidation CertificateStatus = "PENDING_VALIDATION"
	CertificateIssued            CertificateStatus = "ISSUED"
	CertificateFailed            CertificateStatus = "FAILED"
	CertificateValidationTimeout CertificateStatus = "VALIDATION_TIMED_OUT"
	CertificateRevoked           CertificateStatus = "REVOKED"
	CertificateInactive          CertificateStatus = "INACTIVE"
)

// IsIssued returns true if the certificate may be attached to an edge.
func (c CertificateStatus) IsIssued() bool {
	return c == CertificateIssued
}

// IsFailed returns true if the authority will never issue this certificate.
func (c CertificateStatus) IsFailed() bool {
	return c == CertificateFailed || c == CertificateValidationTimeout ||
		c == CertificateRevoked || c == CertificateInactive
}

// EdgeStatus is the deployment state of a CDN distribution.
type EdgeStatus string

const (
	EdgeDeployed   EdgeStatus = "Deployed"
	EdgeInProgress EdgeStatus = "InProgress"
)

// PlatformStatus is the normalized state of a platform domain binding.
type PlatformStatus string

const (
	PlatformPendingVerification PlatformStatus = "PENDING_VERIFICATION"
	PlatformPendingDeployment   PlatformStatus = "PENDING_DEPLOYMENT"
	PlatformInProgress          PlatformStatus = "IN_PROGRESS"
	PlatformUpdating            PlatformStatus = "UPDATING"
	PlatformAvailable           PlatformStatus = "AVAILABLE"
	PlatformFailed              PlatformStatus = "FAILED"
)

// IsBusy returns true while the platform will reject mutations.
func (p PlatformStatus) IsBusy() bool {
	return p == PlatformInProgress || p == PlatformUpdating || p == PlatformPendingDeployment
}

// OperationKind identifies a single proposed change against one provider.
type OperationKind string

const (
	OpAddRootCAA              OperationKind = "AddRootCAA"
	OpAddCAA                  OperationKind = "AddCAA"
	OpRequestCertificate      OperationKind = "RequestCertificate"
	OpCreateValidationRecord  OperationKind = "CreateValidationRecord"
	OpCreateDistribution      OperationKind = "CreateDistribution"
	OpAttachCertificateToEdge OperationKind = "AttachCertificateToEdge"
	OpAddAlias                OperationKind = "AddAlias"
	OpCreatePlatformBinding   OperationKind = "CreatePlatformBinding"
	OpUpdatePlatformBinding   OperationKind = "UpdatePlatformBinding"
	OpRecreatePlatformBinding OperationKind = "RecreatePlatformBinding"
	OpPublishRoutingRecord    OperationKind = "PublishRoutingRecord"

	OpDeleteRoutingRecord    OperationKind = "DeleteRoutingRecord"
	OpRemoveAlias            OperationKind = "RemoveAlias"
	OpDetachCertificate      OperationKind = "DetachCertificate"
	OpDeleteDistribution     OperationKind = "DeleteDistribution"
	OpDeleteValidationRecord OperationKind = "DeleteValidationRecord"
	OpDeletePlatformBinding  OperationKind = "DeletePlatformBinding"
	OpDeleteCertificate      OperationKind = "DeleteCertificate"
)

// ResourceKind returns the resource kind the operation targets.
func (k OperationKind) ResourceKind() ResourceKind {
	switch k {
	case OpAddRootCAA, OpAddCAA, OpCreateValidationRecord, OpPublishRoutingRecord,
		OpDeleteRoutingRecord, OpDeleteValidationRecord:
		return KindDNSRecord
	case OpRequestCertificate, OpDeleteCertificate:
		return KindCertificate
	case OpCreateDistribution, OpAttachCertificateToEdge, OpAddAlias, OpRemoveAlias, OpDetachCertificate,
		OpDeleteDistribution:
		return KindEdgeAlias
	case OpCreatePlatformBinding, OpUpdatePlatformBinding, OpRecreatePlatformBinding, OpDeletePlatformBinding:
		return KindPlatformBinding
	default:
		return ""
	}
}

// IsTeardown returns true for the reverse operations issued by a teardown.
func (k OperationKind) IsTeardown() bool {
	switch k {
	case OpDeleteRoutingRecord, OpRemoveAlias, OpDetachCertificate, OpDeleteDistribution,
		OpDeleteValidationRecord, OpDeletePlatformBinding, OpDeleteCertificate:
		return true
	default:
		return false
	}
}

// Validate checks if the operation kind is known.
func (k OperationKind) Validate() error {
	if k.ResourceKind() == "" {
		return fmt.Errorf("invalid operation kind: %s", k)
	}
	return nil
}
