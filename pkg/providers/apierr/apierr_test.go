package apierr

import (
	"errors"
	"testing"

	"github.com/sitebind/sitebind/pkg/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		f     Failure
		class engine.ErrorClass
		code  string
	}{
		{"throttled by status", Failure{Vendor: "acm", Status: 429}, engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"throttled by code", Failure{Vendor: "alidns", Code: "Throttling.User", Status: 400}, engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"request limit is not a quota", Failure{Vendor: "dnspod", Code: "RequestLimitExceeded"}, engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"precondition", Failure{Vendor: "cloudfront", Code: "PreconditionFailed", Status: 412}, engine.ErrorClassConflict, engine.ErrCodeConflict},
		{"in use", Failure{Vendor: "acm", Code: "ResourceInUseException", Status: 400}, engine.ErrorClassBusy, engine.ErrCodeBusy},
		{"not disabled", Failure{Vendor: "cloudfront", Code: "DistributionNotDisabled", Status: 409}, engine.ErrorClassBusy, engine.ErrCodeBusy},
		{"not found", Failure{Vendor: "amplify", Code: "NotFoundException", Status: 404}, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"no such", Failure{Vendor: "cloudfront", Code: "NoSuchDistribution"}, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"denied", Failure{Vendor: "dns", Code: "AuthFailure.SignatureFailure"}, engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"forbidden", Failure{Vendor: "dns", Status: 403}, engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"quota", Failure{Vendor: "acm", Code: "LimitExceededException", Status: 400}, engine.ErrorClassPermanent, engine.ErrCodeQuotaExceeded},
		{"server", Failure{Vendor: "cas", Code: "ServiceUnavailable", Status: 503}, engine.ErrorClassTransient, engine.ErrCodeProviderFailed},
		{"bad request", Failure{Vendor: "cas", Code: "InvalidParameter", Status: 400}, engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
		{"network", Failure{Vendor: "cas", Err: errors.New("connection reset")}, engine.ErrorClassTransient, engine.ErrCodeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.f)
			if e.Class != tt.class {
				t.Errorf("Expected class %s, got %s", tt.class, e.Class)
			}
			if e.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, e.Code)
			}
		})
	}
}

func TestClassify_Message(t *testing.T) {
	e := WithResource(Failure{Vendor: "alidns", Code: "DomainRecordDuplicate", Message: "The DNS record already exists.", Status: 400}, "dns_record:shop.example.com:CNAME")
	if e.Message != "alidns: DomainRecordDuplicate: The DNS record already exists." {
		t.Errorf("Unexpected message: %s", e.Message)
	}
	if e.Resource != "dns_record:shop.example.com:CNAME" {
		t.Errorf("Unexpected resource: %s", e.Resource)
	}
	if !engine.IsNotFound(Classify(Failure{Vendor: "acm", Code: "ResourceNotFoundException"})) {
		t.Error("Expected a not-found error")
	}
}
