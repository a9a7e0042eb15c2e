package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func compliantState() *engine.DesiredState {
	d := &engine.DesiredState{
		Domain:             "shop.example.com",
		Aliases:            []string{"shop.example.com", "www.shop.example.com"},
		CertificateDomains: []string{"shop.example.com", "*.shop.example.com"},
		Distribution:       engine.DistributionTarget{ID: "E2QWRUHEXAMPLE"},
		Labels:             map[string]string{"owner": "storefront"},
	}
	d.Normalize()
	return d
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{PolicyAliasCoverage, PolicyCAAIssuer, PolicyMinimumTLS, PolicyRequiredLabels, PolicyRoutingTTL}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("Policy %d: expected %s, got %s", i, want[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluate(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		mutate        func(d *engine.DesiredState)
		expectAllowed bool
		expectPolicy  string
	}{
		{
			name:          "compliant",
			mutate:        func(d *engine.DesiredState) {},
			expectAllowed: true,
		},
		{
			name:          "unapproved issuer",
			mutate:        func(d *engine.DesiredState) { d.CAA.Issuer = "ca.example.net" },
			expectAllowed: false,
			expectPolicy:  PolicyCAAIssuer,
		},
		{
			name:          "weak tls",
			mutate:        func(d *engine.DesiredState) { d.MinTLSVersion = "TLSv1_2016" },
			expectAllowed: false,
			expectPolicy:  PolicyMinimumTLS,
		},
		{
			name: "alias outside certificate",
			mutate: func(d *engine.DesiredState) {
				d.CertificateDomains = []string{"shop.example.com"}
			},
			expectAllowed: false,
			expectPolicy:  PolicyAliasCoverage,
		},
		{
			name: "wildcard covers one label only",
			mutate: func(d *engine.DesiredState) {
				d.Aliases = append(d.Aliases, "a.b.shop.example.com")
			},
			expectAllowed: false,
			expectPolicy:  PolicyAliasCoverage,
		},
		{
			name:          "long routing ttl warns",
			mutate:        func(d *engine.DesiredState) { d.RoutingTTL = 7200 },
			expectAllowed: true,
			expectPolicy:  PolicyRoutingTTL,
		},
		{
			name:          "missing owner warns",
			mutate:        func(d *engine.DesiredState) { d.Labels = nil },
			expectAllowed: true,
			expectPolicy:  PolicyRequiredLabels,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := compliantState()
			tt.mutate(d)

			result, err := eng.Evaluate(context.Background(), d)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if len(result.Warnings) > 0 {
				t.Errorf("Unexpected evaluation warnings: %v", result.Warnings)
			}
			if len(result.Evaluated) != 5 {
				t.Errorf("Expected 5 evaluated policies, got %d", len(result.Evaluated))
			}

			if tt.expectPolicy == "" {
				if len(result.Violations) != 0 {
					t.Errorf("Expected no violations, got %+v", result.Violations)
				}
				return
			}
			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.expectPolicy {
					found = true
					if v.BindingID != d.Domain {
						t.Errorf("Expected binding %s, got %s", d.Domain, v.BindingID)
					}
					if v.Message == "" {
						t.Error("Violation has no message")
					}
				}
			}
			if !found {
				t.Errorf("Expected a %s violation, got %+v", tt.expectPolicy, result.Violations)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Admit(ctx, compliantState()); err != nil {
		t.Fatalf("Compliant state should be admitted: %v", err)
	}

	warned := compliantState()
	warned.Labels = nil
	if err := eng.Admit(ctx, warned); err != nil {
		t.Fatalf("Warnings should not deny admission: %v", err)
	}

	denied := compliantState()
	denied.MinTLSVersion = "TLSv1"
	err := eng.Admit(ctx, denied)
	if err == nil {
		t.Fatal("Expected a denial")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Denial should be permanent: %v", err)
	}
	ee := engine.AsEngineError(err)
	if ee.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, ee.Code)
	}
	if !strings.Contains(ee.Message, "TLSv1") {
		t.Errorf("Denial should name the version: %s", ee.Message)
	}
	if _, ok := ee.Details[PolicyMinimumTLS]; !ok {
		t.Errorf("Denial should carry the policy in its details: %v", ee.Details)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	d := compliantState()
	d.CAA.Issuer = "ca.example.net"

	if err := eng.DisablePolicy(PolicyCAAIssuer); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.Admit(ctx, d); err != nil {
		t.Fatalf("Disabled policy should not deny: %v", err)
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	p, err := eng.GetPolicy(PolicyCAAIssuer)
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("Policy should stay disabled across reloads")
	}

	if err := eng.EnablePolicy(PolicyCAAIssuer); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.Admit(ctx, d); err == nil {
		t.Error("Re-enabled policy should deny")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("Expected an error for an unknown policy")
	}
}

const productionPolicy = `# Production bindings must create their own distribution.
# severity: error
package custom.production

import rego.v1

deny contains msg if {
	input.desired.labels.env == "production"
	not input.desired.distribution.create
	msg := "production bindings need a dedicated distribution"
}
`

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "production.rego"), []byte(productionPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("production")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity from header, got %s", p.Severity)
	}
	if p.Description != "Production bindings must create their own distribution." {
		t.Errorf("Unexpected description: %q", p.Description)
	}

	d := compliantState()
	d.Labels["env"] = "production"
	err = eng.Admit(ctx, d)
	if err == nil {
		t.Fatal("Custom policy should deny")
	}
	if !strings.Contains(err.Error(), "dedicated distribution") {
		t.Errorf("Unexpected denial: %v", err)
	}
}

func TestLoadPolicies_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"invalid rego", "broken.rego", "package broken\n\ndeny contains msg if {\n"},
		{"shadows builtin", PolicyMinimumTLS + ".rego", "package shadow\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("Failed to write policy: %v", err)
			}
			if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
				t.Fatal("Expected an error")
			}
			if len(eng.ListPolicies()) != 5 {
				t.Error("Built-in policies should be unchanged")
			}
		})
	}
}

func TestReplaceCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := []Policy{{
		Name:     "production",
		Rego:     productionPolicy,
		Severity: SeverityError,
		Enabled:  true,
	}}
	if err := eng.ReplaceCustomPolicies(ctx, custom); err != nil {
		t.Fatalf("ReplaceCustomPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 6 {
		t.Fatalf("Expected 6 policies, got %d", len(eng.ListPolicies()))
	}

	broken := []Policy{{Name: "broken", Rego: "package broken\ndeny contains", Enabled: true}}
	if err := eng.ReplaceCustomPolicies(ctx, broken); err == nil {
		t.Fatal("Expected a compile error")
	}
	if _, err := eng.GetPolicy("production"); err != nil {
		t.Error("A failed replace should keep the previous set")
	}

	if err := eng.ReplaceCustomPolicies(ctx, nil); err != nil {
		t.Fatalf("ReplaceCustomPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected only built-in policies, got %d", len(eng.ListPolicies()))
	}
}
