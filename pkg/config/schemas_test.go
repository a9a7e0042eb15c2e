package config

import (
	"context"
	"testing"

	"github.com/sitebind/sitebind/pkg/engine"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Label: {
	key:   string & =~"^[a-z]+$"
	value: string
}
`

	if err := sr.RegisterSchema("label", "#Label", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("label")
	if !ok {
		t.Fatal("expected to find label schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.ValidateAgainstSchema(context.Background(), "label", map[string]string{"key": "env", "value": "prod"}); err != nil {
		t.Errorf("expected a valid label, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "label", map[string]string{"key": "Env", "value": "prod"}); err == nil {
		t.Error("expected an invalid key to be rejected")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#Broken", "#Broken: {"); err == nil {
		t.Error("expected a syntax error")
	}
	if err := sr.RegisterSchema("missing", "#Missing", "#Other: string"); err == nil {
		t.Error("expected a missing definition error")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", struct{}{}); err == nil {
		t.Error("expected an unknown schema error")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()
	_ = sr.RegisterSchema("another", "#A", "#A: string")

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != "another" || names[1] != SchemaDesiredState {
		t.Errorf("unexpected schemas %v", names)
	}
}

func TestSchemaRegistry_DesiredState(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := func() engine.DesiredState {
		d := engine.DesiredState{
			Domain:             "shop.example.com",
			Aliases:            []string{"shop.example.com"},
			CertificateDomains: []string{"shop.example.com"},
			Distribution:       engine.DistributionTarget{ID: "E2QWRUHAPOMQZL"},
		}
		d.Normalize()
		return d
	}

	tests := []struct {
		name    string
		mutate  func(*engine.DesiredState)
		wantErr bool
	}{
		{"valid", func(*engine.DesiredState) {}, false},
		{"with platform", func(d *engine.DesiredState) {
			d.Platform = &engine.PlatformTarget{AppID: "d1abc", Branch: "main"}
		}, false},
		{"no aliases", func(d *engine.DesiredState) { d.Aliases = nil }, true},
		{"bad hostname", func(d *engine.DesiredState) { d.Aliases = []string{"not a host"} }, true},
		{"unknown tls version", func(d *engine.DesiredState) { d.MinTLSVersion = "TLSv9" }, true},
		{"ttl too low", func(d *engine.DesiredState) { d.RoutingTTL = 5 }, true},
		{"caa flags out of range", func(d *engine.DesiredState) { d.CAA.Flags = 300 }, true},
		{"empty platform branch", func(d *engine.DesiredState) {
			d.Platform = &engine.PlatformTarget{AppID: "d1abc"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			err := sr.ValidateAgainstSchema(ctx, SchemaDesiredState, d)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
