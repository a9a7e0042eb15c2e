package engine

import (
	"strings"
	"testing"
)

func testOp(id string, kind OperationKind, deps ...string) *Operation {
	return &Operation{ID: id, Kind: kind, Target: ResourceRef{Kind: kind.ResourceKind(), ID: id}, DependsOn: deps}
}

func TestDAGBuilder_Order_Empty(t *testing.T) {
	ordered, err := NewDAGBuilder().Order(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty operations, got: %v", err)
	}
	if len(ordered) != 0 {
		t.Errorf("Expected 0 operations, got %d", len(ordered))
	}
}

func TestDAGBuilder_Order_LinearDependencies(t *testing.T) {
	ops := []*Operation{
		testOp("route", OpPublishRoutingRecord, "alias"),
		testOp("alias", OpAddAlias, "attach"),
		testOp("attach", OpAttachCertificateToEdge),
	}

	builder := NewDAGBuilder()
	ordered, err := builder.Order(ops)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"attach", "alias", "route"}
	for i, op := range ordered {
		if op.ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], op.ID)
		}
	}
	if len(builder.Levels()) != 3 {
		t.Errorf("Expected 3 levels, got %d", len(builder.Levels()))
	}
}

func TestDAGBuilder_Order_ParallelKeepsInsertionOrder(t *testing.T) {
	ops := []*Operation{
		testOp("caa-b", OpAddCAA),
		testOp("caa-a", OpAddCAA),
		testOp("cert", OpRequestCertificate, "caa-a", "caa-b"),
	}

	builder := NewDAGBuilder()
	ordered, err := builder.Order(ops)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := builder.Levels()
	if len(levels) != 2 {
		t.Fatalf("Expected 2 levels, got %d", len(levels))
	}
	if len(levels[0]) != 2 || levels[0][0] != "caa-b" || levels[0][1] != "caa-a" {
		t.Errorf("Expected first level [caa-b caa-a], got %v", levels[0])
	}
	if ordered[2].ID != "cert" {
		t.Errorf("Expected cert last, got %s", ordered[2].ID)
	}
}

func TestDAGBuilder_Order_Diamond(t *testing.T) {
	ops := []*Operation{
		testOp("cert", OpRequestCertificate),
		testOp("attach", OpAttachCertificateToEdge, "cert"),
		testOp("platform", OpCreatePlatformBinding, "cert"),
		testOp("route", OpPublishRoutingRecord, "attach", "platform"),
	}

	builder := NewDAGBuilder()
	if _, err := builder.Order(ops); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := builder.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	if len(levels[1]) != 2 {
		t.Errorf("Expected 2 operations at level 1, got %d", len(levels[1]))
	}
}

func TestDAGBuilder_DetectCycles(t *testing.T) {
	ops := []*Operation{
		testOp("a", OpAddAlias, "c"),
		testOp("b", OpAttachCertificateToEdge, "a"),
		testOp("c", OpPublishRoutingRecord, "b"),
	}

	_, err := NewDAGBuilder().Order(ops)
	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency error, got: %v", err)
	}
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
}

func TestDAGBuilder_InvalidDependency(t *testing.T) {
	ops := []*Operation{testOp("a", OpAddAlias, "missing")}

	_, err := NewDAGBuilder().Order(ops)
	if err == nil {
		t.Fatal("Expected error for missing dependency")
	}
	if !strings.Contains(err.Error(), "non-existent") {
		t.Errorf("Expected non-existent dependency error, got: %v", err)
	}
}

func TestDAGBuilder_DuplicateIDs(t *testing.T) {
	ops := []*Operation{testOp("a", OpAddAlias), testOp("a", OpAddAlias)}

	_, err := NewDAGBuilder().Order(ops)
	if err == nil {
		t.Fatal("Expected error for duplicate IDs")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate ID error, got: %v", err)
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	ops := []*Operation{
		testOp("cert", OpRequestCertificate),
		testOp("attach", OpAttachCertificateToEdge, "cert"),
	}

	builder := NewDAGBuilder()
	if _, err := builder.Order(ops); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph Operations", "\"cert\" -> \"attach\"", "lightyellow", "lightblue"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}
