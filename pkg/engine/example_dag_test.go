package engine_test

import (
	"fmt"
	"log"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Example_dagOrdering shows how operations of one pass are ordered.
func Example_dagOrdering() {
	op := func(id string, kind engine.OperationKind, deps ...string) *engine.Operation {
		return &engine.Operation{ID: id, Kind: kind, DependsOn: deps}
	}

	// Operations of a binding whose CAA record is missing
	ops := []*engine.Operation{
		op("route", engine.OpPublishRoutingRecord, "attach", "alias"),
		op("alias", engine.OpAddAlias, "attach"),
		op("validation", engine.OpCreateValidationRecord, "cert"),
		op("attach", engine.OpAttachCertificateToEdge, "cert"),
		op("cert", engine.OpRequestCertificate, "caa"),
		op("caa", engine.OpAddRootCAA),
	}

	builder := engine.NewDAGBuilder()
	ordered, err := builder.Order(ops)
	if err != nil {
		log.Fatalf("Failed to order operations: %v", err)
	}

	for level, ids := range builder.Levels() {
		fmt.Printf("Level %d: %v\n", level, ids)
	}
	fmt.Println("First:", ordered[0].Kind)

	// Output:
	// Level 0: [caa]
	// Level 1: [cert]
	// Level 2: [validation attach]
	// Level 3: [alias]
	// Level 4: [route]
	// First: AddRootCAA
}

// Example_cycleDetection shows that a cyclic plan is rejected as permanent.
func Example_cycleDetection() {
	ops := []*engine.Operation{
		{ID: "a", Kind: engine.OpAddAlias, DependsOn: []string{"b"}},
		{ID: "b", Kind: engine.OpAttachCertificateToEdge, DependsOn: []string{"a"}},
	}

	_, err := engine.NewDAGBuilder().Order(ops)
	fmt.Println("permanent:", engine.IsPermanent(err))

	// Output:
	// permanent: true
}
