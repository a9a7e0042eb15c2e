package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/memory"
)

// Example_converge drives one binding to AVAILABLE against the in-memory
// providers, printing the status and applied operations of every tick.
func Example_converge() {
	env := memory.NewEnvironment()
	env.CDN.AddDistribution("E2EXAMPLE", "d111.cdn.memory.test")

	opts := engine.DefaultOptions()
	opts.Clock = env.Clock
	opts.Rand = func() float64 { return 0.5 }
	r := engine.NewReconciler(env.Store, env.Providers(), opts)

	ctx := context.Background()
	rec, err := r.Submit(ctx, engine.DesiredState{
		Domain:             "dev.example.com",
		Aliases:            []string{"dev.example.com"},
		CertificateDomains: []string{"dev.example.com"},
		Distribution:       engine.DistributionTarget{ID: "E2EXAMPLE"},
	})
	if err != nil {
		log.Fatalf("Failed to submit: %v", err)
	}
	fmt.Println(rec.Status)

	for rec.Status != engine.StatusAvailable {
		env.Clock.Set(rec.NextRetryAt)
		res, err := r.Tick(ctx, rec.BindingID)
		if err != nil {
			log.Fatalf("Tick failed: %v", err)
		}
		kinds := make([]engine.OperationKind, 0, len(res.Applied))
		for _, op := range res.Applied {
			kinds = append(kinds, op.Kind)
		}
		fmt.Println(res.To, kinds)

		if rec, err = env.Store.GetBinding(ctx, rec.BindingID); err != nil {
			log.Fatalf("Failed to load binding: %v", err)
		}
	}

	// Output:
	// PENDING_DNS_VALIDATION
	// PENDING_CERTIFICATE_ISSUANCE [AddRootCAA RequestCertificate CreateValidationRecord]
	// PENDING_EDGE_PROPAGATION [AttachCertificateToEdge AddAlias PublishRoutingRecord]
	// AVAILABLE []
}

// Example_errorHandling shows how provider errors are classified.
func Example_errorHandling() {
	resolver := engine.NewConflictResolver(engine.DefaultBackoffPolicy())

	busy := engine.NewBusyError("distribution is deploying", nil).
		WithResource(engine.EdgeRef("E2EXAMPLE").Key()).
		WithOperation(string(engine.OpAttachCertificateToEdge))
	quota := engine.NewPermanentError("certificate limit reached", nil).
		WithCode(engine.ErrCodeQuotaExceeded)

	fmt.Println(resolver.Resolve(busy, false, 0).Action)
	fmt.Println(resolver.Resolve(busy, false, 9).Action)
	fmt.Println(resolver.Resolve(quota, false, 0).Action)
	fmt.Println(engine.IsRetryable(busy), engine.IsRetryable(quota))

	// Output:
	// backoff
	// block
	// block
	// true false
}
