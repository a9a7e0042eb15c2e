// Package engine provides the desired-state convergence core of sitebind.
//
// # Overview
//
// A binding ties a domain to its DNS records, a TLS certificate and a CDN
// distribution or hosting platform association. Operators submit a
// DesiredState; the engine reads the observed state of every resource through
// provider adapters, computes the operations that close the gap and applies
// them in dependency order, tick after tick, until the binding is AVAILABLE,
// BLOCKED or FAILED.
//
// # Convergence Status
//
// Bindings move forward only:
//
//	UNINITIALIZED -> PENDING_DNS_VALIDATION -> PENDING_CERTIFICATE_ISSUANCE
//	              -> PENDING_EDGE_PROPAGATION -> AVAILABLE
//
// with the side states BLOCKED (needs an operator) and FAILED (timed out).
// Only a resubmission or a forced retry leaves a side state.
//
// # Components
//
//   - Provider: read/apply contract implemented by every adapter
//   - DiffEngine: compares desired and observed state and produces a Plan
//   - ConflictResolver: classifies apply failures into retry, backoff, block or wait
//   - Reconciler: runs read-diff-apply passes for one binding per tick
//   - Scheduler: ticks due bindings on a bounded worker pool
//   - Reporter: read-only projections for operators and health checks
//   - BindingStore: durable, compare-and-swap persistence of binding records
//
// # Error Handling
//
// Adapters return *EngineError values carrying a class (transient,
// throttled, conflict, busy, permanent) and a code:
//
//	if engine.IsConflict(err) {
//	    version := engine.CurrentVersion(err)
//	    // re-read and recompute
//	}
//
// # Usage
//
//	providers := engine.NewProviderSet(dns, acm, cloudfront)
//	r := engine.NewReconciler(store, providers, engine.DefaultOptions())
//	if _, err := r.Submit(ctx, desired); err != nil {
//	    return err
//	}
//	sched := engine.NewScheduler(r, store, 8, 30*time.Second)
//	return sched.Run(ctx)
package engine
