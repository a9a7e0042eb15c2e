package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Options configures a Reconciler.
type Options struct {
	// Backoff is the retry schedule and attempt ceiling.
	Backoff BackoffPolicy

	// TickInterval is the base polling interval of pending bindings.
	TickInterval time.Duration

	// ResyncInterval is the drift-check interval of available bindings.
	ResyncInterval time.Duration

	// ConvergenceTimeout bounds the time from submission to AVAILABLE.
	ConvergenceTimeout time.Duration

	// ProviderTimeout bounds every provider call.
	ProviderTimeout time.Duration

	// MaxPassesPerTick bounds read-diff-apply passes per tick.
	MaxPassesPerTick int

	// ReadConcurrency bounds parallel provider reads within a pass.
	ReadConcurrency int

	// Policy admits desired states. Optional.
	Policy PolicyEvaluator

	// Notifier receives persisted events. Optional.
	Notifier Notifier

	// Recorder receives measurements. Optional.
	Recorder Recorder

	// Clock supplies wall-clock time.
	Clock Clock

	// Rand returns uniform values in [0,1) for jitter.
	Rand func() float64

	// Logger is the component logger.
	Logger zerolog.Logger
}

// DefaultOptions returns the default reconciliation settings.
func DefaultOptions() Options {
	return Options{
		Backoff:            DefaultBackoffPolicy(),
		TickInterval:       30 * time.Second,
		ResyncInterval:     10 * time.Minute,
		ConvergenceTimeout: 2 * time.Hour,
		ProviderTimeout:    12 * time.Second,
		MaxPassesPerTick:   4,
		ReadConcurrency:    8,
		Clock:              SystemClock(),
		Rand:               rand.Float64,
		Logger:             zerolog.Nop(),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Backoff.Base <= 0 {
		o.Backoff = def.Backoff
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = def.ResyncInterval
	}
	if o.ConvergenceTimeout <= 0 {
		o.ConvergenceTimeout = def.ConvergenceTimeout
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = def.ProviderTimeout
	}
	if o.MaxPassesPerTick <= 0 {
		o.MaxPassesPerTick = def.MaxPassesPerTick
	}
	if o.ReadConcurrency <= 0 {
		o.ReadConcurrency = def.ReadConcurrency
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
}

// Reconciler drives bindings towards their desired state. Every entry point
// holds the binding's lock, so at most one reconciliation per binding runs
// in this process; the store's compare-and-swap guards against other processes.
type Reconciler struct {
	store     BindingStore
	providers *ProviderSet
	diff      *DiffEngine
	resolver  *ConflictResolver
	opts      Options
	locks     *KeyedMutex
	tracer    trace.Tracer
	log       zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store BindingStore, providers *ProviderSet, opts Options) *Reconciler {
	opts.applyDefaults()
	return &Reconciler{
		store:     store,
		providers: providers,
		diff:      NewDiffEngine(opts.Clock),
		resolver:  NewConflictResolver(opts.Backoff),
		opts:      opts,
		locks:     NewKeyedMutex(),
		tracer:    otel.Tracer("github.com/sitebind/sitebind/pkg/engine"),
		log:       opts.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Options returns the effective options.
func (r *Reconciler) Options() Options {
	return r.opts
}

// TickResult summarizes one tick of one binding.
type TickResult struct {
	BindingID   string
	Skipped     bool
	SkipReason  string
	From        ConvergenceStatus
	To          ConvergenceStatus
	Applied     []*Operation
	Passes      int
	Reads       int
	Plan        *Plan
	Err         *EngineError
	NextRetryAt time.Time
}

// Submit creates or updates a binding. A new binding enters
// PENDING_DNS_VALIDATION. Resubmitting a BLOCKED or FAILED binding, changed or
// not, re-enters PENDING_DNS_VALIDATION with counters cleared; so does any
// change of the desired state. An unchanged submission of a live binding is a no-op.
func (r *Reconciler) Submit(ctx context.Context, desired DesiredState) (*BindingRecord, error) {
	desired.Normalize()
	if err := desired.Validate(); err != nil {
		return nil, err
	}
	id := desired.Domain
	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.opts.Clock.Now()
	fingerprint := desired.Fingerprint()

	rec, err := r.store.GetBinding(ctx, id)
	if errors.Is(err, ErrBindingNotFound) {
		rec = &BindingRecord{
			BindingID:   id,
			Desired:     desired,
			Fingerprint: fingerprint,
			Status:      StatusUninitialized,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		events := []*BindingEvent{newEvent(id, EventSubmitted, StatusUninitialized, "", "desired state submitted", nil)}
		events = append(events, r.restart(rec, now, false)...)
		if err := r.store.CreateBinding(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create binding %s: %w", id, err)
		}
		r.emit(ctx, events)
		r.log.Info().Str("binding_id", id).Msg("Binding submitted")
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load binding %s: %w", id, err)
	}

	changed := rec.Fingerprint != fingerprint
	terminal := rec.Status.IsTerminal()
	if !changed && !terminal {
		return rec, nil
	}

	if changed {
		if rec.Desired.Distribution.ID != desired.Distribution.ID {
			rec.DistributionRef = ""
		}
		rec.Desired = desired
		rec.Fingerprint = fingerprint
	}
	events := []*BindingEvent{newEvent(id, EventSubmitted, rec.Status, "", "desired state resubmitted",
		map[string]string{"changed": fmt.Sprint(changed)})}
	events = append(events, r.restart(rec, now, terminal)...)
	if err := r.store.UpdateBinding(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update binding %s: %w", id, err)
	}
	r.emit(ctx, events)
	r.log.Info().Str("binding_id", id).Bool("changed", changed).Bool("was_terminal", terminal).
		Msg("Binding resubmitted")
	return rec, nil
}

// ForceRetry re-enters PENDING_DNS_VALIDATION for a BLOCKED or FAILED binding
// and permits one destructive recovery. A live binding is only made due now.
func (r *Reconciler) ForceRetry(ctx context.Context, bindingID string) (*BindingRecord, error) {
	bindingID = NormalizeHost(bindingID)
	unlock := r.locks.Lock(bindingID)
	defer unlock()

	rec, err := r.store.GetBinding(ctx, bindingID)
	if err != nil {
		return nil, err
	}
	now := r.opts.Clock.Now()
	events := []*BindingEvent{newEvent(bindingID, EventForceRetry, rec.Status, "", "operator forced a re-check", nil)}
	if rec.Status.IsTerminal() {
		events = append(events, r.restart(rec, now, true)...)
	} else {
		rec.NextRetryAt = now
	}
	if err := r.store.UpdateBinding(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update binding %s: %w", bindingID, err)
	}
	r.emit(ctx, events)
	return rec, nil
}

func (r *Reconciler) restart(rec *BindingRecord, now time.Time, allowRecreate bool) []*BindingEvent {
	prev := rec.Status
	rec.Status = StatusPendingDNSValidation
	rec.Attempts = 0
	rec.OperationAttempts = nil
	rec.ConsecutiveFailures = 0
	rec.LastError = nil
	rec.NextRetryAt = now
	rec.ConvergenceStartedAt = now
	rec.AllowRecreate = allowRecreate
	rec.UpdatedAt = now

	if prev == rec.Status {
		return nil
	}
	r.opts.Recorder.RecordTransition(string(prev), string(rec.Status))
	return []*BindingEvent{newEvent(rec.BindingID, EventStatusChanged, rec.Status, "",
		fmt.Sprintf("status changed from %s to %s", prev, rec.Status),
		map[string]string{"from": string(prev), "to": string(rec.Status)})}
}

// Plan computes the operations the next tick would apply, without applying them.
func (r *Reconciler) Plan(ctx context.Context, bindingID string) (*Plan, error) {
	rec, err := r.store.GetBinding(ctx, NormalizeHost(bindingID))
	if err != nil {
		return nil, err
	}
	t := r.newTickRun(rec, &TickResult{BindingID: rec.BindingID})
	snap, err := t.observe(ctx)
	if err != nil {
		return nil, err
	}
	return r.diff.Compute(t.diffInput(snap))
}

// Tick reconciles one binding once. Bindings that are not due, terminal or
// uninitialized are skipped.
func (r *Reconciler) Tick(ctx context.Context, bindingID string) (*TickResult, error) {
	bindingID = NormalizeHost(bindingID)
	unlock := r.locks.Lock(bindingID)
	defer unlock()

	ctx, span := r.tracer.Start(ctx, "binding.tick", trace.WithAttributes(
		attribute.String("binding.id", bindingID),
	))
	defer span.End()

	started := time.Now()
	rec, err := r.store.GetBinding(ctx, bindingID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.opts.Recorder.RecordTick(TickResultError, time.Since(started))
		return nil, err
	}

	res := &TickResult{BindingID: bindingID, From: rec.Status, To: rec.Status, NextRetryAt: rec.NextRetryAt}
	now := r.opts.Clock.Now()
	switch {
	case rec.Status.IsTerminal():
		res.Skipped, res.SkipReason = true, fmt.Sprintf("binding is %s", rec.Status)
	case rec.Status == StatusUninitialized:
		res.Skipped, res.SkipReason = true, "binding has no desired state"
	case rec.NextRetryAt.After(now):
		res.Skipped, res.SkipReason = true, "not due until "+rec.NextRetryAt.Format(time.RFC3339)
	}
	if res.Skipped {
		r.opts.Recorder.RecordTick(TickResultSkipped, time.Since(started))
		return res, nil
	}

	t := r.newTickRun(rec.Clone(), res)
	outcome := t.run(ctx, now)

	if ctx.Err() != nil {
		// a cancelled tick leaves the last persisted state untouched
		r.opts.Recorder.RecordTick(TickResultError, time.Since(started))
		return res, ctx.Err()
	}

	t.work.UpdatedAt = r.opts.Clock.Now()
	if err := r.store.UpdateBinding(ctx, t.work); err != nil {
		r.log.Warn().Err(err).Str("binding_id", bindingID).Msg("Dropping tick result")
		r.opts.Recorder.RecordTick(TickResultError, time.Since(started))
		return res, fmt.Errorf("failed to persist binding %s: %w", bindingID, err)
	}
	r.emit(ctx, t.events)

	res.To = t.work.Status
	res.NextRetryAt = t.work.NextRetryAt
	span.SetAttributes(
		attribute.String("binding.status", string(res.To)),
		attribute.Int("binding.applied", len(res.Applied)),
	)
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	r.opts.Recorder.RecordTick(outcome, time.Since(started))
	return res, nil
}

// tickRun holds the in-memory state of one tick. Nothing in it outlives the tick.
type tickRun struct {
	r       *Reconciler
	work    *BindingRecord
	res     *TickResult
	snap    *Snapshot
	applied map[string]bool
	events  []*BindingEvent
	reads   atomic.Int32
	log     zerolog.Logger
}

func (r *Reconciler) newTickRun(rec *BindingRecord, res *TickResult) *tickRun {
	return &tickRun{
		r:       r,
		work:    rec,
		res:     res,
		snap:    NewSnapshot(),
		applied: make(map[string]bool),
		log:     r.log.With().Str("binding_id", rec.BindingID).Logger(),
	}
}

func (t *tickRun) event(typ string, op OperationKind, msg string, data map[string]string) {
	t.events = append(t.events, newEvent(t.work.BindingID, typ, t.work.Status, op, msg, data))
}

// run executes the tick and updates t.work. It returns the tick result label.
func (t *tickRun) run(ctx context.Context, now time.Time) string {
	defer func() { t.res.Reads = int(t.reads.Load()) }()
	prev := t.work.Status
	opts := t.r.opts

	if !t.work.ConvergenceStartedAt.IsZero() && prev != StatusAvailable &&
		now.Sub(t.work.ConvergenceStartedAt) > opts.ConvergenceTimeout {
		err := NewPermanentError(fmt.Sprintf("binding did not converge within %s", opts.ConvergenceTimeout), nil).
			WithCode(ErrCodeConvergenceTimeout)
		t.fail(now, err)
		return TickResultFailed
	}

	if opts.Policy != nil {
		if err := opts.Policy.Admit(ctx, &t.work.Desired); err != nil {
			d := t.resolve(err, counterPolicy, "", true)
			return t.settle(now, nil, &d)
		}
		t.clearAttempts(counterPolicy)
	}

	plan, decision := t.converge(ctx)
	return t.settle(now, plan, decision)
}

// converge runs read-diff-apply passes until nothing more can be applied.
func (t *tickRun) converge(ctx context.Context) (*Plan, *Decision) {
	var plan *Plan
	for pass := 0; pass < t.r.opts.MaxPassesPerTick; pass++ {
		t.res.Passes++

		snap, err := t.observe(ctx)
		if err != nil {
			d := t.resolve(err, counterObserve, "", true)
			return plan, &d
		}
		t.clearAttempts(counterObserve)
		t.snap = snap

		plan, err = t.r.diff.Compute(t.diffInput(snap))
		if err != nil {
			d := Decision{Action: ActionBlock, Err: AsEngineError(err), Attempt: t.work.Attempts}
			return plan, &d
		}
		t.res.Plan = plan
		t.reportScope(plan)
		if len(plan.Blockers) > 0 {
			d := Decision{Action: ActionBlock, Err: plan.Blockers[0], Attempt: t.work.Attempts}
			return plan, &d
		}

		progressed := false
		for _, op := range plan.Operations {
			if t.applied[op.ID] || !t.depsApplied(op) {
				continue
			}
			if d := t.applyWithRetry(ctx, op); d != nil {
				return plan, d
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return plan, nil
}

func (t *tickRun) depsApplied(op *Operation) bool {
	for _, dep := range op.DependsOn {
		if !t.applied[dep] {
			return false
		}
	}
	return true
}

// applyWithRetry applies op. A conflict triggers one re-read of the target,
// a recomputation of the same operation and one immediate retry.
func (t *tickRun) applyWithRetry(ctx context.Context, op *Operation) *Decision {
	err := t.apply(ctx, op)
	if err == nil {
		return nil
	}
	kind := op.Kind.ResourceKind()
	d := t.resolve(err, op.ID, kind, false)
	if d.Action != ActionRetryNow {
		t.recordFailure(op, d)
		return &d
	}

	t.log.Info().Str("operation", string(op.Kind)).Str("current_version", CurrentVersion(err)).
		Msg("Version conflict, re-reading target")
	t.event(EventOperationConflict, op.Kind, op.Description, map[string]string{
		"current_version": CurrentVersion(err),
	})

	obs, rerr := t.read(ctx, op.Target)
	if rerr != nil {
		d := t.resolve(rerr, op.ID, kind, true)
		t.recordFailure(op, d)
		return &d
	}
	t.snap.Put(obs)

	plan, cerr := t.r.diff.Compute(t.diffInput(t.snap))
	if cerr != nil {
		d := Decision{Action: ActionBlock, Err: AsEngineError(cerr), Attempt: t.work.Attempts}
		return &d
	}
	var recomputed *Operation
	for _, candidate := range plan.Operations {
		if candidate.ID == op.ID {
			recomputed = candidate
			break
		}
	}
	if recomputed == nil {
		// the concurrent writer already made the change
		t.applied[op.ID] = true
		return nil
	}

	if err := t.apply(ctx, recomputed); err != nil {
		d := t.resolve(err, op.ID, kind, true)
		t.recordFailure(recomputed, d)
		return &d
	}
	return nil
}

// Attempt counters of failures that belong to no single operation.
const (
	counterPolicy  = "policy"
	counterObserve = "observe"
)

// resolve classifies err against the attempts already counted for counter.
func (t *tickRun) resolve(err error, counter string, kind ResourceKind, retriedNow bool) Decision {
	d := t.r.resolver.ResolveFor(err, kind, retriedNow, t.work.OperationAttempts[counter])
	d.counter = counter
	return d
}

func (t *tickRun) clearAttempts(counter string) {
	delete(t.work.OperationAttempts, counter)
}

// countAttempt stores the attempt count of a failed decision.
func (t *tickRun) countAttempt(d *Decision) {
	if d.counter == "" {
		return
	}
	if t.work.OperationAttempts == nil {
		t.work.OperationAttempts = make(map[string]int)
	}
	t.work.OperationAttempts[d.counter] = d.Attempt
}

// pruneAttempts drops the counters of operations no longer planned.
func (t *tickRun) pruneAttempts(plan *Plan) {
	if plan == nil {
		return
	}
	live := map[string]bool{counterPolicy: true, counterObserve: true}
	for _, op := range plan.Operations {
		live[op.ID] = true
	}
	for counter := range t.work.OperationAttempts {
		if !live[counter] {
			delete(t.work.OperationAttempts, counter)
		}
	}
}

func (t *tickRun) peakAttempts() int {
	peak := 0
	for _, n := range t.work.OperationAttempts {
		if n > peak {
			peak = n
		}
	}
	return peak
}

func (t *tickRun) recordFailure(op *Operation, d Decision) {
	if d.Err == nil {
		return
	}
	if d.Err.Operation == "" {
		d.Err.Operation = string(op.Kind)
	}
	if d.Err.Resource == "" {
		d.Err.Resource = op.Target.Key()
	}
}

// apply invokes the adapter with the target's current version token.
func (t *tickRun) apply(ctx context.Context, op *Operation) error {
	p, err := t.r.providers.For(op.Kind.ResourceKind())
	if err != nil {
		return err
	}
	expected := ""
	if op.Conditional {
		expected = t.snap.Version(op.Target)
	}

	cctx, cancel := context.WithTimeout(ctx, t.r.opts.ProviderTimeout)
	defer cancel()
	cctx, span := t.r.tracer.Start(cctx, "provider.apply", trace.WithAttributes(
		attribute.String("provider.name", p.Name()),
		attribute.String("operation", string(op.Kind)),
		attribute.String("resource.ref", op.Target.Key()),
	))
	defer span.End()

	started := time.Now()
	result, err := p.Apply(cctx, op, expected)
	t.r.opts.Recorder.RecordProviderCall(p.Name(), "apply", time.Since(started), err)
	if err != nil {
		e := AsEngineError(err)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		t.r.opts.Recorder.RecordOperation(string(op.Kind), string(e.Class))
		t.log.Warn().Err(e).Str("operation", string(op.Kind)).Str("expected_version", expected).
			Msg("Apply failed")
		return e
	}
	t.r.opts.Recorder.RecordOperation(string(op.Kind), "applied")
	t.clearAttempts(op.ID)

	if result == nil {
		result = &ApplyResult{}
	}
	if result.Version != "" {
		t.snap.SetVersion(op.Target, result.Version)
	}
	switch op.Kind {
	case OpRequestCertificate:
		if result.ResourceID != "" {
			t.work.CertificateRef = result.ResourceID
		}
		t.work.AllowRecreate = false
	case OpCreateDistribution:
		if result.ResourceID != "" {
			t.work.DistributionRef = result.ResourceID
		}
	case OpRecreatePlatformBinding:
		t.work.AllowRecreate = false
		t.event(EventRecreateRequested, op.Kind, "platform binding deleted and recreated after resubmission", nil)
	}

	t.applied[op.ID] = true
	t.res.Applied = append(t.res.Applied, op)
	t.log.Info().Str("operation", string(op.Kind)).Str("target", op.Target.Key()).
		Str("version", result.Version).Msg("Operation applied")
	t.event(EventOperationApplied, op.Kind, op.Description, map[string]string{
		"target":  op.Target.Key(),
		"version": result.Version,
	})
	return nil
}

func (t *tickRun) diffInput(snap *Snapshot) DiffInput {
	return DiffInput{
		Desired:         &t.work.Desired,
		Snapshot:        snap,
		CertificateRef:  t.work.CertificateRef,
		DistributionRef: t.work.DistributionRef,
		AllowRecreate:   t.work.AllowRecreate,
	}
}

// observe reads the primary resources, then the DNS record sets derived from them.
func (t *tickRun) observe(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	var mu sync.Mutex

	readAll := func(refs []ResourceRef) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.r.opts.ReadConcurrency)
		for _, ref := range refs {
			g.Go(func() error {
				obs, err := t.read(gctx, ref)
				if err != nil {
					return err
				}
				mu.Lock()
				snap.Put(obs)
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	}

	distribution := ""
	if t.work.Desired.Distribution.Enabled() {
		distribution = t.work.DistributionID()
	}
	if err := readAll(PrimaryRefs(&t.work.Desired, t.work.CertificateRef, distribution)); err != nil {
		return nil, err
	}
	if err := readAll(RecordRefs(&t.work.Desired, snap, t.work.CertificateRef)); err != nil {
		return nil, err
	}
	return snap, nil
}

// read reads one resource. NotFound becomes an absent observation.
func (t *tickRun) read(ctx context.Context, ref ResourceRef) (*ObservedState, error) {
	p, err := t.r.providers.For(ref.Kind)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, t.r.opts.ProviderTimeout)
	defer cancel()
	cctx, span := t.r.tracer.Start(cctx, "provider.read", trace.WithAttributes(
		attribute.String("provider.name", p.Name()),
		attribute.String("resource.ref", ref.Key()),
	))
	defer span.End()

	started := time.Now()
	obs, err := p.Read(cctx, ref)
	t.reads.Add(1)
	t.r.opts.Recorder.RecordProviderCall(p.Name(), "read", time.Since(started), err)
	if err != nil {
		if IsNotFound(err) {
			return Absent(ref, t.r.opts.Clock.Now()), nil
		}
		e := AsEngineError(err)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		if e.Resource == "" {
			e.Resource = ref.Key()
		}
		return nil, e
	}
	if obs == nil {
		return Absent(ref, t.r.opts.Clock.Now()), nil
	}
	obs.Ref = ref
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = t.r.opts.Clock.Now()
	}
	return obs, nil
}

func (t *tickRun) reportScope(plan *Plan) {
	for _, rec := range plan.ScopeMismatches {
		t.log.Warn().Str("host", rec.Host).Str("type", rec.Type).Msg("Record found at wrong scope")
		t.event(EventScopeMismatch, OpCreateValidationRecord,
			fmt.Sprintf("%s record at %s does not satisfy the required scope", rec.Type, rec.Host),
			map[string]string{"host": rec.Host, "value": rec.Value})
	}
}

// settle folds the tick outcome into the record and schedules the next tick.
func (t *tickRun) settle(now time.Time, plan *Plan, d *Decision) string {
	opts := t.r.opts
	prev := t.work.Status
	if t.snap.Len() > 0 {
		t.work.LastObserved = t.snap.All()
	}

	// forward progress observed this tick is kept even when the tick ends in a retry
	if plan != nil && prev.Before(plan.Phase) && (d == nil || d.Action != ActionBlock) {
		t.transition(plan.Phase)
	}
	t.pruneAttempts(plan)

	if d == nil || d.Action == ActionWait {
		if prev == StatusAvailable && len(t.res.Applied) > 0 {
			t.log.Warn().Int("operations", len(t.res.Applied)).Msg("Drift repaired")
			t.event(EventDriftDetected, "", fmt.Sprintf("%d operations applied to repair drift", len(t.res.Applied)),
				map[string]string{"operations": fmt.Sprint(len(t.res.Applied))})
		}
		if d == nil {
			t.work.OperationAttempts = nil
		}
		t.work.Attempts = t.peakAttempts()
		t.work.ConsecutiveFailures = 0
		t.work.LastError = nil
		interval := opts.TickInterval
		if t.work.Status == StatusAvailable {
			interval = opts.ResyncInterval
		}
		t.work.NextRetryAt = now.Add(Jitter(interval, opts.Backoff.Jitter, opts.Rand))
		if t.work.Status == StatusAvailable && len(t.res.Applied) == 0 {
			return TickResultConverged
		}
		return TickResultProgress
	}

	t.res.Err = d.Err
	t.work.LastError = &BindingError{
		Class:     d.Err.Class,
		Code:      d.Err.Code,
		Reason:    d.Err.Reason(),
		Operation: OperationKind(d.Err.Operation),
		Resource:  d.Err.Resource,
		At:        now,
	}
	t.work.ConsecutiveFailures++
	t.work.Attempts = d.Attempt
	t.countAttempt(d)

	if d.Action == ActionBlock {
		t.block(d)
		return TickResultBlocked
	}

	delay := opts.Backoff.Delay(d.Attempt, opts.Rand)
	t.work.NextRetryAt = now.Add(delay)
	t.log.Info().Str("reason", d.Reason()).Int("attempt", d.Attempt).Dur("delay", delay).
		Msg("Retry scheduled")
	t.event(EventOperationRetry, OperationKind(d.Err.Operation), d.Reason(), map[string]string{
		"attempt": fmt.Sprint(d.Attempt),
		"delay":   delay.String(),
		"class":   string(d.Err.Class),
	})
	return TickResultBackoff
}

func (t *tickRun) block(d *Decision) {
	t.transition(StatusBlocked)
	t.work.NextRetryAt = time.Time{}
	code := d.Err.Code
	if code == "" {
		code = string(d.Err.Class)
	}
	t.r.opts.Recorder.RecordBlocked(code)
	t.log.Error().Str("reason", d.Reason()).Str("code", code).Str("operation", d.Err.Operation).
		Msg("Binding blocked")
	t.event(EventBlocked, OperationKind(d.Err.Operation), d.Reason(), map[string]string{
		"code":     code,
		"attempts": fmt.Sprint(d.Attempt),
	})
}

func (t *tickRun) fail(now time.Time, err *EngineError) {
	t.res.Err = err
	t.work.LastError = &BindingError{Class: err.Class, Code: err.Code, Reason: err.Reason(), At: now}
	t.work.ConsecutiveFailures++
	t.transition(StatusFailed)
	t.work.NextRetryAt = time.Time{}
	t.event(EventFailed, "", err.Reason(), nil)
}

func (t *tickRun) transition(next ConvergenceStatus) {
	prev := t.work.Status
	if prev == next || !prev.CanTransitionTo(next) {
		return
	}
	t.work.Status = next
	t.r.opts.Recorder.RecordTransition(string(prev), string(next))
	t.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("Status changed")
	t.event(EventStatusChanged, "", fmt.Sprintf("status changed from %s to %s", prev, next),
		map[string]string{"from": string(prev), "to": string(next)})
	if next == StatusAvailable {
		t.event(EventAvailable, "", "binding is available", nil)
	}
}

func newEvent(bindingID, typ string, status ConvergenceStatus, op OperationKind, msg string, data map[string]string) *BindingEvent {
	return &BindingEvent{
		ID:        uuid.New().String(),
		BindingID: bindingID,
		Type:      typ,
		Status:    status,
		Operation: op,
		Message:   msg,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// emit persists events and forwards them to the notifier.
func (r *Reconciler) emit(ctx context.Context, events []*BindingEvent) {
	for _, ev := range events {
		ev.Timestamp = r.opts.Clock.Now()
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			r.log.Warn().Err(err).Str("binding_id", ev.BindingID).Str("event", ev.Type).Msg("Failed to record event")
		}
		if r.opts.Notifier != nil {
			r.opts.Notifier.Notify(ctx, ev)
		}
	}
}
