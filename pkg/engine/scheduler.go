package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Scheduler ticks due bindings on an interval with bounded parallelism.
// Different bindings progress in parallel; the same binding never ticks twice
// at once.
type Scheduler struct {
	// reconciler performs the ticks
	reconciler *Reconciler

	// store lists due bindings
	store BindingStore

	// maxParallel is the maximum number of concurrent ticks
	maxParallel int64

	// interval is the wake-up period of the loop
	interval time.Duration

	sem    *semaphore.Weighted
	flight singleflight.Group
	wg     sync.WaitGroup
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler. maxParallel <= 0 defaults to 8 workers
// and interval <= 0 to the reconciler's tick interval.
func NewScheduler(reconciler *Reconciler, store BindingStore, maxParallel int, interval time.Duration) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	if interval <= 0 {
		interval = reconciler.Options().TickInterval
	}
	return &Scheduler{
		reconciler:  reconciler,
		store:       store,
		maxParallel: int64(maxParallel),
		interval:    interval,
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		log:         reconciler.log.With().Str("component", "scheduler").Logger(),
	}
}

// RunOnce ticks every binding due now and waits for the ticks to finish.
// It returns the number of bindings ticked.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.reconciler.opts.Clock.Now()
	due, err := s.store.DueBindings(ctx, now, 0)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		started int
		batch   sync.WaitGroup
	)
	for _, rec := range due {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		id := rec.BindingID
		batch.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer batch.Done()
			defer s.sem.Release(1)
			_, _, shared := s.flight.Do(id, func() (interface{}, error) {
				return s.tick(ctx, id)
			})
			if !shared {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	batch.Wait()
	return started, ctx.Err()
}

func (s *Scheduler) tick(ctx context.Context, id string) (*TickResult, error) {
	res, err := s.reconciler.Tick(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Str("binding_id", id).Msg("Tick failed")
		}
		return nil, err
	}
	if !res.Skipped && res.From != res.To {
		s.log.Info().Str("binding_id", id).Str("from", string(res.From)).Str("to", string(res.To)).
			Int("applied", len(res.Applied)).Msg("Binding progressed")
	}
	return res, nil
}

// Start runs the loop in the background until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info().Dur("interval", s.interval).Int64("workers", s.maxParallel).Msg("Reconciliation loop started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Failed to list due bindings")
		} else if n > 0 {
			s.log.Debug().Int("bindings", n).Msg("Tick batch finished")
		}
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info().Msg("Reconciliation loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels in-flight ticks and waits for the loop to exit. A cancelled
// tick does not persist partial state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Run blocks running the loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}
