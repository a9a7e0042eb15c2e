package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Store is an in-memory engine.BindingStore. Records are copied on the way
// in and out, so callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	bindings map[string]*engine.BindingRecord
	events   []*engine.BindingEvent
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{bindings: make(map[string]*engine.BindingRecord)}
}

// CreateBinding implements engine.BindingStore.
func (s *Store) CreateBinding(ctx context.Context, rec *engine.BindingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[rec.BindingID]; ok {
		return engine.ErrBindingExists
	}
	rec.Version = 1
	s.bindings[rec.BindingID] = rec.Clone()
	return nil
}

// GetBinding implements engine.BindingStore.
func (s *Store) GetBinding(ctx context.Context, bindingID string) (*engine.BindingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bindings[bindingID]
	if !ok {
		return nil, engine.ErrBindingNotFound
	}
	return rec.Clone(), nil
}

// ListBindings implements engine.BindingStore.
func (s *Store) ListBindings(ctx context.Context, filter engine.BindingFilter) ([]*engine.BindingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[engine.ConvergenceStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		want[st] = true
	}
	out := make([]*engine.BindingRecord, 0, len(s.bindings))
	for _, rec := range s.bindings {
		if len(want) > 0 && !want[rec.Status] {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BindingID < out[j].BindingID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateBinding implements engine.BindingStore.
func (s *Store) UpdateBinding(ctx context.Context, rec *engine.BindingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bindings[rec.BindingID]
	if !ok {
		return engine.ErrBindingNotFound
	}
	if cur.Version != rec.Version {
		return engine.ErrVersionConflict
	}
	rec.Version++
	s.bindings[rec.BindingID] = rec.Clone()
	return nil
}

// DeleteBinding implements engine.BindingStore.
func (s *Store) DeleteBinding(ctx context.Context, bindingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[bindingID]; !ok {
		return engine.ErrBindingNotFound
	}
	delete(s.bindings, bindingID)
	return nil
}

// DueBindings implements engine.BindingStore.
func (s *Store) DueBindings(ctx context.Context, now time.Time, limit int) ([]*engine.BindingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.BindingRecord, 0)
	for _, rec := range s.bindings {
		if !rec.Status.IsPending() && rec.Status != engine.StatusAvailable {
			continue
		}
		if rec.NextRetryAt.After(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].BindingID < out[j].BindingID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus implements engine.BindingStore.
func (s *Store) CountByStatus(ctx context.Context) (map[engine.ConvergenceStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[engine.ConvergenceStatus]int)
	for _, rec := range s.bindings {
		counts[rec.Status]++
	}
	return counts, nil
}

// AppendEvent implements engine.BindingStore.
func (s *Store) AppendEvent(ctx context.Context, event *engine.BindingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *event
	s.events = append(s.events, &c)
	return nil
}

// ListEvents implements engine.BindingStore.
func (s *Store) ListEvents(ctx context.Context, bindingID string, limit int) ([]*engine.BindingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.BindingEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].BindingID != bindingID {
			continue
		}
		c := *s.events[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
