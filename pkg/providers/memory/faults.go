package memory

import (
	"strings"
	"sync"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Faults injects scripted errors into fake adapters. Queued errors are
// returned once each, in order; a standing error is returned on every call
// after the queue drains.
type Faults struct {
	mu       sync.Mutex
	queued   map[string][]error
	standing map[string]error
}

func newFaults() *Faults {
	return &Faults{
		queued:   make(map[string][]error),
		standing: make(map[string]error),
	}
}

// Queue schedules errs for the next applies of kind.
func (f *Faults) Queue(kind engine.OperationKind, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[string(kind)] = append(f.queued[string(kind)], errs...)
}

// Always fails every apply of kind with err.
func (f *Faults) Always(kind engine.OperationKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.standing[string(kind)] = err
}

// QueueRead schedules errs for the next reads of kind.
func (f *Faults) QueueRead(kind engine.ResourceKind, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "read:" + string(kind)
	f.queued[key] = append(f.queued[key], errs...)
}

// QueueWrite schedules errs for the next record writes of recordType.
func (f *Faults) QueueWrite(recordType string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "write:" + strings.ToUpper(recordType)
	f.queued[key] = append(f.queued[key], errs...)
}

// Clear removes every scripted error.
func (f *Faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = make(map[string][]error)
	f.standing = make(map[string]error)
}

func (f *Faults) next(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.queued[key]; len(q) > 0 {
		f.queued[key] = q[1:]
		return copyErr(q[0])
	}
	return copyErr(f.standing[key])
}

func (f *Faults) apply(kind engine.OperationKind) error {
	return f.next(string(kind))
}

func (f *Faults) read(kind engine.ResourceKind) error {
	return f.next("read:" + string(kind))
}

func (f *Faults) write(recordType string) error {
	return f.next("write:" + strings.ToUpper(recordType))
}

// copyErr returns a fresh copy of engine errors so callers may annotate them.
func copyErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*engine.EngineError); ok {
		c := *e
		return &c
	}
	return err
}

// ApplyCall is one recorded apply.
type ApplyCall struct {
	Kind            engine.OperationKind
	Target          string
	ExpectedVersion string
	Err             error
}

// calls records reads and applies of one fake.
type calls struct {
	mu      sync.Mutex
	reads   map[string]int
	applies []ApplyCall
}

func newCalls() *calls {
	return &calls{reads: make(map[string]int)}
}

func (c *calls) read(key string) {
	c.mu.Lock()
	c.reads[key]++
	c.mu.Unlock()
}

func (c *calls) apply(op *engine.Operation, expected string, err error) {
	c.mu.Lock()
	c.applies = append(c.applies, ApplyCall{Kind: op.Kind, Target: op.Target.Key(), ExpectedVersion: expected, Err: err})
	c.mu.Unlock()
}

// Reads returns the total number of reads.
func (c *calls) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.reads {
		n += v
	}
	return n
}

// Applies returns a copy of the recorded applies.
func (c *calls) Applies() []ApplyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ApplyCall(nil), c.applies...)
}

// AppliesOf counts applies of kind, successful or not.
func (c *calls) AppliesOf(kind engine.OperationKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.applies {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
