package runnerz

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Observability constants for Sequentializer.
const (
	SequentializerChainedTotal  = metricz.Key("sequentializer.chained.total")
	SequentializerReleasedTotal = metricz.Key("sequentializer.released.total")
	SequentializerActiveKeys    = metricz.Key("sequentializer.active_keys")
)

// Constraint computes the set of keys an invocation must serialize
// against. An empty or nil result means the invocation is unconstrained
// and runs immediately, concurrently with everything else.
type Constraint[T any] func(ctx context.Context, input T) ([]Name, error)

// Next is the wrapped operation a Sequentializer admits once its barrier
// clears.
type Next[T any] func(ctx context.Context, input T) (T, error)

type seqEntry struct {
	tail     chan struct{} // closed once the current tail task settles
	refcount int
}

// Sequentializer serializes invocations whose Constraint key sets
// overlap, while letting disjoint-key invocations run concurrently. This
// is write-after-read hazard avoidance for concurrent update handling.
type Sequentializer[T any] struct {
	name       Name
	constraint Constraint[T]

	mu      sync.Mutex
	entries map[Name]*seqEntry

	metrics *metricz.Registry
}

// NewSequentializer creates a Sequentializer using the given Constraint.
func NewSequentializer[T any](name Name, constraint Constraint[T]) *Sequentializer[T] {
	metrics := metricz.New()
	metrics.Counter(SequentializerChainedTotal)
	metrics.Counter(SequentializerReleasedTotal)
	metrics.Gauge(SequentializerActiveKeys)
	return &Sequentializer[T]{
		name:       name,
		constraint: constraint,
		entries:    make(map[Name]*seqEntry),
		metrics:    metrics,
	}
}

func normalizeKeys(keys []Name) []Name {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[Name]bool, len(keys))
	out := make([]Name, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Run computes the invocation's keys, waits for every intersecting
// chain's prior tail to settle (resolve or reject — never letting a
// failing predecessor poison this invocation), then runs next. It
// rethrows next's own error to the caller once settled.
func (s *Sequentializer[T]) Run(ctx context.Context, input T, next Next[T]) (T, error) {
	keys, err := s.constraint(ctx, input)
	if err != nil {
		var zero T
		return zero, err
	}
	keys = normalizeKeys(keys)

	if len(keys) == 0 {
		return next(ctx, input)
	}

	mySettled := make(chan struct{})

	s.mu.Lock()
	barriers := make([]chan struct{}, 0, len(keys))
	for _, k := range keys {
		e, ok := s.entries[k]
		if !ok {
			e = &seqEntry{}
			s.entries[k] = e
		}
		if e.tail != nil {
			barriers = append(barriers, e.tail)
		}
		e.tail = mySettled
		e.refcount++
	}
	refcount := s.entries[keys[0]].refcount
	s.metrics.Gauge(SequentializerActiveKeys).Set(float64(len(s.entries)))
	s.mu.Unlock()

	if len(barriers) > 0 {
		s.metrics.Counter(SequentializerChainedTotal).Inc()
		capitan.Info(ctx, SignalSequentializerChained,
			FieldName.Field(s.name),
			FieldKey.Field(keys[0]),
			FieldRefCount.Field(refcount),
		)
		for _, b := range barriers {
			<-b
		}
	}

	result, runErr := next(ctx, input)
	close(mySettled)

	s.mu.Lock()
	for _, k := range keys {
		e := s.entries[k]
		e.refcount--
		if e.refcount == 0 {
			delete(s.entries, k)
		}
	}
	remaining := 0
	if e, ok := s.entries[keys[0]]; ok {
		remaining = e.refcount
	}
	s.metrics.Gauge(SequentializerActiveKeys).Set(float64(len(s.entries)))
	s.mu.Unlock()

	s.metrics.Counter(SequentializerReleasedTotal).Inc()
	capitan.Info(ctx, SignalSequentializerReleased,
		FieldName.Field(s.name),
		FieldKey.Field(keys[0]),
		FieldRefCount.Field(remaining),
	)

	return result, runErr
}

// Len returns the number of keys currently retained (i.e. with at least
// one in-flight or queued invocation).
func (s *Sequentializer[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Name returns the Sequentializer's name.
func (s *Sequentializer[T]) Name() Name { return s.name }

// Metrics returns the metrics registry for this Sequentializer.
func (s *Sequentializer[T]) Metrics() *metricz.Registry { return s.metrics }
