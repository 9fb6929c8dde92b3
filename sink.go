package runnerz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Observability constants for Sink.
const (
	SinkHandledTotal = metricz.Key("sink.handled.total")
)

// Sink is the common surface for all three handling modes: Sequential,
// Batch, and Concurrent. Handle forwards a batch to the underlying
// DecayingDeque(s) and returns the live downstream capacity (Unbounded
// for Sequential and Batch, which never apply backpressure).
type Sink[U Update] interface {
	Handle(ctx context.Context, batch Batch[U]) (int, error)
	Snapshot() []U
	Name() Name
	Close() error
}

// SinkOptions configures any Sink mode. Concurrency only applies to
// NewConcurrentSink; the others always run under a single-slot queue
// (Sequential) or an Unbounded one (Batch).
type SinkOptions[U Update] struct {
	Concurrency    int
	Timeout        time.Duration
	ErrorHandler   ErrorHandler[U]
	TimeoutHandler TimeoutHandler[U]
}

// DefaultSinkOptions returns the spec defaults: concurrency 500, no
// timeout, and null handlers.
func DefaultSinkOptions[U Update]() SinkOptions[U] {
	return SinkOptions[U]{
		Concurrency:    500,
		ErrorHandler:   NullErrorHandler[U],
		TimeoutHandler: NullTimeoutHandler[U],
	}
}

func (o SinkOptions[U]) normalized() SinkOptions[U] {
	if o.ErrorHandler == nil {
		o.ErrorHandler = NullErrorHandler[U]
	}
	if o.TimeoutHandler == nil {
		o.TimeoutHandler = NullTimeoutHandler[U]
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 500
	}
	return o
}

func emitSinkHandled(ctx context.Context, name Name, n int) {
	capitan.Info(ctx, SignalSinkHandled,
		FieldName.Field(name),
		FieldBatchSize.Field(n),
	)
}

// sequentialSink processes one update at a time through a single-slot
// DecayingDeque, so handle never returns until the prior update has
// settled.
type sequentialSink[U Update] struct {
	name    Name
	consume Consumer[U]
	deque   *DecayingDeque[U]
	metrics *metricz.Registry
}

// NewSequentialSink creates a Sink that processes updates strictly
// one-by-one.
func NewSequentialSink[U Update](name Name, consume Consumer[U], opts SinkOptions[U]) Sink[U] {
	opts = opts.normalized()
	metrics := metricz.New()
	metrics.Counter(SinkHandledTotal)
	return &sequentialSink[U]{
		name:    name,
		consume: consume,
		metrics: metrics,
		deque: NewDecayingDeque[U](name, opts.Timeout, 1, consume).
			WithErrorHandler(opts.ErrorHandler).
			WithTimeoutHandler(opts.TimeoutHandler),
	}
}

func (s *sequentialSink[U]) Handle(ctx context.Context, batch Batch[U]) (int, error) {
	for _, u := range batch {
		<-s.deque.Add(ctx, []U{u})
	}
	s.metrics.Counter(SinkHandledTotal).Add(float64(len(batch)))
	emitSinkHandled(ctx, s.name, len(batch))
	return Unbounded, nil
}

func (s *sequentialSink[U]) Snapshot() []U { return s.deque.PendingTasks() }
func (s *sequentialSink[U]) Name() Name    { return s.name }
func (s *sequentialSink[U]) Close() error  { return s.deque.Close() }

// batchSink processes every update of one Handle call concurrently, but
// does not return until the entire batch has settled. Each call owns a
// fresh DecayingDeque, since there is no cross-call state to preserve.
type batchSink[U Update] struct {
	name    Name
	consume Consumer[U]
	opts    SinkOptions[U]
	metrics *metricz.Registry

	mu     sync.Mutex
	last   []U
	closed bool
}

// NewBatchSink creates a Sink that processes each batch concurrently but
// drains it fully before returning.
func NewBatchSink[U Update](name Name, consume Consumer[U], opts SinkOptions[U]) Sink[U] {
	opts = opts.normalized()
	metrics := metricz.New()
	metrics.Counter(SinkHandledTotal)
	return &batchSink[U]{name: name, consume: consume, opts: opts, metrics: metrics}
}

func (s *batchSink[U]) Handle(ctx context.Context, batch Batch[U]) (int, error) {
	if len(batch) == 0 {
		return Unbounded, nil
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))
	// Each update is counted once however it settles, so a task that times
	// out and later finishes does not release the batch a second time.
	var settled sync.Map // update_id -> *sync.Once
	done := func(u U) {
		once, _ := settled.LoadOrStore(u.UpdateID(), new(sync.Once))
		once.(*sync.Once).Do(wg.Done) //nolint:forcetypeassert
	}

	wrappedConsume := func(ctx context.Context, u U) error {
		err := s.consume(ctx, u)
		if err == nil {
			done(u)
		}
		return err
	}

	deque := NewDecayingDeque[U](s.name, s.opts.Timeout, Unbounded, wrappedConsume).
		WithErrorHandler(func(ctx context.Context, err error, u U) error {
			herr := s.opts.ErrorHandler(ctx, err, u)
			done(u)
			return herr
		}).
		WithTimeoutHandler(func(u U, late <-chan error) {
			s.opts.TimeoutHandler(u, late)
			done(u)
		})

	s.mu.Lock()
	s.last = batch
	s.mu.Unlock()

	deque.Add(ctx, batch)
	wg.Wait()
	_ = deque.Close()

	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()

	s.metrics.Counter(SinkHandledTotal).Add(float64(len(batch)))
	emitSinkHandled(ctx, s.name, len(batch))
	return Unbounded, nil
}

// Snapshot returns the updates of the batch currently being handled,
// including any of them that have already settled, and nothing while no
// Handle call is in progress.
func (s *batchSink[U]) Snapshot() []U {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]U, len(s.last))
	copy(out, s.last)
	return out
}

func (s *batchSink[U]) Name() Name { return s.name }
func (s *batchSink[U]) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// concurrentSink is the default mode: a single long-lived DecayingDeque
// with a bounded limit, whose live capacity is fed straight back to
// callers as backpressure.
type concurrentSink[U Update] struct {
	name    Name
	deque   *DecayingDeque[U]
	metrics *metricz.Registry
}

// NewConcurrentSink creates the default Sink mode.
func NewConcurrentSink[U Update](name Name, consume Consumer[U], opts SinkOptions[U]) Sink[U] {
	opts = opts.normalized()
	metrics := metricz.New()
	metrics.Counter(SinkHandledTotal)
	return &concurrentSink[U]{
		name:    name,
		metrics: metrics,
		deque: NewDecayingDeque[U](name, opts.Timeout, opts.Concurrency, consume).
			WithErrorHandler(opts.ErrorHandler).
			WithTimeoutHandler(opts.TimeoutHandler),
	}
}

func (s *concurrentSink[U]) Handle(ctx context.Context, batch Batch[U]) (int, error) {
	capacity := <-s.deque.Add(ctx, batch)
	s.metrics.Counter(SinkHandledTotal).Add(float64(len(batch)))
	emitSinkHandled(ctx, s.name, len(batch))
	return capacity, nil
}

func (s *concurrentSink[U]) Snapshot() []U { return s.deque.PendingTasks() }
func (s *concurrentSink[U]) Name() Name    { return s.name }
func (s *concurrentSink[U]) Close() error  { return s.deque.Close() }
