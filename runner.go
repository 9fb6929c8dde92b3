package runnerz

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Observability constants for Runner.
const (
	RunnerBatchesProcessedTotal = metricz.Key("runner.batches_processed.total")
)

// Runner composes a Source and a Sink into a controllable bot loop: it
// pulls successive batches, feeds them to the sink, and relays the
// sink's live capacity back to the source as the next batch-size pace.
type Runner[U Update] struct {
	name   Name
	source *Source[U]
	sink   Sink[U]

	mu      sync.RWMutex
	started bool
	running bool
	done    chan struct{}
	err     error

	metrics *metricz.Registry
}

// NewRunner creates a Runner over the given Source and Sink.
func NewRunner[U Update](name Name, source *Source[U], sink Sink[U]) *Runner[U] {
	metrics := metricz.New()
	metrics.Counter(RunnerBatchesProcessedTotal)
	return &Runner[U]{
		name:    name,
		source:  source,
		sink:    sink,
		metrics: metrics,
	}
}

// Start begins the pull loop in the background. Calling Start more than
// once is a no-op.
func (r *Runner[U]) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

func (r *Runner[U]) run(ctx context.Context) {
	defer close(r.done)

	capitan.Info(ctx, SignalRunnerStarted, FieldName.Field(r.name))

	for batch := range r.source.Batches(ctx) {
		capacity, err := r.sink.Handle(ctx, batch)
		if err != nil {
			r.recordErrorUnlessStopped(ctx, err)
			return
		}

		r.metrics.Counter(RunnerBatchesProcessedTotal).Inc()

		r.mu.RLock()
		running := r.running
		r.mu.RUnlock()
		if !running {
			break
		}

		r.source.SetGeneratorPace(capacity)
	}

	if srcErr := r.source.Err(); srcErr != nil {
		r.recordErrorUnlessStopped(ctx, srcErr)
	}

	capitan.Info(ctx, SignalRunnerStopped, FieldName.Field(r.name))
}

// recordErrorUnlessStopped implements the "swallow errors that arrive
// after stop" rule: an error that surfaces after Stop flipped running to
// false is an expected abort artifact, not a real failure.
func (r *Runner[U]) recordErrorUnlessStopped(ctx context.Context, err error) {
	r.mu.Lock()
	stoppedAlready := !r.running
	if !stoppedAlready {
		r.err = err
	}
	r.mu.Unlock()

	if !stoppedAlready {
		capitan.Error(ctx, SignalRunnerError, FieldName.Field(r.name), FieldError.Field(err.Error()))
	}
}

// Stop flips running to false, closes the Source, and returns a channel
// that closes once the run loop has fully exited — including the
// in-flight sink.Handle call for whatever batch is currently being
// processed.
func (r *Runner[U]) Stop() <-chan struct{} {
	r.mu.Lock()
	r.running = false
	done := r.done
	r.mu.Unlock()

	r.source.Close()

	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return done
}

// Task returns the current completion channel, or nil if Start has never
// been called.
func (r *Runner[U]) Task() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Err returns the error that ended the run loop, if any. Only meaningful
// once the channel returned by Task (or Stop) is closed.
func (r *Runner[U]) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// IsRunning reports whether the Runner has been started, not stopped, and
// its Source is still active.
func (r *Runner[U]) IsRunning() bool {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	return running && r.source.IsActive()
}

// Size returns the length of the Sink's snapshot: the current in-flight
// count for the Sequential and Concurrent sinks, and the size of the batch
// being handled for the Batch sink.
func (r *Runner[U]) Size() int {
	return len(r.sink.Snapshot())
}

// Name returns the Runner's name.
func (r *Runner[U]) Name() Name { return r.name }

// Metrics returns the metrics registry for this Runner.
func (r *Runner[U]) Metrics() *metricz.Registry { return r.metrics }
