package runnerz

import (
	"context"
	"errors"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Source.
const (
	SourceBatchesPulledTotal = metricz.Key("source.batches_pulled.total")
	SourceUpdatesPulledTotal = metricz.Key("source.updates_pulled.total")
	SourcePaceGauge          = metricz.Key("source.pace")
	SourceOffsetGauge        = metricz.Key("source.offset")

	SourceSupplySpan = tracez.Key("source.supply")

	statsRingSize  = 16
	maxProtocolBatchSize = 100
)

// Supplier is the remote batch-pull contract. ctx carries both the
// caller's deadline and the Source's own abort signal; batchSize is a
// hint already clamped to [1, 100]. Implementations should resolve with
// 0..batchSize updates and return promptly once ctx is done.
type Supplier[U Update] func(ctx context.Context, batchSize int) (Batch[U], error)

func clampBatchSize(pace int) int {
	if pace == Unbounded || pace <= 0 {
		return maxProtocolBatchSize
	}
	if pace > maxProtocolBatchSize {
		return maxProtocolBatchSize
	}
	return pace
}

// Source presents an asynchronous sequence of update batches, adapting
// batch size and inter-batch delay from downstream feedback. Supply
// failures are recorded and surfaced via Err after iteration ends, the
// same way bufio.Scanner reports errors once its Scan loop stops: a
// range-over-func iterator has no channel of its own to carry one.
type Source[U Update] struct {
	name     Name
	supplier Supplier[U]
	clock    clockz.Clock

	mu                  sync.RWMutex
	offset              int
	pace                int
	speedTrafficBalance float64
	maxDelayMs          int
	active              bool
	abortCancel         context.CancelFunc
	lastErr             error

	counts    [statsRingSize]float64
	durations [statsRingSize]float64
	ringIdx   int
	sumCounts float64
	sumDurations float64

	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewSource creates a Source with spec defaults: speedTrafficBalance 0,
// maxDelayMilliseconds 500, pace Unbounded, offset 0.
func NewSource[U Update](name Name, supplier Supplier[U]) *Source[U] {
	metrics := metricz.New()
	metrics.Counter(SourceBatchesPulledTotal)
	metrics.Counter(SourceUpdatesPulledTotal)
	metrics.Gauge(SourcePaceGauge)
	metrics.Gauge(SourceOffsetGauge)

	return &Source[U]{
		name:       name,
		supplier:   supplier,
		clock:      clockz.RealClock,
		pace:       Unbounded,
		maxDelayMs: 500,
		metrics:    metrics,
		tracer:     tracez.New(),
	}
}

// WithSpeedTrafficBalance sets the latency/call-volume tradeoff in [0,1].
func (s *Source[U]) WithSpeedTrafficBalance(balance float64) *Source[U] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance < 0 {
		balance = 0
	}
	if balance > 1 {
		balance = 1
	}
	s.speedTrafficBalance = balance
	return s
}

// WithMaxDelay sets the hard cap on inter-batch pacing wait.
func (s *Source[U]) WithMaxDelay(d time.Duration) *Source[U] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = time.Millisecond
	}
	s.maxDelayMs = int(d.Milliseconds())
	return s
}

// WithOffset sets the initial offset, e.g. when resuming from a snapshot.
func (s *Source[U]) WithOffset(offset int) *Source[U] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
	return s
}

// WithClock sets a custom clock, primarily for deterministic tests.
func (s *Source[U]) WithClock(clock clockz.Clock) *Source[U] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *Source[U]) getClock() clockz.Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clock == nil {
		return clockz.RealClock
	}
	return s.clock
}

// SetGeneratorPace updates the batch-size hint used by the next supply
// call.
func (s *Source[U]) SetGeneratorPace(n int) {
	s.mu.Lock()
	s.pace = n
	s.mu.Unlock()
	s.metrics.Gauge(SourcePaceGauge).Set(float64(n))
}

// Offset returns the current pull offset.
func (s *Source[U]) Offset() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// IsActive reports whether the Source has not been closed since its last
// (re)start.
func (s *Source[U]) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Err returns the non-abort error that ended the most recent iteration,
// if any.
func (s *Source[U]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close raises the current abort signal, cancels any in-flight supply,
// breaks out of the pacing sleep, marks the Source inactive, and resets
// pace to Unbounded. A subsequent call to Batches starts a fresh
// generator.
func (s *Source[U]) Close() {
	s.mu.Lock()
	if s.abortCancel != nil {
		s.abortCancel()
	}
	s.active = false
	s.pace = Unbounded
	s.mu.Unlock()
}

// Batches returns a fresh iterator over update batches. Each call installs
// a new abort signal, so a Source can be resumed by a new consumer after
// Close.
func (s *Source[U]) Batches(ctx context.Context) iter.Seq[Batch[U]] {
	return func(yield func(Batch[U]) bool) {
		s.mu.Lock()
		abortCtx, cancel := context.WithCancel(ctx)
		s.abortCancel = cancel
		s.active = true
		s.lastErr = nil
		s.mu.Unlock()
		defer cancel()

		for {
			if ctx.Err() != nil || abortCtx.Err() != nil {
				return
			}

			pace := s.SnapshotPace()
			requested := clampBatchSize(pace)

			spanCtx, span := s.tracer.StartSpan(abortCtx, SourceSupplySpan)
			start := s.getClock().Now()
			batch, err := s.invokeSupplier(spanCtx, requested)
			elapsed := s.getClock().Now().Sub(start)
			span.Finish()

			if err != nil {
				if abortCtx.Err() != nil || errors.Is(err, context.Canceled) {
					return // abort-induced: terminate silently
				}
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				capitan.Error(abortCtx, SignalSourceClosed,
					FieldName.Field(s.name),
					FieldError.Field(err.Error()),
				)
				s.Close()
				return
			}

			s.metrics.Counter(SourceBatchesPulledTotal).Inc()
			s.metrics.Counter(SourceUpdatesPulledTotal).Add(float64(len(batch)))
			capitan.Info(abortCtx, SignalSourceBatchPulled,
				FieldName.Field(s.name),
				FieldBatchSize.Field(len(batch)),
				FieldOffset.Field(s.Offset()),
			)

			if maxID, ok := batch.MaxUpdateID(); ok {
				s.mu.Lock()
				s.offset = maxID + 1
				s.mu.Unlock()
				s.metrics.Gauge(SourceOffsetGauge).Set(float64(maxID + 1))
			}

			if !yield(batch) {
				return
			}

			wait := s.recordStatsAndComputeWait(len(batch), elapsed)
			if wait <= 0 {
				continue
			}

			capitan.Info(abortCtx, SignalSourcePacing,
				FieldName.Field(s.name),
				FieldWaitMs.Field(float64(wait.Milliseconds())),
			)
			select {
			case <-s.getClock().After(wait):
			case <-abortCtx.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// SnapshotPace returns the current batch-size hint.
func (s *Source[U]) SnapshotPace() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pace
}

func (s *Source[U]) invokeSupplier(ctx context.Context, batchSize int) (batch Batch[U], err error) {
	start := s.getClock().Now()
	defer recoverFromPanic(&err, s.name, batchSize, start)
	return s.supplier(ctx, batchSize)
}

// recordStatsAndComputeWait folds (itemCount, elapsedMs) into the 16-slot
// ring and returns the pacing wait per the balance/tanh formula, or 0 if
// the last batch was already full.
func (s *Source[U]) recordStatsAndComputeWait(itemCount int, elapsed time.Duration) time.Duration {
	s.mu.Lock()
	s.sumCounts -= s.counts[s.ringIdx]
	s.sumDurations -= s.durations[s.ringIdx]
	s.counts[s.ringIdx] = float64(itemCount)
	s.durations[s.ringIdx] = float64(elapsed.Milliseconds())
	s.sumCounts += s.counts[s.ringIdx]
	s.sumDurations += s.durations[s.ringIdx]
	s.ringIdx = (s.ringIdx + 1) % statsRingSize

	balance := 100 * s.speedTrafficBalance / math.Max(1, float64(s.maxDelayMs))
	estimate := balance * s.sumDurations / math.Max(1, s.sumCounts)
	waitMs := float64(s.maxDelayMs) * math.Tanh(estimate)
	maxDelayMs := s.maxDelayMs
	s.mu.Unlock()

	if waitMs <= 0 || itemCount >= maxProtocolBatchSize {
		return 0
	}
	if waitMs > float64(maxDelayMs) {
		waitMs = float64(maxDelayMs)
	}
	return time.Duration(waitMs) * time.Millisecond
}

// Name returns the Source's name.
func (s *Source[U]) Name() Name { return s.name }

// Metrics returns the metrics registry for this Source.
func (s *Source[U]) Metrics() *metricz.Registry { return s.metrics }

// Tracer returns the tracer for this Source.
func (s *Source[U]) Tracer() *tracez.Tracer { return s.tracer }
