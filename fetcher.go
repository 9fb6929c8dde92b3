package runnerz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Observability constants for Fetcher.
const (
	FetcherRetriesTotal    = metricz.Key("fetcher.retries.total")
	FetcherExhaustedTotal  = metricz.Key("fetcher.exhausted.total")
	FetcherFatalTotal      = metricz.Key("fetcher.fatal.total")

	defaultMaxRetryTime = 54_000_000 * time.Millisecond // 15h
	defaultRetryStart   = 100 * time.Millisecond

	// FetcherEventExhausted fires once the retry ceiling is hit, after the
	// exhaustion signal is logged.
	FetcherEventExhausted = hookz.Key("fetcher.exhausted")
)

// FetcherExhaustedEvent is emitted via hookz when a Fetch call gives up
// after exhausting its retry budget.
type FetcherExhaustedEvent struct {
	Attempt   int
	Err       error
	Timestamp time.Time
}

// StatusError lets a base Supplier communicate protocol-level status so
// Fetcher can apply the 401/409/429 special cases. Code 0 means "no
// status known"; Fetcher treats it as an ordinary recoverable failure.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// RetrySchedule computes the delay before the given 1-based retry
// attempt.
type RetrySchedule func(attempt int) time.Duration

// ExponentialRetry doubles the delay each attempt, starting at 100ms.
func ExponentialRetry() RetrySchedule {
	return func(attempt int) time.Duration {
		d := defaultRetryStart
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

// QuadraticRetry adds 100ms each attempt, starting at 100ms.
func QuadraticRetry() RetrySchedule {
	return func(attempt int) time.Duration {
		return defaultRetryStart + time.Duration(attempt-1)*defaultRetryStart
	}
}

// FixedRetry always waits the same duration.
func FixedRetry(d time.Duration) RetrySchedule {
	return func(int) time.Duration { return d }
}

// Fetcher wraps a base Supplier with the retry/backoff policy described
// in SPEC_FULL.md: exponential backoff by default, a hard ceiling on total
// retry time, and special handling for non-recoverable (401/409) and
// rate-limited (429) protocol responses.
type Fetcher[U Update] struct {
	name         Name
	base         Supplier[U]
	maxRetryTime time.Duration
	schedule     RetrySchedule
	silent       bool
	clock        clockz.Clock

	mu      sync.RWMutex
	metrics *metricz.Registry
	hooks   *hookz.Hooks[FetcherExhaustedEvent]
}

// NewFetcher creates a Fetcher with spec defaults: maxRetryTime 15h,
// exponential backoff starting at 100ms, silent false.
func NewFetcher[U Update](name Name, base Supplier[U]) *Fetcher[U] {
	metrics := metricz.New()
	metrics.Counter(FetcherRetriesTotal)
	metrics.Counter(FetcherExhaustedTotal)
	metrics.Counter(FetcherFatalTotal)

	return &Fetcher[U]{
		name:         name,
		base:         base,
		maxRetryTime: defaultMaxRetryTime,
		schedule:     ExponentialRetry(),
		clock:        clockz.RealClock,
		metrics:      metrics,
		hooks:        hookz.New[FetcherExhaustedEvent](),
	}
}

// WithMaxRetryTime overrides the total retry ceiling.
func (f *Fetcher[U]) WithMaxRetryTime(d time.Duration) *Fetcher[U] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxRetryTime = d
	return f
}

// WithRetryInterval overrides the retry schedule.
func (f *Fetcher[U]) WithRetryInterval(schedule RetrySchedule) *Fetcher[U] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedule = schedule
	return f
}

// WithSilent suppresses the per-retry signal emission.
func (f *Fetcher[U]) WithSilent(silent bool) *Fetcher[U] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
	return f
}

// WithClock sets a custom clock, primarily for deterministic tests.
func (f *Fetcher[U]) WithClock(clock clockz.Clock) *Fetcher[U] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
	return f
}

func (f *Fetcher[U]) getClock() clockz.Clock {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.clock == nil {
		return clockz.RealClock
	}
	return f.clock
}

func (f *Fetcher[U]) snapshot() (time.Duration, RetrySchedule, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxRetryTime, f.schedule, f.silent
}

// Fetch implements the Supplier contract, so a Fetcher can be passed
// directly to NewSource as its supplier.
func (f *Fetcher[U]) Fetch(ctx context.Context, batchSize int) (Batch[U], error) {
	maxRetryTime, schedule, silent := f.snapshot()
	clock := f.getClock()
	start := clock.Now()

	attempt := 0
	for {
		attempt++
		batch, err := f.base(ctx, batchSize)
		if err == nil {
			return batch, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			if statusErr.Code == 401 || statusErr.Code == 409 {
				f.metrics.Counter(FetcherFatalTotal).Inc()
				capitan.Error(ctx, SignalFetcherFatal,
					FieldName.Field(f.name),
					FieldStatusCode.Field(statusErr.Code),
					FieldError.Field(err.Error()),
				)
				return nil, err
			}
			if statusErr.Code == 429 && statusErr.RetryAfter > 0 {
				capitan.Warn(ctx, SignalFetcherRateLimit,
					FieldName.Field(f.name),
					FieldRetryAfter.Field(statusErr.RetryAfter.Seconds()),
				)
				select {
				case <-clock.After(statusErr.RetryAfter):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		delay := schedule(attempt)
		if clock.Now().Add(delay).Sub(start) >= maxRetryTime {
			f.metrics.Counter(FetcherExhaustedTotal).Inc()
			capitan.Error(ctx, SignalFetcherExhausted,
				FieldName.Field(f.name),
				FieldAttempt.Field(attempt),
				FieldError.Field(err.Error()),
			)
			_ = f.hooks.Emit(ctx, FetcherEventExhausted, FetcherExhaustedEvent{ //nolint:errcheck
				Attempt:   attempt,
				Err:       err,
				Timestamp: clock.Now(),
			})
			return nil, err
		}

		f.metrics.Counter(FetcherRetriesTotal).Inc()
		if !silent {
			capitan.Warn(ctx, SignalFetcherRetry,
				FieldName.Field(f.name),
				FieldAttempt.Field(attempt),
				FieldError.Field(err.Error()),
			)
		}

		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OnExhausted registers a handler fired (via hookz, asynchronously)
// whenever a Fetch call gives up after exhausting its retry budget.
func (f *Fetcher[U]) OnExhausted(handler func(context.Context, FetcherExhaustedEvent) error) error {
	_, err := f.hooks.Hook(FetcherEventExhausted, handler)
	return err
}

// Close releases the hooks registry. It does not cancel any in-flight
// Fetch call.
func (f *Fetcher[U]) Close() error {
	f.hooks.Close()
	return nil
}

// Name returns the Fetcher's name.
func (f *Fetcher[U]) Name() Name { return f.name }

// Metrics returns the metrics registry for this Fetcher.
func (f *Fetcher[U]) Metrics() *metricz.Registry { return f.metrics }
