package runnerz

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for DecayingDeque.
const (
	DequeTasksAdmittedTotal  = metricz.Key("deque.admitted.total")
	DequeTasksCompletedTotal = metricz.Key("deque.completed.total")
	DequeTasksErroredTotal   = metricz.Key("deque.errored.total")
	DequeTasksTimedOutTotal  = metricz.Key("deque.timedout.total")
	DequeSizeGauge           = metricz.Key("deque.size")

	DequeProcessSpan = tracez.Key("deque.process")

	// DequeEventTimeout fires once per task whose deadline elapses; it is
	// emitted just before the synchronous TimeoutHandler callback is called.
	DequeEventTimeout = hookz.Key("deque.timeout")
)

// Consumer processes a single update to completion or error.
type Consumer[U Update] func(context.Context, U) error

// ErrorHandler reacts to a failed Consumer invocation. Its own error is
// reported out-of-band (as a SignalDequeErrored signal) and never blocks
// slot release.
type ErrorHandler[U Update] func(context.Context, error, U) error

// TimeoutHandler is invoked synchronously the instant a task's deadline
// elapses. late eventually receives the task's real outcome (nil on
// success) once the still-running consume call actually settles; it is
// buffered so a handler that never reads it cannot leak a blocked sender.
type TimeoutHandler[U Update] func(update U, late <-chan error)

// NullErrorHandler ignores handler failures, releasing the slot silently.
func NullErrorHandler[U Update](context.Context, error, U) error { return nil }

// NullTimeoutHandler ignores late settlement.
func NullTimeoutHandler[U Update](U, <-chan error) {}

// DequeEvent is emitted via hookz when a task times out.
type DequeEvent[U Update] struct {
	Update    U
	Timestamp time.Time
}

type ddNode[U Update] struct {
	elem     *list.Element
	update   U
	ctx      context.Context
	admitted time.Time
	deadline time.Time
	late     chan error // buffered(1); only read if this node timed out
	removed  bool
}

// DecayingDeque executes Consumer tasks concurrently under a bounded (or
// Unbounded) parallelism limit, expiring any task that outlives a fixed
// timeout. Admission is never gated on the limit: Add always starts every
// task it is given immediately. The limit only shapes the capacity value
// Add resolves with, which callers use as a backpressure signal for how
// much more work to request next. It is the engine beneath Sink's
// concurrent mode, but usable standalone.
type DecayingDeque[U Update] struct {
	name           Name
	timeout        time.Duration // <= 0 disables expiry entirely
	limit          int           // Unbounded (-1) disables capacity gating
	consume        Consumer[U]
	errorHandler   ErrorHandler[U]
	timeoutHandler TimeoutHandler[U]
	clock          clockz.Clock

	mu      sync.RWMutex
	list    *list.List
	size    int
	waiters []chan int

	wake chan struct{}
	stop chan struct{}
	once sync.Once

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[DequeEvent[U]]
}

// NewDecayingDeque creates a DecayingDeque. timeout <= 0 disables expiry.
// limit == Unbounded disables capacity gating (Add always resolves
// immediately).
func NewDecayingDeque[U Update](name Name, timeout time.Duration, limit int, consume Consumer[U]) *DecayingDeque[U] {
	metrics := metricz.New()
	metrics.Counter(DequeTasksAdmittedTotal)
	metrics.Counter(DequeTasksCompletedTotal)
	metrics.Counter(DequeTasksErroredTotal)
	metrics.Counter(DequeTasksTimedOutTotal)
	metrics.Gauge(DequeSizeGauge)

	d := &DecayingDeque[U]{
		name:           name,
		timeout:        timeout,
		limit:          limit,
		consume:        consume,
		errorHandler:   NullErrorHandler[U],
		timeoutHandler: NullTimeoutHandler[U],
		clock:          clockz.RealClock,
		list:           list.New(),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		metrics:        metrics,
		tracer:         tracez.New(),
		hooks:          hookz.New[DequeEvent[U]](),
	}
	if timeout > 0 {
		go d.timerLoop()
	}
	return d
}

// WithErrorHandler installs the handler invoked when a Consumer call fails.
func (d *DecayingDeque[U]) WithErrorHandler(h ErrorHandler[U]) *DecayingDeque[U] {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errorHandler = h
	return d
}

// WithTimeoutHandler installs the handler invoked synchronously on expiry.
func (d *DecayingDeque[U]) WithTimeoutHandler(h TimeoutHandler[U]) *DecayingDeque[U] {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeoutHandler = h
	return d
}

// WithClock sets a custom clock, primarily for deterministic tests.
func (d *DecayingDeque[U]) WithClock(clock clockz.Clock) *DecayingDeque[U] {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock
	return d
}

// Add appends every update to the queue and starts its Consumer task
// immediately, returning a channel that resolves with the downstream
// capacity once one is known: immediately for Unbounded mode, or as soon
// as limit-size first becomes positive for bounded mode (never with a
// non-positive value, even if that means resolving slightly after
// admission — see SPEC_FULL.md's Open Question resolution).
func (d *DecayingDeque[U]) Add(ctx context.Context, updates []U) <-chan int {
	capCh := make(chan int, 1)
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	wasEmpty := d.list.Len() == 0
	now := d.getClockLocked().Now()
	nodes := make([]*ddNode[U], 0, len(updates))
	for _, u := range updates {
		node := &ddNode[U]{
			update:   u,
			ctx:      ctx,
			admitted: now,
			late:     make(chan error, 1),
		}
		if d.timeout > 0 {
			node.deadline = now.Add(d.timeout)
		}
		node.elem = d.list.PushBack(node)
		d.size++
		nodes = append(nodes, node)
	}
	if len(updates) > 0 {
		d.metrics.Counter(DequeTasksAdmittedTotal).Add(float64(len(updates)))
		d.metrics.Gauge(DequeSizeGauge).Set(float64(d.size))
	}
	if d.timeout > 0 && wasEmpty && len(updates) > 0 {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}

	d.waiters = append(d.waiters, capCh)
	d.resolveWaitersLocked()
	d.mu.Unlock()

	for _, node := range nodes {
		go d.runTask(node)
	}

	capitan.Info(ctx, SignalDequeAdmitted,
		FieldName.Field(d.name),
		FieldBatchSize.Field(len(updates)),
		FieldQueueSize.Field(d.Len()),
		FieldLimit.Field(d.limit),
	)

	return capCh
}

func (d *DecayingDeque[U]) getClockLocked() clockz.Clock {
	if d.clock == nil {
		return clockz.RealClock
	}
	return d.clock
}

func (d *DecayingDeque[U]) getClock() clockz.Clock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getClockLocked()
}

// resolveWaitersLocked pops and resolves as many pending capacity waiters,
// in FIFO arrival order, as currently qualify. Must be called with d.mu
// held for writing.
func (d *DecayingDeque[U]) resolveWaitersLocked() {
	for len(d.waiters) > 0 {
		if d.limit == Unbounded {
			w := d.waiters[0]
			d.waiters = d.waiters[1:]
			w <- Unbounded
			continue
		}
		capacity := d.limit - d.size
		if capacity <= 0 {
			return
		}
		w := d.waiters[0]
		d.waiters = d.waiters[1:]
		w <- capacity
	}
}

func (d *DecayingDeque[U]) runTask(node *ddNode[U]) {
	ctx, span := d.tracer.StartSpan(node.ctx, DequeProcessSpan)
	defer span.Finish()

	err := d.invokeConsume(ctx, node.update)
	d.complete(node, err)
}

func (d *DecayingDeque[U]) invokeConsume(ctx context.Context, u U) (err error) {
	start := d.getClock().Now()
	defer recoverFromPanic(&err, d.name, u, start)
	return d.consume(ctx, u)
}

// complete settles a task that finished (successfully or not) before its
// deadline. If the deadline already elapsed concurrently, the outcome is
// forwarded to the node's late channel instead of being handled here.
func (d *DecayingDeque[U]) complete(node *ddNode[U], consumeErr error) {
	d.mu.RLock()
	alreadyExpired := node.removed
	d.mu.RUnlock()
	if alreadyExpired {
		node.late <- consumeErr
		return
	}

	duration := d.getClock().Now().Sub(node.admitted)

	if consumeErr != nil {
		d.metrics.Counter(DequeTasksErroredTotal).Inc()
		capitan.Warn(node.ctx, SignalDequeErrored,
			FieldName.Field(d.name),
			FieldUpdateID.Field(node.update.UpdateID()),
			FieldError.Field(consumeErr.Error()),
			FieldDuration.Field(duration.Seconds()),
		)
		if herr := d.safeCallErrorHandler(node.ctx, consumeErr, node.update); herr != nil {
			capitan.Error(node.ctx, SignalDequeErrored,
				FieldName.Field(d.name),
				FieldError.Field(herr.Error()),
			)
		}
	} else {
		d.metrics.Counter(DequeTasksCompletedTotal).Inc()
	}

	d.mu.Lock()
	if node.removed {
		// Expired while the error handler (or the bookkeeping above) ran.
		d.mu.Unlock()
		node.late <- consumeErr
		return
	}
	node.removed = true
	d.list.Remove(node.elem)
	d.size--
	d.metrics.Gauge(DequeSizeGauge).Set(float64(d.size))
	d.resolveWaitersLocked()
	capacity := Unbounded
	if d.limit != Unbounded {
		capacity = d.limit - d.size
	}
	d.mu.Unlock()

	capitan.Info(node.ctx, SignalDequeCompleted,
		FieldName.Field(d.name),
		FieldUpdateID.Field(node.update.UpdateID()),
		FieldDuration.Field(duration.Seconds()),
		FieldCapacity.Field(capacity),
	)
}

func (d *DecayingDeque[U]) safeCallErrorHandler(ctx context.Context, err error, u U) (herr error) {
	d.mu.RLock()
	handler := d.errorHandler
	d.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			herr = &panicError{componentName: d.name + ".errorHandler", sanitized: sanitizePanicMessage(r)}
		}
	}()
	return handler(ctx, err, u)
}

func (d *DecayingDeque[U]) safeTimeoutHandler(u U, late <-chan error) {
	d.mu.RLock()
	handler := d.timeoutHandler
	d.mu.RUnlock()
	defer func() { recover() }() //nolint:errcheck
	handler(u, late)
}

// timerLoop maintains a single timer for the oldest (= earliest deadline,
// since timeout is constant) node, re-arming after every purge.
func (d *DecayingDeque[U]) timerLoop() {
	for {
		d.mu.RLock()
		for d.list.Len() == 0 {
			d.mu.RUnlock()
			select {
			case <-d.wake:
			case <-d.stop:
				return
			}
			d.mu.RLock()
		}
		front := d.list.Front().Value.(*ddNode[U]) //nolint:forcetypeassert
		wait := front.deadline.Sub(d.getClockLocked().Now())
		clock := d.getClockLocked()
		d.mu.RUnlock()
		if wait < 0 {
			wait = 0
		}

		select {
		case <-clock.After(wait):
			d.purgeExpired()
		case <-d.stop:
			return
		}
	}
}

func (d *DecayingDeque[U]) purgeExpired() {
	d.mu.Lock()
	now := d.getClockLocked().Now()
	var expired []*ddNode[U]
	for d.list.Len() > 0 {
		front := d.list.Front()
		node := front.Value.(*ddNode[U]) //nolint:forcetypeassert
		if node.deadline.After(now) {
			break
		}
		node.removed = true
		d.list.Remove(front)
		d.size--
		expired = append(expired, node)
	}
	if len(expired) > 0 {
		d.metrics.Gauge(DequeSizeGauge).Set(float64(d.size))
		d.resolveWaitersLocked()
	}
	d.mu.Unlock()

	for _, node := range expired {
		d.metrics.Counter(DequeTasksTimedOutTotal).Inc()
		capitan.Warn(node.ctx, SignalDequeTimedOut,
			FieldName.Field(d.name),
			FieldUpdateID.Field(node.update.UpdateID()),
			FieldTimestamp.Field(float64(now.UnixMilli())),
			FieldDuration.Field(now.Sub(node.admitted).Seconds()),
		)
		_ = d.hooks.Emit(node.ctx, DequeEventTimeout, DequeEvent[U]{Update: node.update, Timestamp: now}) //nolint:errcheck
		d.safeTimeoutHandler(node.update, node.late)
	}
}

// PendingTasks returns the updates of all nodes currently enqueued, in
// insertion order, without mutating the deque.
func (d *DecayingDeque[U]) PendingTasks() []U {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]U, 0, d.list.Len())
	for e := d.list.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*ddNode[U]).update) //nolint:forcetypeassert
	}
	return out
}

// Len returns the number of live (not yet completed/errored/timed-out)
// nodes.
func (d *DecayingDeque[U]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// Name returns the deque's name.
func (d *DecayingDeque[U]) Name() Name { return d.name }

// Metrics returns the metrics registry for this deque.
func (d *DecayingDeque[U]) Metrics() *metricz.Registry { return d.metrics }

// Tracer returns the tracer for this deque.
func (d *DecayingDeque[U]) Tracer() *tracez.Tracer { return d.tracer }

// OnTimeout registers a handler fired (via hookz, asynchronously) whenever
// a task expires, in addition to the synchronous TimeoutHandler.
func (d *DecayingDeque[U]) OnTimeout(handler func(context.Context, DequeEvent[U]) error) error {
	_, err := d.hooks.Hook(DequeEventTimeout, handler)
	return err
}

// Close stops the expiry timer goroutine. It does not wait for in-flight
// tasks; callers that need that should track it via the owning Sink/Runner.
// Close is idempotent.
func (d *DecayingDeque[U]) Close() error {
	d.once.Do(func() {
		close(d.stop)
		d.hooks.Close()
	})
	return nil
}
