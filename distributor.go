package runnerz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Observability constants for Distributor.
const (
	DistributorDispatchedTotal = metricz.Key("distributor.dispatched.total")
	DistributorAckedTotal      = metricz.Key("distributor.acked.total")
)

// WorkerFunc is what a Distributor worker actually runs for each update it
// receives. It stands in for an isolated worker (thread/process/socket);
// only the message-channel contract around it — seed once, then updates
// in arrival order, echoing update_id on completion — is in scope here.
type WorkerFunc[U Update] func(ctx context.Context, update U) error

// SeedFunc is invoked exactly once per worker, before that worker handles
// its first update.
type SeedFunc func(ctx context.Context, workerIndex int, seed any) error

type workerInbound[U Update] struct {
	update U
}

type workerOutbound struct {
	updateID int
	err      error
}

// Distributor spreads updates across a fixed-size pool of workers for CPU
// parallelism, keyed by update_id mod N. It complements DecayingDeque's
// concurrency rather than replacing it.
type Distributor[U Update] struct {
	name    Name
	count   int
	handler WorkerFunc[U]

	inboxes []chan workerInbound[U]
	outbox  chan workerOutbound

	mu        sync.Mutex
	resolvers map[int]chan error

	stop    chan struct{}
	once    sync.Once
	started bool

	metrics *metricz.Registry
}

// NewDistributor creates a Distributor with count workers (default 4 if
// count <= 0).
func NewDistributor[U Update](name Name, count int, handler WorkerFunc[U]) *Distributor[U] {
	if count <= 0 {
		count = 4
	}
	metrics := metricz.New()
	metrics.Counter(DistributorDispatchedTotal)
	metrics.Counter(DistributorAckedTotal)
	return &Distributor[U]{
		name:      name,
		count:     count,
		handler:   handler,
		outbox:    make(chan workerOutbound, count*4),
		resolvers: make(map[int]chan error),
		stop:      make(chan struct{}),
		metrics:   metrics,
	}
}

// Start spins up the worker pool, seeding each worker with seed via
// seedFunc (if non-nil) before it processes its first update. Start is
// idempotent.
func (d *Distributor[U]) Start(ctx context.Context, seed any, seedFunc SeedFunc) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.inboxes = make([]chan workerInbound[U], d.count)
	for i := range d.inboxes {
		d.inboxes[i] = make(chan workerInbound[U])
	}
	d.mu.Unlock()

	for i := range d.inboxes {
		go d.runWorker(ctx, i, seed, seedFunc)
	}
	go d.correlate()
}

func (d *Distributor[U]) runWorker(ctx context.Context, idx int, seed any, seedFunc SeedFunc) {
	if seedFunc != nil {
		if err := seedFunc(ctx, idx, seed); err != nil {
			capitan.Error(ctx, SignalDistributorDispatched,
				FieldName.Field(d.name),
				FieldWorkerIndex.Field(idx),
				FieldError.Field(err.Error()),
			)
		}
	}

	for {
		select {
		case msg, ok := <-d.inboxes[idx]:
			if !ok {
				return
			}
			err := d.invokeHandler(ctx, msg.update)
			select {
			case d.outbox <- workerOutbound{updateID: msg.update.UpdateID(), err: err}:
			case <-d.stop:
				return
			}
		case <-d.stop:
			return
		}
	}
}

func (d *Distributor[U]) invokeHandler(ctx context.Context, u U) (err error) {
	start := time.Now()
	defer recoverFromPanic(&err, d.name, u, start)
	return d.handler(ctx, u)
}

func (d *Distributor[U]) correlate() {
	for {
		select {
		case out := <-d.outbox:
			d.mu.Lock()
			ch, ok := d.resolvers[out.updateID]
			if ok {
				delete(d.resolvers, out.updateID)
			}
			d.mu.Unlock()
			if ok {
				ch <- out.err
			}
			d.metrics.Counter(DistributorAckedTotal).Inc()
			capitan.Info(context.Background(), SignalDistributorAcked,
				FieldName.Field(d.name),
				FieldUpdateID.Field(out.updateID),
			)
		case <-d.stop:
			return
		}
	}
}

// Process dispatches update to worker (update_id mod N), registers a
// resolver keyed by update_id, and awaits that worker's echo. Two
// simultaneously in-flight updates sharing an update_id would collide on
// the resolver map; this is assumed not to happen, since the remote
// protocol's update_id is strictly monotonic.
func (d *Distributor[U]) Process(ctx context.Context, update U) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrClosed
	}
	idx := update.UpdateID() % d.count
	if idx < 0 {
		idx += d.count
	}
	if idx < 0 || idx >= len(d.inboxes) {
		d.mu.Unlock()
		return ErrIndexOutOfBounds
	}
	resultCh := make(chan error, 1)
	d.resolvers[update.UpdateID()] = resultCh
	inbox := d.inboxes[idx]
	d.mu.Unlock()

	d.metrics.Counter(DistributorDispatchedTotal).Inc()
	capitan.Info(ctx, SignalDistributorDispatched,
		FieldName.Field(d.name),
		FieldUpdateID.Field(update.UpdateID()),
		FieldWorkerIndex.Field(idx),
	)

	select {
	case inbox <- workerInbound[U]{update: update}:
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.resolvers, update.UpdateID())
		d.mu.Unlock()
		return ctx.Err()
	case <-d.stop:
		return ErrClosed
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all workers and the correlation goroutine. It is
// idempotent. In-flight Process calls waiting on a resolver will observe
// their ctx (if any) rather than an explicit close notification.
func (d *Distributor[U]) Close() error {
	d.once.Do(func() {
		close(d.stop)
	})
	return nil
}

// Name returns the Distributor's name.
func (d *Distributor[U]) Name() Name { return d.name }

// Metrics returns the metrics registry for this Distributor.
func (d *Distributor[U]) Metrics() *metricz.Registry { return d.metrics }
