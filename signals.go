package runnerz

import "github.com/zoobzio/capitan"

// Signal constants for runnerz component events. Signals follow the
// pattern <component>.<event>, mirroring the rest of this ecosystem's
// structured-logging convention.
const (
	// DecayingDeque signals.
	SignalDequeAdmitted  capitan.Signal = "deque.admitted"
	SignalDequeCompleted capitan.Signal = "deque.completed"
	SignalDequeErrored   capitan.Signal = "deque.errored"
	SignalDequeTimedOut  capitan.Signal = "deque.timed-out"

	// Source signals.
	SignalSourceBatchPulled capitan.Signal = "source.batch-pulled"
	SignalSourcePacing      capitan.Signal = "source.pacing"
	SignalSourceClosed      capitan.Signal = "source.closed"

	// Fetcher signals.
	SignalFetcherRetry      capitan.Signal = "fetcher.retry"
	SignalFetcherRateLimit  capitan.Signal = "fetcher.rate-limited"
	SignalFetcherFatal      capitan.Signal = "fetcher.fatal"
	SignalFetcherExhausted  capitan.Signal = "fetcher.exhausted"

	// Sink signals.
	SignalSinkHandled capitan.Signal = "sink.handled"

	// Runner signals.
	SignalRunnerStarted capitan.Signal = "runner.started"
	SignalRunnerStopped capitan.Signal = "runner.stopped"
	SignalRunnerError   capitan.Signal = "runner.error"

	// Sequentializer signals.
	SignalSequentializerChained capitan.Signal = "sequentializer.chained"
	SignalSequentializerReleased capitan.Signal = "sequentializer.released"

	// Distributor signals.
	SignalDistributorDispatched capitan.Signal = "distributor.dispatched"
	SignalDistributorAcked      capitan.Signal = "distributor.acked"
)

// Common field keys, built from capitan's primitive key constructors so no
// custom struct serialization is needed.
var (
	FieldName      = capitan.NewStringKey("name")
	FieldError     = capitan.NewStringKey("error")
	FieldTimestamp = capitan.NewFloat64Key("timestamp")
	FieldDuration  = capitan.NewFloat64Key("duration")

	FieldUpdateID  = capitan.NewIntKey("update_id")
	FieldBatchSize = capitan.NewIntKey("batch_size")
	FieldOffset    = capitan.NewIntKey("offset")
	FieldPace      = capitan.NewIntKey("pace")
	FieldWaitMs    = capitan.NewFloat64Key("wait_ms")

	FieldQueueSize = capitan.NewIntKey("queue_size")
	FieldLimit     = capitan.NewIntKey("limit")
	FieldCapacity  = capitan.NewIntKey("capacity")

	FieldAttempt    = capitan.NewIntKey("attempt")
	FieldRetryAfter = capitan.NewFloat64Key("retry_after")
	FieldStatusCode = capitan.NewIntKey("status_code")

	FieldKey      = capitan.NewStringKey("key")
	FieldRefCount = capitan.NewIntKey("refcount")

	FieldWorkerIndex = capitan.NewIntKey("worker_index")
)
