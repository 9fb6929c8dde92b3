// Package runnerz provides a long-polling update runner for chat-bot style
// frameworks. A remote service exposes a batch-pull interface that returns
// newly observed updates (records carrying a strictly monotonically
// increasing update_id); runnerz continuously pulls batches, dispatches each
// update to a user-supplied handler, and returns a control handle for
// lifecycle management.
//
// # Core Concepts
//
// The engine is built from six pieces that compose:
//
//   - Update: the opaque record type, constrained only by UpdateID().
//   - Supplier: the remote pull function, func(ctx, batchSize) ([]Update, error).
//   - Source: adapts batch size and inter-batch pacing from downstream
//     feedback, retrying through a Fetcher on transport failure.
//   - DecayingDeque: bounded-concurrency task queue with per-task timeout
//     expiry, the core of Sink's concurrent mode.
//   - Sink: adapts a batch of updates into DecayingDeque work, in
//     Sequential, Batch, or Concurrent mode.
//   - Runner: glues Source and Sink into a start/stop lifecycle, threading
//     capacity feedback from Sink back into Source's pacing.
//
// Two optional middleware/distribution layers sit in front of the handler:
//
//   - Sequentializer: serializes updates that share a constraint key while
//     letting disjoint-key updates run concurrently.
//   - Distributor: round-robins updates across a fixed pool of isolated
//     workers, keyed by update_id.
//
// # Quick Start
//
//	supplier := func(ctx context.Context, batchSize int) (runnerz.Batch[Update], error) {
//	    return client.GetUpdates(ctx, offset, batchSize)
//	}
//	fetcher := runnerz.NewFetcher("telegram-fetch", supplier)
//	source := runnerz.NewSource[Update]("telegram", fetcher.Fetch)
//	sink := runnerz.NewConcurrentSink[Update]("dispatch", handleUpdate, runnerz.DefaultSinkOptions[Update]())
//	runner := runnerz.NewRunner("bot", source, sink)
//
//	runner.Start(context.Background())
//	defer func() { <-runner.Stop() }()
//
// # Observability
//
// Every component owns a metricz.Registry for counters/gauges and emits
// capitan signals for structured, context-aware logging. DecayingDeque,
// Source and Fetcher also take a clockz.Clock for deterministic time;
// DecayingDeque and Source carry a tracez.Tracer for spans; DecayingDeque
// and Fetcher expose a hookz.Hooks registry for typed event callbacks.
// Nothing in the engine calls log.Printf directly.
package runnerz
