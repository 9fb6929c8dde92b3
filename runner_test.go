package runnerz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunner(t *testing.T) {
	t.Run("Processes Batches Until Stopped", func(t *testing.T) {
		var mu sync.Mutex
		var seen []int

		source := NewSource[testUpdate]("source", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			id := len(seen) + 1
			mu.Unlock()
			return Batch[testUpdate](updates(id)), nil
		})
		sink := NewConcurrentSink[testUpdate]("sink", func(_ context.Context, u testUpdate) error {
			mu.Lock()
			seen = append(seen, u.UpdateID())
			mu.Unlock()
			return nil
		}, SinkOptions[testUpdate]{Concurrency: 10})
		defer sink.Close()

		runner := NewRunner[testUpdate]("runner", source, sink)
		runner.Start(context.Background())

		deadline := time.After(time.Second)
		for {
			mu.Lock()
			n := len(seen)
			mu.Unlock()
			if n >= 5 {
				break
			}
			select {
			case <-deadline:
				t.Fatal("runner never processed enough batches")
			case <-time.After(time.Millisecond):
			}
		}

		select {
		case <-runner.Stop():
		case <-time.After(time.Second):
			t.Fatal("runner never stopped")
		}

		if runner.IsRunning() {
			t.Error("expected runner to report not running after Stop")
		}
		if err := runner.Err(); err != nil {
			t.Errorf("expected no error after a clean stop, got %v", err)
		}
	})

	t.Run("Swallows Errors After Stop", func(t *testing.T) {
		source := NewSource[testUpdate]("source", func(ctx context.Context, _ int) (Batch[testUpdate], error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		sink := NewConcurrentSink[testUpdate]("sink", func(_ context.Context, _ testUpdate) error {
			return nil
		}, DefaultSinkOptions[testUpdate]())
		defer sink.Close()

		runner := NewRunner[testUpdate]("runner", source, sink)
		runner.Start(context.Background())

		time.Sleep(10 * time.Millisecond)

		select {
		case <-runner.Stop():
		case <-time.After(time.Second):
			t.Fatal("runner never stopped")
		}

		if err := runner.Err(); err != nil {
			t.Errorf("expected abort-induced error to be swallowed, got %v", err)
		}
	})

	t.Run("Propagates Genuine Supply Errors", func(t *testing.T) {
		sentinel := errors.New("supplier exploded")
		source := NewSource[testUpdate]("source", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			return nil, sentinel
		})
		sink := NewConcurrentSink[testUpdate]("sink", func(_ context.Context, _ testUpdate) error {
			return nil
		}, DefaultSinkOptions[testUpdate]())
		defer sink.Close()

		runner := NewRunner[testUpdate]("runner", source, sink)
		runner.Start(context.Background())

		select {
		case <-runner.Task():
		case <-time.After(time.Second):
			t.Fatal("runner never finished")
		}

		if !errors.Is(runner.Err(), sentinel) {
			t.Errorf("expected sentinel error to propagate, got %v", runner.Err())
		}
	})
}
