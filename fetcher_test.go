package runnerz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestFetcher(t *testing.T) {
	t.Run("Succeeds Without Retry", func(t *testing.T) {
		fetcher := NewFetcher[testUpdate]("test", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			return Batch[testUpdate](updates(1)), nil
		})

		batch, err := fetcher.Fetch(context.Background(), 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("expected 1 update, got %d", len(batch))
		}
	})

	t.Run("Retries Recoverable Failures Then Succeeds", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		attempts := 0
		fetcher := NewFetcher[testUpdate]("test", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return Batch[testUpdate](updates(1)), nil
		}).WithClock(clock).WithRetryInterval(FixedRetry(10 * time.Millisecond))

		done := make(chan error, 1)
		var result Batch[testUpdate]
		go func() {
			var err error
			result, err = fetcher.Fetch(context.Background(), 10)
			done <- err
		}()

		for i := 0; i < 2; i++ {
			time.Sleep(10 * time.Millisecond)
			clock.Advance(10 * time.Millisecond)
			clock.BlockUntilReady()
		}

		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("fetch never completed")
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
		if len(result) != 1 {
			t.Errorf("expected 1 update in final result, got %d", len(result))
		}
	})

	t.Run("401 Is Non-Recoverable", func(t *testing.T) {
		calls := 0
		fetcher := NewFetcher[testUpdate]("test", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			calls++
			return nil, &StatusError{Code: 401, Err: errors.New("unauthorized")}
		})

		_, err := fetcher.Fetch(context.Background(), 10)
		if err == nil {
			t.Fatal("expected an error")
		}
		if calls != 1 {
			t.Errorf("expected exactly one call for a non-recoverable status, got %d", calls)
		}
	})

	t.Run("429 Sleeps RetryAfter Then Continues", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		attempts := 0
		fetcher := NewFetcher[testUpdate]("test", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			attempts++
			if attempts == 1 {
				return nil, &StatusError{Code: 429, RetryAfter: 30 * time.Millisecond, Err: errors.New("rate limited")}
			}
			return Batch[testUpdate](updates(9)), nil
		}).WithClock(clock)

		done := make(chan error, 1)
		go func() {
			_, err := fetcher.Fetch(context.Background(), 10)
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		clock.Advance(30 * time.Millisecond)
		clock.BlockUntilReady()

		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("fetch never completed after rate limit wait")
		}
		if attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", attempts)
		}
	})

	t.Run("Exhausts After MaxRetryTime", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		sentinel := errors.New("still failing")
		fetcher := NewFetcher[testUpdate]("test", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			return nil, sentinel
		}).WithClock(clock).WithMaxRetryTime(5 * time.Millisecond).WithRetryInterval(FixedRetry(10 * time.Millisecond))

		_, err := fetcher.Fetch(context.Background(), 10)
		if !errors.Is(err, sentinel) {
			t.Errorf("expected sentinel error once retry budget is exhausted, got %v", err)
		}
	})

	t.Run("OnExhausted Fires When Retry Budget Runs Out", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		sentinel := errors.New("still failing")
		fetcher := NewFetcher[testUpdate]("test", func(_ context.Context, _ int) (Batch[testUpdate], error) {
			return nil, sentinel
		}).WithClock(clock).WithMaxRetryTime(5 * time.Millisecond).WithRetryInterval(FixedRetry(10 * time.Millisecond))
		defer fetcher.Close()

		var mu sync.Mutex
		var gotEvent FetcherExhaustedEvent
		fired := make(chan struct{})
		if err := fetcher.OnExhausted(func(_ context.Context, e FetcherExhaustedEvent) error {
			mu.Lock()
			gotEvent = e
			mu.Unlock()
			close(fired)
			return nil
		}); err != nil {
			t.Fatalf("unexpected error registering hook: %v", err)
		}

		if _, err := fetcher.Fetch(context.Background(), 10); !errors.Is(err, sentinel) {
			t.Fatalf("expected sentinel error, got %v", err)
		}

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("OnExhausted handler never fired")
		}

		mu.Lock()
		defer mu.Unlock()
		if !errors.Is(gotEvent.Err, sentinel) {
			t.Errorf("expected exhausted event to carry the sentinel error, got %v", gotEvent.Err)
		}
	})
}
