package runnerz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestDecayingDeque(t *testing.T) {
	t.Run("Unbounded Resolves Immediately", func(t *testing.T) {
		deque := NewDecayingDeque[testUpdate]("test", 0, Unbounded, func(_ context.Context, _ testUpdate) error {
			return nil
		})
		defer deque.Close()

		capCh := deque.Add(context.Background(), updates(1, 2, 3))
		select {
		case cap := <-capCh:
			if cap != Unbounded {
				t.Errorf("expected Unbounded capacity, got %d", cap)
			}
		case <-time.After(time.Second):
			t.Fatal("capacity never resolved")
		}
	})

	t.Run("Bounded Waits For Room", func(t *testing.T) {
		release := make(chan struct{})
		deque := NewDecayingDeque[testUpdate]("test", 0, 2, func(_ context.Context, _ testUpdate) error {
			<-release
			return nil
		})
		defer deque.Close()

		capCh := deque.Add(context.Background(), updates(1, 2))

		select {
		case cap := <-capCh:
			t.Fatalf("expected no capacity while both slots are busy, got %d", cap)
		case <-time.After(50 * time.Millisecond):
		}

		close(release)

		select {
		case cap := <-capCh:
			if cap <= 0 {
				t.Errorf("expected positive capacity once slots freed, got %d", cap)
			}
		case <-time.After(time.Second):
			t.Fatal("capacity never resolved after release")
		}
	})

	t.Run("Error Routes To ErrorHandler Before Slot Release", func(t *testing.T) {
		var mu sync.Mutex
		var handled []int
		sentinel := errors.New("boom")

		deque := NewDecayingDeque[testUpdate]("test", 0, 1, func(_ context.Context, u testUpdate) error {
			if u.UpdateID() == 1 {
				return sentinel
			}
			return nil
		}).WithErrorHandler(func(_ context.Context, err error, u testUpdate) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, u.UpdateID())
			if !errors.Is(err, sentinel) {
				t.Errorf("expected sentinel error, got %v", err)
			}
			return nil
		})
		defer deque.Close()

		capCh := deque.Add(context.Background(), updates(1))
		select {
		case <-capCh:
		case <-time.After(time.Second):
			t.Fatal("capacity never resolved")
		}

		mu.Lock()
		defer mu.Unlock()
		if len(handled) != 1 || handled[0] != 1 {
			t.Errorf("expected error handler invoked for update 1, got %v", handled)
		}
	})

	t.Run("Expired Task Routes To TimeoutHandler", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		unblock := make(chan struct{})
		lateResults := make(chan error, 1)

		deque := NewDecayingDeque[testUpdate]("test", 50*time.Millisecond, Unbounded, func(ctx context.Context, _ testUpdate) error {
			<-unblock
			return nil
		}).WithClock(clock).WithTimeoutHandler(func(_ testUpdate, late <-chan error) {
			go func() {
				lateResults <- <-late
			}()
		})
		defer deque.Close()

		deque.Add(context.Background(), updates(1))

		// Allow the timer goroutine to pick up the node and arm its timer.
		time.Sleep(10 * time.Millisecond)
		clock.Advance(50 * time.Millisecond)
		clock.BlockUntilReady()

		// Deadline processing happens on a background goroutine.
		deadline := time.After(time.Second)
		for deque.Len() != 0 {
			select {
			case <-deadline:
				t.Fatal("node was never purged after its deadline elapsed")
			case <-time.After(time.Millisecond):
			}
		}

		close(unblock)

		select {
		case err := <-lateResults:
			if err != nil {
				t.Errorf("expected nil late result, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("late result never delivered")
		}
	})

	t.Run("PendingTasks Snapshot", func(t *testing.T) {
		release := make(chan struct{})
		deque := NewDecayingDeque[testUpdate]("test", 0, Unbounded, func(_ context.Context, _ testUpdate) error {
			<-release
			return nil
		})
		defer func() {
			close(release)
			deque.Close()
		}()

		deque.Add(context.Background(), updates(5, 6, 7))

		deadline := time.After(time.Second)
		for deque.Len() != 3 {
			select {
			case <-deadline:
				t.Fatal("tasks never admitted")
			case <-time.After(time.Millisecond):
			}
		}

		pending := deque.PendingTasks()
		if len(pending) != 3 {
			t.Fatalf("expected 3 pending tasks, got %d", len(pending))
		}
		ids := map[int]bool{}
		for _, u := range pending {
			ids[u.UpdateID()] = true
		}
		for _, id := range []int{5, 6, 7} {
			if !ids[id] {
				t.Errorf("expected update %d in pending snapshot", id)
			}
		}
	})

	t.Run("Panicking Consumer Is Recovered", func(t *testing.T) {
		deque := NewDecayingDeque[testUpdate]("test", 0, 1, func(_ context.Context, _ testUpdate) error {
			panic("consume exploded")
		}).WithErrorHandler(func(_ context.Context, err error, _ testUpdate) error {
			if err == nil || err.Error() == "" {
				t.Errorf("expected a non-empty panic error, got %v", err)
			}
			return nil
		})
		defer deque.Close()

		capCh := deque.Add(context.Background(), updates(1))
		select {
		case <-capCh:
		case <-time.After(time.Second):
			t.Fatal("capacity never resolved after panicking consumer")
		}
	})
}
