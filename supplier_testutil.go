package runnerz

import (
	"context"
	"sync"
)

// StaticSupplier replays a fixed sequence of batches, one per call, then
// blocks until ctx is done. It exists to drive Source/Runner tests and
// examples without a real remote protocol.
type StaticSupplier[U Update] struct {
	mu      sync.Mutex
	batches []Batch[U]
	index   int
}

// NewStaticSupplier creates a StaticSupplier that yields batches in order.
func NewStaticSupplier[U Update](batches ...Batch[U]) *StaticSupplier[U] {
	return &StaticSupplier[U]{batches: batches}
}

// Supplier returns the function to pass to NewSource or NewFetcher.
func (s *StaticSupplier[U]) Supplier() Supplier[U] {
	return func(ctx context.Context, _ int) (Batch[U], error) {
		s.mu.Lock()
		if s.index < len(s.batches) {
			batch := s.batches[s.index]
			s.index++
			s.mu.Unlock()
			return batch, nil
		}
		s.mu.Unlock()

		<-ctx.Done()
		return nil, ctx.Err()
	}
}
