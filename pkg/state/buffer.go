package state

import (
	"context"
	"sync"

	"qualcore/pkg/metrics"
)

// DefaultFlushThreshold is the buffered mutation count that triggers an
// automatic flush.
const DefaultFlushThreshold = 5

// Mutation is one deferred change to the state document. Mutations must be
// self-contained: they are replayed against freshly loaded state at flush
// time, possibly after other processes have saved in between.
type Mutation func(*ProjectState) error

// WriteBuffer accumulates mutations in memory and applies them in one
// locked load-mutate-save transaction per batch, amortizing write cost
// across repeated small operations.
//
// Failure semantics: if a flush fails the buffered mutations are retained
// and retried on the next Record or Flush; the buffer never silently drops
// a recorded item. The owner is responsible for a final explicit Flush
// before process exit.
type WriteBuffer struct {
	store     *Store
	path      string
	threshold int

	mu      sync.Mutex
	pending []Mutation
}

// NewWriteBuffer creates a buffer that flushes through the given store.
func NewWriteBuffer(store *Store, path string, threshold int) *WriteBuffer {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &WriteBuffer{
		store:     store,
		path:      path,
		threshold: threshold,
	}
}

// Record buffers one mutation, flushing automatically when the threshold is
// reached. A flush failure leaves the mutation buffered and is returned so
// the caller can decide whether to retry now or let a later call retry.
func (b *WriteBuffer) Record(ctx context.Context, m Mutation) error {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	shouldFlush := len(b.pending) >= b.threshold
	b.mu.Unlock()

	if !shouldFlush {
		return nil
	}
	return b.flush(ctx, "threshold")
}

// Flush applies all buffered mutations in one transaction.
func (b *WriteBuffer) Flush(ctx context.Context) error {
	return b.flush(ctx, "explicit")
}

// Len returns the number of buffered mutations.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *WriteBuffer) flush(ctx context.Context, trigger string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	batch := b.pending
	_, err := b.store.Mutate(ctx, b.path, func(s *ProjectState) error {
		for _, m := range batch {
			if err := m(s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Retained for retry; nothing was persisted.
		metrics.ObserveBufferFlush(trigger, false)
		return err
	}

	b.pending = nil
	metrics.ObserveBufferFlush(trigger, true)
	return nil
}
