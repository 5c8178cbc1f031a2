package txn

import (
	"math"
	"sync"
)

// IDAllocator hands out monotonically increasing transaction IDs during a
// single process lifetime.
type IDAllocator interface {
	// Next reserves and returns the next transaction ID.
	// 0 is reserved as "unset".
	Next() (uint64, error)

	// Peek returns the next ID that would be handed out without reserving it.
	Peek() uint64

	// SetNext sets the next ID to be allocated.
	SetNext(next uint64) error
}

// CounterAllocator is the default in-memory implementation.
type CounterAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewCounterAllocator constructs an allocator starting at next, which must be
// at least 1.
func NewCounterAllocator(next uint64) (*CounterAllocator, error) {
	if next < 1 {
		return nil, &IDError{
			Err:  ErrInvalidID,
			Have: next,
			Want: 1,
		}
	}
	return &CounterAllocator{next: next}, nil
}

func (a *CounterAllocator) Next() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == math.MaxUint64 {
		return 0, &IDError{Err: ErrIDOverflow, Have: a.next}
	}
	a.next++
	return a.next - 1, nil
}

func (a *CounterAllocator) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// SetNext moves the allocator forward. It never moves backwards.
func (a *CounterAllocator) SetNext(next uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if next < 1 {
		return &IDError{
			Err:  ErrInvalidID,
			Have: next,
			Want: 1,
		}
	}
	if next < a.next {
		return &IDError{
			Err:  ErrIDRegression,
			Have: next,
			Want: a.next,
		}
	}

	a.next = next
	return nil
}
