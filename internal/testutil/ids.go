package testutil

import (
	"sync"

	"github.com/julianstephens/peercache/internal/peercache/txn"
)

var _ txn.IDAllocator = (*IDAllocator)(nil)

// IDAllocator is a test implementation of txn.IDAllocator that can be told
// to fail.
type IDAllocator struct {
	mu     sync.Mutex
	nextID uint64
	// Fail is returned by Next while set.
	Fail error
	Calls int
}

// NewIDAllocator creates a new test ID allocator starting at startID
func NewIDAllocator(startID uint64) *IDAllocator {
	return &IDAllocator{nextID: startID}
}

// Next returns the next ID and increments the counter
func (m *IDAllocator) Next() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Fail != nil {
		return 0, m.Fail
	}
	id := m.nextID
	m.nextID++
	return id, nil
}

// Peek returns the next ID without incrementing
func (m *IDAllocator) Peek() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// SetNext moves the counter forward; smaller values are ignored.
func (m *IDAllocator) SetNext(next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next > m.nextID {
		m.nextID = next
	}
	return nil
}
