package change

import (
	"fmt"
	"sync"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache/txn"
)

// Buffer accumulates the records of in-flight transactions until commit or
// rollback. Transactions are tracked independently and may record
// concurrently; completing one transaction is the caller's single-threaded
// step.
type Buffer struct {
	pending sync.Map // txn id -> *txnRecords
	lg      logger.Logger
}

type txnRecords struct {
	mu      sync.Mutex
	records []Record
}

func NewBuffer(lg logger.Logger) *Buffer {
	if lg == nil {
		lg = logger.NoOpLogger{}
	}
	return &Buffer{lg: lg}
}

// Record appends rec to the transaction's pending list.
func (b *Buffer) Record(tx *txn.Tx, rec Record) error {
	if tx == nil {
		return ErrNilTx
	}
	if !rec.Command.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCommand, rec.Command)
	}
	if rec.Table == "" {
		return ErrNoTable
	}
	v, _ := b.pending.LoadOrStore(tx.ID, &txnRecords{})
	tr := v.(*txnRecords)
	tr.mu.Lock()
	tr.records = append(tr.records, rec)
	tr.mu.Unlock()
	return nil
}

// Flush removes and returns the transaction's records in capture order.
func (b *Buffer) Flush(tx *txn.Tx) []Record {
	if tx == nil {
		return nil
	}
	v, ok := b.pending.LoadAndDelete(tx.ID)
	if !ok {
		return nil
	}
	tr := v.(*txnRecords)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := tr.records
	tr.records = nil
	b.lg.Debug("flushed transaction buffer", "txn", tx.ID, "count", len(out))
	return out
}

// Discard drops the transaction's records and reports how many there were.
func (b *Buffer) Discard(tx *txn.Tx) int {
	if tx == nil {
		return 0
	}
	v, ok := b.pending.LoadAndDelete(tx.ID)
	if !ok {
		return 0
	}
	tr := v.(*txnRecords)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := len(tr.records)
	tr.records = nil
	if n > 0 {
		b.lg.Debug("discarded transaction buffer", "txn", tx.ID, "count", n)
	}
	return n
}

// Pending reports how many transactions hold records.
func (b *Buffer) Pending() int {
	n := 0
	b.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
