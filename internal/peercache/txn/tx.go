package txn

import "sync/atomic"

type State uint32

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Tx is a transaction handle. Handles are compared by ID.
type Tx struct {
	ID uint64
	// Replication marks a transaction that applies changes received from a
	// peer. Such transactions are never broadcast again.
	Replication bool
	// Origin names the peer a replication transaction came from.
	Origin string

	state atomic.Uint32
}

type Option func(*Tx)

// FromPeer marks the transaction as applying changes sent by origin.
func FromPeer(origin string) Option {
	return func(tx *Tx) {
		tx.Replication = true
		tx.Origin = origin
	}
}

func New(id uint64, opts ...Option) *Tx {
	tx := &Tx{ID: id}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

func (tx *Tx) State() State { return State(tx.state.Load()) }

func (tx *Tx) Active() bool { return tx.State() == StateActive }

// Finish moves an active transaction to a terminal state exactly once.
func (tx *Tx) Finish(to State) error {
	if tx.state.CompareAndSwap(uint32(StateActive), uint32(to)) {
		return nil
	}
	return &StateError{Err: ErrFinished, ID: tx.ID, State: tx.State()}
}
