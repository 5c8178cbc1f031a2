package notify

import "sync/atomic"

// State is the lifecycle of the local instance on the datagram channel.
type State uint32

const (
	Offline State = iota
	LoggingIn
	Online
	LoggingOut
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case LoggingIn:
		return "logging_in"
	case Online:
		return "online"
	case LoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

type stateBox struct{ v atomic.Uint32 }

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) move(from, to State) bool {
	return b.v.CompareAndSwap(uint32(from), uint32(to))
}

func (b *stateBox) set(to State) { b.v.Store(uint32(to)) }
