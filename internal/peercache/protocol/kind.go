package protocol

import (
	"fmt"

	"github.com/julianstephens/peercache/internal/peercache/frame"
)

// Kind is the envelope type. It travels as the frame kind.
type Kind uint8

const (
	// Login announces an instance and asks peers to answer with Hello.
	Login Kind = iota + 1
	// Hello answers Login and doubles as a liveness signal.
	Hello
	// Logout tells peers the sender is going away.
	Logout
	// Data carries coalesced change records over the datagram channel.
	Data
	// Notify carries one committed transaction over a peer connection.
	Notify
	// Ack confirms a Notify sequence.
	Ack
	// SyncRequest asks for rows changed since per-table cursors.
	SyncRequest
	// SyncResponse answers SyncRequest.
	SyncResponse
)

func (k Kind) String() string {
	switch k {
	case Login:
		return "login"
	case Hello:
		return "hello"
	case Logout:
		return "logout"
	case Data:
		return "data"
	case Notify:
		return "notify"
	case Ack:
		return "ack"
	case SyncRequest:
		return "sync_request"
	case SyncResponse:
		return "sync_response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool { return k >= Login && k <= SyncResponse }

func (k Kind) frameKind() frame.Kind { return frame.Kind(k) }
