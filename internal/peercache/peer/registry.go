package peer

import (
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/julianstephens/peercache/internal/logger"
)

// Liveness is what the local instance believes about a peer.
type Liveness uint8

const (
	Unknown Liveness = iota
	Active
	Inactive
)

func (l Liveness) String() string {
	switch l {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Instance is one known peer. Its state is safe for concurrent use.
type Instance struct {
	mu         sync.Mutex
	endpoint   Endpoint
	liveness   Liveness
	lastSeen   time.Time
	instanceID string
	conn       io.Closer
	ackedSeq   uint64
}

func (in *Instance) Endpoint() Endpoint {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.endpoint
}

func (in *Instance) Key() string { return in.Endpoint().Key() }

func (in *Instance) Liveness() Liveness {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.liveness
}

func (in *Instance) LastSeen() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastSeen
}

// InstanceID is the identifier the peer announced at login, if any.
func (in *Instance) InstanceID() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.instanceID
}

func (in *Instance) SetInstanceID(id string) {
	in.mu.Lock()
	in.instanceID = id
	in.mu.Unlock()
}

// Conn returns the open connection handle to the peer, or nil.
func (in *Instance) Conn() io.Closer {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conn
}

// SetConn replaces the connection handle and returns the previous one, which
// the caller owns.
func (in *Instance) SetConn(c io.Closer) io.Closer {
	in.mu.Lock()
	defer in.mu.Unlock()
	prev := in.conn
	in.conn = c
	return prev
}

// ClearConn drops the handle only if it is still c.
func (in *Instance) ClearConn(c io.Closer) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn != c {
		return false
	}
	in.conn = nil
	return true
}

// AckedSeq is the highest journal sequence the peer acknowledged.
func (in *Instance) AckedSeq() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ackedSeq
}

// Ack raises the acknowledged sequence. Lower values are ignored.
func (in *Instance) Ack(seq uint64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if seq <= in.ackedSeq {
		return false
	}
	in.ackedSeq = seq
	return true
}

// Snapshot is a point-in-time copy of an Instance.
type Snapshot struct {
	Endpoint   Endpoint
	Liveness   Liveness
	LastSeen   time.Time
	InstanceID string
	AckedSeq   uint64
	Connected  bool
}

func (in *Instance) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Snapshot{
		Endpoint:   in.endpoint,
		Liveness:   in.liveness,
		LastSeen:   in.lastSeen,
		InstanceID: in.instanceID,
		AckedSeq:   in.ackedSeq,
		Connected:  in.conn != nil,
	}
}

// Registry tracks known peers keyed by Endpoint.Key. Lookups and updates do
// not block on any network activity.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*Instance
	current *Instance
	changed chan struct{}
	now     func() time.Time
	lg      logger.Logger
}

func NewRegistry(lg logger.Logger) *Registry {
	if lg == nil {
		lg = logger.NoOpLogger{}
	}
	return &Registry{
		peers:   make(map[string]*Instance),
		changed: make(chan struct{}),
		now:     time.Now,
		lg:      lg,
	}
}

// Upsert returns the instance for ep, creating it as Unknown when new. A
// stream scheme replaces a datagram scheme on an existing entry so the
// replication channel can be dialled.
func (r *Registry) Upsert(ep Endpoint) *Instance {
	key := ep.Key()
	r.mu.RLock()
	in, ok := r.peers[key]
	r.mu.RUnlock()
	if ok {
		in.mu.Lock()
		if ep.Scheme.Stream() && !in.endpoint.Scheme.Stream() {
			in.endpoint.Scheme = ep.Scheme
		}
		in.mu.Unlock()
		return in
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.peers[key]; ok {
		return in
	}
	in = &Instance{endpoint: ep}
	r.peers[key] = in
	r.lg.Debug("peer registered", "peer", key)
	return in
}

// Lookup finds the instance for ep without creating it.
func (r *Registry) Lookup(ep Endpoint) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.peers[ep.Key()]
	return in, ok
}

// MarkActive records that ep answered. The instance is created if needed.
func (r *Registry) MarkActive(ep Endpoint) *Instance {
	in := r.Upsert(ep)
	in.mu.Lock()
	prev := in.liveness
	in.liveness = Active
	in.lastSeen = r.now()
	in.mu.Unlock()
	if prev != Active {
		r.lg.Info("peer active", "peer", ep.Key())
		r.signal()
	}
	return in
}

// MarkInactive records that ep left or failed. The open connection handle,
// if any, is detached and returned for the caller to close.
func (r *Registry) MarkInactive(ep Endpoint) (*Instance, io.Closer) {
	in := r.Upsert(ep)
	in.mu.Lock()
	prev := in.liveness
	in.liveness = Inactive
	conn := in.conn
	in.conn = nil
	in.mu.Unlock()
	if prev != Inactive {
		r.lg.Info("peer inactive", "peer", ep.Key())
		r.signal()
	}
	return in, conn
}

// Touch refreshes last-seen for an already active peer.
func (r *Registry) Touch(ep Endpoint) {
	if in, ok := r.Lookup(ep); ok {
		in.mu.Lock()
		in.lastSeen = r.now()
		in.mu.Unlock()
	}
}

// Enumerate returns every known peer ordered by key. The current instance is
// not included.
func (r *Registry) Enumerate() []*Instance {
	r.mu.RLock()
	keys := maps.Keys(r.peers)
	sort.Strings(keys)
	out := make([]*Instance, 0, len(keys))
	for _, k := range keys {
		if in := r.peers[k]; in != r.current {
			out = append(out, in)
		}
	}
	r.mu.RUnlock()
	return out
}

// Active returns the peers currently marked Active, ordered by key.
func (r *Registry) Active() []*Instance {
	all := r.Enumerate()
	out := all[:0]
	for _, in := range all {
		if in.Liveness() == Active {
			out = append(out, in)
		}
	}
	return out
}

// SetCurrent registers ep as the local instance.
func (r *Registry) SetCurrent(ep Endpoint) *Instance {
	in := r.Upsert(ep)
	in.mu.Lock()
	in.liveness = Active
	in.lastSeen = r.now()
	in.mu.Unlock()
	r.mu.Lock()
	r.current = in
	r.mu.Unlock()
	return in
}

// Current returns the local instance, or nil before SetCurrent.
func (r *Registry) Current() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// IsSelf reports whether ep addresses the local instance.
func (r *Registry) IsSelf(ep Endpoint) bool {
	cur := r.Current()
	return cur != nil && cur.Key() == ep.Key()
}

// Changes returns a channel that is closed at the next liveness change.
// Take the channel before inspecting state to avoid missing a change.
func (r *Registry) Changes() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

func (r *Registry) signal() {
	r.mu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}
