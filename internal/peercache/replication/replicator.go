package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/julianstephens/go-utils/generic"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/journal"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/txn"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

// Store is the local side of replication.
type Store interface {
	change.Applier
	ChangedSince(ctx context.Context, table string, since int64) ([]change.Record, int64, error)
	Digest(ctx context.Context, table string) ([]byte, error)
	LoadCursor(ctx context.Context, peer, schemaName, table string) (cache.Cursor, error)
	SaveCursor(ctx context.Context, cur cache.Cursor) error
}

var _ Store = (*cache.Cache)(nil)

// Stats counts broadcast activity.
type Stats struct {
	Broadcasts uint64
	// Suppressed counts commits that were not broadcast because they applied
	// changes received from a peer.
	Suppressed uint64
	Links      int
	// Queued is the number of committed envelopes not yet handed to peers.
	Queued int
}

// Replicator is the connection-oriented change channel. Every committed
// local transaction becomes one Notify envelope sent to each active peer;
// peers acknowledge by sequence and replay what they missed on reconnect.
type Replicator struct {
	settings Settings
	codec    *wire.Codec
	peers    *peer.Registry
	store    Store
	journal  *journal.Journal
	elig     *Eligibility
	seen     *change.Seen
	lg       logger.Logger

	running    atomic.Bool
	signedIn   atomic.Bool
	broadcasts atomic.Uint64
	suppressed atomic.Uint64

	ln   *listener
	self peer.Endpoint

	mu       sync.Mutex
	links    map[string]*link
	accepted map[*link]struct{}
	applied  map[string]uint64
	waiters  map[ulid.ULID]chan *protocol.Envelope

	// outbox holds committed Notify envelopes in commit order until the
	// send loop broadcasts them.
	outMu  sync.Mutex
	outbox []*protocol.Envelope
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Replicator. jnl may be nil, in which case Notify envelopes
// are not retained for peers that miss them and only Synch repairs gaps.
func New(settings Settings, codec *wire.Codec, peers *peer.Registry, store Store, jnl *journal.Journal, elig *Eligibility, lg logger.Logger) (*Replicator, error) {
	if !settings.Listen.Scheme.Stream() {
		return nil, fmt.Errorf("%w: %s", ErrNotStream, settings.Listen)
	}
	if store == nil || elig == nil {
		return nil, fmt.Errorf("%w: store and eligibility are required", ErrState)
	}
	settings = settings.withDefaults()
	return &Replicator{
		settings: settings,
		codec:    codec,
		peers:    peers,
		store:    store,
		journal:  jnl,
		elig:     elig,
		seen:     change.NewSeen(settings.DedupTTL, settings.DedupCapacity),
		lg:       logger.With(logger.OrNop(lg), "component", "replication"),
		links:    make(map[string]*link),
		accepted: make(map[*link]struct{}),
		applied:  make(map[string]uint64),
		waiters:  make(map[ulid.ULID]chan *protocol.Envelope),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Self is the bound stream endpoint. It is only meaningful after Start.
func (r *Replicator) Self() peer.Endpoint { return r.self }

func (r *Replicator) Running() bool { return r.running.Load() }

func (r *Replicator) SignedIn() bool { return r.signedIn.Load() }

func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	n := len(r.links) + len(r.accepted)
	r.mu.Unlock()
	r.outMu.Lock()
	q := len(r.outbox)
	r.outMu.Unlock()
	return Stats{Broadcasts: r.broadcasts.Load(), Suppressed: r.suppressed.Load(), Links: n, Queued: q}
}

// Start binds the listener and starts the accept and sync loops. When no
// local instance is registered yet, the bound endpoint becomes current.
func (r *Replicator) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already started", ErrState)
	}
	ln, err := listen(r.settings.Listen, r.settings.WriteTimeout)
	if err != nil {
		r.running.Store(false)
		return err
	}
	self, err := peer.FromAddr(r.settings.Listen.Scheme, ln.Addr())
	if err != nil {
		_ = ln.Close()
		r.running.Store(false)
		return err
	}
	r.ln = ln
	r.self = self
	if r.peers.Current() == nil {
		r.peers.SetCurrent(self)
	} else {
		r.peers.Upsert(self)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.acceptLoop(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sendLoop(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.seen.Start()
	}()
	if r.settings.SyncInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.syncLoop(r.ctx)
		}()
	}
	r.lg.Info("replication listening", "addr", self.String(), "tables", len(r.elig.Tables()))
	return ctx.Err()
}

// Stop sends Logout on every dialled link, then closes the listener and all
// links.
func (r *Replicator) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return ErrNotStarted
	}
	r.mu.Lock()
	all := make([]*link, 0, len(r.links)+len(r.accepted))
	for _, l := range r.links {
		all = append(all, l)
	}
	for l := range r.accepted {
		all = append(all, l)
	}
	r.mu.Unlock()

	bye := r.envelope(protocol.Logout)
	for _, l := range all {
		if l.dialled && ctx.Err() == nil {
			if err := l.send(bye); err != nil {
				r.lg.Debug("logout send failed", "remote", l.c.RemoteAddr().String(), "error", err)
			}
		}
	}
	err := r.ln.Close()
	r.cancel()
	for _, l := range all {
		_ = l.Close()
	}
	r.seen.Stop()
	r.wg.Wait()
	r.signedIn.Store(false)
	r.lg.Info("replication stopped")
	return err
}

// SignIn dials every known peer, sends Login and waits until at least one
// peer is active. It gives up after SignInTimeout with ErrSignInTimeout;
// the caller may carry on unconfirmed and peers are picked up as they
// answer.
func (r *Replicator) SignIn(ctx context.Context) error {
	if !r.running.Load() {
		return ErrNotStarted
	}
	if r.signedIn.Load() {
		return nil
	}
	targets := r.peers.Enumerate()
	if len(targets) == 0 {
		r.signedIn.Store(true)
		r.lg.Info("signed in without peers")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.settings.SignInTimeout)
	defer cancel()
	for _, in := range targets {
		go func(in *peer.Instance) {
			if _, err := r.connect(ctx, in, true); err != nil {
				r.lg.Debug("sign-in dial gave up", "peer", in.Key(), "error", err)
			}
		}(in)
	}

	for {
		changed := r.peers.Changes()
		if n := len(r.peers.Active()); n > 0 {
			r.signedIn.Store(true)
			r.lg.Info("signed in", "active", n, "known", len(targets))
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			r.lg.Warn("sign-in unconfirmed", "known", len(targets), "timeout", r.settings.SignInTimeout.String())
			return fmt.Errorf("%w after %s", ErrSignInTimeout, r.settings.SignInTimeout)
		}
	}
}

// OnTransactionCommit journals the records one local transaction committed
// and queues them for broadcast. It never waits on the network. Transactions
// that applied changes from a peer are never sent on, which keeps two
// instances from echoing a change back and forth.
func (r *Replicator) OnTransactionCommit(_ context.Context, tx *txn.Tx, recs []change.Record) error {
	if tx != nil && tx.Replication {
		r.suppressed.Add(1)
		r.lg.Debug("not rebroadcasting peer transaction", "tx", tx.ID, "origin", tx.Origin)
		return nil
	}
	recs = r.elig.Filter(recs)
	if len(recs) == 0 {
		return nil
	}
	if !r.running.Load() {
		return ErrNotStarted
	}
	env := r.envelope(protocol.Notify)
	env.Batch = ulid.Make()
	env.Records = change.Coalesce(recs)
	if r.journal != nil {
		payload, err := r.codec.Marshal(env)
		if err != nil {
			return err
		}
		seq, err := r.journal.Append(payload)
		if err != nil {
			return err
		}
		env.Seq = seq
	}
	r.enqueue(env)
	return nil
}

func (r *Replicator) enqueue(env *protocol.Envelope) {
	r.outMu.Lock()
	r.outbox = append(r.outbox, env)
	r.outMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sendLoop broadcasts queued envelopes one at a time in commit order.
// Envelopes still queued at Stop stay in the journal and reach peers by
// replay on their next Hello.
func (r *Replicator) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		r.outMu.Lock()
		batch := r.outbox
		r.outbox = nil
		r.outMu.Unlock()
		for _, env := range batch {
			if ctx.Err() != nil {
				return
			}
			if err := r.Broadcast(ctx, env); err != nil {
				r.lg.Warn("replication broadcast incomplete", "batch", env.Batch.String(), "seq", env.Seq, "error", err)
			}
		}
	}
}

// Broadcast sends env to every active peer, at most FanOut at a time. A
// failing peer is marked inactive and reported in the joined error; the
// others still receive env.
func (r *Replicator) Broadcast(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Marshal(r.codec, env)
	if err != nil {
		return err
	}
	targets := r.peers.Active()
	r.lg.Debug("broadcasting", "kind", env.Kind.String(), "batch", env.Batch.String(), "seq", env.Seq, "records", len(env.Records), "peers", len(targets))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.settings.FanOut)
	for _, in := range targets {
		g.Go(func() error {
			l, err := r.connect(ctx, in, false)
			if err == nil {
				err = generic.If(env.Kind == protocol.Notify && env.Seq > 0, l.deliver, l.sendRaw)(data)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, &SendError{Peer: in.Key(), Kind: env.Kind.String(), Err: err})
				mu.Unlock()
				r.fail(in, l)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.broadcasts.Add(1)
	return errors.Join(errs...)
}

// fail marks in inactive and closes its links.
func (r *Replicator) fail(in *peer.Instance, l *link) {
	_, c := r.peers.MarkInactive(in.Endpoint())
	if c != nil {
		_ = c.Close()
	}
	if l != nil {
		_ = l.Close()
	}
}

func (r *Replicator) envelope(kind protocol.Kind) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:       kind,
		Sender:     r.self.String(),
		Stream:     r.self.String(),
		InstanceID: r.settings.InstanceID,
	}
}

// streamEndpoint is where to dial in. Peers learnt over the datagram
// channel share the port with their stream listener.
func (r *Replicator) streamEndpoint(ep peer.Endpoint) peer.Endpoint {
	if ep.Scheme.Stream() {
		return ep
	}
	return ep.WithScheme(r.settings.Listen.Scheme)
}

// connect returns the dialled link to in, dialling and sending Login when
// there is none. With retry the dial backs off until ctx ends.
func (r *Replicator) connect(ctx context.Context, in *peer.Instance, retry bool) (*link, error) {
	key := in.Key()
	r.mu.Lock()
	l, ok := r.links[key]
	r.mu.Unlock()
	if ok {
		return l, nil
	}
	if !r.running.Load() {
		return nil, ErrNotStarted
	}

	ep := r.streamEndpoint(in.Endpoint())
	var c conn
	op := func() error {
		var err error
		c, err = dial(ctx, ep, r.settings.DialTimeout, r.settings.WriteTimeout)
		return err
	}
	var err error
	if retry {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = time.Second
		b.MaxElapsedTime = 0
		err = backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			r.lg.Debug("dial failed, retrying", "peer", key, "wait", wait.String(), "error", err)
		})
	} else {
		err = op()
	}
	if err != nil {
		return nil, err
	}

	l = &link{r: r, c: c, dialled: true, in: in, ready: r.journal == nil}
	r.mu.Lock()
	if prev, ok := r.links[key]; ok {
		r.mu.Unlock()
		_ = c.Close()
		return prev, nil
	}
	if !r.running.Load() {
		r.mu.Unlock()
		_ = c.Close()
		return nil, ErrNotStarted
	}
	r.links[key] = l
	r.wg.Add(1)
	r.mu.Unlock()
	if prev := in.SetConn(l); prev != nil && prev != l {
		_ = prev.Close()
	}

	go func() {
		defer r.wg.Done()
		l.run(r.ctx)
	}()
	if err := l.send(r.envelope(protocol.Login)); err != nil {
		_ = l.Close()
		return nil, err
	}
	r.lg.Debug("link dialled", "peer", key, "endpoint", ep.String())
	return l, nil
}

func (r *Replicator) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-r.ln.accept:
			l := &link{r: r, c: c}
			r.mu.Lock()
			if !r.running.Load() {
				r.mu.Unlock()
				_ = c.Close()
				continue
			}
			r.accepted[l] = struct{}{}
			r.wg.Add(1)
			r.mu.Unlock()
			go func() {
				defer r.wg.Done()
				l.run(ctx)
			}()
		}
	}
}

// dropLink forgets l once its reader ends. Losing a dialled link the peer
// did not log out of marks the peer inactive.
func (r *Replicator) dropLink(l *link, err error) {
	_ = l.Close()
	r.mu.Lock()
	delete(r.accepted, l)
	in := l.instance()
	if l.dialled && in != nil {
		if cur, ok := r.links[in.Key()]; ok && cur == l {
			delete(r.links, in.Key())
		}
	}
	r.mu.Unlock()

	if !l.dialled || in == nil {
		return
	}
	if in.ClearConn(l) && r.running.Load() {
		r.peers.MarkInactive(in.Endpoint())
	}
	if !closedByUs(err) {
		r.lg.Warn("link lost", "peer", in.Key(), "error", err)
	}
}

func (r *Replicator) handle(ctx context.Context, l *link, env *protocol.Envelope) {
	sender, err := senderOf(env, l)
	if err != nil {
		r.lg.Warn("dropping envelope with bad sender", "remote", l.c.RemoteAddr().String(), "error", err)
		return
	}
	if r.peers.IsSelf(sender) {
		return
	}

	switch env.Kind {
	case protocol.Login:
		in := r.activate(sender, env)
		if !l.dialled {
			l.bind(in)
		}
		hello := r.envelope(protocol.Hello)
		hello.Seq = r.appliedFrom(sender.Key())
		if err := l.send(hello); err != nil {
			r.lg.Warn("hello reply failed", "peer", sender.Key(), "error", err)
		}
	case protocol.Hello:
		in := r.activate(sender, env)
		in.Ack(env.Seq)
		if l.dialled {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.catchUp(l)
				if err := r.Synch(ctx, sender); err != nil {
					r.lg.Warn("initial sync failed", "peer", sender.Key(), "error", err)
				}
			}()
		}
	case protocol.Logout:
		_, c := r.peers.MarkInactive(sender)
		if c != nil {
			_ = c.Close()
		}
	case protocol.Notify:
		r.peers.MarkActive(sender)
		r.applyNotify(ctx, l, sender, env)
	case protocol.Ack:
		if in, ok := r.peers.Lookup(sender); ok && in.Ack(env.Seq) {
			r.compact()
		}
	case protocol.SyncRequest:
		r.answerSync(ctx, l, sender, env)
	case protocol.SyncResponse:
		r.deliverSync(env)
	default:
		r.lg.Debug("ignoring envelope on stream", "kind", env.Kind.String(), "peer", sender.Key())
	}
}

func (r *Replicator) activate(sender peer.Endpoint, env *protocol.Envelope) *peer.Instance {
	in := r.peers.MarkActive(sender)
	if env.InstanceID != "" {
		in.SetInstanceID(env.InstanceID)
	}
	return in
}

func (r *Replicator) applyNotify(ctx context.Context, l *link, sender peer.Endpoint, env *protocol.Envelope) {
	batch := env.Batch.String()
	recs := r.seen.Unseen(batch, r.elig.Filter(env.Records))
	if len(recs) > 0 {
		applied, err := r.store.ApplyBatch(ctx, sender.Key(), recs)
		for _, rec := range applied {
			r.seen.Mark(batch, rec)
		}
		if err != nil {
			r.lg.Error("apply failed for some records", err, "batch", batch, "peer", sender.Key(), "applied", len(applied), "count", len(recs))
		}
	}
	if env.Seq == 0 {
		return
	}
	r.noteApplied(sender.Key(), env.Seq)
	ack := r.envelope(protocol.Ack)
	ack.Seq = env.Seq
	if err := l.send(ack); err != nil {
		r.lg.Warn("ack send failed", "peer", sender.Key(), "seq", env.Seq, "error", err)
	}
}

func (r *Replicator) appliedFrom(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[key]
}

func (r *Replicator) noteApplied(key string, seq uint64) {
	r.mu.Lock()
	if seq > r.applied[key] {
		r.applied[key] = seq
	}
	r.mu.Unlock()
}

func (r *Replicator) syncLoop(ctx context.Context) {
	t := time.NewTicker(r.settings.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, in := range r.peers.Active() {
				if err := r.Synch(ctx, in.Endpoint()); err != nil {
					r.lg.Warn("periodic sync failed", "peer", in.Key(), "error", err)
				}
			}
		}
	}
}

// senderOf takes the advertised stream endpoint and replaces its host with
// the channel's remote host.
func senderOf(env *protocol.Envelope, l *link) (peer.Endpoint, error) {
	adv := env.Stream
	if adv == "" {
		adv = env.Sender
	}
	ep, err := peer.ParseEndpoint(adv)
	if err != nil {
		return peer.Endpoint{}, err
	}
	src, err := peer.FromAddr(ep.Scheme, l.c.RemoteAddr())
	if err != nil {
		return peer.Endpoint{}, err
	}
	src.Port = ep.Port
	return src, nil
}
