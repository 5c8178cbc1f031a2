package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

const maxDatagram = 64 * 1024

// Notifier is the connectionless change channel. Outbound records are
// queued by Publish and sent in coalesced Data batches by a flush loop;
// inbound datagrams are handled on the receive loop.
type Notifier struct {
	settings Settings
	codec    *wire.Codec
	peers    *peer.Registry
	applier  change.Applier
	seen     *change.Seen
	lg       logger.Logger

	state stateBox
	conn  *net.UDPConn
	self  peer.Endpoint

	mu      sync.Mutex
	pending []change.Record
	skipped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(settings Settings, codec *wire.Codec, peers *peer.Registry, applier change.Applier, lg logger.Logger) (*Notifier, error) {
	if settings.Listen.Scheme != peer.SchemeUDP {
		return nil, fmt.Errorf("%w: %s", ErrNotListening, settings.Listen)
	}
	def := DefaultSettings()
	if settings.FlushInterval <= 0 {
		settings.FlushInterval = def.FlushInterval
	}
	if settings.DedupTTL <= 0 {
		settings.DedupTTL = def.DedupTTL
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = def.WriteTimeout
	}
	return &Notifier{
		settings: settings,
		codec:    codec,
		peers:    peers,
		applier:  applier,
		seen:     change.NewSeen(settings.DedupTTL, settings.DedupCapacity),
		lg:       logger.With(logger.OrNop(lg), "component", "notify"),
	}, nil
}

func (n *Notifier) State() State { return n.state.load() }

// Self is the bound datagram endpoint. It is only meaningful after Start.
func (n *Notifier) Self() peer.Endpoint { return n.self }

// Start binds the socket, registers the local instance as current, starts
// the receive and flush loops and sends Login to every known peer that is
// not known to be gone.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.state.move(Offline, LoggingIn) {
		return fmt.Errorf("%w: start from %s", ErrState, n.State())
	}
	addr, err := net.ResolveUDPAddr("udp", n.settings.Listen.Address())
	if err != nil {
		n.state.set(Offline)
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		n.state.set(Offline)
		return err
	}
	self, err := peer.FromAddr(peer.SchemeUDP, conn.LocalAddr())
	if err != nil {
		_ = conn.Close()
		n.state.set(Offline)
		return err
	}
	n.conn = conn
	n.self = self
	n.peers.SetCurrent(self)

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.receiveLoop(loopCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.flushLoop(loopCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.seen.Start()
	}()

	n.lg.Info("notification transport listening", "addr", self.String())
	for _, in := range n.peers.Enumerate() {
		if in.Liveness() == peer.Inactive {
			continue
		}
		if err := n.send(in.Endpoint(), n.envelope(protocol.Login)); err != nil {
			n.lg.Warn("login send failed", "peer", in.Key(), "error", err)
		}
	}
	n.state.set(Online)
	return ctx.Err()
}

// Stop flushes what is queued, sends Logout to active peers and closes the
// socket. New records are refused from the moment Stop begins.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.state.move(Online, LoggingOut) {
		return fmt.Errorf("%w: stop from %s", ErrState, n.State())
	}
	if err := n.flush(ctx); err != nil {
		n.lg.Warn("final flush failed", "error", err)
	}
	for _, in := range n.peers.Active() {
		if err := n.send(in.Endpoint(), n.envelope(protocol.Logout)); err != nil {
			n.lg.Warn("logout send failed", "peer", in.Key(), "error", err)
		}
	}
	n.cancel()
	n.seen.Stop()
	err := n.conn.Close()
	n.wg.Wait()
	n.state.set(Offline)
	n.lg.Info("notification transport stopped")
	return err
}

// Publish queues records for the next flush.
func (n *Notifier) Publish(recs ...change.Record) error {
	if s := n.State(); s != Online && s != LoggingIn {
		return ErrOffline
	}
	n.mu.Lock()
	n.pending = append(n.pending, recs...)
	n.mu.Unlock()
	return nil
}

// Pending reports how many records wait for the next flush.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Skipped counts records left out of notifications because they could not
// be encoded into a single datagram.
func (n *Notifier) Skipped() uint64 { return n.skipped.Load() }

// Flush sends what is queued now instead of waiting for the timer.
func (n *Notifier) Flush(ctx context.Context) error {
	if n.State() != Online {
		return ErrOffline
	}
	return n.flush(ctx)
}

// Hello sends a liveness signal to ep.
func (n *Notifier) Hello(ep peer.Endpoint) error {
	return n.send(ep, n.envelope(protocol.Hello))
}

// Login asks ep to answer with Hello.
func (n *Notifier) Login(ep peer.Endpoint) error {
	return n.send(ep, n.envelope(protocol.Login))
}

func (n *Notifier) flushLoop(ctx context.Context) {
	t := time.NewTicker(n.settings.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.flush(ctx); err != nil {
				n.lg.Warn("flush failed", "error", err)
			}
		}
	}
}

func (n *Notifier) flush(ctx context.Context) error {
	n.mu.Lock()
	recs := n.pending
	n.pending = nil
	n.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}

	recs = change.Coalesce(recs)
	batch := ulid.Make()
	datagrams, err := n.encodeData(batch, recs)
	if err != nil {
		return err
	}
	if len(datagrams) == 0 {
		return nil
	}
	targets := n.peers.Active()
	n.lg.Debug("flushing batch", "batch", batch.String(), "count", len(recs), "datagrams", len(datagrams), "peers", len(targets))

	var errs []error
	for _, in := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, d := range datagrams {
			if err := n.write(in.Endpoint(), d); err != nil {
				errs = append(errs, &SendError{Peer: in.Key(), Kind: protocol.Data.String(), Err: err})
				_, conn := n.peers.MarkInactive(in.Endpoint())
				if conn != nil {
					_ = conn.Close()
				}
				break
			}
		}
	}
	return errors.Join(errs...)
}

// encodeData splits recs until every Data envelope fits in one datagram. A
// record that cannot be encoded on its own is logged and left out, so it
// never holds back the rest of the batch.
func (n *Notifier) encodeData(batch ulid.ULID, recs []change.Record) ([][]byte, error) {
	env := n.envelope(protocol.Data)
	env.Batch = batch
	env.Records = recs
	data, err := protocol.MarshalDatagram(n.codec, env)
	if err == nil {
		return [][]byte{data}, nil
	}
	if len(recs) == 1 {
		n.skipped.Add(1)
		n.lg.Warn("record left out of notification", "table", recs[0].Table, "identity", recs[0].Identity, "batch", batch.String(), "error", err)
		return nil, nil
	}
	mid := len(recs) / 2
	left, err := n.encodeData(batch, recs[:mid])
	if err != nil {
		return nil, err
	}
	right, err := n.encodeData(batch, recs[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (n *Notifier) envelope(kind protocol.Kind) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:       kind,
		Sender:     n.self.String(),
		Stream:     n.settings.Stream,
		InstanceID: n.settings.InstanceID,
	}
}

func (n *Notifier) send(ep peer.Endpoint, env *protocol.Envelope) error {
	data, err := protocol.MarshalDatagram(n.codec, env)
	if err != nil {
		return err
	}
	if err := n.write(ep, data); err != nil {
		return &SendError{Peer: ep.Key(), Kind: env.Kind.String(), Err: err}
	}
	return nil
}

func (n *Notifier) write(ep peer.Endpoint, data []byte) error {
	if n.State() == Offline || n.conn == nil {
		return ErrOffline
	}
	addr, err := net.ResolveUDPAddr("udp", ep.WithScheme(peer.SchemeUDP).Address())
	if err != nil {
		return err
	}
	if err := n.conn.SetWriteDeadline(time.Now().Add(n.settings.WriteTimeout)); err != nil {
		return err
	}
	_, err = n.conn.WriteToUDP(data, addr)
	return err
}

func (n *Notifier) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	for {
		size, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			n.lg.Warn("datagram read failed", "error", err)
			continue
		}
		data := make([]byte, size)
		copy(data, buf[:size])
		n.handle(ctx, data, from)
	}
}

func (n *Notifier) handle(ctx context.Context, data []byte, from *net.UDPAddr) {
	env, err := protocol.Unmarshal(n.codec, data)
	if err != nil {
		n.lg.Warn("dropping undecodable datagram", "from", from.String(), "error", err)
		return
	}
	sender, err := senderOf(env, from)
	if err != nil {
		n.lg.Warn("dropping datagram with bad sender", "from", from.String(), "error", err)
		return
	}
	if n.peers.IsSelf(sender) {
		return
	}

	switch env.Kind {
	case protocol.Login:
		n.activate(sender, env)
		if err := n.Hello(sender); err != nil {
			n.lg.Warn("hello reply failed", "peer", sender.Key(), "error", err)
		}
	case protocol.Hello:
		n.activate(sender, env)
	case protocol.Logout:
		_, conn := n.peers.MarkInactive(sender)
		if conn != nil {
			_ = conn.Close()
		}
	case protocol.Data:
		n.peers.MarkActive(sender)
		n.apply(ctx, sender, env)
	default:
		n.lg.Debug("ignoring envelope on datagram channel", "kind", env.Kind.String(), "peer", sender.Key())
	}
}

func (n *Notifier) activate(sender peer.Endpoint, env *protocol.Envelope) {
	in := n.peers.MarkActive(sender)
	if env.InstanceID != "" {
		in.SetInstanceID(env.InstanceID)
	}
	if env.Stream != "" {
		if ep, err := peer.ParseEndpoint(env.Stream); err == nil && ep.Same(sender) {
			n.peers.Upsert(ep)
		}
	}
}

func (n *Notifier) apply(ctx context.Context, sender peer.Endpoint, env *protocol.Envelope) {
	batch := env.Batch.String()
	recs := n.seen.Unseen(batch, env.Records)
	if len(recs) == 0 {
		n.lg.Debug("batch already applied", "batch", batch, "peer", sender.Key())
		return
	}
	if n.applier == nil {
		return
	}
	applied, err := n.applier.ApplyBatch(ctx, sender.Key(), recs)
	for _, r := range applied {
		n.seen.Mark(batch, r)
	}
	if err != nil {
		n.lg.Error("apply failed for some records", err, "batch", batch, "peer", sender.Key(), "applied", len(applied), "count", len(recs))
	}
}

// senderOf prefers the advertised port on the datagram's source host, so a
// peer bound to a wildcard address is still reachable.
func senderOf(env *protocol.Envelope, from *net.UDPAddr) (peer.Endpoint, error) {
	src, err := peer.FromAddr(peer.SchemeUDP, from)
	if err != nil {
		return peer.Endpoint{}, err
	}
	if env.Sender == "" {
		return src, nil
	}
	adv, err := peer.ParseEndpoint(env.Sender)
	if err != nil {
		return src, nil
	}
	src.Port = adv.Port
	return src, nil
}
