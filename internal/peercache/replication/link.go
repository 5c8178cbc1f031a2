package replication

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/julianstephens/peercache/internal/peercache/frame"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
)

// link is one open channel to a peer. A dialled link carries this
// instance's Notify stream to the peer; an accepted link serves the peer's
// stream. Either side answers requests on the link they arrived on.
type link struct {
	r       *Replicator
	c       conn
	dialled bool

	mu     sync.Mutex
	in     *peer.Instance
	ready  bool
	closed bool
}

func (l *link) instance() *peer.Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.in
}

func (l *link) bind(in *peer.Instance) {
	l.mu.Lock()
	l.in = in
	l.mu.Unlock()
}

func (l *link) send(env *protocol.Envelope) error {
	data, err := protocol.Marshal(l.r.codec, env)
	if err != nil {
		return err
	}
	return l.sendRaw(data)
}

func (l *link) sendRaw(data []byte) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	return l.c.Send(data)
}

// deliver sends a journaled Notify unless the link is still catching up, in
// which case the catch-up replay sends it.
func (l *link) deliver(data []byte) error {
	l.mu.Lock()
	ready := l.ready
	l.mu.Unlock()
	if !ready {
		return nil
	}
	return l.sendRaw(data)
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close makes link usable as a registry connection handle.
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.c.Close()
}

// run reads envelopes until the channel fails or closes. Bad messages are
// logged and skipped.
func (l *link) run(ctx context.Context) {
	var err error
	defer func() { l.r.dropLink(l, err) }()
	for {
		var f frame.Framed
		f, err = l.c.Recv()
		if err != nil {
			if recoverable(err) {
				l.r.lg.Warn("dropping bad frame", "remote", l.c.RemoteAddr().String(), "error", err)
				continue
			}
			return
		}
		env, derr := protocol.FromFrame(l.r.codec, f.Frame)
		if derr != nil {
			l.r.lg.Warn("dropping undecodable envelope", "remote", l.c.RemoteAddr().String(), "error", derr)
			continue
		}
		l.r.handle(ctx, l, env)
	}
}

func recoverable(err error) bool {
	var me *messageError
	return errors.As(err, &me) || protocol.IsProtocolError(err)
}

// closedByUs reports errors that follow our own Close or a clean hang-up.
func closedByUs(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
