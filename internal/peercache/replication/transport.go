package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/julianstephens/peercache/internal/peercache/frame"
	"github.com/julianstephens/peercache/internal/peercache/peer"
)

// wsPath is where the websocket transport is served.
const wsPath = "/peercache"

// conn is one framed, bidirectional channel to a peer. Send may be called
// from several goroutines; Recv from one.
type conn interface {
	Send(data []byte) error
	// Recv returns the next frame. A protocol error leaves the channel
	// usable when the whole frame was consumed.
	Recv() (frame.Framed, error)
	Close() error
	RemoteAddr() net.Addr
}

type tcpConn struct {
	c       net.Conn
	fr      *frame.Reader
	timeout time.Duration
	mu      sync.Mutex
}

func newTCPConn(c net.Conn, timeout time.Duration) *tcpConn {
	return &tcpConn{c: c, fr: frame.NewReader(c), timeout: timeout}
}

func (t *tcpConn) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.c.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}
	_, err := t.c.Write(data)
	return err
}

func (t *tcpConn) Recv() (frame.Framed, error) { return t.fr.Next() }

func (t *tcpConn) Close() error { return t.c.Close() }

func (t *tcpConn) RemoteAddr() net.Addr { return t.c.RemoteAddr() }

// wsConn carries one frame per binary websocket message.
type wsConn struct {
	c       *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (w *wsConn) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Recv() (frame.Framed, error) {
	for {
		typ, msg, err := w.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return frame.Framed{}, io.EOF
			}
			return frame.Framed{}, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		f, err := frame.DecodeFrame(msg)
		if err != nil {
			return frame.Framed{}, &messageError{err: err}
		}
		return f, nil
	}
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.timeout))
	w.mu.Unlock()
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() net.Addr { return w.c.RemoteAddr() }

// messageError is a bad message on a channel that stays aligned.
type messageError struct{ err error }

func (e *messageError) Error() string { return e.err.Error() }

func (e *messageError) Unwrap() error { return e.err }

// dial opens a channel to ep using ep's scheme.
func dial(ctx context.Context, ep peer.Endpoint, dialTimeout, writeTimeout time.Duration) (conn, error) {
	switch ep.Scheme {
	case peer.SchemeTCP:
		d := net.Dialer{Timeout: dialTimeout}
		c, err := d.DialContext(ctx, "tcp", ep.Address())
		if err != nil {
			return nil, err
		}
		return newTCPConn(c, writeTimeout), nil
	case peer.SchemeWS:
		d := websocket.Dialer{HandshakeTimeout: dialTimeout}
		c, _, err := d.DialContext(ctx, "ws://"+ep.Address()+wsPath, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{c: c, timeout: writeTimeout}, nil
	}
	return nil, fmt.Errorf("%w: %s", peer.ErrUnknownScheme, ep.Scheme)
}

// listener accepts channels for one stream scheme.
type listener struct {
	ln     net.Listener
	srv    *http.Server
	accept chan conn
	done   chan struct{}
	once   sync.Once
}

func listen(ep peer.Endpoint, writeTimeout time.Duration) (*listener, error) {
	ln, err := net.Listen("tcp", ep.Address())
	if err != nil {
		return nil, err
	}
	l := &listener{ln: ln, accept: make(chan conn), done: make(chan struct{})}
	switch ep.Scheme {
	case peer.SchemeTCP:
		go l.acceptTCP(writeTimeout)
	case peer.SchemeWS:
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		mux := http.NewServeMux()
		mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
			c, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			select {
			case l.accept <- &wsConn{c: c, timeout: writeTimeout}:
			case <-l.done:
				_ = c.Close()
			}
		})
		l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: writeTimeout}
		go func() { _ = l.srv.Serve(ln) }()
	default:
		_ = ln.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotStream, ep.Scheme)
	}
	return l, nil
}

func (l *listener) acceptTCP(writeTimeout time.Duration) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		select {
		case l.accept <- newTCPConn(c, writeTimeout):
		case <-l.done:
			_ = c.Close()
			return
		}
	}
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.srv != nil {
			err = l.srv.Close()
			return
		}
		err = l.ln.Close()
	})
	return err
}
