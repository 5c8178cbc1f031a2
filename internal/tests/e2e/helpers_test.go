package e2e_test

import (
	"net"
	"testing"
	"time"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/wire"
	"github.com/julianstephens/peercache/internal/testutil"
)

// probe is a bare datagram peer that decodes what a node sends it.
type probe struct {
	t     *testing.T
	conn  *net.UDPConn
	self  peer.Endpoint
	codec *wire.Codec
}

func newProbe(t *testing.T) *probe {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	tst.RequireNoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	self, err := peer.FromAddr(peer.SchemeUDP, conn.LocalAddr())
	tst.RequireNoError(t, err)

	reg, _ := testutil.Tables(t)
	tst.RequireNoError(t, protocol.Register(reg))
	codec, err := wire.New(reg, wire.Options{})
	tst.RequireNoError(t, err)
	return &probe{t: t, conn: conn, self: self, codec: codec}
}

// next returns the next envelope, or nil when nothing arrives within wait.
func (p *probe) next(wait time.Duration) (*protocol.Envelope, *net.UDPAddr) {
	p.t.Helper()
	buf := make([]byte, 64*1024)
	tst.RequireNoError(p.t, p.conn.SetReadDeadline(time.Now().Add(wait)))
	n, from, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil
	}
	env, err := protocol.Unmarshal(p.codec, buf[:n])
	tst.RequireNoError(p.t, err)
	return env, from
}

// expect skips envelopes of other kinds until one of kind arrives.
func (p *probe) expect(kind protocol.Kind) (*protocol.Envelope, *net.UDPAddr) {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env, from := p.next(time.Until(deadline))
		if env != nil && env.Kind == kind {
			return env, from
		}
	}
	p.t.Fatalf("no %s envelope arrived", kind)
	return nil, nil
}

func (p *probe) send(to *net.UDPAddr, kind protocol.Kind) {
	p.t.Helper()
	data, err := protocol.MarshalDatagram(p.codec, &protocol.Envelope{Kind: kind, Sender: p.self.String()})
	tst.RequireNoError(p.t, err)
	_, err = p.conn.WriteToUDP(data, to)
	tst.RequireNoError(p.t, err)
}
