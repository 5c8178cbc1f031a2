package notify_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	tst "github.com/julianstephens/go-utils/tests"
	"github.com/oklog/ulid/v2"

	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/notify"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]change.Record
}

func (r *recorder) ApplyBatch(_ context.Context, _ string, recs []change.Record) ([]change.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, recs)
	return recs, nil
}

func (r *recorder) all() [][]change.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]change.Record(nil), r.batches...)
}

func newCodec(t *testing.T) *wire.Codec {
	t.Helper()
	reg := schema.NewRegistry()
	tst.RequireNoError(t, protocol.Register(reg))
	c, err := wire.New(reg, wire.Options{})
	tst.RequireNoError(t, err)
	return c
}

type node struct {
	n       *notify.Notifier
	peers   *peer.Registry
	applied *recorder
}

func startNode(t *testing.T, flush time.Duration, known ...peer.Endpoint) *node {
	t.Helper()
	s := notify.DefaultSettings()
	s.Listen = peer.Endpoint{Scheme: peer.SchemeUDP, Host: "127.0.0.1", Port: 0}
	s.FlushInterval = flush
	reg := peer.NewRegistry(nil)
	for _, ep := range known {
		reg.Upsert(ep)
	}
	rec := &recorder{}
	n, err := notify.New(s, newCodec(t), reg, rec, nil)
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		if n.State() == notify.Online {
			_ = n.Stop(context.Background())
		}
	})
	return &node{n: n, peers: reg, applied: rec}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoginHelloMarksBothActive(t *testing.T) {
	b := startNode(t, time.Hour)
	a := startNode(t, time.Hour, b.n.Self())

	waitFor(t, "B active on A", func() bool { return len(a.peers.Active()) == 1 })
	waitFor(t, "A active on B", func() bool { return len(b.peers.Active()) == 1 })
	tst.AssertEqual(t, a.n.State(), notify.Online)
}

func TestDataIsCoalescedAndApplied(t *testing.T) {
	b := startNode(t, time.Hour)
	a := startNode(t, time.Hour, b.n.Self())
	waitFor(t, "handshake", func() bool { return len(a.peers.Active()) == 1 })

	tst.RequireNoError(t, a.n.Publish(
		change.Record{Command: change.Insert, Table: "people", Identity: int64(1), Payload: "Ivan"},
		change.Record{Command: change.Update, Table: "people", Identity: int64(1), Payload: "Ivan P", Fields: []string{"Name"}},
		change.Record{Command: change.Insert, Table: "people", Identity: int64(2), Payload: "Olga"},
	))
	tst.RequireNoError(t, a.n.Flush(context.Background()))

	waitFor(t, "data applied on B", func() bool { return len(b.applied.all()) == 1 })
	got := b.applied.all()[0]
	tst.AssertEqual(t, len(got), 2, "coalesced to one record per identity")
	tst.AssertEqual(t, got[0].Command, change.Insert)
	tst.AssertDeepEqual(t, got[0].Payload, any("Ivan P"))
	tst.AssertDeepEqual(t, got[1].Identity, any(int64(2)))
}

func TestOversizedRecordDoesNotDropBatch(t *testing.T) {
	b := startNode(t, time.Hour)
	a := startNode(t, time.Hour, b.n.Self())
	waitFor(t, "handshake", func() bool { return len(a.peers.Active()) == 1 })

	tst.RequireNoError(t, a.n.Publish(
		change.Record{Command: change.Insert, Table: "people", Identity: int64(1), Payload: "Ivan"},
		change.Record{Command: change.Insert, Table: "people", Identity: int64(2), Payload: strings.Repeat("x", 70*1024)},
		change.Record{Command: change.Insert, Table: "people", Identity: int64(3), Payload: "Olga"},
	))
	tst.RequireNoError(t, a.n.Flush(context.Background()))

	waitFor(t, "small records applied on B", func() bool {
		n := 0
		for _, batch := range b.applied.all() {
			n += len(batch)
		}
		return n == 2
	})
	var ids []any
	for _, batch := range b.applied.all() {
		for _, r := range batch {
			ids = append(ids, r.Identity)
		}
	}
	tst.AssertDeepEqual(t, ids, []any{int64(1), int64(3)})
	tst.AssertEqual(t, a.n.Skipped(), uint64(1))
	tst.AssertEqual(t, a.n.Pending(), 0)
}

func TestFlushLoopSkipsEmptyBuffer(t *testing.T) {
	b := startNode(t, time.Hour)
	a := startNode(t, 20*time.Millisecond, b.n.Self())
	waitFor(t, "handshake", func() bool { return len(a.peers.Active()) == 1 })

	time.Sleep(100 * time.Millisecond)
	tst.AssertEqual(t, len(b.applied.all()), 0, "no datagram for an empty window")

	tst.RequireNoError(t, a.n.Publish(change.Record{Command: change.Delete, Table: "t", Identity: "k"}))
	waitFor(t, "timer flush", func() bool { return len(b.applied.all()) == 1 })
	tst.AssertEqual(t, a.n.Pending(), 0)
}

func TestDuplicateBatchAppliedOnce(t *testing.T) {
	b := startNode(t, time.Hour)
	codec := newCodec(t)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(b.n.Self().Port)})
	tst.RequireNoError(t, err)
	defer conn.Close() //nolint:errcheck

	env := &protocol.Envelope{
		Kind:    protocol.Data,
		Batch:   ulid.Make(),
		Records: []change.Record{{Command: change.Update, Table: "t", Identity: 5, Payload: "x"}},
	}
	data, err := protocol.MarshalDatagram(codec, env)
	tst.RequireNoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = conn.Write(data)
		tst.RequireNoError(t, err)
	}

	waitFor(t, "first apply", func() bool { return len(b.applied.all()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	tst.AssertEqual(t, len(b.applied.all()), 1, "redelivered batch is skipped")
}

func TestGarbageDatagramDoesNotStopLoop(t *testing.T) {
	b := startNode(t, time.Hour)
	a := startNode(t, time.Hour)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(b.n.Self().Port)})
	tst.RequireNoError(t, err)
	defer conn.Close() //nolint:errcheck
	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	tst.RequireNoError(t, err)

	tst.RequireNoError(t, a.n.Login(b.n.Self()))
	waitFor(t, "login still handled", func() bool { return len(b.peers.Active()) == 1 })
}

func TestLogoutMarksInactive(t *testing.T) {
	b := startNode(t, time.Hour)
	a := startNode(t, time.Hour, b.n.Self())
	waitFor(t, "handshake", func() bool { return len(b.peers.Active()) == 1 })

	tst.RequireNoError(t, a.n.Stop(context.Background()))
	waitFor(t, "A inactive on B", func() bool { return len(b.peers.Active()) == 0 })
	tst.AssertEqual(t, a.n.State(), notify.Offline)
	tst.AssertTrue(t, errors.Is(a.n.Publish(change.Record{Command: change.Insert, Table: "t"}), notify.ErrOffline), "publish refused after stop")
}
