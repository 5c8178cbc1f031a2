package replication_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/journal"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/replication"
	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/txn"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

type person struct {
	ID   int64
	Name string
	City string
}

type audit struct {
	ID   int64
	Note string
}

func fixture(t *testing.T) (*wire.Codec, []cache.TableDef) {
	t.Helper()
	reg := schema.NewRegistry()
	tst.RequireNoError(t, protocol.Register(reg))
	pt, err := schema.Register(reg, schema.TypeDef[person]{
		Name:      "Person",
		Namespace: "crm",
		Fields: []*schema.Field{
			schema.NewField("ID", func(p *person) *int64 { return &p.ID }, schema.Identity()),
			schema.NewField("Name", func(p *person) *string { return &p.Name }),
			schema.NewField("City", func(p *person) *string { return &p.City }),
		},
	})
	tst.RequireNoError(t, err)
	at, err := schema.Register(reg, schema.TypeDef[audit]{
		Name:      "Audit",
		Namespace: "crm",
		Fields: []*schema.Field{
			schema.NewField("ID", func(a *audit) *int64 { return &a.ID }, schema.Identity()),
			schema.NewField("Note", func(a *audit) *string { return &a.Note }),
		},
	})
	tst.RequireNoError(t, err)
	codec, err := wire.New(reg, wire.Options{})
	tst.RequireNoError(t, err)
	return codec, []cache.TableDef{
		{Name: "people", Schema: "crm", Type: pt},
		{Name: "audit", Schema: "crm", Type: at, NoReplicate: true},
	}
}

type setup struct {
	scheme  peer.Scheme
	port    uint16
	known   []peer.Endpoint
	journal bool
	signIn  time.Duration
}

type instance struct {
	cache *cache.Cache
	rep   *replication.Replicator
	peers *peer.Registry
	jnl   *journal.Journal
}

func start(t *testing.T, s setup) *instance {
	t.Helper()
	codec, tables := fixture(t)
	dir := t.TempDir()
	c, err := cache.Open(filepath.Join(dir, "cache.db"), codec, tables, cache.Options{}, nil)
	tst.RequireNoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var jnl *journal.Journal
	if s.journal {
		jnl, err = journal.Open(filepath.Join(dir, "journal"), journal.Options{}, nil)
		tst.RequireNoError(t, err)
		t.Cleanup(func() { _ = jnl.Close() })
	}

	peers := peer.NewRegistry(nil)
	for _, ep := range s.known {
		peers.Upsert(ep)
	}
	settings := replication.DefaultSettings()
	settings.Listen = peer.Endpoint{Scheme: s.scheme, Host: "127.0.0.1", Port: s.port}
	if settings.Listen.Scheme == "" {
		settings.Listen.Scheme = peer.SchemeTCP
	}
	settings.SignInTimeout = 3 * time.Second
	if s.signIn > 0 {
		settings.SignInTimeout = s.signIn
	}
	settings.SyncInterval = 0
	elig := replication.NewEligibility(nil, c.Tables())
	rep, err := replication.New(settings, codec, peers, c, jnl, elig, nil)
	tst.RequireNoError(t, err)

	buf := change.NewBuffer(nil)
	c.SetHooks(cache.Hooks{
		Capture: buf.Record,
		Commit: func(ctx context.Context, tx *txn.Tx) {
			_ = rep.OnTransactionCommit(ctx, tx, buf.Flush(tx))
		},
		Rollback: func(tx *txn.Tx) { buf.Discard(tx) },
	})

	tst.RequireNoError(t, rep.Start(context.Background()))
	t.Cleanup(func() { _ = rep.Stop(context.Background()) })
	return &instance{cache: c, rep: rep, peers: peers, jnl: jnl}
}

func insert(t *testing.T, c *cache.Cache, objs ...any) {
	t.Helper()
	tx, err := c.Begin()
	tst.RequireNoError(t, err)
	for _, o := range objs {
		tst.RequireNoError(t, tx.Insert(o))
	}
	tst.RequireNoError(t, tx.Commit(context.Background()))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tst.RequireNoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	tst.RequireNoError(t, ln.Close())
	return uint16(port)
}

func name(c *cache.Cache, id int64) string {
	p, ok, err := cache.GetAs[person](c, "people", id)
	if err != nil || !ok {
		return ""
	}
	return p.Name
}

func pair(t *testing.T, scheme peer.Scheme, withJournal bool) (*instance, *instance) {
	t.Helper()
	b := start(t, setup{scheme: scheme, journal: withJournal})
	a := start(t, setup{scheme: scheme, journal: withJournal, known: []peer.Endpoint{b.rep.Self()}})
	tst.RequireNoError(t, a.rep.SignIn(context.Background()))
	waitFor(t, "b to see a", func() bool { return len(b.peers.Active()) == 1 })
	return a, b
}

func TestSignInAndReplicateCommit(t *testing.T) {
	a, b := pair(t, peer.SchemeTCP, false)
	tst.AssertTrue(t, a.rep.SignedIn(), "a should be signed in")

	insert(t, a.cache, &person{ID: 1, Name: "Ivan", City: "Kyiv"})
	waitFor(t, "row on b", func() bool { return name(b.cache, 1) == "Ivan" })

	p, ok, err := cache.GetAs[person](b.cache, "people", int64(1))
	tst.RequireNoError(t, err)
	tst.AssertTrue(t, ok, "row should exist on b")
	tst.AssertEqual(t, p.City, "Kyiv")
	waitFor(t, "broadcast counted", func() bool { return a.rep.Stats().Broadcasts == 1 })
	tst.AssertEqual(t, a.rep.Stats().Queued, 0)
}

func TestReplicatedCommitIsNotSentBack(t *testing.T) {
	a, b := pair(t, peer.SchemeTCP, false)
	insert(t, a.cache, &person{ID: 1, Name: "Ivan"})
	waitFor(t, "row on b", func() bool { return name(b.cache, 1) == "Ivan" })
	waitFor(t, "suppressed commit", func() bool { return b.rep.Stats().Suppressed >= 1 })

	tst.AssertEqual(t, b.rep.Stats().Broadcasts, uint64(0), "b never rebroadcasts")
	tst.AssertEqual(t, a.cache.Len("people"), 1)
	tst.AssertEqual(t, a.rep.Stats().Suppressed, uint64(0))
}

func TestLocalTablesDoNotReplicate(t *testing.T) {
	a, b := pair(t, peer.SchemeTCP, false)
	insert(t, a.cache, &audit{ID: 1, Note: "local"})
	insert(t, a.cache, &person{ID: 2, Name: "Olga"})
	waitFor(t, "row on b", func() bool { return name(b.cache, 2) == "Olga" })

	tst.AssertEqual(t, b.cache.Len("audit"), 0)
	waitFor(t, "broadcast counted", func() bool { return a.rep.Stats().Broadcasts >= 1 })
	tst.AssertEqual(t, a.rep.Stats().Broadcasts, uint64(1), "audit-only commit is not broadcast")
}

func TestSignInWithoutPeers(t *testing.T) {
	a := start(t, setup{})
	tst.RequireNoError(t, a.rep.SignIn(context.Background()))
	tst.AssertTrue(t, a.rep.SignedIn(), "should be signed in without peers")
}

func TestSignInTimesOut(t *testing.T) {
	gone := peer.Endpoint{Scheme: peer.SchemeTCP, Host: "127.0.0.1", Port: freePort(t)}
	a := start(t, setup{known: []peer.Endpoint{gone}, signIn: 200 * time.Millisecond})

	began := time.Now()
	err := a.rep.SignIn(context.Background())
	tst.AssertTrue(t, errors.Is(err, replication.ErrSignInTimeout), "expected ErrSignInTimeout")
	tst.AssertTrue(t, time.Since(began) < 2*time.Second, "sign-in should give up within its timeout")
	tst.AssertFalse(t, a.rep.SignedIn(), "should not be signed in")
}

func TestSignInBeforeStart(t *testing.T) {
	codec, tables := fixture(t)
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), codec, tables, cache.Options{}, nil)
	tst.RequireNoError(t, err)
	defer c.Close()
	rep, err := replication.New(replication.DefaultSettings(), codec, peer.NewRegistry(nil), c, nil, replication.NewEligibility(nil, tables), nil)
	tst.RequireNoError(t, err)
	tst.AssertTrue(t, errors.Is(rep.SignIn(context.Background()), replication.ErrNotStarted), "expected ErrNotStarted")
}

func TestFailingPeerDoesNotBlockOthers(t *testing.T) {
	a, b := pair(t, peer.SchemeTCP, false)
	gone := peer.Endpoint{Scheme: peer.SchemeTCP, Host: "127.0.0.1", Port: freePort(t)}
	a.peers.MarkActive(gone)

	tx, err := a.cache.Begin()
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, tx.Insert(&person{ID: 3, Name: "Petro"}))
	tst.RequireNoError(t, tx.Commit(context.Background()))

	waitFor(t, "row on b", func() bool { return name(b.cache, 3) == "Petro" })
	in, ok := a.peers.Lookup(gone)
	tst.AssertTrue(t, ok, "failed peer should stay registered")
	tst.AssertEqual(t, in.Liveness(), peer.Inactive)
}

func TestBroadcastReportsSendErrors(t *testing.T) {
	a := start(t, setup{})
	gone := peer.Endpoint{Scheme: peer.SchemeTCP, Host: "127.0.0.1", Port: freePort(t)}
	a.peers.MarkActive(gone)

	err := a.rep.Broadcast(context.Background(), &protocol.Envelope{
		Kind:   protocol.Notify,
		Sender: a.rep.Self().String(),
		Records: []change.Record{{
			Command:  change.Insert,
			Table:    "people",
			Identity: int64(1),
			Payload:  &person{ID: 1, Name: "x"},
		}},
	})
	tst.AssertTrue(t, errors.Is(err, replication.ErrSend), "expected ErrSend")
	var se *replication.SendError
	tst.AssertTrue(t, errors.As(err, &se), "expected SendError")
	tst.AssertEqual(t, se.Peer, gone.Key())
}

func TestCommitDoesNotWaitOnSilentPeer(t *testing.T) {
	// Accepts TCP but never answers the websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tst.RequireNoError(t, err)
	held := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(held)
				return
			}
			held <- c
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for c := range held {
			_ = c.Close()
		}
	})

	a := start(t, setup{scheme: peer.SchemeWS})
	silent := peer.Endpoint{Scheme: peer.SchemeWS, Host: "127.0.0.1", Port: uint16(ln.Addr().(*net.TCPAddr).Port)}
	a.peers.MarkActive(silent)

	began := time.Now()
	insert(t, a.cache, &person{ID: 1, Name: "Ivan"})
	tst.AssertTrue(t, time.Since(began) < time.Second, "commit should not wait for the peer")

	waitFor(t, "silent peer marked inactive", func() bool {
		in, ok := a.peers.Lookup(silent)
		return ok && in.Liveness() == peer.Inactive
	})
	waitFor(t, "queue drained", func() bool { return a.rep.Stats().Queued == 0 && a.rep.Stats().Broadcasts == 1 })
}

func TestPeerTransactionIsSuppressed(t *testing.T) {
	a := start(t, setup{})
	err := a.rep.OnTransactionCommit(context.Background(), txn.New(1, txn.FromPeer("127.0.0.1:1")), []change.Record{{
		Command: change.Insert, Table: "people", Identity: int64(1), Payload: &person{ID: 1},
	}})
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, a.rep.Stats().Broadcasts, uint64(0))
	tst.AssertEqual(t, a.rep.Stats().Suppressed, uint64(1))
}

func TestSynchPullsMissingRows(t *testing.T) {
	b := start(t, setup{})
	insert(t, b.cache, &person{ID: 2, Name: "stale"})

	a := start(t, setup{})
	insert(t, a.cache, &person{ID: 1, Name: "Ivan"}, &person{ID: 2, Name: "Olga"})
	tx, err := a.cache.Begin()
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, tx.Delete("people", int64(2)))
	tst.RequireNoError(t, tx.Commit(context.Background()))

	tst.RequireNoError(t, b.rep.Synch(context.Background(), a.rep.Self()))

	tst.AssertEqual(t, name(b.cache, 1), "Ivan")
	_, ok, err := b.cache.Get("people", int64(2))
	tst.RequireNoError(t, err)
	tst.AssertFalse(t, ok, "delete pulled by sync")

	cur, err := b.cache.LoadCursor(context.Background(), a.rep.Self().Key(), "crm", "people")
	tst.RequireNoError(t, err)
	tst.AssertGreaterThan(t, cur.Since, int64(0))

	da, err := a.cache.Digest(context.Background(), "people")
	tst.RequireNoError(t, err)
	db, err := b.cache.Digest(context.Background(), "people")
	tst.RequireNoError(t, err)
	tst.RequireDeepEqual(t, db, da, "digests agree after sync")

	tst.RequireNoError(t, b.rep.Synch(context.Background(), a.rep.Self()), "second sync is a no-op")
	tst.AssertEqual(t, b.cache.Len("people"), 1)
}

func TestJournalReplaysMissedTransactions(t *testing.T) {
	port := freePort(t)
	later := peer.Endpoint{Scheme: peer.SchemeTCP, Host: "127.0.0.1", Port: port}
	a := start(t, setup{journal: true, known: []peer.Endpoint{later}})

	insert(t, a.cache, &person{ID: 1, Name: "Ivan"})
	insert(t, a.cache, &person{ID: 2, Name: "Olga"})
	tst.AssertEqual(t, a.jnl.LastSeq(), uint64(2))

	b := start(t, setup{journal: true, port: port})
	tst.RequireNoError(t, a.rep.SignIn(context.Background()))

	waitFor(t, "replayed rows", func() bool { return name(b.cache, 1) == "Ivan" && name(b.cache, 2) == "Olga" })
	waitFor(t, "acks", func() bool {
		in, ok := a.peers.Lookup(later)
		return ok && in.AckedSeq() == 2
	})

	insert(t, a.cache, &person{ID: 3, Name: "Petro"})
	waitFor(t, "live row after replay", func() bool { return name(b.cache, 3) == "Petro" })
}

func TestWebSocketTransport(t *testing.T) {
	a, b := pair(t, peer.SchemeWS, false)
	insert(t, a.cache, &person{ID: 7, Name: "Ivan"})
	waitFor(t, "row on b over ws", func() bool { return name(b.cache, 7) == "Ivan" })
	tst.AssertEqual(t, a.rep.Self().Scheme, peer.SchemeWS)
}

func TestStopLogsOut(t *testing.T) {
	a, b := pair(t, peer.SchemeTCP, false)
	tst.RequireNoError(t, a.rep.Stop(context.Background()))
	waitFor(t, "a inactive on b", func() bool { return len(b.peers.Active()) == 0 })
	tst.AssertTrue(t, errors.Is(a.rep.Stop(context.Background()), replication.ErrNotStarted), "second stop reports ErrNotStarted")
}

func TestNewRejectsDatagramListen(t *testing.T) {
	codec, tables := fixture(t)
	s := replication.DefaultSettings()
	s.Listen = peer.Endpoint{Scheme: peer.SchemeUDP, Host: "127.0.0.1", Port: 0}
	_, err := replication.New(s, codec, peer.NewRegistry(nil), nil, nil, replication.NewEligibility(nil, tables), nil)
	tst.AssertTrue(t, errors.Is(err, replication.ErrNotStream), "expected ErrNotStream")
}
