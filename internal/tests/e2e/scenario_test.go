package e2e_test

import (
	"context"
	"testing"
	"time"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/config"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/testutil"
)


func TestInsertArrivesAsOneDataMessage(t *testing.T) {
	p := newProbe(t)
	cfg := testutil.Config(t, "udp://127.0.0.1:0")
	cfg.FlushInterval = config.Duration(100 * time.Millisecond)
	cfg.Peers = []string{p.self.String()}
	a := testutil.StartNode(t, cfg)

	_, from := p.expect(protocol.Login)
	p.send(from, protocol.Hello)
	testutil.WaitFor(t, "probe active", func() bool { return len(a.Peers().Active()) == 1 })

	testutil.Insert(t, a.Cache(), &testutil.Person{ID: 1, Name: "Ivan"})
	env, _ := p.expect(protocol.Data)
	tst.AssertEqual(t, len(env.Records), 1)
	rec := env.Records[0]
	tst.AssertEqual(t, rec.Command, change.Insert)
	tst.AssertDeepEqual(t, rec.Identity, any(int64(1)))
	tst.AssertEqual(t, rec.ActorID.String(), a.Cache().ActorID().String())
	person, ok := rec.Payload.(*testutil.Person)
	tst.AssertTrue(t, ok, "payload should be a Person")
	tst.AssertEqual(t, person.Name, "Ivan")

	extra, _ := p.next(3 * cfg.FlushInterval.Std())
	tst.AssertTrue(t, extra == nil || extra.Kind != protocol.Data, "one Data message per flush window")
}

func TestMutationsCoalesceWithinOneFlushWindow(t *testing.T) {
	p := newProbe(t)
	cfg := testutil.Config(t, "udp://127.0.0.1:0")
	cfg.FlushInterval = config.Duration(300 * time.Millisecond)
	cfg.Peers = []string{p.self.String()}
	a := testutil.StartNode(t, cfg)
	_, from := p.expect(protocol.Login)
	p.send(from, protocol.Hello)
	testutil.WaitFor(t, "probe active", func() bool { return len(a.Peers().Active()) == 1 })

	ctx := context.Background()
	testutil.Insert(t, a.Cache(), &testutil.Person{ID: 7, Name: "Ivan"})
	tx, err := a.Cache().Begin()
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, tx.Update(&testutil.Person{ID: 7, Name: "Ivan", City: "Kyiv"}, "City"))
	tst.RequireNoError(t, tx.Commit(ctx))
	tx, err = a.Cache().Begin()
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, tx.Delete("people", int64(7)))
	tst.RequireNoError(t, tx.Commit(ctx))

	env, _ := p.expect(protocol.Data)
	tst.AssertEqual(t, len(env.Records), 1)
	tst.AssertEqual(t, env.Records[0].Command, change.Delete)
	tst.AssertDeepEqual(t, env.Records[0].Identity, any(int64(7)))
}

func TestLoginHelloThenData(t *testing.T) {
	b := testutil.StartNode(t, testutil.Config(t, "udp://127.0.0.1:0"))
	cfg := testutil.Config(t, "udp://127.0.0.1:0")
	cfg.Peers = []string{b.Notifier().Self().String()}
	a := testutil.StartNode(t, cfg)

	bKey := b.Notifier().Self().Key()
	testutil.WaitFor(t, "b active on a", func() bool {
		in, ok := a.Peers().Lookup(b.Notifier().Self())
		return ok && in.Liveness() == peer.Active
	})
	testutil.WaitFor(t, "a known to b", func() bool {
		in, ok := b.Peers().Lookup(a.Notifier().Self())
		return ok && in.Liveness() == peer.Active
	})

	for i := int64(1); i <= 3; i++ {
		testutil.Insert(t, a.Cache(), &testutil.Person{ID: i, Name: "row"})
	}
	testutil.WaitFor(t, "rows on b", func() bool { return b.Cache().Len("people") == 3 })
	in, _ := a.Peers().Lookup(b.Notifier().Self())
	tst.AssertEqual(t, in.Key(), bKey)
	tst.AssertEqual(t, in.Liveness(), peer.Active)
}

func TestReplicatedCommitIsNeverRebroadcast(t *testing.T) {
	a := testutil.StartNode(t, testutil.Config(t))
	cfg := testutil.Config(t)
	cfg.Peers = []string{a.Replicator().Self().String()}
	b := testutil.StartNode(t, cfg)

	testutil.Insert(t, a.Cache(), &testutil.Person{ID: 1, Name: "Ivan"})
	testutil.WaitFor(t, "row on b", func() bool { return testutil.PersonName(b.Cache(), 1) == "Ivan" })
	testutil.WaitFor(t, "apply suppressed", func() bool { return b.Replicator().Stats().Suppressed > 0 })
	tst.AssertEqual(t, b.Replicator().Stats().Broadcasts, uint64(0))
	tst.AssertEqual(t, a.Replicator().Stats().Suppressed, uint64(0))
}

func TestApplyingTwiceEqualsApplyingOnce(t *testing.T) {
	a := testutil.StartNode(t, testutil.Config(t))
	ctx := context.Background()
	rec := change.Record{
		Command:  change.Insert,
		ActorID:  a.Cache().ActorID(),
		Table:    "people",
		Identity: int64(9),
		Payload:  &testutil.Person{ID: 9, Name: "Ivan", City: "Lviv"},
		Stamp:    time.Now().UnixNano(),
	}
	upd := rec
	upd.Command = change.Update
	upd.Fields = []string{"City"}
	upd.Payload = &testutil.Person{ID: 9, City: "Odesa"}
	upd.Stamp = rec.Stamp + 1

	batch := []change.Record{rec, upd}
	applied, err := a.Cache().ApplyBatch(ctx, "peer", batch)
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, len(applied), 2)
	once, ok, err := cache.GetAs[testutil.Person](a.Cache(), "people", int64(9))
	tst.RequireNoError(t, err)
	tst.AssertTrue(t, ok, "peer should stay registered")

	_, err = a.Cache().ApplyBatch(ctx, "peer", batch)
	tst.RequireNoError(t, err)
	twice, _, err := cache.GetAs[testutil.Person](a.Cache(), "people", int64(9))
	tst.RequireNoError(t, err)
	tst.RequireDeepEqual(t, twice, once)
	tst.AssertEqual(t, twice.City, "Odesa")
	tst.AssertEqual(t, twice.Name, "Ivan")
}

func TestStoppedPeerIsMarkedInactive(t *testing.T) {
	a := testutil.StartNode(t, testutil.Config(t))
	cfg := testutil.Config(t)
	cfg.Peers = []string{a.Replicator().Self().String()}
	b := testutil.StartNode(t, cfg)

	self := b.Replicator().Self()
	testutil.WaitFor(t, "b active on a", func() bool {
		in, ok := a.Peers().Lookup(self)
		return ok && in.Liveness() == peer.Active
	})
	tst.RequireNoError(t, b.Stop(context.Background()))
	testutil.WaitFor(t, "b inactive on a", func() bool {
		in, _ := a.Peers().Lookup(self)
		return in.Liveness() == peer.Inactive
	})

	// Commits keep succeeding with the peer gone.
	testutil.Insert(t, a.Cache(), &testutil.Person{ID: 2, Name: "Olga"})
	tst.AssertEqual(t, testutil.PersonName(a.Cache(), 2), "Olga")
	tst.RequireNoError(t, b.Close())
}
