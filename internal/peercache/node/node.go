package node

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/julianstephens/go-utils/helpers"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache"
	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/config"
	"github.com/julianstephens/peercache/internal/peercache/journal"
	"github.com/julianstephens/peercache/internal/peercache/manifest"
	"github.com/julianstephens/peercache/internal/peercache/notify"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/replication"
	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/txn"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

// Node is one cache instance: the local cache plus the channels that keep
// it in step with its peers.
type Node struct {
	cfg      *config.Config
	dir      string
	eps      config.Endpoints
	manifest *manifest.Manifest
	codec    *wire.Codec
	cache    *cache.Cache
	buf      *change.Buffer
	peers    *peer.Registry
	elig     *replication.Eligibility
	journal  *journal.Journal
	rep      *replication.Replicator
	notifier atomic.Pointer[notify.Notifier]
	lg       logger.Logger

	// mu guards the lifecycle. Commit hooks never take it.
	mu      sync.Mutex
	started bool
	closed  bool
}

// Open validates cfg, prepares the data directory and opens the cache. reg
// holds the record types of tables; the protocol types are added to it
// when missing. Nothing listens until Start.
func Open(cfg *config.Config, reg *schema.Registry, tables []cache.TableDef, lg logger.Logger) (*Node, error) {
	lg = logger.OrNop(lg)
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, wrapNodeErr("open", ErrConfig, "", err)
	}
	eps, _ := cfg.Endpoints()
	known, _ := cfg.PeerEndpoints()
	dir := cfg.DataDir

	if _, ok := reg.Lookup(reflect.TypeOf(protocol.Envelope{})); !ok {
		if err := protocol.Register(reg); err != nil {
			return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
		}
	}
	codec, err := wire.New(reg, wire.Options{FullSchemaNames: cfg.FullSchemaNames, CacheSchemas: cfg.CacheSchemas})
	if err != nil {
		return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
	}

	if err := helpers.Ensure(dir, true); err != nil {
		return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
	}
	m, fresh, err := manifest.OpenOrCreate(dir)
	if err != nil {
		return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
	}
	actor, err := uuid.Parse(m.InstanceID)
	if err != nil {
		return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
	}
	lg = logger.With(lg, "instance", m.InstanceID)
	lg.Info("opening node", "dir", dir, "new_instance", fresh, "tables", len(tables))

	c, err := cache.Open(filepath.Join(dir, peercache.CacheFileName), codec, tables, cache.Options{ActorID: actor}, lg)
	if err != nil {
		return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
	}

	n := &Node{
		cfg:      cfg,
		dir:      dir,
		eps:      eps,
		manifest: m,
		codec:    codec,
		cache:    c,
		buf:      change.NewBuffer(lg),
		peers:    peer.NewRegistry(lg),
		elig:     replication.NewEligibility(cfg.Schemas, c.Tables()),
		lg:       lg,
	}
	for _, ep := range known {
		n.peers.Upsert(ep)
	}

	if eps.Stream != nil {
		segMax := cfg.JournalSegmentMaxBytes
		if segMax == 0 {
			segMax = m.JournalSegmentMaxBytes
		}
		n.journal, err = journal.Open(filepath.Join(dir, peercache.JournalDirName), journal.Options{
			SegmentMaxBytes: segMax,
			Floor:           m.JournalSeq,
		}, lg)
		if err != nil {
			_ = c.Close()
			return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
		}
		settings := replication.DefaultSettings()
		settings.Listen = *eps.Stream
		settings.InstanceID = m.InstanceID
		settings.SignInTimeout = cfg.SignInTimeout.Std()
		settings.SyncInterval = cfg.SyncInterval.Std()
		settings.DedupTTL = cfg.DedupTTL.Std()
		settings.Rules = cfg.Schemas
		n.rep, err = replication.New(settings, codec, n.peers, c, n.journal, n.elig, lg)
		if err != nil {
			_ = n.journal.Close()
			_ = c.Close()
			return nil, wrapNodeErr("open", ErrOpenFailed, dir, err)
		}
	}

	c.SetHooks(cache.Hooks{
		Capture:  n.buf.Record,
		Commit:   n.onCommit,
		Rollback: n.onRollback,
	})
	return n, nil
}

// Start binds the configured endpoints and signs in to the known peers. A
// sign-in nobody answered is logged and the node carries on unconfirmed.
func (n *Node) Start(ctx context.Context) error {
	if err := n.bind(ctx); err != nil {
		return err
	}
	if n.rep != nil {
		if err := n.rep.SignIn(ctx); err != nil {
			n.lg.Warn("continuing without sign-in confirmation", "error", err)
		}
	}
	n.lg.Info("node started", "peers", len(n.peers.Enumerate()), "active", len(n.peers.Active()))
	return nil
}

func (n *Node) bind(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return wrapNodeErr("start", ErrClosed, n.dir, nil)
	}
	if n.started {
		return wrapNodeErr("start", ErrState, n.dir, errors.New("already started"))
	}

	stream := ""
	if n.rep != nil {
		if err := n.rep.Start(ctx); err != nil {
			return wrapNodeErr("start", ErrStartFailed, n.dir, err)
		}
		stream = n.rep.Self().String()
	}
	if n.eps.Datagram != nil {
		settings := notify.DefaultSettings()
		settings.Listen = *n.eps.Datagram
		if settings.Listen.Port == 0 && n.rep != nil {
			settings.Listen.Port = n.rep.Self().Port
		}
		settings.Stream = stream
		settings.InstanceID = n.manifest.InstanceID
		settings.FlushInterval = n.cfg.FlushInterval.Std()
		settings.DedupTTL = n.cfg.DedupTTL.Std()
		nt, err := notify.New(settings, n.codec, n.peers, change.ApplierFunc(n.applyDatagram), n.lg)
		if err == nil {
			err = nt.Start(ctx)
		}
		if err != nil {
			if n.rep != nil {
				_ = n.rep.Stop(ctx)
			}
			return wrapNodeErr("start", ErrStartFailed, n.dir, err)
		}
		n.notifier.Store(nt)
	}
	n.started = true
	return nil
}

// Stop logs out of every peer and closes the endpoints. The cache stays
// open until Close.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return wrapNodeErr("stop", ErrState, n.dir, errors.New("not started"))
	}
	n.started = false

	var errs []error
	if nt := n.notifier.Swap(nil); nt != nil {
		if err := nt.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.rep != nil {
		if err := n.rep.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.saveJournalSeq(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return wrapNodeErr("stop", ErrStopFailed, n.dir, err)
	}
	n.lg.Info("node stopped")
	return nil
}

// Close stops the node if needed and closes the journal and the cache.
func (n *Node) Close() error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if started {
		if err := n.Stop(context.Background()); err != nil {
			n.lg.Warn("stop during close failed", "error", err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return wrapNodeErr("close", ErrClosed, n.dir, nil)
	}
	n.closed = true

	var errs []error
	if n.journal != nil {
		if err := n.saveJournalSeq(); err != nil {
			errs = append(errs, err)
		}
		if err := n.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return wrapNodeErr("close", ErrStopFailed, n.dir, err)
	}
	return nil
}

func (n *Node) Cache() *cache.Cache { return n.cache }

func (n *Node) Peers() *peer.Registry { return n.peers }

func (n *Node) Codec() *wire.Codec { return n.codec }

func (n *Node) InstanceID() string { return n.manifest.InstanceID }

func (n *Node) Eligibility() *replication.Eligibility { return n.elig }

// Replicator is nil when no stream endpoint is configured.
func (n *Node) Replicator() *replication.Replicator { return n.rep }

// Notifier is nil before Start and when no datagram endpoint is configured.
func (n *Node) Notifier() *notify.Notifier { return n.notifier.Load() }

// Synch runs a full-table diff against ep.
func (n *Node) Synch(ctx context.Context, ep peer.Endpoint) error {
	if n.rep == nil {
		return wrapNodeErr("synch", ErrNoReplicator, n.dir, nil)
	}
	return n.rep.Synch(ctx, ep)
}

// onCommit forwards the records of a committed transaction to both
// channels. Transactions that applied peer changes are not forwarded.
func (n *Node) onCommit(ctx context.Context, tx *txn.Tx) {
	recs := n.buf.Flush(tx)
	if n.rep != nil {
		if err := n.rep.OnTransactionCommit(ctx, tx, recs); err != nil {
			n.lg.Warn("replication not queued", "tx", tx.ID, "error", err)
		}
	}
	if tx.Replication {
		return
	}
	recs = n.elig.Filter(recs)
	if len(recs) == 0 {
		return
	}
	nt := n.notifier.Load()
	if nt == nil {
		return
	}
	if err := nt.Publish(recs...); err != nil {
		n.lg.Debug("notification not queued", "tx", tx.ID, "error", err)
	}
}

func (n *Node) onRollback(tx *txn.Tx) {
	if dropped := n.buf.Discard(tx); dropped > 0 {
		n.lg.Debug("discarded captured records", "tx", tx.ID, "count", dropped)
	}
}

// applyDatagram applies notifications for replicated tables only.
func (n *Node) applyDatagram(ctx context.Context, origin string, recs []change.Record) ([]change.Record, error) {
	recs = n.elig.Filter(recs)
	if len(recs) == 0 {
		return nil, nil
	}
	return n.cache.ApplyBatch(ctx, origin, recs)
}

func (n *Node) saveJournalSeq() error {
	if n.journal == nil {
		return nil
	}
	seq := n.journal.LastSeq()
	if seq == n.manifest.JournalSeq {
		return nil
	}
	n.manifest.JournalSeq = seq
	return n.manifest.Save(n.dir)
}
