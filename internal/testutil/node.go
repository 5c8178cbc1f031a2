package testutil

import (
	"context"
	"testing"
	"time"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/config"
	"github.com/julianstephens/peercache/internal/peercache/node"
)

// Config returns a configuration listening on free loopback ports with a
// fresh data directory and short timers. Pass no listen addresses for udp
// plus tcp on one port.
func Config(t *testing.T, listen ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if len(listen) == 0 {
		listen = []string{"udp://127.0.0.1:0", "tcp://127.0.0.1:0"}
	}
	cfg.Listen = listen
	cfg.FlushInterval = config.Duration(20 * time.Millisecond)
	cfg.SignInTimeout = config.Duration(2 * time.Second)
	cfg.SyncInterval = 0
	return cfg
}

// StartNode opens and starts a node over the sample tables. It is closed
// when the test ends.
func StartNode(t *testing.T, cfg *config.Config) *node.Node {
	t.Helper()
	reg, tables := Tables(t)
	n, err := node.Open(cfg, reg, tables, nil)
	tst.RequireNoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	tst.RequireNoError(t, n.Start(context.Background()))
	return n
}

// Insert commits objs in one transaction.
func Insert(t *testing.T, c *cache.Cache, objs ...any) {
	t.Helper()
	tx, err := c.Begin()
	tst.RequireNoError(t, err)
	for _, o := range objs {
		tst.RequireNoError(t, tx.Insert(o))
	}
	tst.RequireNoError(t, tx.Commit(context.Background()))
}

// PersonName reads a person's name, or "" when absent.
func PersonName(c *cache.Cache, id int64) string {
	p, ok, err := cache.GetAs[Person](c, "people", id)
	if err != nil || !ok {
		return ""
	}
	return p.Name
}
