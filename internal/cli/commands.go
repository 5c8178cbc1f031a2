package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julianstephens/go-utils/cliutil"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache/config"
	"github.com/julianstephens/peercache/internal/peercache/manifest"
	"github.com/julianstephens/peercache/internal/peercache/node"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

// Globals are bound into every command.
type Globals struct {
	Config  string
	Logger  logger.Logger
	Version string
	Out     io.Writer
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// LoadConfig reads the configured file, or the defaults when no file is set.
func (g *Globals) LoadConfig() (*config.Config, error) {
	if g.Config == "" {
		return config.Default(), nil
	}
	return config.Load(g.Config)
}

// ServeCmd runs an instance until interrupted.
type ServeCmd struct {
	DataDir string `help:"Override the data directory" type:"path"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.LoadConfig()
	if err != nil {
		cliutil.PrintError(err.Error())
		return err
	}
	if c.DataDir != "" {
		cfg.DataDir = c.DataDir
	}
	reg, tables, err := KVTables()
	if err != nil {
		return err
	}
	n, err := node.Open(cfg, reg, tables, g.Logger)
	if err != nil {
		cliutil.PrintError(err.Error())
		return err
	}
	defer func() { _ = n.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		cliutil.PrintError(err.Error())
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "instance %s serving %v\n", n.InstanceID(), cfg.Listen)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.Stop(stopCtx)
}

// PeersCmd lists the configured peers and the local instance identity.
type PeersCmd struct{}

func (c *PeersCmd) Run(g *Globals) error {
	cfg, err := g.LoadConfig()
	if err != nil {
		cliutil.PrintError(err.Error())
		return err
	}
	out := g.out()
	m, err := manifest.Open(cfg.DataDir)
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(out, "instance %s journal_seq=%d\n", m.InstanceID, m.JournalSeq)
	case errors.Is(err, manifest.ErrManifestNotFound):
		_, _ = fmt.Fprintln(out, "instance not initialized")
	default:
		cliutil.PrintError(err.Error())
		return err
	}
	eps, err := cfg.PeerEndpoints()
	if err != nil {
		return err
	}
	for _, ep := range eps {
		kind := "datagram"
		if ep.Scheme.Stream() {
			kind = "stream"
		}
		_, _ = fmt.Fprintf(out, "%-8s %s\n", kind, ep.String())
	}
	return nil
}

// InspectCmd dumps the tokens of a wire-encoded file.
type InspectCmd struct {
	File string `arg:"" help:"File holding a wire-encoded stream" type:"existingfile"`
}

func (c *InspectCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		cliutil.PrintError(err.Error())
		return err
	}
	reg := schema.NewRegistry()
	if err := protocol.Register(reg); err != nil {
		return err
	}
	codec, err := wire.New(reg, wire.Options{})
	if err != nil {
		return err
	}
	if err := codec.Dump(data, g.out()); err != nil {
		cliutil.PrintError(err.Error())
		return err
	}
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(g.out(), g.Version)
	return err
}
