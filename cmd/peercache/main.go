package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/julianstephens/peercache/internal/cli"
	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache"
	"github.com/julianstephens/peercache/internal/peercache/config"
)

var (
	version = "peercache v0.1.0"
)

type LogOpts struct {
	Level  string `help:"Logging level (debug, info, warn, error)"                envvar:"PEERCACHE_LOG_LEVEL"`
	Debug  bool   `help:"Enable debug logging (overrides --level)"                envvar:"PEERCACHE_DEBUG"`
	Dir    string `help:"Directory for rotating log files"                       envvar:"PEERCACHE_LOG_DIR"`
	Stream bool   `help:"Log to stdout/stderr in addition to file"                envvar:"PEERCACHE_LOG_STREAM"`
}

type CLI struct {
	Serve   cli.ServeCmd   `cmd:"" help:"Run a cache instance until interrupted"`
	Peers   cli.PeersCmd   `cmd:"" help:"List configured peers and the local identity"`
	Inspect cli.InspectCmd `cmd:"" help:"Dump the tokens of a wire-encoded file"`
	Version cli.VersionCmd `cmd:"" help:"Print the version"`

	Config  string  `help:"Configuration file (YAML or JSON)" short:"c" type:"path" envvar:"PEERCACHE_CONFIG"`
	LogOpts LogOpts `embed:"" prefix:"log-" help:"Logging options"`
}

// createLogger starts from the log section of the configuration file, when
// one is given, and applies the command line on top.
func createLogger(configPath string, opts LogOpts) (logger.Logger, error) {
	base := peercache.DefaultOpenOptions()
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		base = cfg.OpenOptions()
	}
	if opts.Level != "" {
		base.LogLevel = opts.Level
	}
	if opts.Debug {
		base.LogLevel = "debug"
	}
	if opts.Dir != "" {
		base.LogDir = opts.Dir
	}
	base.Stream = base.Stream || opts.Stream
	return logger.FromOptions(base)
}

func main() {
	cliApp := &CLI{}
	ctx := kong.Parse(cliApp,
		kong.Name("peercache"),
		kong.Description("A replicated object cache"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	lg, err := createLogger(cliApp.Config, cliApp.LogOpts)
	if err != nil {
		ctx.FatalIfErrorf(err)
	}
	defer func() {
		if c, ok := lg.(logger.Closeable); ok {
			_ = c.Close()
		}
	}()

	err = ctx.Run(&cli.Globals{
		Config:  cliApp.Config,
		Logger:  lg,
		Version: version,
		Out:     os.Stdout,
	})
	if err != nil {
		if c, ok := lg.(logger.Closeable); ok {
			_ = c.Close()
		}
		os.Exit(1)
	}
}
