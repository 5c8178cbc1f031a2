package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/julianstephens/go-utils/jsonutil"
	"gopkg.in/yaml.v3"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/replication"
)

// Config is the file configuration of one instance.
type Config struct {
	// Listen holds at most one udp endpoint and one tcp or ws endpoint.
	// When both are present they share a port.
	Listen  []string `yaml:"listen" json:"listen"`
	Peers   []string `yaml:"peers" json:"peers"`
	DataDir string   `yaml:"data_dir" json:"data_dir"`

	Schemas []replication.SchemaRule `yaml:"schemas" json:"schemas"`

	FlushInterval Duration `yaml:"flush_interval" json:"flush_interval"`
	SignInTimeout Duration `yaml:"sign_in_timeout" json:"sign_in_timeout"`
	// SyncInterval of zero disables periodic sync.
	SyncInterval Duration `yaml:"sync_interval" json:"sync_interval"`
	DedupTTL     Duration `yaml:"dedup_ttl" json:"dedup_ttl"`

	FullSchemaNames        bool  `yaml:"full_schema_names" json:"full_schema_names"`
	CacheSchemas           bool  `yaml:"cache_schemas" json:"cache_schemas"`
	JournalSegmentMaxBytes int64 `yaml:"journal_segment_max_bytes" json:"journal_segment_max_bytes"`

	Log Log `yaml:"log" json:"log"`
}

type Log struct {
	Level      string `yaml:"level" json:"level"`
	Dir        string `yaml:"dir" json:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	Stream     bool   `yaml:"stream" json:"stream"`
}

func Default() *Config {
	port := peercache.DefaultPort
	return &Config{
		Listen: []string{
			fmt.Sprintf("udp://127.0.0.1:%d", port),
			fmt.Sprintf("tcp://127.0.0.1:%d", port),
		},
		DataDir:                "peercache-data",
		FlushInterval:          Duration(peercache.DefaultFlushInterval),
		SignInTimeout:          Duration(peercache.DefaultSignInTimeout),
		SyncInterval:           Duration(peercache.DefaultSyncInterval),
		DedupTTL:               Duration(peercache.DefaultDedupTTL),
		CacheSchemas:           true,
		JournalSegmentMaxBytes: peercache.DefaultSegmentMaxBytes,
		Log: Log{
			Level:      peercache.DefaultLogLevel,
			MaxSizeMB:  peercache.DefaultLogMaxSize,
			MaxBackups: peercache.DefaultLogMaxBackups,
		},
	}
}

// Load reads path over the defaults and validates the result. Files ending
// in .json are read as JSON, anything else as YAML. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := jsonutil.ReadFileStrict(path, cfg); err != nil {
			return nil, &ConfigError{Err: ErrRead, Path: path, Cause: err}
		}
	} else {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, &ConfigError{Err: ErrRead, Path: path, Cause: err}
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty file leaves every default in place.
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ConfigError{Err: ErrRead, Path: path, Cause: err}
		}
	}
	if err := cfg.Validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Endpoints are the parsed listen addresses. Either may be nil.
type Endpoints struct {
	Datagram *peer.Endpoint
	Stream   *peer.Endpoint
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if _, err := c.Endpoints(); err != nil {
		return err
	}
	if _, err := c.PeerEndpoints(); err != nil {
		return err
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir", c.DataDir, errors.New("must not be empty"))
	}
	seen := make(map[string]bool, len(c.Schemas))
	for i, s := range c.Schemas {
		field := fmt.Sprintf("schemas[%d].name", i)
		if s.Name == "" {
			return invalid(field, s.Name, errors.New("must not be empty"))
		}
		if seen[s.Name] {
			return invalid(field, s.Name, errors.New("duplicate schema"))
		}
		seen[s.Name] = true
	}
	if c.FlushInterval <= 0 {
		return invalid("flush_interval", c.FlushInterval.Std(), errors.New("must be positive"))
	}
	if c.SignInTimeout <= 0 {
		return invalid("sign_in_timeout", c.SignInTimeout.Std(), errors.New("must be positive"))
	}
	if c.SyncInterval < 0 {
		return invalid("sync_interval", c.SyncInterval.Std(), errors.New("must not be negative"))
	}
	if c.DedupTTL <= 0 {
		return invalid("dedup_ttl", c.DedupTTL.Std(), errors.New("must be positive"))
	}
	if c.JournalSegmentMaxBytes < 0 {
		return invalid("journal_segment_max_bytes", c.JournalSegmentMaxBytes, errors.New("must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", c.Log.Level, err)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return invalid("log.max_size_mb", c.Log.MaxSizeMB, errors.New("sizes must not be negative"))
	}
	return nil
}

// Endpoints parses Listen.
func (c *Config) Endpoints() (Endpoints, error) {
	var out Endpoints
	if len(c.Listen) == 0 {
		return out, invalid("listen", c.Listen, errors.New("at least one endpoint is required"))
	}
	for i, s := range c.Listen {
		field := fmt.Sprintf("listen[%d]", i)
		ep, err := peer.ParseListen(s)
		if err != nil {
			return out, invalid(field, s, err)
		}
		slot := &out.Datagram
		if ep.Scheme.Stream() {
			slot = &out.Stream
		}
		if *slot != nil {
			return out, invalid(field, s, errors.New("one datagram and one stream endpoint at most"))
		}
		*slot = &ep
	}
	if out.Datagram != nil && out.Stream != nil && out.Datagram.Port != out.Stream.Port {
		return out, invalid("listen", c.Listen, errors.New("datagram and stream endpoints must share a port"))
	}
	return out, nil
}

// PeerEndpoints parses Peers.
func (c *Config) PeerEndpoints() ([]peer.Endpoint, error) {
	out := make([]peer.Endpoint, 0, len(c.Peers))
	for i, s := range c.Peers {
		ep, err := peer.ParseEndpoint(s)
		if err != nil {
			return nil, invalid(fmt.Sprintf("peers[%d]", i), s, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// OpenOptions returns the logging part of the configuration.
func (c *Config) OpenOptions() peercache.OpenOptions {
	return peercache.OpenOptions{
		LogLevel:   c.Log.Level,
		LogDir:     c.Log.Dir,
		LogMaxSize: c.Log.MaxSizeMB,
		LogMaxBak:  c.Log.MaxBackups,
		Stream:     c.Log.Stream,
	}
}
