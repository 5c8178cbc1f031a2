package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/julianstephens/go-utils/helpers"
	"github.com/julianstephens/go-utils/jsonutil"

	"github.com/julianstephens/peercache/internal/peercache"
)

// Manifest is the per-instance record kept in the data directory. It pins
// the instance identity across restarts and the journal numbering across
// compaction.
type Manifest struct {
	Version    int    `json:"version"`
	InstanceID string `json:"instance_id"`
	// JournalSeq is the highest journal sequence ever assigned. The journal
	// never numbers below it after reopening.
	JournalSeq             uint64 `json:"journal_seq"`
	JournalSegmentMaxBytes int64  `json:"journal_segment_max_bytes"`
}

// Default returns a manifest for a new instance with a fresh time-ordered
// instance id.
func Default() *Manifest {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Manifest{
		Version:                peercache.ManifestVersion,
		InstanceID:             id.String(),
		JournalSegmentMaxBytes: peercache.DefaultSegmentMaxBytes,
	}
}

// Path is the manifest location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, peercache.ManifestFileName)
}

// Create writes a default manifest into dir. It fails if one exists.
func Create(dir string) (*Manifest, error) {
	p := Path(dir)
	if helpers.Exists(p) {
		return nil, &ManifestError{
			Kind: ManifestErrorKindAlreadyExists,
			Path: p,
			Err:  fmt.Errorf("manifest already exists at %s", p),
		}
	}
	if err := helpers.Ensure(dir, true); err != nil {
		return nil, &ManifestError{Kind: ManifestErrorKindWrite, Path: dir, Err: err}
	}
	m := Default()
	if err := m.write(p); err != nil {
		return nil, err
	}
	return m, nil
}

// Open reads the manifest in dir.
func Open(dir string) (*Manifest, error) {
	p := Path(dir)
	if !helpers.Exists(p) {
		return nil, &ManifestError{Kind: ManifestErrorKindNotFound, Path: p, Err: fs.ErrNotExist}
	}

	m := &Manifest{}
	if err := jsonutil.ReadFileStrict(p, m); err != nil {
		return nil, &ManifestError{Kind: ManifestErrorKindDecode, Path: p, Err: err}
	}
	if m.Version > peercache.ManifestVersion {
		return nil, &ManifestError{
			Kind: ManifestErrorKindUnsupportedVersion,
			Path: p,
			Err:  fmt.Errorf("manifest version %d is not supported", m.Version),
		}
	}
	if _, err := uuid.Parse(m.InstanceID); err != nil {
		return nil, &ManifestError{Kind: ManifestErrorKindInvalid, Path: p, Err: err}
	}
	return m, nil
}

// OpenOrCreate opens the manifest in dir, creating a default one on first
// start.
func OpenOrCreate(dir string) (*Manifest, bool, error) {
	if helpers.Exists(Path(dir)) {
		m, err := Open(dir)
		return m, false, err
	}
	m, err := Create(dir)
	return m, err == nil, err
}

// Save rewrites the manifest in dir atomically.
func (m *Manifest) Save(dir string) error {
	p := Path(dir)
	if !helpers.Exists(p) {
		return &ManifestError{Kind: ManifestErrorKindNotFound, Path: p, Err: fs.ErrNotExist}
	}
	return m.write(p)
}

func (m *Manifest) write(p string) error {
	data, err := jsonutil.Marshal(m)
	if err != nil {
		return &ManifestError{Kind: ManifestErrorKindEncode, Path: p, Err: err}
	}
	return writeFile(p, data)
}

func writeFile(filePath string, data []byte) error {
	if err := helpers.AtomicFileWrite(filePath, data); err != nil {
		return &ManifestError{Kind: ManifestErrorKindWrite, Path: filePath, Err: err}
	}
	f, err := os.Open(filepath.Dir(filePath)) //nolint:gosec
	if err != nil {
		return &ManifestError{Kind: ManifestErrorKindWrite, Path: filePath, Err: err}
	}
	defer func() { _ = f.Close() }()

	if err := f.Sync(); err != nil {
		return &ManifestError{Kind: ManifestErrorKindWrite, Path: filePath, Err: err}
	}
	return nil
}
