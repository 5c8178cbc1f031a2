package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	tst "github.com/julianstephens/go-utils/tests"
)

func TestCreateAndOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	created, err := Create(dir)
	tst.RequireNoError(t, err)
	id, err := uuid.Parse(created.InstanceID)
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, id.Version(), uuid.Version(7))

	opened, err := Open(dir)
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, opened.Version, 1)
	tst.AssertEqual(t, opened.InstanceID, created.InstanceID)
	tst.AssertEqual(t, opened.JournalSeq, uint64(0))
}

func TestCreateAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir)
	tst.RequireNoError(t, err)

	_, err = Create(dir)
	var me *ManifestError
	tst.AssertTrue(t, errors.As(err, &me), "expected ManifestError")
	tst.AssertEqual(t, me.Kind, ManifestErrorKindAlreadyExists)
	tst.AssertTrue(t, errors.Is(err, ErrManifestAlreadyExists), "expected ErrManifestAlreadyExists")
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(t.TempDir())
	tst.AssertTrue(t, errors.Is(err, ErrManifestNotFound), "expected ErrManifestNotFound")
}

func TestOpenOrCreateKeepsIdentity(t *testing.T) {
	dir := t.TempDir()
	first, fresh, err := OpenOrCreate(dir)
	tst.RequireNoError(t, err)
	tst.AssertTrue(t, fresh, "expected a new manifest")

	second, fresh, err := OpenOrCreate(dir)
	tst.RequireNoError(t, err)
	tst.AssertFalse(t, fresh, "expected the existing manifest")
	tst.AssertEqual(t, second.InstanceID, first.InstanceID)
}

func TestSaveWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(dir)
	tst.RequireNoError(t, err)

	m.JournalSeq = 42
	tst.RequireNoError(t, m.Save(dir))
	m.JournalSeq = 43
	tst.RequireNoError(t, m.Save(dir))

	data, err := os.ReadFile(Path(dir)) //nolint:gosec
	tst.RequireNoError(t, err)
	var saved Manifest
	tst.RequireNoError(t, json.Unmarshal(data, &saved))
	tst.AssertEqual(t, saved.JournalSeq, uint64(43))

	entries, err := os.ReadDir(dir)
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, len(entries), 1, "no temp files left behind")
}

func TestSaveWithoutManifest(t *testing.T) {
	err := Default().Save(t.TempDir())
	tst.AssertTrue(t, errors.Is(err, ErrManifestNotFound), "expected ErrManifestNotFound")
}

func TestOpenRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(dir)
	tst.RequireNoError(t, err)
	m.Version = 99
	tst.RequireNoError(t, m.Save(dir))

	_, err = Open(dir)
	tst.AssertTrue(t, errors.Is(err, ErrManifestUnsupportedVersion), "expected ErrManifestUnsupportedVersion")
}

func TestOpenRejectsBadInstanceID(t *testing.T) {
	dir := t.TempDir()
	tst.RequireNoError(t, os.WriteFile(Path(dir), []byte(`{"version":1,"instance_id":"nope","journal_seq":0,"journal_segment_max_bytes":0}`), 0o600))
	_, err := Open(dir)
	tst.AssertTrue(t, errors.Is(err, ErrManifestInvalid), "expected ErrManifestInvalid")
}
