package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/julianstephens/peercache/internal/peercache/change"
)

// ChangedSince returns the rows of table written after version since, as
// Insert records for live rows and Delete records for tombstones, in write
// order. until is the highest version returned, or since when nothing
// changed.
func (c *Cache) ChangedSince(ctx context.Context, table string, since int64) (recs []change.Record, until int64, err error) {
	def, ok := c.tables[table]
	if !ok {
		return nil, since, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if c.closed.Load() {
		return nil, since, wrapCacheErr("changed_since", ErrClosed, c.path, nil)
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id_blob, payload, stamp, version, deleted
		FROM rows
		WHERE tbl = ? AND version > ?
		ORDER BY version
	`, table, since)
	if err != nil {
		return nil, since, wrapCacheErr("changed_since", ErrQueryFailed, c.path, err)
	}
	defer rows.Close() //nolint:errcheck

	until = since
	for rows.Next() {
		var (
			idBlob, payload []byte
			stamp, version  int64
			deleted         bool
		)
		if err := rows.Scan(&idBlob, &payload, &stamp, &version, &deleted); err != nil {
			return nil, since, wrapCacheErr("changed_since", ErrQueryFailed, c.path, err)
		}
		id, err := c.codec.Unmarshal(idBlob, nil)
		if err != nil {
			return nil, since, wrapCacheErr("changed_since", ErrQueryFailed, c.path, err)
		}
		rec := change.Record{
			Command:  change.Insert,
			ActorID:  c.actor,
			Table:    table,
			Identity: id,
			Stamp:    stamp,
		}
		if deleted {
			rec.Command = change.Delete
		} else if rec.Payload, err = c.decodePayload(def, payload); err != nil {
			return nil, since, wrapCacheErr("changed_since", ErrQueryFailed, c.path, err)
		}
		recs = append(recs, rec)
		until = version
	}
	if err := rows.Err(); err != nil {
		return nil, since, wrapCacheErr("changed_since", ErrQueryFailed, c.path, err)
	}
	return recs, until, nil
}

// Digest hashes the identity and stamp of every live row of table. Two
// caches holding the same versions of the same rows have equal digests.
func (c *Cache) Digest(ctx context.Context, table string) ([]byte, error) {
	if _, ok := c.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if c.closed.Load() {
		return nil, wrapCacheErr("digest", ErrClosed, c.path, nil)
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT ident, stamp FROM rows
		WHERE tbl = ? AND deleted = 0
		ORDER BY ident
	`, table)
	if err != nil {
		return nil, wrapCacheErr("digest", ErrQueryFailed, c.path, err)
	}
	defer rows.Close() //nolint:errcheck

	h := blake3.New()
	var buf [8]byte
	for rows.Next() {
		var (
			ident string
			stamp int64
		)
		if err := rows.Scan(&ident, &stamp); err != nil {
			return nil, wrapCacheErr("digest", ErrQueryFailed, c.path, err)
		}
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(ident)))
		_, _ = h.Write(buf[:4])
		_, _ = h.Write([]byte(ident))
		binary.LittleEndian.PutUint64(buf[:], uint64(stamp))
		_, _ = h.Write(buf[:])
	}
	if err := rows.Err(); err != nil {
		return nil, wrapCacheErr("digest", ErrQueryFailed, c.path, err)
	}
	return h.Sum(nil), nil
}

// Cursor records how far this instance has synchronized one table from one
// peer.
type Cursor struct {
	Peer   string
	Schema string
	Table  string
	// Since is the peer's change version already applied here.
	Since  int64
	Digest []byte
}

// LoadCursor returns the stored cursor, or one at zero when none exists.
func (c *Cache) LoadCursor(ctx context.Context, peer, schemaName, table string) (Cursor, error) {
	cur := Cursor{Peer: peer, Schema: schemaName, Table: table}
	err := c.db.QueryRowContext(ctx, `
		SELECT since, digest FROM sync_cursors
		WHERE peer = ? AND schema_name = ? AND tbl = ?
	`, peer, schemaName, table).Scan(&cur.Since, &cur.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, wrapCacheErr("load_cursor", ErrQueryFailed, c.path, err)
	}
	return cur, nil
}

func (c *Cache) SaveCursor(ctx context.Context, cur Cursor) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (peer, schema_name, tbl, since, digest)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer, schema_name, tbl) DO UPDATE SET
			since  = excluded.since,
			digest = excluded.digest
	`, cur.Peer, cur.Schema, cur.Table, cur.Since, cur.Digest)
	if err != nil {
		return wrapCacheErr("save_cursor", ErrQueryFailed, c.path, err)
	}
	return nil
}
