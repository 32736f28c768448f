package tsindex

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	_ "modernc.org/sqlite"
)

// Store persists Index snapshots to a sqlite database, brotli-compressing
// the snapshot blob before it hits disk. This is ambient durability the
// in-memory Index itself does not need to function; it exists so a
// restarted daemon can rebuild its seek table without re-scanning
// everything still on disk (spec.md carries no index persistence of its
// own, so this schema and cadence are this project's addition, following
// the teacher's sql.Open("sqlite", ...)/db.Exec style in plex/dvr.go).
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the sqlite database at path and
// ensures the snapshot table exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tsindex: open sqlite db: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS index_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tsindex: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (st *Store) Close() error { return st.db.Close() }

// Snapshot serializes every entry in ix to a brotli-compressed blob and
// inserts it as the newest row tagged with seq (a monotonically increasing
// generation counter the caller maintains, e.g. the number of Add calls so
// far).
func (st *Store) Snapshot(ix *Index, seq int64) error {
	blob, err := encodeSnapshot(ix)
	if err != nil {
		return fmt.Errorf("tsindex: encode snapshot: %w", err)
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(blob); err != nil {
		w.Close()
		return fmt.Errorf("tsindex: compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("tsindex: flush compressed snapshot: %w", err)
	}
	if _, err := st.db.Exec(`INSERT INTO index_snapshots (seq, payload) VALUES (?, ?)`, seq, buf.Bytes()); err != nil {
		return fmt.Errorf("tsindex: insert snapshot: %w", err)
	}
	return nil
}

// LoadLatest reconstructs an Index from the most recently stored snapshot.
// It returns an empty Index with ok=false if no snapshot exists yet.
func (st *Store) LoadLatest() (*Index, bool, error) {
	row := st.db.QueryRow(`SELECT payload FROM index_snapshots ORDER BY id DESC LIMIT 1`)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return New(), false, nil
		}
		return nil, false, fmt.Errorf("tsindex: load snapshot: %w", err)
	}
	r := brotli.NewReader(bytes.NewReader(payload))
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("tsindex: decompress snapshot: %w", err)
	}
	ix, err := decodeSnapshot(blob)
	if err != nil {
		return nil, false, fmt.Errorf("tsindex: decode snapshot: %w", err)
	}
	return ix, true, nil
}

// Prune keeps only the newest keep snapshot rows, dropping older ones so
// the database doesn't grow unbounded across a long-running daemon.
func (st *Store) Prune(keep int) error {
	_, err := st.db.Exec(`DELETE FROM index_snapshots WHERE id NOT IN (
		SELECT id FROM index_snapshots ORDER BY id DESC LIMIT ?
	)`, keep)
	return err
}

// On-disk layout: uint32 entry count, then per entry
// (int64 TimeNanos, int64 ByteOffset, uint32 Flags), all little-endian.
// A hand-rolled fixed-width encoding keeps this package's only dependency
// surface for this file to brotli and sqlite, matching what's already
// wired elsewhere rather than adding a third serialization library.

func encodeSnapshot(ix *Index) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(ix.byBytes))); err != nil {
		return nil, err
	}
	for _, e := range ix.byBytes {
		if err := binary.Write(&buf, binary.LittleEndian, e.TimeNanos); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, e.ByteOffset); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(e.Flags)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(blob []byte) (*Index, error) {
	r := bytes.NewReader(blob)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	ix := New()
	for i := uint32(0); i < count; i++ {
		var e Entry
		var flags uint32
		if err := binary.Read(r, binary.LittleEndian, &e.TimeNanos); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.ByteOffset); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return nil, err
		}
		e.Flags = Flags(flags)
		ix.Add(e)
	}
	return ix, nil
}
