package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	_ "modernc.org/sqlite"
)

// sqliteBackend keeps fingerprints and records in two tables so that large
// caches are updated in place rather than rewritten.
type sqliteBackend struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func (b *sqliteBackend) name() string     { return "sqlite" }
func (b *sqliteBackend) location() string { return b.path }

func (b *sqliteBackend) stat() (bool, int64) {
	info, err := os.Stat(b.path)
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

func (b *sqliteBackend) init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.path == "" {
		return errors.New("sqlite path is required")
	}
	if b.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	b.db = db
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hashes (
			hash TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS records (
			hash TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}

func (b *sqliteBackend) getDB() (*sql.DB, error) {
	if err := b.init(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db, nil
}

func (b *sqliteBackend) load() (snapshot, error) {
	db, err := b.getDB()
	if err != nil {
		return snapshot{}, err
	}
	ctx := context.Background()
	snap := snapshot{records: make(map[string]Record)}

	rows, err := db.QueryContext(ctx, `SELECT hash FROM hashes ORDER BY hash`)
	if err != nil {
		return snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		snap.hashes = append(snap.hashes, h)
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `SELECT hash, payload FROM records`)
	if err != nil {
		return snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			h       string
			payload []byte
		)
		if err := rows.Scan(&h, &payload); err != nil {
			return snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		rec, err := decodeRecord(h, gjson.ParseBytes(payload))
		if err != nil {
			slog.Debug("Skipping undecodable cache record", "hash", h, "error", err)
			continue
		}
		snap.records[rec.Hash] = rec
	}
	return snap, rows.Err()
}

func (b *sqliteBackend) save(snap snapshot) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range snap.hashes {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO hashes (hash) VALUES (?)`, h); err != nil {
			return fmt.Errorf("failed to insert hash %s: %w", h, err)
		}
	}
	for h, rec := range snap.records {
		payload, err := json.Marshal(toFileRecord(rec))
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", h, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (hash, kind, updated_at, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET
				kind = excluded.kind,
				updated_at = excluded.updated_at,
				payload = excluded.payload
		`, h, string(rec.Kind), rec.Timestamp.Format(time.RFC3339Nano), payload)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", h, err)
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) clear() error {
	if err := b.close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(b.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete sqlite cache: %w", err)
		}
	}
	slog.Info("Cache database deleted", "path", b.path)
	return nil
}

func (b *sqliteBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
