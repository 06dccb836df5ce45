package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Registry is a SQLite-backed record of every peer device ever observed,
// with labels and first/last-seen timestamps. It survives restarts, unlike
// the in-memory device-list cache, and gives encryption paths a hint when
// the server cannot be reached. Sessions to devices that disappear from a
// peer's published list are retained; the registry keeps the last_seen data
// a future purge pass would need.
type Registry struct {
	db *sql.DB
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS peer_device (
	account TEXT NOT NULL,
	jid TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (account, jid, device_id)
);
`

// OpenRegistry opens or creates the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create registry dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open registry: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RecordDevices upserts the given device ids for (account, jid), refreshing
// last_seen. Devices absent from ids are left in place.
func (r *Registry) RecordDevices(account, jid string, ids []uint32, labels map[uint32]string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt, err := tx.Prepare(`
		INSERT INTO peer_device (account, jid, device_id, label, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, jid, device_id)
		DO UPDATE SET label = excluded.label, last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(account, jid, id, labels[id], now, now); err != nil {
			return fmt.Errorf("store: record device %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Devices returns all recorded device ids for (account, jid), ordered by id.
func (r *Registry) Devices(account, jid string) ([]uint32, error) {
	rows, err := r.db.Query(
		"SELECT device_id FROM peer_device WHERE account = ? AND jid = ? ORDER BY device_id",
		account, jid,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query devices: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return ids, nil
}
