// Package storage is the local stand-in for the shared append-only memory
// log and the blob drive. The control plane delegates here; peers never
// touch this database directly.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the node's SQLite database.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database in dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "bridge.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_log (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS drive (
			name       TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// MemoryEntry is one appended record.
type MemoryEntry struct {
	Seq       int64  `json:"seq"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// AppendMemory appends to the log and returns the new length.
func (d *DB) AppendMemory(content string, now int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(
		`INSERT INTO memory_log (content, created_at) VALUES (?, ?)`, content, now); err != nil {
		return 0, fmt.Errorf("append memory: %w", err)
	}
	var length int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM memory_log`).Scan(&length); err != nil {
		return 0, err
	}
	return length, nil
}

// ReadMemory returns the last limit entries in append order.
func (d *DB) ReadMemory(limit int) ([]MemoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT seq, content, created_at FROM (
			SELECT seq, content, created_at FROM memory_log ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []MemoryEntry{}
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.Seq, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutBlob stores or replaces a named blob.
func (d *DB) PutBlob(name string, data []byte, now int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO drive (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, now)
	if err != nil {
		return fmt.Errorf("put blob %q: %w", name, err)
	}
	return nil
}

// GetBlob fetches a named blob; ok is false when absent.
func (d *DB) GetBlob(name string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var data []byte
	err := d.db.QueryRow(`SELECT data FROM drive WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ListBlobs lists stored blobs by name.
func (d *DB) ListBlobs() ([]BlobInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT name, LENGTH(data), updated_at FROM drive ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := []BlobInfo{}
	for rows.Next() {
		var bi BlobInfo
		if err := rows.Scan(&bi.Name, &bi.Size, &bi.UpdatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, bi)
	}
	return infos, rows.Err()
}
