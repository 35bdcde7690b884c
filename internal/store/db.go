// internal/store/db.go
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// ErrNotFound is returned by point lookups that match no row
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failed read or write against the local database
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// MachineStatus is the last known state of one machine
type MachineStatus struct {
	MachineID   string    `json:"machine_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
}

// LogEntry is one locally stored log line
type LogEntry struct {
	ID        int64      `json:"id"`
	MachineID string     `json:"machine_id"`
	Level     string     `json:"log_level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// DB wraps the SQLite connection
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS machine_status (
	machine_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id TEXT NOT NULL,
	log_level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL,
	synced_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_machine ON logs(machine_id, id);
`

// Open opens or creates the SQLite database at path
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, persistErr("create directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistErr("open", err)
	}

	// One handle per process; concurrent writers on one file are undefined.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, persistErr("set journal mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, persistErr("set busy timeout", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, persistErr("create schema", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// migrate adds synced_at to log tables created before it existed
func (d *DB) migrate() error {
	rows, err := d.db.Query(`PRAGMA table_info(logs)`)
	if err != nil {
		return persistErr("inspect schema", err)
	}
	defer rows.Close()

	hasSyncedAt := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return persistErr("inspect schema", err)
		}
		if name == "synced_at" {
			hasSyncedAt = true
		}
	}
	if err := rows.Err(); err != nil {
		return persistErr("inspect schema", err)
	}
	rows.Close()

	if !hasSyncedAt {
		if _, err := d.db.Exec(`ALTER TABLE logs ADD COLUMN synced_at TEXT`); err != nil {
			return persistErr("migrate logs", err)
		}
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// UpsertStatus creates the row for rec.MachineID or updates it in place
func (d *DB) UpsertStatus(rec MachineStatus) error {
	if strings.TrimSpace(rec.MachineID) == "" {
		return persistErr("upsert status", errors.New("machine id is required"))
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO machine_status (machine_id, name, status, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			last_updated = excluded.last_updated
	`, rec.MachineID, rec.Name, rec.Status, rec.LastUpdated.UTC().Format(timeFormat))

	return persistErr("upsert status", err)
}

// GetStatus returns the cached status for machineID, or ErrNotFound
func (d *DB) GetStatus(machineID string) (*MachineStatus, error) {
	var rec MachineStatus
	var updated string

	err := d.db.QueryRow(`
		SELECT machine_id, name, status, last_updated
		FROM machine_status
		WHERE machine_id = ?
	`, machineID).Scan(&rec.MachineID, &rec.Name, &rec.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine %q: %w", machineID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get status", err)
	}

	rec.LastUpdated, err = time.Parse(timeFormat, updated)
	if err != nil {
		return nil, persistErr("get status", fmt.Errorf("parse last_updated %q: %w", updated, err))
	}
	return &rec, nil
}

// AppendLog inserts a new log row and returns its id. Existing rows are
// never touched.
func (d *DB) AppendLog(entry LogEntry) (int64, error) {
	if strings.TrimSpace(entry.MachineID) == "" {
		return 0, persistErr("append log", errors.New("machine id is required"))
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	res, err := d.db.Exec(`
		INSERT INTO logs (machine_id, log_level, message, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.MachineID, entry.Level, entry.Message, entry.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return 0, persistErr("append log", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistErr("append log", err)
	}
	return id, nil
}

// ListLogs returns every row for machineID in insertion order
func (d *DB) ListLogs(machineID string) ([]LogEntry, error) {
	rows, err := d.db.Query(`
		SELECT id, machine_id, log_level, message, created_at, synced_at
		FROM logs
		WHERE machine_id = ?
		ORDER BY id ASC
	`, machineID)
	if err != nil {
		return nil, persistErr("list logs", err)
	}
	defer rows.Close()

	entries, err := scanLogs(rows)
	return entries, persistErr("list logs", err)
}

// ListUnsyncedLogs returns rows the server has not acknowledged yet, in
// insertion order
func (d *DB) ListUnsyncedLogs(machineID string) ([]LogEntry, error) {
	rows, err := d.db.Query(`
		SELECT id, machine_id, log_level, message, created_at, synced_at
		FROM logs
		WHERE machine_id = ? AND synced_at IS NULL
		ORDER BY id ASC
	`, machineID)
	if err != nil {
		return nil, persistErr("list unsynced logs", err)
	}
	defer rows.Close()

	entries, err := scanLogs(rows)
	return entries, persistErr("list unsynced logs", err)
}

// MarkSynced records that the server acknowledged the given rows. Only the
// tracking column changes; entry content is left as written.
func (d *DB) MarkSynced(ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC().Format(timeFormat))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	_, err := d.db.Exec(
		`UPDATE logs SET synced_at = ? WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	return persistErr("mark synced", err)
}

// CountLogs returns how many rows exist for machineID and how many of them
// are unsynced
func (d *DB) CountLogs(machineID string) (total, unsynced int, err error) {
	err = d.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM logs
		WHERE machine_id = ?
	`, machineID).Scan(&total, &unsynced)
	if err != nil {
		return 0, 0, persistErr("count logs", err)
	}
	return total, unsynced, nil
}

func scanLogs(rows *sql.Rows) ([]LogEntry, error) {
	entries := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		var createdStr string
		var syncedStr sql.NullString

		if err := rows.Scan(&e.ID, &e.MachineID, &e.Level, &e.Message, &createdStr, &syncedStr); err != nil {
			return nil, err
		}

		created, err := time.Parse(timeFormat, createdStr)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdStr, err)
		}
		e.CreatedAt = created

		if syncedStr.Valid {
			synced, err := time.Parse(timeFormat, syncedStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse synced_at %q: %w", syncedStr.String, err)
			}
			e.SyncedAt = &synced
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
