package main

import (
	"database/sql"
	"errors"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite journal. It stores run bookkeeping and events, never
// simulation state.
type DB struct {
	conn *sql.DB
}

// RunRow is one simulation run.
type RunRow struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Ticks     uint64    `json:"ticks"`
	Reason    string    `json:"reason,omitempty"`
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared across callers.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		ticks INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		run_id TEXT,
		conn_id TEXT,
		data TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, event_type);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		log.Printf("[journal] migration error: %v", err)
	}
	return err
}

// StartRun records a run as started.
func (db *DB) StartRun(id, level string, startedAt time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO runs (id, level, started_at) VALUES (?, ?, ?)",
		id, level, startedAt.UTC(),
	)
	return err
}

// FinishRun records how a run ended.
func (db *DB) FinishRun(id string, ticks uint64, reason string, endedAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE runs SET ended_at = ?, ticks = ?, reason = ? WHERE id = ?",
		endedAt.UTC(), int64(ticks), reason, id,
	)
	return err
}

// GetRun returns a run by id, or nil if unknown.
func (db *DB) GetRun(id string) (*RunRow, error) {
	row := db.conn.QueryRow(
		"SELECT id, level, started_at, ended_at, ticks, reason FROM runs WHERE id = ?",
		id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// RecentRuns returns the latest runs, newest first.
func (db *DB) RecentRuns(limit int) ([]RunRow, error) {
	rows, err := db.conn.Query(
		"SELECT id, level, started_at, ended_at, ticks, reason FROM runs ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*RunRow, error) {
	r := &RunRow{}
	var ended sql.NullTime
	var ticks int64
	if err := s.Scan(&r.ID, &r.Level, &r.StartedAt, &ended, &ticks, &r.Reason); err != nil {
		return nil, err
	}
	r.EndedAt = ended.Time
	r.Ticks = uint64(ticks)
	return r, nil
}

// EventCounts returns counts per event type, for one run or for all runs
// when runID is empty.
func (db *DB) EventCounts(runID string) (map[string]int, error) {
	rows, err := db.conn.Query(`
		SELECT event_type, COUNT(*) FROM events
		WHERE ? = '' OR run_id = ?
		GROUP BY event_type
	`, runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var evtType string
		var count int
		if err := rows.Scan(&evtType, &count); err != nil {
			return nil, err
		}
		result[evtType] = count
	}
	return result, rows.Err()
}

// GetSetting returns a stored setting, or "" if unset.
func (db *DB) GetSetting(key string) string {
	var value string
	if err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value); err != nil {
		return ""
	}
	return value
}

// SetSetting stores a setting, replacing any previous value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}
