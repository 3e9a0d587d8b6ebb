// Package store persists finished sessions and their population samples.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trunov/birdcount/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	video TEXT,
	processed_seconds INTEGER NOT NULL,
	average_visible_birds DOUBLE NOT NULL,
	average_weight_grams DOUBLE NOT NULL,
	dropped_detections INTEGER NOT NULL DEFAULT 0,
	filtered_detections INTEGER NOT NULL DEFAULT 0,
	finished_unix_nanos INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS population_samples (
	session_id TEXT NOT NULL,
	time_sec INTEGER NOT NULL,
	visible_count INTEGER NOT NULL,
	PRIMARY KEY (session_id, time_sec),
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
`

type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &DB{db}, nil
}

// SaveSummary stores a session and its samples in one transaction. Samples
// are immutable, so saving the same session twice fails.
func (db *DB) SaveSummary(ctx context.Context, video string, sum session.Summary, finished time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions
		(session_id, video, processed_seconds, average_visible_birds, average_weight_grams,
		 dropped_detections, filtered_detections, finished_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, video, sum.ProcessedSeconds, sum.AverageVisibleBirds, sum.AverageWeightGrams,
		sum.DroppedDetections, sum.FilteredDetections, finished.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sum.SessionID, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO population_samples (session_id, time_sec, visible_count) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range sum.Counts {
		if _, err := stmt.ExecContext(ctx, sum.SessionID, c.TimeSec, c.VisibleCount); err != nil {
			return fmt.Errorf("failed to insert sample t=%d: %w", c.TimeSec, err)
		}
	}
	return tx.Commit()
}

// Summary loads a stored session with its samples ordered by time.
func (db *DB) Summary(ctx context.Context, sessionID string) (session.Summary, error) {
	sum := session.Summary{SessionID: sessionID}
	row := db.QueryRowContext(ctx, `SELECT processed_seconds, average_visible_birds, average_weight_grams,
		dropped_detections, filtered_detections FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&sum.ProcessedSeconds, &sum.AverageVisibleBirds, &sum.AverageWeightGrams,
		&sum.DroppedDetections, &sum.FilteredDetections); err != nil {
		return sum, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	rows, err := db.QueryContext(ctx, "SELECT time_sec, visible_count FROM population_samples WHERE session_id = ? ORDER BY time_sec", sessionID)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var c session.PopulationSample
		if err := rows.Scan(&c.TimeSec, &c.VisibleCount); err != nil {
			return sum, err
		}
		sum.Counts = append(sum.Counts, c)
	}
	return sum, rows.Err()
}

// Sessions lists stored session ids for a video, oldest first.
func (db *DB) Sessions(ctx context.Context, video string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT session_id FROM sessions WHERE video = ? ORDER BY finished_unix_nanos", video)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
