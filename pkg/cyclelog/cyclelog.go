// Package cyclelog journals every controller cycle to sqlite so a whole
// shooting day can be reconstructed after the fact.
package cyclelog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one journaled cycle, flattened for storage.
type Entry struct {
	ID         string
	Camera     string
	Time       time.Time
	Scene      string
	Mean       float64
	Contrast   float64
	Highlights float64
	Shadows    float64
	Score      float64
	FocusScore float64
	ISO        int
	Iris       string
	Shutter    int
	EVTenths   int
	Reasons    string // "; " joined
	Confidence float64
	Applied    string // "," joined axes
	Skipped    string
	Err        string
}

// DB is the journal handle. Safe for one writer and many readers, which
// matches the one-loop-per-camera model.
type DB struct {
	*sql.DB
}

// Open creates or opens the journal at path and ensures the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			scene TEXT,
			mean DOUBLE,
			contrast DOUBLE,
			highlights DOUBLE,
			shadows DOUBLE,
			score DOUBLE,
			focus_score DOUBLE,
			iso INTEGER,
			iris TEXT,
			shutter INTEGER,
			ev_tenths INTEGER,
			reasons TEXT,
			confidence DOUBLE,
			applied TEXT,
			skipped TEXT,
			err TEXT
		);
		CREATE INDEX IF NOT EXISTS cycles_camera_at ON cycles(camera, at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cyclelog: schema: %w", err)
	}
	return &DB{db}, nil
}

// Append records one cycle.
func (db *DB) Append(e Entry) error {
	_, err := db.Exec(`
		INSERT INTO cycles (id, camera, at, scene, mean, contrast, highlights,
			shadows, score, focus_score, iso, iris, shutter, ev_tenths,
			reasons, confidence, applied, skipped, err)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Camera, e.Time.UTC(), e.Scene, e.Mean, e.Contrast, e.Highlights,
		e.Shadows, e.Score, e.FocusScore, e.ISO, e.Iris, e.Shutter, e.EVTenths,
		e.Reasons, e.Confidence, e.Applied, e.Skipped, e.Err)
	if err != nil {
		return fmt.Errorf("cyclelog: append: %w", err)
	}
	return nil
}

// Recent returns the newest n entries for one camera, newest first.
func (db *DB) Recent(camera string, n int) ([]Entry, error) {
	rows, err := db.Query(`
		SELECT id, camera, at, scene, mean, contrast, highlights, shadows,
			score, focus_score, iso, iris, shutter, ev_tenths, reasons,
			confidence, applied, skipped, err
		FROM cycles WHERE camera = ? ORDER BY at DESC LIMIT ?`, camera, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Day returns every entry for one camera on the given calendar day,
// oldest first, for post-hoc reconstruction.
func (db *DB) Day(camera string, day time.Time) ([]Entry, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	rows, err := db.Query(`
		SELECT id, camera, at, scene, mean, contrast, highlights, shadows,
			score, focus_score, iso, iris, shutter, ev_tenths, reasons,
			confidence, applied, skipped, err
		FROM cycles WHERE camera = ? AND at >= ? AND at < ? ORDER BY at ASC`,
		camera, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Camera, &e.Time, &e.Scene, &e.Mean,
			&e.Contrast, &e.Highlights, &e.Shadows, &e.Score, &e.FocusScore,
			&e.ISO, &e.Iris, &e.Shutter, &e.EVTenths, &e.Reasons,
			&e.Confidence, &e.Applied, &e.Skipped, &e.Err); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JoinReasons flattens a reason list for storage.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}

// JoinApplied flattens the applied-axes list.
func JoinApplied(axes []string) string {
	return strings.Join(axes, ",")
}
