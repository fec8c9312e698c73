// Package db persists solved tag positions to SQLite. Every process run gets
// a fresh run id so position trails from different sessions stay separable.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/position.report/internal/locator"
)

// DB wraps the SQLite handle together with the current run id.
type DB struct {
	*sql.DB
	runID string
}

// New opens (creating if needed) the history database at path and applies
// pending migrations.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	db := &DB{DB: sqlDB, runID: uuid.NewString()}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// RunID returns the identifier stamped on every row written by this process.
func (db *DB) RunID() string { return db.runID }

// RecordPosition appends one solved position. Implements locator.Recorder.
func (db *DB) RecordPosition(p locator.Position) error {
	_, err := db.Exec(
		`INSERT INTO positions (
			run_id, tag_id, t_unix_ns, x, y, z,
			residual, converged, n_anchor_edges, bin_start, bin_end
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.runID, p.TagID, int64(p.BinEnd*1e9),
		p.Vec.X, p.Vec.Y, p.Vec.Z,
		p.Residual, p.Converged, p.AnchorEdges, p.BinStart, p.BinEnd,
	)
	if err != nil {
		return fmt.Errorf("record position: %w", err)
	}
	return nil
}

// PositionRow is one stored solve.
type PositionRow struct {
	RunID       string    `json:"run_id"`
	TagID       uint32    `json:"tag_id"`
	TUnixNs     int64     `json:"t_unix_ns"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	Residual    float64   `json:"residual"`
	Converged   bool      `json:"converged"`
	AnchorEdges int       `json:"n_anchor_edges"`
	Recorded    time.Time `json:"recorded"`
}

// ListPositions returns up to limit stored positions for a tag, newest
// first, restricted to rows at or after sinceUnixNs when it is positive.
func (db *DB) ListPositions(tagID uint32, sinceUnixNs int64, limit int) ([]PositionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT run_id, tag_id, t_unix_ns, x, y, z,
			residual, converged, n_anchor_edges, recorded
		FROM positions
		WHERE tag_id = ? AND t_unix_ns >= ?
		ORDER BY t_unix_ns DESC
		LIMIT ?`,
		tagID, sinceUnixNs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(
			&r.RunID, &r.TagID, &r.TUnixNs, &r.X, &r.Y, &r.Z,
			&r.Residual, &r.Converged, &r.AnchorEdges, &r.Recorded,
		); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
