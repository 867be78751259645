// Package store keeps the history of every kept detection in a SQL database
// (SQLite or PostgreSQL).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one stored sighting
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	BBox       [4]int    `json:"bbox"`
	FrameSeq   uint64    `json:"frame_seq"`
	DetectedAt time.Time `json:"detected_at"`
}

// Config selects the database
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// SQLStore is the database/sql backed detection history
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	var driverName string
	switch cfg.Driver {
	case "sqlite":
		driverName = "sqlite3"
	case "postgres":
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// one writer avoids "database is locked" under concurrent inserts
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.WithComponent("store").Info().Str("driver", cfg.Driver).Msg("Detection store ready")
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plate_detections (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			source TEXT NOT NULL,
			plate_text TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			x1 INTEGER NOT NULL,
			y1 INTEGER NOT NULL,
			x2 INTEGER NOT NULL,
			y2 INTEGER NOT NULL,
			frame_seq BIGINT NOT NULL,
			detected_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plate_detections_text ON plate_detections (plate_text)`,
		`CREATE INDEX IF NOT EXISTS idx_plate_detections_time ON plate_detections (detected_at_ms)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind turns ? placeholders into $N for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert stores records in one transaction. Empty IDs are generated.
func (s *SQLStore) Insert(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`INSERT INTO plate_detections
		(id, session_id, source, plate_text, confidence, x1, y1, x2, y2, frame_seq, detected_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, query,
			r.ID, r.SessionID, r.Source, r.Text, r.Confidence,
			r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3],
			int64(r.FrameSeq), r.DetectedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detections: %w", err)
	}
	return nil
}

const selectColumns = `id, session_id, source, plate_text, confidence, x1, y1, x2, y2, frame_seq, detected_at_ms`

// Range returns the records seen in [from, to], oldest first
func (s *SQLStore) Range(ctx context.Context, from, to time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM plate_detections
		WHERE detected_at_ms BETWEEN ? AND ?
		ORDER BY detected_at_ms, frame_seq, id`), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	recs := []Record{}
	for rows.Next() {
		var (
			r   Record
			seq int64
			ms  int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Source, &r.Text, &r.Confidence,
			&r.BBox[0], &r.BBox[1], &r.BBox[2], &r.BBox[3], &seq, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		r.FrameSeq = uint64(seq)
		r.DetectedAt = time.UnixMilli(ms).UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Delete removes one record
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM plate_detections WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete detection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete detection: %w", err)
	}
	if n == 0 {
		return apperr.Newf(apperr.NotFound, "detection %s not found", id)
	}
	return nil
}

// FollowingPlates lists the other plates seen between consecutive sightings
// of subject within window before now, in order of first appearance.
func (s *SQLStore) FollowingPlates(ctx context.Context, subject string, window time.Duration, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT detected_at_ms FROM plate_detections
		WHERE plate_text = ? AND detected_at_ms >= ?
		ORDER BY detected_at_ms`), subject, now.Add(-window).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query subject sightings: %w", err)
	}
	var sightings []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sighting: %w", err)
		}
		sightings = append(sightings, ms)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	followers := []string{}
	seen := make(map[string]bool)
	query := s.rebind(`SELECT plate_text FROM plate_detections
		WHERE plate_text <> ? AND detected_at_ms BETWEEN ? AND ?
		ORDER BY detected_at_ms, frame_seq, id`)

	for i := 0; i+1 < len(sightings); i++ {
		rows, err := s.db.QueryContext(ctx, query, subject, sightings[i], sightings[i+1])
		if err != nil {
			return nil, fmt.Errorf("failed to query followers: %w", err)
		}
		for rows.Next() {
			var plate string
			if err := rows.Scan(&plate); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan follower: %w", err)
			}
			if !seen[plate] {
				seen[plate] = true
				followers = append(followers, plate)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return followers, nil
}

// Publish records every kept detection of a processed frame
func (s *SQLStore) Publish(ctx context.Context, ev session.Event) error {
	recs := make([]Record, 0, len(ev.Detections))
	for _, d := range ev.Detections {
		recs = append(recs, Record{
			SessionID:  ev.SessionID,
			Source:     ev.Source,
			Text:       d.Text,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			FrameSeq:   ev.FrameSeq,
			DetectedAt: ev.Timestamp,
		})
	}
	return s.Insert(ctx, recs...)
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
