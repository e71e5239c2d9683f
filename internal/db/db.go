package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// DB stores accepted distance reports, published fixes and the anchor
// survey. It satisfies engine.Recorder.
type DB struct {
	*sql.DB
}

// OpenDB opens the database and applies connection pragmas without touching
// the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrations returns the embedded migration files rooted at the directory
// holding them.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

func (db *DB) RecordReport(ctx context.Context, r protocol.DistanceReport) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO distance_reports (tag_id, anchor_id, seq, distance, quality, ts_unix_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.TagID, r.AnchorID, r.Seq, r.Distance, r.Quality, r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert distance report: %w", err)
	}
	return nil
}

func (db *DB) RecordFix(ctx context.Context, f protocol.PositionFix) error {
	anchors, err := json.Marshal(orEmpty(f.Anchors))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO position_fixes (tag_id, ts_unix_ns, x, y, z, residual, confidence, stale, anchors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.TagID, f.Timestamp.UnixNano(), f.X, f.Y, f.Z, f.Residual, int(f.Confidence), f.Stale, string(anchors),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position fix: %w", err)
	}
	return nil
}

func orEmpty(ids []uint16) []uint16 {
	if ids == nil {
		return []uint16{}
	}
	return ids
}

// RecentFixes returns up to limit fixes for a tag, newest first. A tag of 0
// returns fixes for every tag.
func (db *DB) RecentFixes(ctx context.Context, tag uint16, limit int) ([]protocol.PositionFix, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tag_id, ts_unix_ns, x, y, z, residual, confidence, stale, anchors
		 FROM position_fixes
		 WHERE (? = 0 OR tag_id = ?)
		 ORDER BY ts_unix_ns DESC, fix_id DESC
		 LIMIT ?`,
		tag, tag, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.PositionFix
	for rows.Next() {
		var (
			f          protocol.PositionFix
			ts         int64
			confidence int
			anchors    string
		)
		if err := rows.Scan(&f.TagID, &ts, &f.X, &f.Y, &f.Z, &f.Residual, &confidence, &f.Stale, &anchors); err != nil {
			return nil, err
		}
		f.Timestamp = time.Unix(0, ts)
		f.Confidence = protocol.Confidence(confidence)
		if err := json.Unmarshal([]byte(anchors), &f.Anchors); err != nil {
			return nil, fmt.Errorf("fix anchors: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecentReports returns up to limit accepted distance reports for a tag,
// newest first.
func (db *DB) RecentReports(ctx context.Context, tag uint16, limit int) ([]protocol.DistanceReport, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tag_id, anchor_id, seq, distance, quality, ts_unix_ns
		 FROM distance_reports
		 WHERE tag_id = ?
		 ORDER BY ts_unix_ns DESC, report_id DESC
		 LIMIT ?`,
		tag, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.DistanceReport
	for rows.Next() {
		var (
			r  protocol.DistanceReport
			ts int64
		)
		if err := rows.Scan(&r.TagID, &r.AnchorID, &r.Seq, &r.Distance, &r.Quality, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes reports and fixes older than cutoff and returns how
// many rows went.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"distance_reports", "position_fixes"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts_unix_ns < ?", cutoff.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if total > 0 {
		monitoring.Logf("pruned %d rows older than %s", total, cutoff.Format(time.RFC3339))
	}
	return total, nil
}

// SyncAnchors replaces the stored anchor table with the survey.
func (db *DB) SyncAnchors(ctx context.Context, s *config.Survey) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM anchors"); err != nil {
		return err
	}
	for _, a := range s.Anchors {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO anchors (anchor_id, name, x, y, z) VALUES (?, ?, ?, ?, ?)",
			a.ID, a.Name, a.Position.X, a.Position.Y, a.Position.Z,
		); err != nil {
			return fmt.Errorf("failed to insert anchor %d: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// Anchors returns the stored anchor table ordered by id.
func (db *DB) Anchors(ctx context.Context) ([]config.Anchor, error) {
	rows, err := db.QueryContext(ctx, "SELECT anchor_id, name, x, y, z FROM anchors ORDER BY anchor_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []config.Anchor
	for rows.Next() {
		var a config.Anchor
		if err := rows.Scan(&a.ID, &a.Name, &a.Position.X, &a.Position.Y, &a.Position.Z); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
