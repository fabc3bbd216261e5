package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/traffic.report/internal/crossing"
	"github.com/banshee-data/traffic.report/internal/geom"
	"github.com/banshee-data/traffic.report/internal/report"
)

// Run is a stored run: the headline columns plus the full report.
type Run struct {
	RunID           string                 `json:"run_id"`
	Source          string                 `json:"source"`
	FramesProcessed int                    `json:"frames_processed"`
	SkippedFrames   int                    `json:"skipped_frames"`
	DurationSeconds float64                `json:"duration_seconds"`
	TotalVehicles   int                    `json:"total_vehicles"`
	UniqueTracks    int                    `json:"unique_tracks"`
	Congestion      report.CongestionLevel `json:"congestion_level"`
	Trend           report.Trend           `json:"trend"`
	Report          report.Report          `json:"report"`
	CreatedAt       int64                  `json:"created_at"` // unix nanoseconds
}

// SaveRun writes the run row, its events and any retained snapshots in one
// transaction. Saving a run id twice is an error.
func (s *Store) SaveRun(ctx context.Context, out report.Output) error {
	md := out.Report.Metadata
	if md.RunID == "" {
		return errors.New("run has no id")
	}
	reportJSON, err := json.Marshal(out.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	createdAt := time.Now().UnixNano()

	return retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (
				run_id, source, frames_processed, skipped_frames, duration_seconds,
				total_vehicles, unique_tracks, congestion_level, trend, report_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			md.RunID, md.Source, md.FramesProcessed, md.SkippedFrames, md.DurationSeconds,
			out.Report.Summary.TotalVehicles, out.Report.Summary.UniqueTracks,
			string(out.Report.Metrics.Congestion), string(out.Report.Metrics.Trend),
			string(reportJSON), createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", md.RunID, err)
		}

		if err := insertEvents(ctx, tx, md.RunID, out.Events); err != nil {
			return err
		}
		if err := insertSnapshots(ctx, tx, md.RunID, out.Snapshots); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertEvents(ctx context.Context, tx *sql.Tx, runID string, events []crossing.Event) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO crossing_events (
			run_id, seq, track_id, class_id, class_name, geometry_id, kind, direction,
			frame, timestamp, point_x, point_y, confidence, speed_kph
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		var speedKPH sql.NullFloat64
		if ev.SpeedKPH != nil {
			speedKPH = sql.NullFloat64{Float64: *ev.SpeedKPH, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			runID, i, ev.TrackID, ev.Class, ev.ClassName, ev.GeometryID, string(ev.Kind), string(ev.Direction),
			ev.Frame, ev.Timestamp, ev.Point.X, ev.Point.Y, ev.Confidence, speedKPH,
		)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	return nil
}

func insertSnapshots(ctx context.Context, tx *sql.Tx, runID string, snaps []report.FrameSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO frame_snapshots (run_id, frame, timestamp, total, skipped, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot %d: %w", snap.Frame, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, snap.Frame, snap.Timestamp, snap.Total, snap.Skipped, string(data)); err != nil {
			return fmt.Errorf("insert snapshot %d: %w", snap.Frame, err)
		}
	}
	return nil
}

const runColumns = `
	run_id, source, frames_processed, skipped_frames, duration_seconds,
	total_vehicles, unique_tracks, congestion_level, trend, report_json, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		congestion string
		trend      string
		reportJSON string
	)
	err := row.Scan(
		&r.RunID, &r.Source, &r.FramesProcessed, &r.SkippedFrames, &r.DurationSeconds,
		&r.TotalVehicles, &r.UniqueTracks, &congestion, &trend, &reportJSON, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Congestion = report.CongestionLevel(congestion)
	r.Trend = report.Trend(trend)
	if err := json.Unmarshal([]byte(reportJSON), &r.Report); err != nil {
		return nil, fmt.Errorf("decode report for run %s: %w", r.RunID, err)
	}
	return &r, nil
}

// GetRun returns a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. A limit below 1 returns
// every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, run_id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// EventsForRun returns a run's events in emission order.
func (s *Store) EventsForRun(ctx context.Context, runID string) ([]crossing.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id, class_id, class_name, geometry_id, kind, direction,
		       frame, timestamp, point_x, point_y, confidence, speed_kph
		FROM crossing_events
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []crossing.Event
	for rows.Next() {
		var (
			ev        crossing.Event
			kind, dir string
			speedKPH  sql.NullFloat64
		)
		err := rows.Scan(
			&ev.TrackID, &ev.Class, &ev.ClassName, &ev.GeometryID, &kind, &dir,
			&ev.Frame, &ev.Timestamp, &ev.Point.X, &ev.Point.Y, &ev.Confidence, &speedKPH,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = geom.Kind(kind)
		ev.Direction = geom.Direction(dir)
		if speedKPH.Valid {
			v := speedKPH.Float64
			ev.SpeedKPH = &v
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SnapshotsForRun returns a run's retained frame snapshots in frame order.
func (s *Store) SnapshotsForRun(ctx context.Context, runID string) ([]report.FrameSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_json FROM frame_snapshots WHERE run_id = ? ORDER BY frame`, runID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []report.FrameSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap report.FrameSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteRun removes a run together with its events and snapshots.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil
	})
}
