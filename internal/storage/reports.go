package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

const reportColumns = `id, kind, started_at, completed_at, scanned, skipped, issues_raised, findings, unraised`

// InsertScanReport persists the output of one anomaly or correlation pass.
func (db *DB) InsertScanReport(ctx context.Context, r *model.ScanReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Findings == nil {
		r.Findings = []model.Finding{}
	}
	unraised := r.Unraised
	if unraised == nil {
		unraised = []model.Finding{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO scan_reports (`+reportColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Kind), r.StartedAt, r.CompletedAt, r.Scanned, r.Skipped, r.IssuesRaised, r.Findings, unraised,
	)
	if err != nil {
		return fmt.Errorf("storage: insert scan report: %w", err)
	}
	return nil
}

// RecentScanReports returns up to limit reports of a kind, newest first.
func (db *DB) RecentScanReports(ctx context.Context, kind model.FindingKind, limit int) ([]model.ScanReport, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM scan_reports
		 WHERE kind = $1
		 ORDER BY completed_at DESC
		 LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent scan reports: %w", err)
	}
	defer rows.Close()

	var out []model.ScanReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestScanReport returns the newest report of a kind or ErrNotFound.
func (db *DB) LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error) {
	return scanReport(db.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM scan_reports
		 WHERE kind = $1
		 ORDER BY completed_at DESC
		 LIMIT 1`, string(kind)))
}

func scanReport(row pgx.Row) (model.ScanReport, error) {
	var (
		r    model.ScanReport
		kind string
	)
	err := row.Scan(&r.ID, &kind, &r.StartedAt, &r.CompletedAt, &r.Scanned, &r.Skipped, &r.IssuesRaised, &r.Findings, &r.Unraised)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScanReport{}, ErrNotFound
	}
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("storage: scan report: %w", err)
	}
	r.Kind = model.FindingKind(kind)
	if len(r.Unraised) == 0 {
		r.Unraised = nil
	}
	return r, nil
}
