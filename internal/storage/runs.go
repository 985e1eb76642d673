package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

const runColumns = `id, agent_key, destination, started_at, duration_ms, status,
	metric_names, metric_values, details, attempts, recorded_at`

// InsertRun appends a run to the audit store. A run whose identity
// (agent_key, destination, started_at) already exists is left untouched and
// InsertRun reports inserted=false, which makes agent retries idempotent.
func (db *DB) InsertRun(ctx context.Context, r *model.RunRecord) (inserted bool, err error) {
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	if r.Attempts < 1 && r.Status != model.RunStatusSkipped {
		r.Attempts = 1
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO agent_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT ON CONSTRAINT agent_runs_identity DO NOTHING
		 RETURNING recorded_at`,
		r.ID, r.AgentKey, r.Destination, r.StartedAt, r.DurationMs, string(r.Status),
		r.Metrics.Names(), r.Metrics.Values(), r.Details, r.Attempts,
	).Scan(&r.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: insert run: %w", err)
	}
	return true, nil
}

// RecentRuns returns up to limit runs for an agent, newest first.
func (db *DB) RecentRuns(ctx context.Context, agentKey string, limit int) ([]model.RunRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE agent_key = $1
		 ORDER BY started_at DESC, recorded_at DESC
		 LIMIT $2`, agentKey, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent runs: %w", err)
	}
	return collectRuns(rows)
}

// LatestRun returns an agent's newest non-skipped run or ErrNotFound.
func (db *DB) LatestRun(ctx context.Context, agentKey string) (model.RunRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE agent_key = $1 AND status <> 'skipped'
		 ORDER BY started_at DESC, recorded_at DESC
		 LIMIT 1`, agentKey)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: latest run: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return model.RunRecord{}, err
	}
	if len(runs) == 0 {
		return model.RunRecord{}, ErrNotFound
	}
	return runs[0], nil
}

// LatestRuns returns the newest non-skipped run of every agent, keyed by
// agent key. Skipped fires are scheduler bookkeeping and never count as
// the agent's last run.
func (db *DB) LatestRuns(ctx context.Context) (map[string]model.RunRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (agent_key) `+runColumns+` FROM agent_runs
		 WHERE status <> 'skipped'
		 ORDER BY agent_key, started_at DESC, recorded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: latest runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.RunRecord, len(runs))
	for _, r := range runs {
		out[r.AgentKey] = r
	}
	return out, nil
}

// LastFires returns the most recent start time per (agent, destination),
// skipped fires included. The scheduler seeds next-fire times from it.
func (db *DB) LastFires(ctx context.Context) (map[model.Target]time.Time, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_key, destination, max(started_at) FROM agent_runs
		 GROUP BY agent_key, destination`)
	if err != nil {
		return nil, fmt.Errorf("storage: last fires: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Target]time.Time)
	for rows.Next() {
		var agent, dest string
		var at time.Time
		if err := rows.Scan(&agent, &dest, &at); err != nil {
			return nil, fmt.Errorf("storage: scan last fire: %w", err)
		}
		out[model.Target{AgentKey: agent, Destination: dest}] = at
	}
	return out, rows.Err()
}

// DestinationSummaries tallies runs started at or after since, per destination.
func (db *DB) DestinationSummaries(ctx context.Context, since time.Time) ([]model.DestinationSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT destination,
		        count(*) FILTER (WHERE status = 'success'),
		        count(*) FILTER (WHERE status = 'failed'),
		        count(*) FILTER (WHERE status = 'skipped'),
		        count(DISTINCT agent_key)
		 FROM agent_runs
		 WHERE started_at >= $1
		 GROUP BY destination
		 ORDER BY destination`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: destination summaries: %w", err)
	}
	defer rows.Close()

	var out []model.DestinationSummary
	for rows.Next() {
		var s model.DestinationSummary
		if err := rows.Scan(&s.Destination, &s.Success, &s.Failed, &s.Skipped, &s.Agents); err != nil {
			return nil, fmt.Errorf("storage: scan destination summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func collectRuns(rows pgx.Rows) ([]model.RunRecord, error) {
	defer rows.Close()
	var out []model.RunRecord
	for rows.Next() {
		var (
			r      model.RunRecord
			status string
			names  []string
			values []float64
		)
		if err := rows.Scan(
			&r.ID, &r.AgentKey, &r.Destination, &r.StartedAt, &r.DurationMs, &status,
			&names, &values, &r.Details, &r.Attempts, &r.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Status = model.RunStatus(status)
		r.Metrics = model.MetricsFromColumns(names, values)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate runs: %w", err)
	}
	return out, nil
}
