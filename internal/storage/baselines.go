package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

const baselineColumns = `agent_key, metric_name, mean, stddev, sample_count, window_size,
	window_values, latest, latest_at, updated_at`

// MutateBaseline applies mutate to the (agent, metric) baseline under a row
// lock and writes the result back. A missing baseline starts empty with the
// given window size. The read-modify-write is one transaction, retried on
// serialization failures.
func (db *DB) MutateBaseline(ctx context.Context, agentKey, metricName string, windowSize int, mutate func(*model.Baseline)) (model.Baseline, error) {
	var out model.Baseline
	err := WithRetry(ctx, defaultTxRetries, defaultTxBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin baseline tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO metric_baselines (agent_key, metric_name, window_size)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (agent_key, metric_name) DO NOTHING`,
			agentKey, metricName, windowSize,
		); err != nil {
			return fmt.Errorf("storage: seed baseline: %w", err)
		}

		b, err := scanBaseline(tx.QueryRow(ctx,
			`SELECT `+baselineColumns+` FROM metric_baselines
			 WHERE agent_key = $1 AND metric_name = $2
			 FOR UPDATE`, agentKey, metricName))
		if err != nil {
			return err
		}

		mutate(&b)

		if err := tx.QueryRow(ctx,
			`UPDATE metric_baselines SET
			     mean = $3, stddev = $4, sample_count = $5, window_size = $6,
			     window_values = $7, latest = $8, latest_at = $9, updated_at = now()
			 WHERE agent_key = $1 AND metric_name = $2
			 RETURNING updated_at`,
			agentKey, metricName, b.Mean, b.StdDev, b.SampleCount, b.WindowSize,
			b.Window, b.Latest, b.LatestAt,
		).Scan(&b.UpdatedAt); err != nil {
			return fmt.Errorf("storage: write baseline: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit baseline: %w", err)
		}
		out = b
		return nil
	})
	return out, err
}

// GetBaseline returns the baseline for (agent, metric) or ErrNotFound.
func (db *DB) GetBaseline(ctx context.Context, agentKey, metricName string) (model.Baseline, error) {
	b, err := scanBaseline(db.pool.QueryRow(ctx,
		`SELECT `+baselineColumns+` FROM metric_baselines
		 WHERE agent_key = $1 AND metric_name = $2`, agentKey, metricName))
	if err != nil {
		return model.Baseline{}, err
	}
	return b, nil
}

// ListBaselines returns all baselines, or only one agent's when agentKey is set.
func (db *DB) ListBaselines(ctx context.Context, agentKey string) ([]model.Baseline, error) {
	q := `SELECT ` + baselineColumns + ` FROM metric_baselines`
	args := []any{}
	if agentKey != "" {
		q += ` WHERE agent_key = $1`
		args = append(args, agentKey)
	}
	q += ` ORDER BY agent_key, metric_name`

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list baselines: %w", err)
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBaseline(row pgx.Row) (model.Baseline, error) {
	var b model.Baseline
	err := row.Scan(
		&b.AgentKey, &b.MetricName, &b.Mean, &b.StdDev, &b.SampleCount, &b.WindowSize,
		&b.Window, &b.Latest, &b.LatestAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Baseline{}, ErrNotFound
	}
	if err != nil {
		return model.Baseline{}, fmt.Errorf("storage: scan baseline: %w", err)
	}
	return b, nil
}
