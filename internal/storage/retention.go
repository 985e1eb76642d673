package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PruneResult counts the rows one retention pass deleted.
type PruneResult struct {
	Runs        int64 `json:"runs"`
	ScanReports int64 `json:"scan_reports"`
	Briefings   int64 `json:"briefings"`
}

// Total is the number of rows deleted across all tables.
func (r PruneResult) Total() int64 {
	return r.Runs + r.ScanReports + r.Briefings
}

// Prune deletes runs, scan reports, and briefings older than cutoff in one
// transaction. The newest run of every (agent, destination) pair, the newest
// report of each kind, and the newest briefing always survive, so status
// derivation, scheduling, and GET /briefing/latest are unaffected. Baselines
// and the mutation audit log are never pruned.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		// Lifts the append-only trigger on agent_runs for this transaction.
		if _, err := tx.Exec(ctx, `SELECT set_config('warden.retention', 'on', true)`); err != nil {
			return fmt.Errorf("enable retention: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM agent_runs r
			 WHERE r.started_at < $1
			   AND r.started_at < (
			       SELECT max(l.started_at) FROM agent_runs l
			       WHERE l.agent_key = r.agent_key AND l.destination = r.destination)`,
			cutoff)
		if err != nil {
			return fmt.Errorf("runs: %w", err)
		}
		res.Runs = tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`DELETE FROM scan_reports s
			 WHERE s.completed_at < $1
			   AND s.completed_at < (
			       SELECT max(l.completed_at) FROM scan_reports l WHERE l.kind = s.kind)`,
			cutoff)
		if err != nil {
			return fmt.Errorf("scan reports: %w", err)
		}
		res.ScanReports = tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`DELETE FROM briefings
			 WHERE generated_at < $1
			   AND generated_at < (SELECT max(generated_at) FROM briefings)`,
			cutoff)
		if err != nil {
			return fmt.Errorf("briefings: %w", err)
		}
		res.Briefings = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return PruneResult{}, fmt.Errorf("storage: prune: %w", err)
	}
	if res.Total() > 0 {
		db.logger.Info("storage: pruned expired rows",
			"cutoff", cutoff, "runs", res.Runs, "scan_reports", res.ScanReports, "briefings", res.Briefings)
	}
	return res, nil
}
