package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

const issueColumns = `id, dedup_key, kind, severity, status, agent_key, agent_keys, title, narrative,
	opened_at, sla_deadline, occurrences, last_seen_at,
	resolved_at, resolved_by, resolution_note, updated_at`

// unresolvedPredicate must match the partial unique index on issues.dedup_key.
const unresolvedPredicate = `status IN ('open', 'acknowledged', 'in_progress')`

// UpsertIssue atomically creates an open issue for in.DedupKey or, when an
// unresolved issue already holds the key, increments its occurrences and
// refreshes last_seen_at. The returned issue is the row as committed; created
// is false on repeats. Concurrent callers with the same key are serialized by
// the partial unique index, and the loser observes the winner's count.
func (db *DB) UpsertIssue(ctx context.Context, in model.Issue) (model.Issue, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	agentKeys := in.AgentKeys
	if agentKeys == nil {
		agentKeys = []string{}
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO issues (
		     id, dedup_key, kind, severity, status, agent_key, agent_keys, title, narrative,
		     opened_at, sla_deadline, occurrences, last_seen_at, updated_at
		 ) VALUES ($1, $2, $3, $4, 'open', $5, $10, $6, $7, $8, $9, 1, $8, now())
		 ON CONFLICT (dedup_key) WHERE `+unresolvedPredicate+`
		 DO UPDATE SET
		     occurrences = issues.occurrences + 1,
		     last_seen_at = EXCLUDED.last_seen_at,
		     updated_at = now()
		 RETURNING `+issueColumns+`, (xmax = 0) AS inserted`,
		in.ID, in.DedupKey, string(in.Kind), string(in.Severity), in.AgentKey,
		in.Title, in.Narrative, in.OpenedAt, in.SLADeadline, agentKeys,
	)

	var created bool
	issue, err := scanIssue(row, &created)
	if err != nil {
		return model.Issue{}, false, fmt.Errorf("storage: upsert issue: %w", err)
	}
	return issue, created, nil
}

// GetIssue returns an issue by ID or ErrNotFound.
func (db *DB) GetIssue(ctx context.Context, id uuid.UUID) (model.Issue, error) {
	issue, err := scanIssue(db.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	if err != nil {
		return model.Issue{}, fmt.Errorf("storage: get issue %s: %w", id, err)
	}
	return issue, nil
}

// ListIssues returns a page of issues matching filter, newest first, plus
// the total number of matches.
func (db *DB) ListIssues(ctx context.Context, filter model.IssueFilter, limit, offset int) ([]model.Issue, int, error) {
	where, args := issueWhere(filter)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM issues`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count issues: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+issueColumns+` FROM issues`+where+
			fmt.Sprintf(` ORDER BY opened_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list issues: %w", err)
	}
	defer rows.Close()

	var out []model.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: list issues: %w", err)
		}
		out = append(out, issue)
	}
	return out, total, rows.Err()
}

// UpdateIssueStatus moves an issue from one status to another. The update
// only applies if the issue is still in from; otherwise ErrConflict is
// returned so a concurrent transition is never overwritten.
func (db *DB) UpdateIssueStatus(ctx context.Context, id uuid.UUID, from, to model.IssueStatus, actor, note string, at time.Time) (model.Issue, error) {
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	terminal := !to.Unresolved()
	issue, err := scanIssue(db.pool.QueryRow(ctx,
		`UPDATE issues SET
		     status = $3,
		     resolved_at = CASE WHEN $4 THEN $5::timestamptz ELSE NULL END,
		     resolved_by = CASE WHEN $4 THEN $6 ELSE NULL END,
		     resolution_note = COALESCE($7, resolution_note),
		     updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING `+issueColumns,
		id, string(from), string(to), terminal, at, actor, notePtr,
	))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := db.GetIssue(ctx, id); getErr != nil {
			return model.Issue{}, getErr
		}
		return model.Issue{}, fmt.Errorf("storage: issue %s is no longer %s: %w", id, from, ErrConflict)
	}
	if err != nil {
		return model.Issue{}, fmt.Errorf("storage: update issue status: %w", err)
	}
	return issue, nil
}

// AutoCloseStale moves open and acknowledged issues last seen before cutoff
// to auto_closed and returns them.
func (db *DB) AutoCloseStale(ctx context.Context, cutoff, at time.Time, actor string) ([]model.Issue, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE issues SET
		     status = 'auto_closed',
		     resolved_at = $2,
		     resolved_by = $3,
		     updated_at = now()
		 WHERE status IN ('open', 'acknowledged') AND last_seen_at < $1
		 RETURNING `+issueColumns, cutoff, at, actor)
	if err != nil {
		return nil, fmt.Errorf("storage: auto-close stale issues: %w", err)
	}
	defer rows.Close()

	var out []model.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: auto-close stale issues: %w", err)
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

func issueWhere(f model.IssueFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		clauses = append(clauses, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.AgentKey != "" {
		args = append(args, f.AgentKey)
		clauses = append(clauses, fmt.Sprintf("(agent_key = $%[1]d OR $%[1]d = ANY(agent_keys))", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanIssue scans issueColumns, plus any extra trailing destinations.
func scanIssue(row pgx.Row, extra ...any) (model.Issue, error) {
	var (
		i                      model.Issue
		kind, severity, status string
	)
	dest := []any{
		&i.ID, &i.DedupKey, &kind, &severity, &status, &i.AgentKey, &i.AgentKeys, &i.Title, &i.Narrative,
		&i.OpenedAt, &i.SLADeadline, &i.Occurrences, &i.LastSeenAt,
		&i.ResolvedAt, &i.ResolvedBy, &i.ResolutionNote, &i.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Issue{}, ErrNotFound
		}
		return model.Issue{}, err
	}
	i.Kind = model.FindingKind(kind)
	i.Severity = model.Severity(severity)
	i.Status = model.IssueStatus(status)
	if len(i.AgentKeys) == 0 {
		i.AgentKeys = nil
	}
	return i, nil
}
