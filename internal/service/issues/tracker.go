// Package issues turns findings into deduplicated, SLA-tracked issues.
//
// At most one unresolved issue exists per dedup key. Raising a finding whose
// key is held by an unresolved issue only bumps its occurrence count. The
// lifecycle moves forward only; auto_closed is reserved for the staleness
// sweep.
package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/ctxutil"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/settings"
	"github.com/holidaibutler/warden/internal/storage"
	"github.com/holidaibutler/warden/internal/telemetry"
)

// SweepActor is recorded as the resolver of auto-closed issues.
const SweepActor = "system:sweep"

// ErrNotFound is returned for unknown issue IDs.
var ErrNotFound = errors.New("issues: issue not found")

// TransitionRejectedError names a lifecycle edge that is not allowed.
type TransitionRejectedError struct {
	From model.IssueStatus
	To   model.IssueStatus
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("issues: transition %s -> %s is not allowed", e.From, e.To)
}

// transitions lists the allowed manual edges. Skipping ahead is allowed;
// moving back is not.
var transitions = map[model.IssueStatus][]model.IssueStatus{
	model.IssueOpen:         {model.IssueAcknowledged, model.IssueInProgress, model.IssueResolved, model.IssueWontFix},
	model.IssueAcknowledged: {model.IssueInProgress, model.IssueResolved, model.IssueWontFix},
	model.IssueInProgress:   {model.IssueResolved, model.IssueWontFix},
}

// Allowed reports whether an operator may move an issue from one status to
// another.
func Allowed(from, to model.IssueStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Store is the issue persistence. *storage.DB satisfies it.
type Store interface {
	UpsertIssue(ctx context.Context, in model.Issue) (model.Issue, bool, error)
	GetIssue(ctx context.Context, id uuid.UUID) (model.Issue, error)
	ListIssues(ctx context.Context, filter model.IssueFilter, limit, offset int) ([]model.Issue, int, error)
	UpdateIssueStatus(ctx context.Context, id uuid.UUID, from, to model.IssueStatus, actor, note string, at time.Time) (model.Issue, error)
	AutoCloseStale(ctx context.Context, cutoff, at time.Time, actor string) ([]model.Issue, error)
	InsertMutationAudit(ctx context.Context, e model.MutationAuditEntry) error
}

// Settings resolves the SLA table and staleness window.
type Settings interface {
	Resolve(ctx context.Context) (settings.Values, error)
}

// Tracker raises, transitions, and sweeps issues.
type Tracker struct {
	store    Store
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger
	locks    *keyedMutex

	opened      metric.Int64Counter
	repeats     metric.Int64Counter
	autoClosed  metric.Int64Counter
	transitions metric.Int64Counter
}

// New creates a tracker.
func New(store Store, s Settings, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	meter := telemetry.Meter("warden/issues")
	return &Tracker{
		store:       store,
		settings:    s,
		clock:       clk,
		logger:      logger,
		locks:       newKeyedMutex(),
		opened:      telemetry.Counter(meter, "warden.issues.opened", "Issues created from new dedup keys"),
		repeats:     telemetry.Counter(meter, "warden.issues.repeats", "Findings merged into an unresolved issue"),
		autoClosed:  telemetry.Counter(meter, "warden.issues.auto_closed", "Issues closed by the staleness sweep"),
		transitions: telemetry.Counter(meter, "warden.issues.transitions", "Manual status transitions"),
	}
}

// Raise records a finding. A new issue is opened unless an unresolved one
// holds the finding's dedup key, in which case its occurrences and
// last-seen time are updated and everything else is left unchanged.
func (t *Tracker) Raise(ctx context.Context, f model.Finding) (model.Issue, bool, error) {
	if f.DedupKey == "" {
		return model.Issue{}, false, fmt.Errorf("issues: raise: finding has no dedup key")
	}
	if !f.Severity.Valid() {
		return model.Issue{}, false, fmt.Errorf("issues: raise: invalid severity %q", f.Severity)
	}
	vals, err := t.settings.Resolve(ctx)
	if err != nil {
		return model.Issue{}, false, fmt.Errorf("issues: raise: %w", err)
	}

	release := t.locks.Lock(f.DedupKey)
	defer release()

	now := t.clock.Now()
	issue, created, err := t.store.UpsertIssue(ctx, model.Issue{
		DedupKey:    f.DedupKey,
		Kind:        f.Kind,
		Severity:    f.Severity,
		AgentKey:    f.AgentKey,
		AgentKeys:   f.AgentKeys,
		Title:       f.Title,
		Narrative:   f.Narrative,
		OpenedAt:    now,
		SLADeadline: now.Add(vals.SLAFor(f.Severity)),
	})
	if err != nil {
		return model.Issue{}, false, fmt.Errorf("issues: raise %s: %w", f.DedupKey, err)
	}

	attrs := metric.WithAttributes(attribute.String("kind", string(f.Kind)), attribute.String("severity", string(f.Severity)))
	if created {
		t.opened.Add(ctx, 1, attrs)
		t.logger.Info("issues: opened",
			"issue_id", issue.ID, "dedup_key", issue.DedupKey, "severity", issue.Severity,
			"agent_key", issue.AgentKey, "sla_deadline", issue.SLADeadline)
	} else {
		t.repeats.Add(ctx, 1, attrs)
		t.logger.Debug("issues: repeat finding",
			"issue_id", issue.ID, "dedup_key", issue.DedupKey, "occurrences", issue.Occurrences)
	}
	return issue, created, nil
}

// Transition moves an issue along an allowed edge. Rejected edges return a
// *TransitionRejectedError and leave the issue unchanged.
func (t *Tracker) Transition(ctx context.Context, id uuid.UUID, to model.IssueStatus, actor, note string) (model.Issue, error) {
	if to == model.IssueAutoClosed || !to.Valid() {
		cur, err := t.Get(ctx, id)
		if err != nil {
			return model.Issue{}, err
		}
		return model.Issue{}, &TransitionRejectedError{From: cur.Status, To: to}
	}

	// One retry covers a status change that raced between read and write.
	for attempt := 0; ; attempt++ {
		cur, err := t.Get(ctx, id)
		if err != nil {
			return model.Issue{}, err
		}
		if !Allowed(cur.Status, to) {
			return model.Issue{}, &TransitionRejectedError{From: cur.Status, To: to}
		}
		updated, err := t.store.UpdateIssueStatus(ctx, id, cur.Status, to, actor, note, t.clock.Now())
		if errors.Is(err, storage.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return model.Issue{}, fmt.Errorf("issues: transition %s: %w", id, err)
		}

		t.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(cur.Status)), attribute.String("to", string(to))))
		t.logger.Info("issues: transitioned", "issue_id", id, "from", cur.Status, "to", to, "actor", actor)
		t.audit(ctx, "transition_issue", actor, cur, updated)
		return updated, nil
	}
}

// Sweep auto-closes open and acknowledged issues that have not been seen
// within the staleness window.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) ([]model.Issue, error) {
	vals, err := t.settings.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("issues: sweep: %w", err)
	}
	closed, err := t.store.AutoCloseStale(ctx, now.Add(-vals.Staleness), now, SweepActor)
	if err != nil {
		return nil, fmt.Errorf("issues: sweep: %w", err)
	}
	for _, issue := range closed {
		t.autoClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", string(issue.Severity))))
		t.audit(ctx, "auto_close_issue", SweepActor, model.Issue{}, issue)
	}
	t.logger.Info("issues: sweep complete", "closed", len(closed), "staleness", vals.Staleness)
	return closed, nil
}

// Get returns one issue or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (model.Issue, error) {
	issue, err := t.store.GetIssue(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Issue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Issue{}, fmt.Errorf("issues: get %s: %w", id, err)
	}
	return issue, nil
}

// List returns a page of issues and the total count.
func (t *Tracker) List(ctx context.Context, filter model.IssueFilter, limit, offset int) ([]model.Issue, int, error) {
	for _, s := range filter.Statuses {
		if !s.Valid() {
			return nil, 0, fmt.Errorf("issues: unknown status %q", s)
		}
	}
	out, total, err := t.store.ListIssues(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("issues: list: %w", err)
	}
	return out, total, nil
}

// maxOpen bounds ListOpen. Backlogs past this size are a problem of their
// own and the correlation pass reports them.
const maxOpen = 1000

// ListOpen returns every unresolved issue matching filter's severity and
// agent. The status field of filter is ignored.
func (t *Tracker) ListOpen(ctx context.Context, filter model.IssueFilter) ([]model.Issue, error) {
	filter.Statuses = []model.IssueStatus{model.IssueOpen, model.IssueAcknowledged, model.IssueInProgress}
	out, _, err := t.List(ctx, filter, maxOpen, 0)
	return out, err
}

func (t *Tracker) audit(ctx context.Context, op, actor string, before, after model.Issue) {
	meta := ctxutil.AuditMetaFromContext(ctx)
	if meta.ActorID == "" {
		meta.ActorID, meta.ActorRole = actor, "system"
	}
	entry := model.MutationAuditEntry{
		RequestID:    meta.RequestID,
		ActorID:      meta.ActorID,
		ActorRole:    meta.ActorRole,
		Operation:    op,
		ResourceType: "issue",
		ResourceID:   after.ID.String(),
		AfterData:    after,
		Metadata:     map[string]any{"endpoint": meta.Endpoint, "method": meta.HTTPMethod},
	}
	if before.ID != uuid.Nil {
		entry.BeforeData = before
	}
	if err := t.store.InsertMutationAudit(ctx, entry); err != nil {
		t.logger.Warn("issues: audit write failed", "operation", op, "issue_id", after.ID, "error", err)
	}
}
