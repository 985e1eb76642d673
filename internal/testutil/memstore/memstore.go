// Package memstore is an in-memory stand-in for storage.DB used by service
// tests. It mirrors the semantics the services rely on: run identity,
// effective descriptor activity, the unresolved-issue dedup index, and
// compare-and-swap status updates.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

type descriptorRow struct {
	d        model.AgentDescriptor
	declared bool
	inCat    bool
	admin    bool
}

func (r descriptorRow) view() model.AgentDescriptor {
	d := r.d
	d.Active = r.declared && r.inCat && !r.admin
	return d
}

// Store holds every table in memory. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	runs        []model.RunRecord
	descriptors map[string]*descriptorRow
	baselines   map[[2]string]model.Baseline
	issues      []model.Issue
	reports     []model.ScanReport
	briefings   []model.Digest
	settings    map[string]storage.SettingOverride
	clients     map[string]model.APIClient
	audit       []model.MutationAuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		descriptors: map[string]*descriptorRow{},
		baselines:   map[[2]string]model.Baseline{},
		settings:    map[string]storage.SettingOverride{},
		clients:     map[string]model.APIClient{},
	}
}

// Runs returns a copy of every stored run in insertion order.
func (s *Store) Runs() []model.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.runs)
}

// Audit returns a copy of every audit entry.
func (s *Store) Audit() []model.MutationAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

// Issues returns a copy of every issue, resolved or not.
func (s *Store) Issues() []model.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.issues)
}

// SetIssueTimes rewrites an issue's opened and last-seen times, for tests
// that need aged issues.
func (s *Store) SetIssueTimes(id uuid.UUID, openedAt, lastSeenAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.issues {
		if s.issues[i].ID == id {
			s.issues[i].OpenedAt, s.issues[i].LastSeenAt = openedAt, lastSeenAt
		}
	}
}

// Runs.

func (s *Store) InsertRun(_ context.Context, r *model.RunRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.AgentKey == r.AgentKey && existing.Destination == r.Destination && existing.StartedAt.Equal(r.StartedAt) {
			return false, nil
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	if r.Attempts < 1 && r.Status != model.RunStatusSkipped {
		r.Attempts = 1
	}
	r.RecordedAt = time.Now().UTC()
	s.runs = append(s.runs, *r)
	return true, nil
}

func (s *Store) sortedRuns(keep func(model.RunRecord) bool) []model.RunRecord {
	var out []model.RunRecord
	for _, r := range s.runs {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (s *Store) RecentRuns(_ context.Context, agentKey string, limit int) ([]model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedRuns(func(r model.RunRecord) bool { return r.AgentKey == agentKey })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestRun(_ context.Context, agentKey string) (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedRuns(func(r model.RunRecord) bool { return r.AgentKey == agentKey && r.Status != model.RunStatusSkipped })
	if len(out) == 0 {
		return model.RunRecord{}, storage.ErrNotFound
	}
	return out[0], nil
}

func (s *Store) LatestRuns(context.Context) (map[string]model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]model.RunRecord{}
	for _, r := range s.sortedRuns(func(r model.RunRecord) bool { return r.Status != model.RunStatusSkipped }) {
		if _, ok := out[r.AgentKey]; !ok {
			out[r.AgentKey] = r
		}
	}
	return out, nil
}

func (s *Store) LastFires(context.Context) (map[model.Target]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.Target]time.Time{}
	for _, r := range s.runs {
		k := model.Target{AgentKey: r.AgentKey, Destination: r.Destination}
		if r.StartedAt.After(out[k]) {
			out[k] = r.StartedAt
		}
	}
	return out, nil
}

func (s *Store) DestinationSummaries(_ context.Context, since time.Time) ([]model.DestinationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDest := map[string]*model.DestinationSummary{}
	agents := map[string]map[string]bool{}
	for _, r := range s.runs {
		if r.StartedAt.Before(since) {
			continue
		}
		sum, ok := byDest[r.Destination]
		if !ok {
			sum = &model.DestinationSummary{Destination: r.Destination}
			byDest[r.Destination] = sum
			agents[r.Destination] = map[string]bool{}
		}
		switch r.Status {
		case model.RunStatusSuccess:
			sum.Success++
		case model.RunStatusFailed:
			sum.Failed++
		case model.RunStatusSkipped:
			sum.Skipped++
		}
		agents[r.Destination][r.AgentKey] = true
	}
	out := make([]model.DestinationSummary, 0, len(byDest))
	for dest, sum := range byDest {
		sum.Agents = len(agents[dest])
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out, nil
}

// Descriptors.

func (s *Store) UpsertDescriptor(_ context.Context, d model.AgentDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.descriptors[d.Key]
	if !ok {
		row = &descriptorRow{}
		d.CreatedAt = time.Now().UTC()
		s.descriptors[d.Key] = row
	} else {
		d.CreatedAt = row.d.CreatedAt
	}
	reason, at := row.d.DeactivationReason, row.d.DeactivatedAt
	row.d, row.declared, row.inCat = d, d.Active, true
	if row.admin {
		row.d.DeactivationReason, row.d.DeactivatedAt = reason, at
	} else {
		row.d.DeactivationReason, row.d.DeactivatedAt = nil, nil
	}
	row.d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkRemovedFromCatalog(_ context.Context, keep []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, row := range s.descriptors {
		if row.inCat && !slices.Contains(keep, key) {
			row.inCat = false
			if row.d.DeactivationReason == nil {
				reason := storage.ReasonRemovedFromCatalog
				row.d.DeactivationReason, row.d.DeactivatedAt = &reason, &at
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) GetDescriptor(_ context.Context, key string) (model.AgentDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.descriptors[key]
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("memstore: descriptor %s: %w", key, storage.ErrNotFound)
	}
	return row.view(), nil
}

func (s *Store) ListDescriptors(_ context.Context, activeOnly bool) ([]model.AgentDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AgentDescriptor
	for _, row := range s.descriptors {
		if v := row.view(); !activeOnly || v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) DeactivateDescriptor(_ context.Context, key, reason string, at time.Time) (model.AgentDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.descriptors[key]
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("memstore: descriptor %s: %w", key, storage.ErrNotFound)
	}
	row.admin = true
	row.d.DeactivationReason, row.d.DeactivatedAt = &reason, &at
	return row.view(), nil
}

func (s *Store) ActivateDescriptor(_ context.Context, key string) (model.AgentDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.descriptors[key]
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("memstore: descriptor %s: %w", key, storage.ErrNotFound)
	}
	row.admin = false
	if row.inCat {
		row.d.DeactivationReason, row.d.DeactivatedAt = nil, nil
	}
	return row.view(), nil
}

// Baselines.

func (s *Store) MutateBaseline(_ context.Context, agentKey, metricName string, windowSize int, mutate func(*model.Baseline)) (model.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{agentKey, metricName}
	b, ok := s.baselines[k]
	if !ok {
		b = model.Baseline{AgentKey: agentKey, MetricName: metricName, WindowSize: windowSize, Window: []float64{}}
	}
	b.Window = slices.Clone(b.Window)
	mutate(&b)
	b.UpdatedAt = time.Now().UTC()
	s.baselines[k] = b
	return b, nil
}

func (s *Store) GetBaseline(_ context.Context, agentKey, metricName string) (model.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[[2]string{agentKey, metricName}]
	if !ok {
		return model.Baseline{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListBaselines(_ context.Context, agentKey string) ([]model.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Baseline
	for _, b := range s.baselines {
		if agentKey == "" || b.AgentKey == agentKey {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentKey != out[j].AgentKey {
			return out[i].AgentKey < out[j].AgentKey
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out, nil
}

// Issues.

func (s *Store) UpsertIssue(_ context.Context, in model.Issue) (model.Issue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.issues {
		cur := &s.issues[i]
		if cur.DedupKey == in.DedupKey && cur.Status.Unresolved() {
			cur.Occurrences++
			cur.LastSeenAt = in.OpenedAt
			cur.UpdatedAt = time.Now().UTC()
			return *cur, false, nil
		}
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	in.Status = model.IssueOpen
	in.Occurrences = 1
	in.LastSeenAt = in.OpenedAt
	in.UpdatedAt = time.Now().UTC()
	s.issues = append(s.issues, in)
	return in, true, nil
}

func (s *Store) GetIssue(_ context.Context, id uuid.UUID) (model.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.issues {
		if i.ID == id {
			return i, nil
		}
	}
	return model.Issue{}, fmt.Errorf("memstore: issue %s: %w", id, storage.ErrNotFound)
}

func matchIssue(f model.IssueFilter, i model.Issue) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, i.Status) {
		return false
	}
	if f.Severity != "" && i.Severity != f.Severity {
		return false
	}
	if f.AgentKey != "" && !i.Involves(f.AgentKey) {
		return false
	}
	return true
}

func (s *Store) ListIssues(_ context.Context, filter model.IssueFilter, limit, offset int) ([]model.Issue, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []model.Issue
	for _, i := range s.issues {
		if matchIssue(filter, i) {
			matched = append(matched, i)
		}
	}
	sort.SliceStable(matched, func(a, b int) bool { return matched[a].OpenedAt.After(matched[b].OpenedAt) })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *Store) UpdateIssueStatus(_ context.Context, id uuid.UUID, from, to model.IssueStatus, actor, note string, at time.Time) (model.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.issues {
		cur := &s.issues[i]
		if cur.ID != id {
			continue
		}
		if cur.Status != from {
			return model.Issue{}, fmt.Errorf("memstore: issue %s is no longer %s: %w", id, from, storage.ErrConflict)
		}
		cur.Status = to
		if !to.Unresolved() {
			a, by := at, actor
			cur.ResolvedAt, cur.ResolvedBy = &a, &by
		} else {
			cur.ResolvedAt, cur.ResolvedBy = nil, nil
		}
		if note != "" {
			n := note
			cur.ResolutionNote = &n
		}
		cur.UpdatedAt = time.Now().UTC()
		return *cur, nil
	}
	return model.Issue{}, fmt.Errorf("memstore: issue %s: %w", id, storage.ErrNotFound)
}

func (s *Store) AutoCloseStale(_ context.Context, cutoff, at time.Time, actor string) ([]model.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Issue
	for i := range s.issues {
		cur := &s.issues[i]
		if (cur.Status == model.IssueOpen || cur.Status == model.IssueAcknowledged) && cur.LastSeenAt.Before(cutoff) {
			a, by := at, actor
			cur.Status, cur.ResolvedAt, cur.ResolvedBy = model.IssueAutoClosed, &a, &by
			out = append(out, *cur)
		}
	}
	return out, nil
}

// Scan reports.

func (s *Store) InsertScanReport(_ context.Context, r *model.ScanReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Findings == nil {
		r.Findings = []model.Finding{}
	}
	s.reports = append(s.reports, *r)
	return nil
}

func (s *Store) RecentScanReports(_ context.Context, kind model.FindingKind, limit int) ([]model.ScanReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScanReport
	for _, r := range s.reports {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error) {
	out, _ := s.RecentScanReports(ctx, kind, 1)
	if len(out) == 0 {
		return model.ScanReport{}, storage.ErrNotFound
	}
	return out[0], nil
}

// Briefings.

func (s *Store) InsertBriefing(_ context.Context, d *model.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.briefings = append(s.briefings, *d)
	return nil
}

func (s *Store) MarkBriefingDelivery(_ context.Context, id uuid.UUID, at time.Time, deliveryErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.briefings {
		if s.briefings[i].ID != id {
			continue
		}
		if deliveryErr == nil {
			a := at
			s.briefings[i].DeliveredAt, s.briefings[i].DeliveryError = &a, nil
		} else {
			msg := deliveryErr.Error()
			s.briefings[i].DeliveredAt, s.briefings[i].DeliveryError = nil, &msg
		}
		return nil
	}
	return fmt.Errorf("memstore: briefing %s: %w", id, storage.ErrNotFound)
}

func (s *Store) LatestBriefing(context.Context) (model.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.briefings) == 0 {
		return model.Digest{}, storage.ErrNotFound
	}
	latest := s.briefings[0]
	for _, d := range s.briefings[1:] {
		if !d.GeneratedAt.Before(latest.GeneratedAt) {
			latest = d
		}
	}
	return latest, nil
}

// Retention.

func (s *Store) Prune(_ context.Context, cutoff time.Time) (storage.PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res storage.PruneResult

	newestRun := map[model.Target]time.Time{}
	for _, r := range s.runs {
		t := model.Target{AgentKey: r.AgentKey, Destination: r.Destination}
		if r.StartedAt.After(newestRun[t]) {
			newestRun[t] = r.StartedAt
		}
	}
	s.runs = slices.DeleteFunc(s.runs, func(r model.RunRecord) bool {
		t := model.Target{AgentKey: r.AgentKey, Destination: r.Destination}
		drop := r.StartedAt.Before(cutoff) && r.StartedAt.Before(newestRun[t])
		if drop {
			res.Runs++
		}
		return drop
	})

	newestReport := map[model.FindingKind]time.Time{}
	for _, r := range s.reports {
		if r.CompletedAt.After(newestReport[r.Kind]) {
			newestReport[r.Kind] = r.CompletedAt
		}
	}
	s.reports = slices.DeleteFunc(s.reports, func(r model.ScanReport) bool {
		drop := r.CompletedAt.Before(cutoff) && r.CompletedAt.Before(newestReport[r.Kind])
		if drop {
			res.ScanReports++
		}
		return drop
	})

	var newestBriefing time.Time
	for _, d := range s.briefings {
		if d.GeneratedAt.After(newestBriefing) {
			newestBriefing = d.GeneratedAt
		}
	}
	s.briefings = slices.DeleteFunc(s.briefings, func(d model.Digest) bool {
		drop := d.GeneratedAt.Before(cutoff) && d.GeneratedAt.Before(newestBriefing)
		if drop {
			res.Briefings++
		}
		return drop
	})
	return res, nil
}

// Settings.

func (s *Store) ListSettingOverrides(context.Context) (map[string]storage.SettingOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]storage.SettingOverride, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *Store) PutSettingOverride(_ context.Context, key, value, updatedBy string) (storage.SettingOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := storage.SettingOverride{Key: key, Value: value, UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC()}
	s.settings[key] = o
	return o, nil
}

func (s *Store) DeleteSettingOverride(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[key]; !ok {
		return fmt.Errorf("memstore: setting override %s: %w", key, storage.ErrNotFound)
	}
	delete(s.settings, key)
	return nil
}

// API clients.

func (s *Store) CreateAPIClient(_ context.Context, c model.APIClient) (model.APIClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ClientID]; ok {
		return model.APIClient{}, fmt.Errorf("memstore: client %s: %w", c.ClientID, storage.ErrConflict)
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	s.clients[c.ClientID] = c
	return c, nil
}

func (s *Store) GetAPIClient(_ context.Context, clientID string) (model.APIClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return model.APIClient{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) CountAPIClients(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Audit.

func (s *Store) InsertMutationAudit(_ context.Context, e model.MutationAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}
