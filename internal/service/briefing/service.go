package briefing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

// Notifier delivers a composed digest.
type Notifier interface {
	Notify(ctx context.Context, d model.Digest) error
}

// Statuses supplies the derived status of every agent.
type Statuses interface {
	All(ctx context.Context) ([]model.AgentStatus, error)
}

// Issues supplies the unresolved issues.
type Issues interface {
	ListOpen(ctx context.Context, filter model.IssueFilter) ([]model.Issue, error)
}

// Reports supplies the latest scan reports.
type Reports interface {
	LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error)
}

// Store persists digests and supplies per-destination run totals.
type Store interface {
	InsertBriefing(ctx context.Context, d *model.Digest) error
	MarkBriefingDelivery(ctx context.Context, id uuid.UUID, at time.Time, deliveryErr error) error
	LatestBriefing(ctx context.Context) (model.Digest, error)
	DestinationSummaries(ctx context.Context, since time.Time) ([]model.DestinationSummary, error)
}

// ErrNoBriefing is returned by Latest before the first digest is composed.
var ErrNoBriefing = errors.New("briefing: no briefing composed yet")

// Options configures a Service.
type Options struct {
	// Window is how far back per-destination run totals reach.
	Window     time.Duration
	RetryDelay time.Duration
	Clock      clock.Clock
	// Sleep waits between delivery attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service composes, persists, and delivers digests.
type Service struct {
	statuses Statuses
	issues   Issues
	reports  Reports
	store    Store
	notifier Notifier
	opts     Options
	logger   *slog.Logger
}

// New creates a briefing service. A nil notifier leaves digests undelivered
// but still queryable.
func New(statuses Statuses, iss Issues, reports Reports, store Store, notifier Notifier, opts Options, logger *slog.Logger) *Service {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Service{
		statuses: statuses,
		issues:   iss,
		reports:  reports,
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Gather collects the inputs of a digest at now.
func (s *Service) Gather(ctx context.Context, now time.Time) (Input, error) {
	in := Input{Now: now}
	var err error
	if in.Statuses, err = s.statuses.All(ctx); err != nil {
		return Input{}, fmt.Errorf("briefing: statuses: %w", err)
	}
	if in.OpenIssues, err = s.issues.ListOpen(ctx, model.IssueFilter{}); err != nil {
		return Input{}, fmt.Errorf("briefing: open issues: %w", err)
	}
	if in.Anomaly, err = s.latest(ctx, model.FindingAnomaly); err != nil {
		return Input{}, err
	}
	if in.Correlation, err = s.latest(ctx, model.FindingCorrelation); err != nil {
		return Input{}, err
	}
	if in.Destinations, err = s.store.DestinationSummaries(ctx, now.Add(-s.opts.Window)); err != nil {
		return Input{}, fmt.Errorf("briefing: destinations: %w", err)
	}
	return in, nil
}

func (s *Service) latest(ctx context.Context, kind model.FindingKind) (*model.ScanReport, error) {
	r, err := s.reports.LatestScanReport(ctx, kind)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("briefing: latest %s report: %w", kind, err)
	}
	return &r, nil
}

// Publish composes a digest, persists it, and delivers it. Delivery is
// retried once; a delivery failure is recorded on the digest and logged but
// does not fail Publish.
func (s *Service) Publish(ctx context.Context) (model.Digest, error) {
	in, err := s.Gather(ctx, s.opts.Clock.Now())
	if err != nil {
		return model.Digest{}, err
	}
	d := Compose(in)
	if err := s.store.InsertBriefing(ctx, &d); err != nil {
		return model.Digest{}, fmt.Errorf("briefing: persist: %w", err)
	}
	s.logger.Info("briefing: composed",
		"briefing_id", d.ID, "urgent", d.Urgent, "open_issues", len(d.OpenIssues),
		"anomalies", len(d.Anomalies), "correlations", len(d.Correlations))

	if s.notifier == nil {
		return d, nil
	}
	deliveryErr := s.deliver(ctx, d)
	at := s.opts.Clock.Now()
	if err := s.store.MarkBriefingDelivery(ctx, d.ID, at, deliveryErr); err != nil {
		s.logger.Warn("briefing: record delivery failed", "briefing_id", d.ID, "error", err)
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		d.DeliveryError = &msg
		s.logger.Error("briefing: delivery failed", "briefing_id", d.ID, "error", deliveryErr)
	} else {
		d.DeliveredAt = &at
	}
	return d, nil
}

func (s *Service) deliver(ctx context.Context, d model.Digest) error {
	err := s.notifier.Notify(ctx, d)
	if err == nil {
		return nil
	}
	s.logger.Warn("briefing: delivery failed, retrying", "briefing_id", d.ID, "error", err)
	if serr := s.opts.Sleep(ctx, s.opts.RetryDelay); serr != nil {
		return errors.Join(err, serr)
	}
	return s.notifier.Notify(ctx, d)
}

// Latest returns the most recent digest or ErrNoBriefing.
func (s *Service) Latest(ctx context.Context) (model.Digest, error) {
	d, err := s.store.LatestBriefing(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Digest{}, ErrNoBriefing
	}
	if err != nil {
		return model.Digest{}, fmt.Errorf("briefing: latest: %w", err)
	}
	return d, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Store = (*storage.DB)(nil)
