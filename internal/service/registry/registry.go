// Package registry owns the set of schedulable agents.
//
// Descriptors are declared in a YAML catalog and mirrored into Postgres so
// that admin deactivations and catalog removals survive restarts. The
// effective active flag of a descriptor is the catalog's declaration
// combined with any admin deactivation; admin deactivation is never undone
// by a reload.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

var (
	// ErrNotFound is returned for unknown agent keys.
	ErrNotFound = errors.New("registry: agent not found")
	// ErrReasonRequired is returned when deactivating without a reason.
	ErrReasonRequired = errors.New("registry: deactivation reason is required")
)

// Store is the descriptor persistence. *storage.DB satisfies it.
type Store interface {
	UpsertDescriptor(ctx context.Context, d model.AgentDescriptor) error
	MarkRemovedFromCatalog(ctx context.Context, keep []string, at time.Time) (int64, error)
	GetDescriptor(ctx context.Context, key string) (model.AgentDescriptor, error)
	ListDescriptors(ctx context.Context, activeOnly bool) ([]model.AgentDescriptor, error)
	DeactivateDescriptor(ctx context.Context, key, reason string, at time.Time) (model.AgentDescriptor, error)
	ActivateDescriptor(ctx context.Context, key string) (model.AgentDescriptor, error)
}

// Options configures a Registry.
type Options struct {
	CatalogPath       string
	KnownDestinations []string
	Clock             clock.Clock
}

// Registry serves descriptors and metric policies.
type Registry struct {
	store  Store
	opts   Options
	logger *slog.Logger

	reloadMu sync.Mutex

	mu       sync.RWMutex
	policies map[string]MetricPolicy
}

// New creates a registry. Call Reload to load the catalog.
func New(store Store, opts Options, logger *slog.Logger) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Registry{
		store:    store,
		opts:     opts,
		logger:   logger,
		policies: map[string]MetricPolicy{},
	}
}

// Reload reads the catalog file and reconciles the descriptor store with
// it. An invalid catalog leaves the previous state untouched.
func (r *Registry) Reload(ctx context.Context) error {
	if r.opts.CatalogPath == "" {
		return nil
	}
	cat, err := LoadCatalog(r.opts.CatalogPath, r.opts.KnownDestinations)
	if err != nil {
		return err
	}
	return r.Apply(ctx, cat)
}

// Apply reconciles the store with an already parsed catalog. Agents absent
// from the catalog are soft-deactivated.
func (r *Registry) Apply(ctx context.Context, cat Catalog) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	keys := make([]string, 0, len(cat.Agents))
	for _, d := range cat.Agents {
		if err := r.store.UpsertDescriptor(ctx, d); err != nil {
			return fmt.Errorf("registry: apply %s: %w", d.Key, err)
		}
		keys = append(keys, d.Key)
	}
	removed, err := r.store.MarkRemovedFromCatalog(ctx, keys, r.opts.Clock.Now())
	if err != nil {
		return fmt.Errorf("registry: mark removed: %w", err)
	}

	r.mu.Lock()
	r.policies = cat.Metrics
	r.mu.Unlock()

	r.logger.Info("registry: catalog applied",
		"agents", len(cat.Agents), "metrics", len(cat.Metrics), "removed", removed)
	return nil
}

// Register validates and stores a single descriptor. When a catalog path is
// configured, the next Reload soft-deactivates descriptors it does not list.
func (r *Registry) Register(ctx context.Context, d model.AgentDescriptor) error {
	if d.SLAClass == "" {
		d.SLAClass = model.SeverityP3
	}
	if err := Validate(d, r.opts.KnownDestinations); err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	if err := r.store.UpsertDescriptor(ctx, d); err != nil {
		return fmt.Errorf("registry: register %s: %w", d.Key, err)
	}
	return nil
}

// Get returns a descriptor or ErrNotFound.
func (r *Registry) Get(ctx context.Context, key string) (model.AgentDescriptor, error) {
	d, err := r.store.GetDescriptor(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AgentDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("registry: get %s: %w", key, err)
	}
	return d, nil
}

// List returns every descriptor, active or not.
func (r *Registry) List(ctx context.Context) ([]model.AgentDescriptor, error) {
	ds, err := r.store.ListDescriptors(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return ds, nil
}

// ListActive returns the descriptors eligible for scheduling.
func (r *Registry) ListActive(ctx context.Context) ([]model.AgentDescriptor, error) {
	ds, err := r.store.ListDescriptors(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}
	return ds, nil
}

// Deactivate marks an agent inactive until Activate is called. The reason
// is required and is surfaced in status output.
func (r *Registry) Deactivate(ctx context.Context, key, reason string) (model.AgentDescriptor, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.AgentDescriptor{}, ErrReasonRequired
	}
	d, err := r.store.DeactivateDescriptor(ctx, key, reason, r.opts.Clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return model.AgentDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("registry: deactivate %s: %w", key, err)
	}
	r.logger.Info("registry: agent deactivated", "agent_key", key, "reason", reason)
	return d, nil
}

// Activate clears an admin deactivation.
func (r *Registry) Activate(ctx context.Context, key string) (model.AgentDescriptor, error) {
	d, err := r.store.ActivateDescriptor(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AgentDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("registry: activate %s: %w", key, err)
	}
	r.logger.Info("registry: agent activated", "agent_key", key)
	return d, nil
}

// Policy returns the metric policy for name, or DefaultPolicy.
func (r *Registry) Policy(name string) MetricPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[name]; ok {
		return p
	}
	return DefaultPolicy(name)
}

var _ Store = (*storage.DB)(nil)
