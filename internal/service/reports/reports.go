// Package reports serves persisted scan reports with an in-process cache of
// the latest report per kind. Writes go through the cache.
package reports

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

// Store is the report persistence. *storage.DB satisfies it.
type Store interface {
	InsertScanReport(ctx context.Context, r *model.ScanReport) error
	RecentScanReports(ctx context.Context, kind model.FindingKind, limit int) ([]model.ScanReport, error)
	LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error)
}

// Cache wraps a Store.
type Cache struct {
	store  Store
	latest *lru.Cache[model.FindingKind, model.ScanReport]
}

// New creates a cache.
func New(store Store) *Cache {
	latest, _ := lru.New[model.FindingKind, model.ScanReport](8) // size is constant and positive
	return &Cache{store: store, latest: latest}
}

// InsertScanReport persists r and makes it the cached latest of its kind.
func (c *Cache) InsertScanReport(ctx context.Context, r *model.ScanReport) error {
	if err := c.store.InsertScanReport(ctx, r); err != nil {
		c.latest.Remove(r.Kind)
		return fmt.Errorf("reports: insert: %w", err)
	}
	if cur, ok := c.latest.Get(r.Kind); !ok || !r.CompletedAt.Before(cur.CompletedAt) {
		c.latest.Add(r.Kind, *r)
	}
	return nil
}

// LatestScanReport returns the newest report of kind or an error wrapping
// storage.ErrNotFound.
func (c *Cache) LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error) {
	if r, ok := c.latest.Get(kind); ok {
		return r, nil
	}
	r, err := c.store.LatestScanReport(ctx, kind)
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("reports: latest %s: %w", kind, err)
	}
	c.latest.Add(kind, r)
	return r, nil
}

// RecentScanReports reads through to the store.
func (c *Cache) RecentScanReports(ctx context.Context, kind model.FindingKind, limit int) ([]model.ScanReport, error) {
	out, err := c.store.RecentScanReports(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("reports: recent %s: %w", kind, err)
	}
	return out, nil
}

var _ Store = (*storage.DB)(nil)
