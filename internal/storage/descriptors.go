package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

// ReasonRemovedFromCatalog marks descriptors that disappeared from the catalog.
const ReasonRemovedFromCatalog = "removed from catalog"

const descriptorColumns = `key, name, capabilities, schedule,
	(declared_active AND in_catalog AND NOT admin_deactivated) AS active,
	sla_class, destinations, timeout_seconds, endpoint, thresholds, metadata,
	deactivation_reason, deactivated_at, created_at, updated_at`

// UpsertDescriptor writes a catalog entry. Catalog fields are overwritten;
// admin deactivation is preserved so a reload never silently re-enables an
// agent an operator switched off.
func (db *DB) UpsertDescriptor(ctx context.Context, d model.AgentDescriptor) error {
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	if d.Thresholds == nil {
		d.Thresholds = map[string]model.Threshold{}
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	if d.Destinations == nil {
		d.Destinations = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_descriptors (
		     key, name, capabilities, schedule, sla_class, destinations,
		     timeout_seconds, endpoint, thresholds, metadata, declared_active, in_catalog
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true)
		 ON CONFLICT (key) DO UPDATE SET
		     name = EXCLUDED.name,
		     capabilities = EXCLUDED.capabilities,
		     schedule = EXCLUDED.schedule,
		     sla_class = EXCLUDED.sla_class,
		     destinations = EXCLUDED.destinations,
		     timeout_seconds = EXCLUDED.timeout_seconds,
		     endpoint = EXCLUDED.endpoint,
		     thresholds = EXCLUDED.thresholds,
		     metadata = EXCLUDED.metadata,
		     declared_active = EXCLUDED.declared_active,
		     in_catalog = true,
		     deactivation_reason = CASE WHEN agent_descriptors.admin_deactivated
		         THEN agent_descriptors.deactivation_reason ELSE NULL END,
		     deactivated_at = CASE WHEN agent_descriptors.admin_deactivated
		         THEN agent_descriptors.deactivated_at ELSE NULL END,
		     updated_at = now()`,
		d.Key, d.Name, d.Capabilities, d.Schedule, string(d.SLAClass), d.Destinations,
		d.TimeoutSeconds, d.Endpoint, d.Thresholds, d.Metadata, d.Active,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert descriptor %s: %w", d.Key, err)
	}
	return nil
}

// MarkRemovedFromCatalog soft-deactivates every catalog descriptor whose key
// is not in keep. History stays queryable; rows are never deleted.
func (db *DB) MarkRemovedFromCatalog(ctx context.Context, keep []string, at time.Time) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_descriptors SET
		     in_catalog = false,
		     deactivation_reason = COALESCE(deactivation_reason, $2),
		     deactivated_at = COALESCE(deactivated_at, $3),
		     updated_at = now()
		 WHERE in_catalog AND NOT (key = ANY($1))`,
		keep, ReasonRemovedFromCatalog, at,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark removed descriptors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetDescriptor returns one descriptor or ErrNotFound.
func (db *DB) GetDescriptor(ctx context.Context, key string) (model.AgentDescriptor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+descriptorColumns+` FROM agent_descriptors WHERE key = $1`, key)
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("storage: get descriptor: %w", err)
	}
	ds, err := collectDescriptors(rows)
	if err != nil {
		return model.AgentDescriptor{}, err
	}
	if len(ds) == 0 {
		return model.AgentDescriptor{}, fmt.Errorf("storage: descriptor %s: %w", key, ErrNotFound)
	}
	return ds[0], nil
}

// ListDescriptors returns descriptors ordered by key, optionally only active ones.
func (db *DB) ListDescriptors(ctx context.Context, activeOnly bool) ([]model.AgentDescriptor, error) {
	q := `SELECT ` + descriptorColumns + ` FROM agent_descriptors`
	if activeOnly {
		q += ` WHERE declared_active AND in_catalog AND NOT admin_deactivated`
	}
	q += ` ORDER BY key`
	rows, err := db.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("storage: list descriptors: %w", err)
	}
	return collectDescriptors(rows)
}

// DeactivateDescriptor sets the admin deactivation flag and records the reason.
func (db *DB) DeactivateDescriptor(ctx context.Context, key, reason string, at time.Time) (model.AgentDescriptor, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE agent_descriptors SET
		     admin_deactivated = true,
		     deactivation_reason = $2,
		     deactivated_at = $3,
		     updated_at = now()
		 WHERE key = $1
		 RETURNING `+descriptorColumns, key, reason, at)
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("storage: deactivate descriptor: %w", err)
	}
	return singleDescriptor(rows, key)
}

// ActivateDescriptor clears admin deactivation. The descriptor becomes active
// again only if the catalog still declares it active.
func (db *DB) ActivateDescriptor(ctx context.Context, key string) (model.AgentDescriptor, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE agent_descriptors SET
		     admin_deactivated = false,
		     deactivation_reason = CASE WHEN in_catalog THEN NULL ELSE deactivation_reason END,
		     deactivated_at = CASE WHEN in_catalog THEN NULL ELSE deactivated_at END,
		     updated_at = now()
		 WHERE key = $1
		 RETURNING `+descriptorColumns, key)
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("storage: activate descriptor: %w", err)
	}
	return singleDescriptor(rows, key)
}

func singleDescriptor(rows pgx.Rows, key string) (model.AgentDescriptor, error) {
	ds, err := collectDescriptors(rows)
	if err != nil {
		return model.AgentDescriptor{}, err
	}
	if len(ds) == 0 {
		return model.AgentDescriptor{}, fmt.Errorf("storage: descriptor %s: %w", key, ErrNotFound)
	}
	return ds[0], nil
}

func collectDescriptors(rows pgx.Rows) ([]model.AgentDescriptor, error) {
	defer rows.Close()
	var out []model.AgentDescriptor
	for rows.Next() {
		var (
			d   model.AgentDescriptor
			sla string
		)
		if err := rows.Scan(
			&d.Key, &d.Name, &d.Capabilities, &d.Schedule, &d.Active,
			&sla, &d.Destinations, &d.TimeoutSeconds, &d.Endpoint, &d.Thresholds, &d.Metadata,
			&d.DeactivationReason, &d.DeactivatedAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan descriptor: %w", err)
		}
		d.SLAClass = model.Severity(sla)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate descriptors: %w", err)
	}
	return out, nil
}
