package storage

import (
	"context"
	"fmt"
	"time"
)

// SettingOverride is a persisted runtime override of a static default.
type SettingOverride struct {
	Key       string
	Value     string
	UpdatedBy string
	UpdatedAt time.Time
}

// ListSettingOverrides returns every persisted override keyed by setting key.
func (db *DB) ListSettingOverrides(ctx context.Context) (map[string]SettingOverride, error) {
	rows, err := db.pool.Query(ctx, `SELECT key, value, updated_by, updated_at FROM settings_overrides`)
	if err != nil {
		return nil, fmt.Errorf("storage: list setting overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SettingOverride)
	for rows.Next() {
		var o SettingOverride
		if err := rows.Scan(&o.Key, &o.Value, &o.UpdatedBy, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan setting override: %w", err)
		}
		out[o.Key] = o
	}
	return out, rows.Err()
}

// PutSettingOverride creates or replaces an override. Values are validated
// by the caller before they reach storage.
func (db *DB) PutSettingOverride(ctx context.Context, key, value, updatedBy string) (SettingOverride, error) {
	o := SettingOverride{Key: key, Value: value, UpdatedBy: updatedBy}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO settings_overrides (key, value, updated_by, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = now()
		 RETURNING updated_at`,
		key, value, updatedBy,
	).Scan(&o.UpdatedAt)
	if err != nil {
		return SettingOverride{}, fmt.Errorf("storage: put setting override: %w", err)
	}
	return o, nil
}

// DeleteSettingOverride removes an override, restoring the static default.
func (db *DB) DeleteSettingOverride(ctx context.Context, key string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM settings_overrides WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("storage: delete setting override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: setting override %s: %w", key, ErrNotFound)
	}
	return nil
}
