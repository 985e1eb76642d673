package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

// InsertBriefing persists a composed digest before any delivery attempt, so
// it stays queryable even when delivery fails.
func (db *DB) InsertBriefing(ctx context.Context, d *model.Digest) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO briefings (id, generated_at, urgent, payload) VALUES ($1, $2, $3, $4)`,
		d.ID, d.GeneratedAt, d.Urgent, d,
	)
	if err != nil {
		return fmt.Errorf("storage: insert briefing: %w", err)
	}
	return nil
}

// MarkBriefingDelivery records the delivery outcome of a digest. A nil
// deliveryErr marks it delivered at at.
func (db *DB) MarkBriefingDelivery(ctx context.Context, id uuid.UUID, at time.Time, deliveryErr error) error {
	var (
		deliveredAt *time.Time
		errText     *string
	)
	if deliveryErr == nil {
		deliveredAt = &at
	} else {
		s := deliveryErr.Error()
		errText = &s
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE briefings SET delivered_at = $2, delivery_error = $3 WHERE id = $1`,
		id, deliveredAt, errText,
	)
	if err != nil {
		return fmt.Errorf("storage: mark briefing delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: briefing %s: %w", id, ErrNotFound)
	}
	return nil
}

// LatestBriefing returns the most recently generated digest or ErrNotFound.
func (db *DB) LatestBriefing(ctx context.Context) (model.Digest, error) {
	var (
		d           model.Digest
		deliveredAt *time.Time
		deliveryErr *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT payload, delivered_at, delivery_error FROM briefings
		 ORDER BY generated_at DESC LIMIT 1`,
	).Scan(&d, &deliveredAt, &deliveryErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Digest{}, ErrNotFound
	}
	if err != nil {
		return model.Digest{}, fmt.Errorf("storage: latest briefing: %w", err)
	}
	d.DeliveredAt = deliveredAt
	d.DeliveryError = deliveryErr
	return d, nil
}
