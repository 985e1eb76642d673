package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/holidaibutler/warden/internal/model"
)

// CreateAPIClient inserts a client. A duplicate client_id yields ErrConflict.
func (db *DB) CreateAPIClient(ctx context.Context, c model.APIClient) (model.APIClient, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO api_clients (id, client_id, name, role, agent_key, api_key_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		c.ID, c.ClientID, c.Name, string(c.Role), c.AgentKey, c.APIKeyHash,
	).Scan(&c.CreatedAt)
	if isUniqueViolation(err) {
		return model.APIClient{}, fmt.Errorf("storage: client %s: %w", c.ClientID, ErrConflict)
	}
	if err != nil {
		return model.APIClient{}, fmt.Errorf("storage: create client: %w", err)
	}
	return c, nil
}

// GetAPIClient returns a client by its public client_id or ErrNotFound.
func (db *DB) GetAPIClient(ctx context.Context, clientID string) (model.APIClient, error) {
	var (
		c    model.APIClient
		role string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, client_id, name, role, agent_key, api_key_hash, created_at
		 FROM api_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ID, &c.ClientID, &c.Name, &role, &c.AgentKey, &c.APIKeyHash, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APIClient{}, ErrNotFound
	}
	if err != nil {
		return model.APIClient{}, fmt.Errorf("storage: get client: %w", err)
	}
	c.Role = model.Role(role)
	return c, nil
}

// CountAPIClients returns the number of registered clients.
func (db *DB) CountAPIClients(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM api_clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count clients: %w", err)
	}
	return n, nil
}
