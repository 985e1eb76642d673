package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/holidaibutler/warden/internal/model"
)

// InsertMutationAudit appends a mutation audit event. The target table is
// append-only.
func (db *DB) InsertMutationAudit(ctx context.Context, e model.MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	before, err := marshalOptional(e.BeforeData)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit before_data: %w", err)
	}
	after, err := marshalOptional(e.AfterData)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit after_data: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit metadata: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, actor_id, actor_role, operation, resource_type, resource_id,
		     before_data, after_data, metadata
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb)`,
		e.RequestID, e.ActorID, e.ActorRole, e.Operation, e.ResourceType, e.ResourceID,
		before, after, meta,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

func marshalOptional(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
