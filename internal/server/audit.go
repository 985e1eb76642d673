package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/holidaibutler/warden/internal/model"
)

// buildAuditEntry constructs a MutationAuditEntry from the current request.
// actorID and actorRole override the caller's claims when set, for
// endpoints like /auth/token that run before authentication.
func buildAuditEntry(
	r *http.Request,
	actorID, actorRole string,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) model.MutationAuditEntry {
	if claims := ClaimsFromContext(r.Context()); claims != nil && actorID == "" {
		actorID, actorRole = claims.ClientID, string(claims.Role)
	}
	if actorID == "" {
		actorID, actorRole = "unknown", "unknown"
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["method"] = r.Method
	metadata["endpoint"] = r.URL.Path

	return model.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		ActorID:      actorID,
		ActorRole:    actorRole,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeData:   beforeData,
		AfterData:    afterData,
		Metadata:     metadata,
	}
}

// recordMutationAuditBestEffort appends a mutation audit event with a few
// short retries. Failures are logged and never fail the request.
func (h *Handlers) recordMutationAuditBestEffort(
	r *http.Request,
	actorID, actorRole string,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) {
	entry := buildAuditEntry(r, actorID, actorRole, operation, resourceType, resourceID, beforeData, afterData, metadata)
	if err := h.insertAudit(entry); err != nil {
		h.logger.Error("failed to record mutation audit",
			"operation", operation, "resource_id", resourceID, "error", err)
	}
}

func (h *Handlers) insertAudit(entry model.MutationAuditEntry) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := h.store.InsertMutationAudit(writeCtx, entry)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("mutation audit write context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("mutation audit write failed after retries: %w", lastErr)
}
