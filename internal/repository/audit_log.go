package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation performed through the API.
type AuditLogEntry struct {
	ID         int64           `json:"id"`
	APIKeyID   string          `json:"apiKeyId,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	var details any
	if len(entry.Details) > 0 {
		details = entry.Details
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_log (api_key_id, action, entity_type, entity_id, details)
 VALUES ($1, $2, $3, $4, $5)`,
		entry.APIKeyID, entry.Action, entry.EntityType, entry.EntityID, details,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries for an entity, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, entityType, entityID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, api_key_id, action, entity_type, entity_id, details, created_at
 FROM audit_log
 WHERE entity_type = $1 AND entity_id = $2
 ORDER BY id DESC
 LIMIT $3 OFFSET $4`,
		entityType, entityID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.APIKeyID, &e.Action, &e.EntityType, &e.EntityID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return entries, nil
}
