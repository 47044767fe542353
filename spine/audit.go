package spine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit event types. These are the only event types the engine ever writes.
const (
	EventConstraintCreated         = "constraint_created"
	EventConstraintCleared         = "constraint_cleared"
	EventConstraintReopened        = "constraint_reopened"
	EventCommitmentCreated         = "commitment_created"
	EventCommitmentRefusedNotReady = "commitment_refused_not_ready"
	EventCommitmentCompleted       = "commitment_completed"
	EventCommitmentFailed          = "commitment_failed"
)

// Entity type labels used in audit events.
const (
	EntityWorkItem   = "WorkItem"
	EntityConstraint = "Constraint"
	EntityCommitment = "Commitment"
)

// AuditEvent is an immutable record of an enforcement decision. Once written
// it is never updated or deleted; no such operation exists on any store.
type AuditEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	UserID     string         `json:"user_id,omitempty"` // empty for system-originated events
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// recordAudit appends an audit event inside the transaction of the operation
// it describes. The operation only commits if the audit write does.
func recordAudit(ctx context.Context, tx Tx, now time.Time, eventType, entityType, entityID, userID string, payload map[string]any) error {
	return tx.AppendAuditEvent(ctx, &AuditEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Payload:    payload,
		CreatedAt:  now,
	})
}
