package spine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store on top of database/sql. It is used with both
// PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite); the SQL is kept
// portable between the two, with ids and timestamps generated in Go.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates a Store backed by db. driver is the database/sql
// driver name ("postgres" or "sqlite") and selects dialect-specific locking.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// lockClause returns the row-locking suffix for transactional reads.
// SQLite serializes writers and has no FOR UPDATE.
func (s *SQLStore) lockClause() string {
	if s.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: tx, store: s}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx so the scan helpers serve both the
// read surface and transactional reads.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const workItemColumns = `id, title, description, location, owner_user_id, state,
	reference_plan_system, reference_plan_external_id, reference_plan_dates,
	created_at, updated_at`

func scanWorkItem(row *sql.Row) (*WorkItem, error) {
	var wi WorkItem
	var description, location, refSystem, refExternalID, refDates sql.NullString
	err := row.Scan(&wi.ID, &wi.Title, &description, &location, &wi.OwnerUserID,
		&wi.State, &refSystem, &refExternalID, &refDates, &wi.CreatedAt, &wi.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wi.Description = description.String
	wi.Location = location.String
	wi.ReferencePlanSystem = ReferencePlanSystem(refSystem.String)
	wi.ReferencePlanExternalID = refExternalID.String
	if refDates.Valid && refDates.String != "" {
		if err := json.Unmarshal([]byte(refDates.String), &wi.ReferencePlanDates); err != nil {
			return nil, fmt.Errorf("failed to decode reference plan dates: %w", err)
		}
	}
	return &wi, nil
}

func getWorkItem(ctx context.Context, q querier, id, lock string) (*WorkItem, error) {
	wi, err := scanWorkItem(q.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE id = $1`+lock, id))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{EntityType: EntityWorkItem, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return wi, nil
}

func (s *SQLStore) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	return getWorkItem(ctx, s.db, id, "")
}

func (s *SQLStore) ListWorkItems(ctx context.Context) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		var wi WorkItem
		var description, location, refSystem, refExternalID, refDates sql.NullString
		if err := rows.Scan(&wi.ID, &wi.Title, &description, &location, &wi.OwnerUserID,
			&wi.State, &refSystem, &refExternalID, &refDates, &wi.CreatedAt, &wi.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		wi.Description = description.String
		wi.Location = location.String
		wi.ReferencePlanSystem = ReferencePlanSystem(refSystem.String)
		wi.ReferencePlanExternalID = refExternalID.String
		if refDates.Valid && refDates.String != "" {
			if err := json.Unmarshal([]byte(refDates.String), &wi.ReferencePlanDates); err != nil {
				return nil, fmt.Errorf("failed to decode reference plan dates: %w", err)
			}
		}
		items = append(items, &wi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work items: %w", err)
	}
	return items, nil
}

const constraintColumns = `id, work_item_id, type, description, status,
	cleared_by_user_id, cleared_at, created_at`

func getConstraint(ctx context.Context, q querier, id, lock string) (*Constraint, error) {
	var c Constraint
	var description, clearedBy sql.NullString
	var clearedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT `+constraintColumns+`
		FROM constraints
		WHERE id = $1`+lock, id).Scan(&c.ID, &c.WorkItemID, &c.Type, &description,
		&c.Status, &clearedBy, &clearedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{EntityType: EntityConstraint, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get constraint: %w", err)
	}
	c.Description = description.String
	c.ClearedByUserID = clearedBy.String
	if clearedAt.Valid {
		t := clearedAt.Time
		c.ClearedAt = &t
	}
	return &c, nil
}

func (s *SQLStore) GetConstraint(ctx context.Context, id string) (*Constraint, error) {
	return getConstraint(ctx, s.db, id, "")
}

func listConstraints(ctx context.Context, q querier, workItemID string) ([]*Constraint, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+constraintColumns+`
		FROM constraints
		WHERE work_item_id = $1
		ORDER BY created_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints: %w", err)
	}
	defer rows.Close()

	var out []*Constraint
	for rows.Next() {
		var c Constraint
		var description, clearedBy sql.NullString
		var clearedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.WorkItemID, &c.Type, &description,
			&c.Status, &clearedBy, &clearedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan constraint: %w", err)
		}
		c.Description = description.String
		c.ClearedByUserID = clearedBy.String
		if clearedAt.Valid {
			t := clearedAt.Time
			c.ClearedAt = &t
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating constraints: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error) {
	return listConstraints(ctx, s.db, workItemID)
}

const commitmentColumns = `id, work_item_id, committed_by_user_id, owner_user_id,
	due_at, status, created_at, completed_at, failed_at`

func scanCommitment(scan func(dest ...any) error) (*Commitment, error) {
	var c Commitment
	var completedAt, failedAt sql.NullTime
	if err := scan(&c.ID, &c.WorkItemID, &c.CommittedByUserID, &c.OwnerUserID,
		&c.DueAt, &c.Status, &c.CreatedAt, &completedAt, &failedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		c.FailedAt = &t
	}
	return &c, nil
}

func getCommitment(ctx context.Context, q querier, id, lock string) (*Commitment, error) {
	c, err := scanCommitment(q.QueryRowContext(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE id = $1`+lock, id).Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{EntityType: EntityCommitment, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return c, nil
}

func (s *SQLStore) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	return getCommitment(ctx, s.db, id, "")
}

func (s *SQLStore) ListCommitments(ctx context.Context, workItemID string) ([]*Commitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE work_item_id = $1
		ORDER BY created_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commitment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commitments: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListLearningSignals(ctx context.Context) ([]*LearningSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_item_id, commitment_id, primary_cause, secondary_cause,
			notes, drilldown_key, created_at
		FROM learning_signals
		ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list learning signals: %w", err)
	}
	defer rows.Close()

	var out []*LearningSignal
	for rows.Next() {
		var sig LearningSignal
		var secondary, notes sql.NullString
		if err := rows.Scan(&sig.ID, &sig.WorkItemID, &sig.CommitmentID, &sig.PrimaryCause,
			&secondary, &notes, &sig.DrilldownKey, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learning signal: %w", err)
		}
		sig.SecondaryCause = secondary.String
		sig.Notes = notes.String
		out = append(out, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating learning signals: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, entityID string) ([]*AuditEvent, error) {
	query := `
		SELECT id, event_type, entity_type, entity_id, user_id, payload, created_at
		FROM audit_events`
	args := []any{}
	if entityID != "" {
		query += `
		WHERE entity_id = $1 OR work_item_id = $1`
		args = append(args, entityID)
	}
	query += `
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var userID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID,
			&userID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.UserID = userID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return out, nil
}

// sqlTx implements Tx over *sql.Tx.
type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *sqlTx) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	return getWorkItem(ctx, t.tx, id, t.store.lockClause())
}

func (t *sqlTx) GetConstraint(ctx context.Context, id string) (*Constraint, error) {
	return getConstraint(ctx, t.tx, id, t.store.lockClause())
}

func (t *sqlTx) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	return getCommitment(ctx, t.tx, id, t.store.lockClause())
}

func (t *sqlTx) ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error) {
	return listConstraints(ctx, t.tx, workItemID)
}

func (t *sqlTx) ActiveCommitment(ctx context.Context, workItemID string) (*Commitment, error) {
	c, err := scanCommitment(t.tx.QueryRowContext(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE work_item_id = $1 AND status = $2`, workItemID, CommitmentActive).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active commitment: %w", err)
	}
	return c, nil
}

func (t *sqlTx) InsertWorkItem(ctx context.Context, wi *WorkItem) error {
	var refDates any
	if wi.ReferencePlanDates != nil {
		encoded, err := json.Marshal(wi.ReferencePlanDates)
		if err != nil {
			return fmt.Errorf("failed to encode reference plan dates: %w", err)
		}
		refDates = string(encoded)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO work_items (id, title, description, location, owner_user_id, state,
			reference_plan_system, reference_plan_external_id, reference_plan_dates,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wi.ID, wi.Title, nullable(wi.Description), nullable(wi.Location), wi.OwnerUserID,
		string(wi.State), nullable(string(wi.ReferencePlanSystem)),
		nullable(wi.ReferencePlanExternalID), refDates, wi.CreatedAt, wi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateWorkItemState(ctx context.Context, id string, state WorkItemState, updatedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE work_items
		SET state = $1, updated_at = $2
		WHERE id = $3`, string(state), updatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update work item state: %w", err)
	}
	return requireRowAffected(result, EntityWorkItem, id)
}

func (t *sqlTx) InsertConstraint(ctx context.Context, c *Constraint) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO constraints (id, work_item_id, type, description, status,
			cleared_by_user_id, cleared_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.WorkItemID, c.Type, nullable(c.Description), string(c.Status),
		nullable(c.ClearedByUserID), nullableTime(c.ClearedAt), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert constraint: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateConstraint(ctx context.Context, c *Constraint) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE constraints
		SET status = $1, cleared_by_user_id = $2, cleared_at = $3
		WHERE id = $4`,
		string(c.Status), nullable(c.ClearedByUserID), nullableTime(c.ClearedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update constraint: %w", err)
	}
	return requireRowAffected(result, EntityConstraint, c.ID)
}

func (t *sqlTx) InsertCommitment(ctx context.Context, c *Commitment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO commitments (id, work_item_id, committed_by_user_id, owner_user_id,
			due_at, status, created_at, completed_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.WorkItemID, c.CommittedByUserID, c.OwnerUserID, c.DueAt,
		string(c.Status), c.CreatedAt, nullableTime(c.CompletedAt), nullableTime(c.FailedAt))
	if err != nil {
		// The partial unique index on active commitments backs the
		// single-active invariant against concurrent inserts.
		if strings.Contains(err.Error(), "commitments_one_active") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateActiveCommitment
		}
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateCommitmentStatus(ctx context.Context, c *Commitment) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE commitments
		SET status = $1, completed_at = $2, failed_at = $3
		WHERE id = $4`,
		string(c.Status), nullableTime(c.CompletedAt), nullableTime(c.FailedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update commitment: %w", err)
	}
	return requireRowAffected(result, EntityCommitment, c.ID)
}

func (t *sqlTx) InsertLearningSignal(ctx context.Context, sig *LearningSignal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO learning_signals (id, work_item_id, commitment_id, primary_cause,
			secondary_cause, notes, drilldown_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sig.ID, sig.WorkItemID, sig.CommitmentID, string(sig.PrimaryCause),
		nullable(sig.SecondaryCause), nullable(sig.Notes), sig.DrilldownKey, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert learning signal: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	var payload any
	if e.Payload != nil {
		encoded, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = string(encoded)
	}
	var workItemID any
	if v, ok := e.Payload["work_item_id"].(string); ok {
		workItemID = v
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, entity_type, entity_id, user_id,
			work_item_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EventType, e.EntityType, e.EntityID, nullable(e.UserID),
		workItemID, payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func requireRowAffected(result sql.Result, entityType, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{EntityType: entityType, ID: id}
	}
	return nil
}
