package spine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Engine owns all entity mutation. Every lifecycle request goes through one
// of its operations; there is no other path that creates or alters work
// items, constraints, commitments or learning signals. Each operation runs
// inside a single store transaction, so the entity mutation and the audit
// event describing it commit together or not at all.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// CreateWorkItemParams are the inputs for a new work item. Only Title and
// OwnerUserID are required; reference-plan fields are display-only linkage
// and never affect state.
type CreateWorkItemParams struct {
	Title                   string
	Description             string
	Location                string
	OwnerUserID             string
	ReferencePlanSystem     ReferencePlanSystem
	ReferencePlanExternalID string
	ReferencePlanDates      map[string]any
}

// CreateWorkItem creates a work item in Intent state.
func (e *Engine) CreateWorkItem(ctx context.Context, p CreateWorkItemParams) (*WorkItem, error) {
	if p.Title == "" {
		return nil, &ValidationError{Message: "title is required"}
	}
	if p.OwnerUserID == "" {
		return nil, &ValidationError{Message: "owner_user_id is required"}
	}
	if p.ReferencePlanSystem != "" && !p.ReferencePlanSystem.Valid() {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown reference plan system %q", p.ReferencePlanSystem)}
	}

	now := e.now()
	wi := &WorkItem{
		ID:                      uuid.NewString(),
		Title:                   p.Title,
		Description:             p.Description,
		Location:                p.Location,
		OwnerUserID:             p.OwnerUserID,
		State:                   StateIntent,
		ReferencePlanSystem:     p.ReferencePlanSystem,
		ReferencePlanExternalID: p.ReferencePlanExternalID,
		ReferencePlanDates:      p.ReferencePlanDates,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	err := e.store.Atomic(ctx, func(tx Tx) error {
		return tx.InsertWorkItem(ctx, wi)
	})
	if err != nil {
		return nil, err
	}
	return wi, nil
}

// recalculateState reapplies the readiness calculation to a work item after
// a constraint change. Committed, Complete and Failed items are frozen
// against constraint-driven recalculation. Returns whether the state changed.
func (e *Engine) recalculateState(ctx context.Context, tx Tx, wi *WorkItem, now time.Time) (bool, error) {
	if wi.State.Frozen() {
		return false, nil
	}
	constraints, err := tx.ListConstraints(ctx, wi.ID)
	if err != nil {
		return false, err
	}
	next := Readiness(constraints)
	if next == wi.State {
		return false, nil
	}
	if err := tx.UpdateWorkItemState(ctx, wi.ID, next, now); err != nil {
		return false, err
	}
	wi.State = next
	wi.UpdatedAt = now
	return true, nil
}

// AddConstraint creates an Open constraint on a work item and reapplies
// readiness to the parent. Adding an Open constraint to a Ready item demotes
// it to Not Ready; the first constraint moves an Intent item to Not Ready.
// The returned bool reports whether the work item's state changed.
func (e *Engine) AddConstraint(ctx context.Context, workItemID, constraintType, description string) (*Constraint, bool, error) {
	if constraintType == "" {
		return nil, false, &ValidationError{Message: "constraint type is required"}
	}

	now := e.now()
	constraint := &Constraint{
		ID:          uuid.NewString(),
		WorkItemID:  workItemID,
		Type:        constraintType,
		Description: description,
		Status:      ConstraintOpen,
		CreatedAt:   now,
	}

	var stateChanged bool
	err := e.store.Atomic(ctx, func(tx Tx) error {
		wi, err := tx.GetWorkItem(ctx, workItemID)
		if err != nil {
			return err
		}
		if err := tx.InsertConstraint(ctx, constraint); err != nil {
			return err
		}
		stateChanged, err = e.recalculateState(ctx, tx, wi, now)
		if err != nil {
			return err
		}
		return recordAudit(ctx, tx, now, EventConstraintCreated, EntityConstraint, constraint.ID, "",
			map[string]any{"work_item_id": workItemID, "type": constraintType})
	})
	if err != nil {
		return nil, false, err
	}
	return constraint, stateChanged, nil
}

// ClearConstraint marks a constraint Cleared, stamping who cleared it and
// when (always together), and reapplies readiness to the parent. Clearing
// the last Open constraint promotes the item to Ready.
func (e *Engine) ClearConstraint(ctx context.Context, constraintID, clearedByUserID string) (*Constraint, bool, error) {
	if clearedByUserID == "" {
		return nil, false, &ValidationError{Message: "cleared_by_user_id is required"}
	}

	now := e.now()
	var constraint *Constraint
	var stateChanged bool
	err := e.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetConstraint(ctx, constraintID)
		if err != nil {
			return err
		}
		c.Status = ConstraintCleared
		c.ClearedByUserID = clearedByUserID
		clearedAt := now
		c.ClearedAt = &clearedAt
		if err := tx.UpdateConstraint(ctx, c); err != nil {
			return err
		}

		wi, err := tx.GetWorkItem(ctx, c.WorkItemID)
		if err != nil {
			return err
		}
		stateChanged, err = e.recalculateState(ctx, tx, wi, now)
		if err != nil {
			return err
		}
		constraint = c
		return recordAudit(ctx, tx, now, EventConstraintCleared, EntityConstraint, c.ID, clearedByUserID,
			map[string]any{"work_item_id": c.WorkItemID})
	})
	if err != nil {
		return nil, false, err
	}
	return constraint, stateChanged, nil
}

// ReopenConstraint returns a cleared constraint to Open, nulling the clearer
// fields together, and reapplies readiness. Reopening demotes a Ready item
// to Not Ready.
func (e *Engine) ReopenConstraint(ctx context.Context, constraintID string) (*Constraint, bool, error) {
	now := e.now()
	var constraint *Constraint
	var stateChanged bool
	err := e.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetConstraint(ctx, constraintID)
		if err != nil {
			return err
		}
		c.Status = ConstraintOpen
		c.ClearedByUserID = ""
		c.ClearedAt = nil
		if err := tx.UpdateConstraint(ctx, c); err != nil {
			return err
		}

		wi, err := tx.GetWorkItem(ctx, c.WorkItemID)
		if err != nil {
			return err
		}
		stateChanged, err = e.recalculateState(ctx, tx, wi, now)
		if err != nil {
			return err
		}
		constraint = c
		return recordAudit(ctx, tx, now, EventConstraintReopened, EntityConstraint, c.ID, "",
			map[string]any{"work_item_id": c.WorkItemID})
	})
	if err != nil {
		return nil, false, err
	}
	return constraint, stateChanged, nil
}

// CreateCommitment creates an Active commitment from a Ready work item and
// transitions it to Committed. A work item that is not Ready, or that
// already has an Active commitment, gets a refusal: the request is blocked,
// the refusal is audited, and the returned *RefusalError names every Open
// constraint (or states there are none). A refusal is a normal, expected
// outcome, not a system error.
func (e *Engine) CreateCommitment(ctx context.Context, workItemID, committedByUserID, ownerUserID string, dueAt time.Time) (*Commitment, error) {
	if committedByUserID == "" {
		return nil, &ValidationError{Message: "committed_by_user_id is required"}
	}
	if ownerUserID == "" {
		return nil, &ValidationError{Message: "owner_user_id is required"}
	}
	if dueAt.IsZero() {
		return nil, &ValidationError{Message: "due_at is required"}
	}

	now := e.now()
	commitment := &Commitment{
		ID:                uuid.NewString(),
		WorkItemID:        workItemID,
		CommittedByUserID: committedByUserID,
		OwnerUserID:       ownerUserID,
		DueAt:             dueAt,
		Status:            CommitmentActive,
		CreatedAt:         now,
	}

	var refusal *RefusalError
	err := e.store.Atomic(ctx, func(tx Tx) error {
		wi, err := tx.GetWorkItem(ctx, workItemID)
		if err != nil {
			return err
		}
		constraints, err := tx.ListConstraints(ctx, wi.ID)
		if err != nil {
			return err
		}

		// Existing active commitment is checked first: it is the more
		// specific refusal.
		active, err := tx.ActiveCommitment(ctx, wi.ID)
		if err != nil {
			return err
		}
		if active != nil {
			refusal = &RefusalError{
				Message: "REFUSAL: This work item already has an active commitment. " +
					"Complete or fail the existing commitment first.",
			}
			return e.auditRefusal(ctx, tx, now, wi, constraints, committedByUserID)
		}

		if wi.State != StateReady {
			if len(constraints) == 0 {
				refusal = &RefusalError{
					Message: "REFUSAL: Cannot commit work with no constraints. " +
						"Add at least one constraint and clear it to demonstrate readiness.",
				}
			} else {
				open := describeOpenConstraints(constraints)
				refusal = &RefusalError{
					Message: "REFUSAL: Cannot commit Not Ready work. " +
						"The following constraints are still Open: " + strings.Join(open, ", "),
					OpenConstraints: open,
				}
			}
			return e.auditRefusal(ctx, tx, now, wi, constraints, committedByUserID)
		}

		if err := tx.InsertCommitment(ctx, commitment); err != nil {
			return err
		}
		if err := tx.UpdateWorkItemState(ctx, wi.ID, StateCommitted, now); err != nil {
			return err
		}
		return recordAudit(ctx, tx, now, EventCommitmentCreated, EntityCommitment, commitment.ID, committedByUserID,
			map[string]any{"work_item_id": wi.ID})
	})
	if errors.Is(err, ErrDuplicateActiveCommitment) {
		// Lost a race with a concurrent commitment. The transaction rolled
		// back, so the refusal is audited on its own.
		refusal = &RefusalError{
			Message: "REFUSAL: This work item already has an active commitment. " +
				"Complete or fail the existing commitment first.",
		}
		err = e.store.Atomic(ctx, func(tx Tx) error {
			wi, err := tx.GetWorkItem(ctx, workItemID)
			if err != nil {
				return err
			}
			constraints, err := tx.ListConstraints(ctx, wi.ID)
			if err != nil {
				return err
			}
			return e.auditRefusal(ctx, tx, now, wi, constraints, committedByUserID)
		})
	}
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		return nil, refusal
	}
	return commitment, nil
}

// auditRefusal writes the single audit event every refused commitment
// attempt produces. The transaction commits with no entity mutation, so the
// refusal is durable while the work item is untouched.
func (e *Engine) auditRefusal(ctx context.Context, tx Tx, now time.Time, wi *WorkItem, constraints []*Constraint, attemptedBy string) error {
	openIDs := []string{}
	for _, c := range constraints {
		if c.Status == ConstraintOpen {
			openIDs = append(openIDs, c.ID)
		}
	}
	return recordAudit(ctx, tx, now, EventCommitmentRefusedNotReady, EntityWorkItem, wi.ID, attemptedBy,
		map[string]any{
			"work_item_id":         wi.ID,
			"open_constraint_ids":  openIDs,
			"constraint_count":     len(constraints),
			"attempted_by_user_id": attemptedBy,
		})
}

func describeOpenConstraints(constraints []*Constraint) []string {
	var open []string
	for _, c := range constraints {
		if c.Status != ConstraintOpen {
			continue
		}
		description := c.Description
		if description == "" {
			description = "(no description)"
		}
		open = append(open, fmt.Sprintf("%s: %s", c.Type, description))
	}
	return open
}

// CompleteCommitment marks a commitment Complete when it is on time. Late
// completion is not a completion at all: when the clock is past the due
// timestamp the call redirects to the failure path with cause "Other" and an
// auto-failure note, producing the same learning signal and audit side
// effects as an explicit failure. The returned LearningSignal is non-nil
// only on the late path.
func (e *Engine) CompleteCommitment(ctx context.Context, commitmentID string) (*Commitment, *LearningSignal, error) {
	now := e.now()
	var commitment *Commitment
	var signal *LearningSignal
	err := e.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		if c.Status != CommitmentActive {
			return &InvalidStateError{Reason: "can only complete an active commitment", Current: string(c.Status)}
		}

		if now.After(c.DueAt) {
			signal, err = e.failTx(ctx, tx, c, now, CauseOther, "", "Auto-failed: completed after due date")
			commitment = c
			return err
		}

		completedAt := now
		c.Status = CommitmentComplete
		c.CompletedAt = &completedAt
		if err := tx.UpdateCommitmentStatus(ctx, c); err != nil {
			return err
		}
		if err := tx.UpdateWorkItemState(ctx, c.WorkItemID, StateComplete, now); err != nil {
			return err
		}
		commitment = c
		return recordAudit(ctx, tx, now, EventCommitmentCompleted, EntityCommitment, c.ID, "",
			map[string]any{"on_time": true})
	})
	if err != nil {
		return nil, nil, err
	}
	return commitment, signal, nil
}

// FailCommitment marks a commitment Failed and generates the mandatory
// learning signal. The primary cause is required and must come from the
// closed cause set; omission rejects before any mutation.
func (e *Engine) FailCommitment(ctx context.Context, commitmentID string, primaryCause PrimaryCause, secondaryCause, notes string) (*LearningSignal, error) {
	if primaryCause == "" {
		return nil, &ValidationError{Message: "primary_cause is required"}
	}
	if !primaryCause.Valid() {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown primary cause %q", primaryCause)}
	}

	now := e.now()
	var signal *LearningSignal
	err := e.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		if c.Status != CommitmentActive {
			return &InvalidStateError{Reason: "can only fail an active commitment", Current: string(c.Status)}
		}
		signal, err = e.failTx(ctx, tx, c, now, primaryCause, secondaryCause, notes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return signal, nil
}

// failTx is the single failure path shared by explicit failure and late
// completion: commitment to Failed, work item to Failed, learning signal
// created with the derived drilldown key, one commitment_failed audit event.
func (e *Engine) failTx(ctx context.Context, tx Tx, c *Commitment, now time.Time, primaryCause PrimaryCause, secondaryCause, notes string) (*LearningSignal, error) {
	failedAt := now
	c.Status = CommitmentFailed
	c.FailedAt = &failedAt
	if err := tx.UpdateCommitmentStatus(ctx, c); err != nil {
		return nil, err
	}

	wi, err := tx.GetWorkItem(ctx, c.WorkItemID)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateWorkItemState(ctx, wi.ID, StateFailed, now); err != nil {
		return nil, err
	}

	signal := &LearningSignal{
		ID:             uuid.NewString(),
		WorkItemID:     wi.ID,
		CommitmentID:   c.ID,
		PrimaryCause:   primaryCause,
		SecondaryCause: secondaryCause,
		Notes:          notes,
		DrilldownKey:   DrilldownKey(primaryCause, wi.Location, string(wi.ReferencePlanSystem)),
		CreatedAt:      now,
	}
	if err := tx.InsertLearningSignal(ctx, signal); err != nil {
		return nil, err
	}

	if err := recordAudit(ctx, tx, now, EventCommitmentFailed, EntityCommitment, c.ID, "",
		map[string]any{"primary_cause": string(primaryCause)}); err != nil {
		return nil, err
	}
	return signal, nil
}

// ResetToIntent returns a Failed or Complete work item to Intent, beginning
// a fresh cycle. Constraints, commitments and learning signals are left
// untouched: history is preserved, never edited. Any other source state is
// rejected with the current state named.
func (e *Engine) ResetToIntent(ctx context.Context, workItemID string) (*WorkItem, error) {
	now := e.now()
	var workItem *WorkItem
	err := e.store.Atomic(ctx, func(tx Tx) error {
		wi, err := tx.GetWorkItem(ctx, workItemID)
		if err != nil {
			return err
		}
		if wi.State != StateFailed && wi.State != StateComplete {
			return &InvalidStateError{
				Reason:  "can only reset Failed or Complete work items",
				Current: string(wi.State),
			}
		}
		if err := tx.UpdateWorkItemState(ctx, wi.ID, StateIntent, now); err != nil {
			return err
		}
		wi.State = StateIntent
		wi.UpdatedAt = now
		workItem = wi
		return nil
	})
	if err != nil {
		return nil, err
	}
	return workItem, nil
}

// CommitmentChanges describes an attempted modification of an existing
// commitment. Every field it can carry is immutable post-creation.
type CommitmentChanges struct {
	DueAt             *time.Time
	OwnerUserID       *string
	CommittedByUserID *string
	WorkItemID        *string
}

// ModifyCommitment is the single choke point for commitment modification
// attempts. Due date, owner, committer and parent linkage are immutable, so
// any requested change fails with an immutability violation naming the
// offending fields. A request with no fields set is a no-op.
func (e *Engine) ModifyCommitment(ctx context.Context, commitmentID string, changes CommitmentChanges) error {
	if _, err := e.store.GetCommitment(ctx, commitmentID); err != nil {
		return err
	}

	var fields []string
	if changes.DueAt != nil {
		fields = append(fields, "due_at")
	}
	if changes.OwnerUserID != nil {
		fields = append(fields, "owner_user_id")
	}
	if changes.CommittedByUserID != nil {
		fields = append(fields, "committed_by_user_id")
	}
	if changes.WorkItemID != nil {
		fields = append(fields, "work_item_id")
	}
	if len(fields) == 0 {
		return nil
	}
	return &ImmutabilityError{Fields: fields}
}

// Read operations. All side-effect-free and safe to run concurrently with
// anything.

func (e *Engine) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	return e.store.GetWorkItem(ctx, id)
}

func (e *Engine) ListWorkItems(ctx context.Context) ([]*WorkItem, error) {
	return e.store.ListWorkItems(ctx)
}

func (e *Engine) ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error) {
	if _, err := e.store.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.store.ListConstraints(ctx, workItemID)
}

func (e *Engine) ListCommitments(ctx context.Context, workItemID string) ([]*Commitment, error) {
	if _, err := e.store.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.store.ListCommitments(ctx, workItemID)
}

func (e *Engine) ListLearningSignals(ctx context.Context) ([]*LearningSignal, error) {
	return e.store.ListLearningSignals(ctx)
}

func (e *Engine) ListAuditEvents(ctx context.Context, entityID string) ([]*AuditEvent, error) {
	return e.store.ListAuditEvents(ctx, entityID)
}

// Drilldown aggregates learning signals by drilldown key: count and latest
// occurrence per group, ordered by descending count with ties broken by key.
func (e *Engine) Drilldown(ctx context.Context) ([]*DrilldownGroup, error) {
	signals, err := e.store.ListLearningSignals(ctx)
	if err != nil {
		return nil, err
	}
	return AggregateDrilldown(signals), nil
}
