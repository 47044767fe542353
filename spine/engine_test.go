package spine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testClock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// newTestEngine returns an engine over a fresh in-memory store with a fixed
// clock, so lateness is controlled by the test rather than the wall clock.
func newTestEngine() (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	e := NewEngine(store)
	e.now = func() time.Time { return testClock }
	return e, store
}

func createWorkItem(t *testing.T, e *Engine) *WorkItem {
	t.Helper()
	wi, err := e.CreateWorkItem(context.Background(), CreateWorkItemParams{
		Title:       "Pour slab section 3",
		OwnerUserID: "user-owner",
		Location:    "Zone A",
	})
	if err != nil {
		t.Fatalf("Failed to create work item: %v", err)
	}
	return wi
}

// readyWorkItem walks a fresh work item to Ready: one constraint added and
// cleared.
func readyWorkItem(t *testing.T, e *Engine) *WorkItem {
	t.Helper()
	ctx := context.Background()
	wi := createWorkItem(t, e)
	c, _, err := e.AddConstraint(ctx, wi.ID, "Materials", "rebar delivered")
	if err != nil {
		t.Fatalf("Failed to add constraint: %v", err)
	}
	if _, _, err := e.ClearConstraint(ctx, c.ID, "user-clearer"); err != nil {
		t.Fatalf("Failed to clear constraint: %v", err)
	}
	wi, err = e.GetWorkItem(ctx, wi.ID)
	if err != nil {
		t.Fatalf("Failed to reload work item: %v", err)
	}
	if wi.State != StateReady {
		t.Fatalf("Expected work item to be Ready, got %s", wi.State)
	}
	return wi
}

func commitWorkItem(t *testing.T, e *Engine, workItemID string, dueAt time.Time) *Commitment {
	t.Helper()
	commitment, err := e.CreateCommitment(context.Background(), workItemID, "user-committer", "user-owner", dueAt)
	if err != nil {
		t.Fatalf("Failed to create commitment: %v", err)
	}
	return commitment
}

func TestCreateWorkItem_StartsInIntent(t *testing.T) {
	e, _ := newTestEngine()

	wi := createWorkItem(t, e)
	if wi.State != StateIntent {
		t.Errorf("Expected new work item in Intent, got %s", wi.State)
	}
	if wi.ID == "" {
		t.Error("Expected work item to have an id")
	}
}

func TestCreateWorkItem_RequiresTitleAndOwner(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	var validation *ValidationError
	_, err := e.CreateWorkItem(ctx, CreateWorkItemParams{OwnerUserID: "user-1"})
	if !errors.As(err, &validation) {
		t.Errorf("Expected validation error for missing title, got %v", err)
	}

	_, err = e.CreateWorkItem(ctx, CreateWorkItemParams{Title: "Pour slab"})
	if !errors.As(err, &validation) {
		t.Errorf("Expected validation error for missing owner, got %v", err)
	}
}

func TestCreateWorkItem_RejectsUnknownReferenceSystem(t *testing.T) {
	e, _ := newTestEngine()

	_, err := e.CreateWorkItem(context.Background(), CreateWorkItemParams{
		Title:               "Pour slab",
		OwnerUserID:         "user-1",
		ReferencePlanSystem: "Primavera",
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("Expected validation error for unknown reference plan system, got %v", err)
	}
}

func TestAddConstraint_MovesIntentToNotReady(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)

	_, changed, err := e.AddConstraint(ctx, wi.ID, "Access", "scaffold handover")
	if err != nil {
		t.Fatalf("Failed to add constraint: %v", err)
	}
	if !changed {
		t.Error("Expected state change when first constraint added")
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateNotReady {
		t.Errorf("Expected Not Ready after adding constraint, got %s", wi.State)
	}
}

func TestClearConstraint_LastOnePromotesToReady(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)

	c1, _, _ := e.AddConstraint(ctx, wi.ID, "Access", "")
	c2, _, _ := e.AddConstraint(ctx, wi.ID, "Materials", "")

	if _, changed, err := e.ClearConstraint(ctx, c1.ID, "user-1"); err != nil || changed {
		t.Fatalf("Expected no state change clearing first of two constraints, changed=%v err=%v", changed, err)
	}
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateNotReady {
		t.Errorf("Expected Not Ready with one constraint still open, got %s", wi.State)
	}

	if _, changed, err := e.ClearConstraint(ctx, c2.ID, "user-1"); err != nil || !changed {
		t.Fatalf("Expected state change clearing the last open constraint, changed=%v err=%v", changed, err)
	}
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateReady {
		t.Errorf("Expected Ready after clearing all constraints, got %s", wi.State)
	}
}

func TestClearConstraint_StampsClearerAndTime(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)
	c, _, _ := e.AddConstraint(ctx, wi.ID, "Permits", "hot work permit")

	cleared, _, err := e.ClearConstraint(ctx, c.ID, "user-supervisor")
	if err != nil {
		t.Fatalf("Failed to clear constraint: %v", err)
	}
	if cleared.Status != ConstraintCleared {
		t.Errorf("Expected Cleared status, got %s", cleared.Status)
	}
	if cleared.ClearedByUserID != "user-supervisor" {
		t.Errorf("Expected clearer 'user-supervisor', got '%s'", cleared.ClearedByUserID)
	}
	if cleared.ClearedAt == nil {
		t.Error("Expected cleared_at to be set alongside the clearer")
	}
}

func TestClearConstraint_RequiresClearer(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)
	c, _, _ := e.AddConstraint(ctx, wi.ID, "Permits", "")

	_, _, err := e.ClearConstraint(ctx, c.ID, "")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("Expected validation error clearing without a user, got %v", err)
	}
}

func TestReopenConstraint_DemotesReadyAndNullsClearer(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)
	c, _, _ := e.AddConstraint(ctx, wi.ID, "Materials", "")
	e.ClearConstraint(ctx, c.ID, "user-1")

	reopened, changed, err := e.ReopenConstraint(ctx, c.ID)
	if err != nil {
		t.Fatalf("Failed to reopen constraint: %v", err)
	}
	if !changed {
		t.Error("Expected state change reopening the only cleared constraint")
	}
	if reopened.Status != ConstraintOpen {
		t.Errorf("Expected Open status after reopen, got %s", reopened.Status)
	}
	if reopened.ClearedByUserID != "" || reopened.ClearedAt != nil {
		t.Error("Expected clearer fields nulled together on reopen")
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateNotReady {
		t.Errorf("Expected Not Ready after reopen, got %s", wi.State)
	}
}

func TestAddConstraint_DemotesReadyItem(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)

	_, changed, err := e.AddConstraint(ctx, wi.ID, "Weather", "storm forecast")
	if err != nil {
		t.Fatalf("Failed to add constraint: %v", err)
	}
	if !changed {
		t.Error("Expected state change adding an open constraint to a Ready item")
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateNotReady {
		t.Errorf("Expected Not Ready, got %s", wi.State)
	}
}

func TestConstraintChanges_DoNotTouchCommittedItem(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitWorkItem(t, e, wi.ID, testClock.Add(48*time.Hour))

	// Committed is frozen against constraint-driven recalculation.
	c, changed, err := e.AddConstraint(ctx, wi.ID, "Interfaces", "crane shared with lift crew")
	if err != nil {
		t.Fatalf("Failed to add constraint: %v", err)
	}
	if changed {
		t.Error("Expected no state change on a Committed item")
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateCommitted {
		t.Errorf("Expected Committed, got %s", wi.State)
	}

	if _, changed, err = e.ClearConstraint(ctx, c.ID, "user-1"); err != nil || changed {
		t.Errorf("Expected clearing a constraint on a Committed item to change nothing, changed=%v err=%v", changed, err)
	}
}

func TestCreateCommitment_RefusedWithNoConstraints(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)

	_, err := e.CreateCommitment(ctx, wi.ID, "user-committer", "user-owner", testClock.Add(24*time.Hour))
	var refusal *RefusalError
	if !errors.As(err, &refusal) {
		t.Fatalf("Expected refusal, got %v", err)
	}
	want := "REFUSAL: Cannot commit work with no constraints. " +
		"Add at least one constraint and clear it to demonstrate readiness."
	if refusal.Message != want {
		t.Errorf("Expected refusal message %q, got %q", want, refusal.Message)
	}

	// The work item is untouched but the refusal is audited.
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateIntent {
		t.Errorf("Expected work item still Intent after refusal, got %s", wi.State)
	}
	events, _ := store.ListAuditEvents(ctx, wi.ID)
	if !hasEventType(events, EventCommitmentRefusedNotReady) {
		t.Error("Expected commitment_refused_not_ready audit event")
	}
	commitments, _ := e.ListCommitments(ctx, wi.ID)
	if len(commitments) != 0 {
		t.Errorf("Expected no commitments after refusal, got %d", len(commitments))
	}
}

func TestCreateCommitment_RefusedWithOpenConstraints(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)

	// Distinct timestamps keep the constraint listing order stable.
	e.AddConstraint(ctx, wi.ID, "Access", "scaffold handover")
	e.now = func() time.Time { return testClock.Add(time.Minute) }
	e.AddConstraint(ctx, wi.ID, "Materials", "")

	_, err := e.CreateCommitment(ctx, wi.ID, "user-committer", "user-owner", testClock.Add(24*time.Hour))
	var refusal *RefusalError
	if !errors.As(err, &refusal) {
		t.Fatalf("Expected refusal, got %v", err)
	}
	if !strings.HasPrefix(refusal.Message, "REFUSAL: Cannot commit Not Ready work.") {
		t.Errorf("Unexpected refusal message: %q", refusal.Message)
	}
	if len(refusal.OpenConstraints) != 2 {
		t.Fatalf("Expected 2 open constraints named, got %d", len(refusal.OpenConstraints))
	}
	if refusal.OpenConstraints[0] != "Access: scaffold handover" {
		t.Errorf("Expected 'Access: scaffold handover', got '%s'", refusal.OpenConstraints[0])
	}
	if refusal.OpenConstraints[1] != "Materials: (no description)" {
		t.Errorf("Expected placeholder for missing description, got '%s'", refusal.OpenConstraints[1])
	}
	if !strings.Contains(refusal.Message, "Access: scaffold handover") {
		t.Errorf("Expected message to name the open constraints, got %q", refusal.Message)
	}
}

func TestCreateCommitment_SucceedsWhenReady(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	dueAt := testClock.Add(48 * time.Hour)

	commitment := commitWorkItem(t, e, wi.ID, dueAt)
	if commitment.Status != CommitmentActive {
		t.Errorf("Expected Active commitment, got %s", commitment.Status)
	}
	if !commitment.DueAt.Equal(dueAt) {
		t.Errorf("Expected due_at %v, got %v", dueAt, commitment.DueAt)
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateCommitted {
		t.Errorf("Expected Committed, got %s", wi.State)
	}

	events, _ := store.ListAuditEvents(ctx, wi.ID)
	if !hasEventType(events, EventCommitmentCreated) {
		t.Error("Expected commitment_created audit event")
	}
}

func TestCreateCommitment_RefusedWhenActiveExists(t *testing.T) {
	e, _ := newTestEngine()
	wi := readyWorkItem(t, e)
	commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	_, err := e.CreateCommitment(context.Background(), wi.ID, "user-other", "user-owner", testClock.Add(48*time.Hour))
	var refusal *RefusalError
	if !errors.As(err, &refusal) {
		t.Fatalf("Expected refusal for second commitment, got %v", err)
	}
	if !strings.Contains(refusal.Message, "already has an active commitment") {
		t.Errorf("Unexpected refusal message: %q", refusal.Message)
	}
}

func TestCreateCommitment_ValidatesInputs(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)

	var validation *ValidationError
	if _, err := e.CreateCommitment(ctx, wi.ID, "", "user-owner", testClock.Add(time.Hour)); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for missing committer, got %v", err)
	}
	if _, err := e.CreateCommitment(ctx, wi.ID, "user-committer", "", testClock.Add(time.Hour)); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for missing owner, got %v", err)
	}
	if _, err := e.CreateCommitment(ctx, wi.ID, "user-committer", "user-owner", time.Time{}); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for missing due_at, got %v", err)
	}
}

func TestCompleteCommitment_OnTime(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	completed, signal, err := e.CompleteCommitment(ctx, commitment.ID)
	if err != nil {
		t.Fatalf("Failed to complete commitment: %v", err)
	}
	if signal != nil {
		t.Error("Expected no learning signal for on-time completion")
	}
	if completed.Status != CommitmentComplete {
		t.Errorf("Expected Complete commitment, got %s", completed.Status)
	}
	if completed.CompletedAt == nil || completed.FailedAt != nil {
		t.Error("Expected completed_at set and failed_at empty")
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateComplete {
		t.Errorf("Expected work item Complete, got %s", wi.State)
	}

	events, _ := store.ListAuditEvents(ctx, wi.ID)
	if !hasEventType(events, EventCommitmentCompleted) {
		t.Error("Expected commitment_completed audit event")
	}
}

func TestCompleteCommitment_LateBecomesFailure(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(time.Hour))

	// Advance the clock past the due timestamp.
	e.now = func() time.Time { return testClock.Add(2 * time.Hour) }

	completed, signal, err := e.CompleteCommitment(ctx, commitment.ID)
	if err != nil {
		t.Fatalf("Late completion should not error: %v", err)
	}
	if completed.Status != CommitmentFailed {
		t.Errorf("Expected late completion to fail the commitment, got %s", completed.Status)
	}
	if signal == nil {
		t.Fatal("Expected a learning signal from late completion")
	}
	if signal.PrimaryCause != CauseOther {
		t.Errorf("Expected cause Other, got %s", signal.PrimaryCause)
	}
	if signal.Notes != "Auto-failed: completed after due date" {
		t.Errorf("Unexpected auto-failure note: %q", signal.Notes)
	}

	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateFailed {
		t.Errorf("Expected work item Failed after late completion, got %s", wi.State)
	}

	events, _ := store.ListAuditEvents(ctx, wi.ID)
	if !hasEventType(events, EventCommitmentFailed) {
		t.Error("Expected commitment_failed audit event on the late path")
	}
	if hasEventType(events, EventCommitmentCompleted) {
		t.Error("Late completion must not record a completion event")
	}
}

func TestFailCommitment_CreatesLearningSignal(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	signal, err := e.FailCommitment(ctx, commitment.ID, CauseMaterials, "supplier delay", "rebar truck rescheduled")
	if err != nil {
		t.Fatalf("Failed to fail commitment: %v", err)
	}
	if signal.PrimaryCause != CauseMaterials {
		t.Errorf("Expected cause Materials, got %s", signal.PrimaryCause)
	}
	if signal.SecondaryCause != "supplier delay" {
		t.Errorf("Expected secondary cause recorded, got '%s'", signal.SecondaryCause)
	}
	// Key derived from the work item's location; no reference system set.
	if signal.DrilldownKey != "Materials|Zone A|no_reference" {
		t.Errorf("Unexpected drilldown key '%s'", signal.DrilldownKey)
	}

	reloaded, _ := e.store.GetCommitment(ctx, commitment.ID)
	if reloaded.Status != CommitmentFailed || reloaded.FailedAt == nil {
		t.Errorf("Expected Failed commitment with failed_at set, got %s", reloaded.Status)
	}
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateFailed {
		t.Errorf("Expected work item Failed, got %s", wi.State)
	}
	events, _ := store.ListAuditEvents(ctx, wi.ID)
	if !hasEventType(events, EventCommitmentFailed) {
		t.Error("Expected commitment_failed audit event")
	}
}

func TestFailCommitment_RequiresKnownCause(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	var validation *ValidationError
	if _, err := e.FailCommitment(ctx, commitment.ID, "", "", ""); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for missing cause, got %v", err)
	}
	if _, err := e.FailCommitment(ctx, commitment.ID, "Bad luck", "", ""); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for unknown cause, got %v", err)
	}

	// Rejection happened before any mutation.
	reloaded, _ := e.store.GetCommitment(ctx, commitment.ID)
	if reloaded.Status != CommitmentActive {
		t.Errorf("Expected commitment still Active after rejected failure, got %s", reloaded.Status)
	}
}

func TestCommitmentTerminalStates_RejectFurtherTransitions(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	if _, _, err := e.CompleteCommitment(ctx, commitment.ID); err != nil {
		t.Fatalf("Failed to complete commitment: %v", err)
	}

	var invalidState *InvalidStateError
	if _, _, err := e.CompleteCommitment(ctx, commitment.ID); !errors.As(err, &invalidState) {
		t.Errorf("Expected invalid state error completing twice, got %v", err)
	}
	if _, err := e.FailCommitment(ctx, commitment.ID, CauseAccess, "", ""); !errors.As(err, &invalidState) {
		t.Errorf("Expected invalid state error failing a completed commitment, got %v", err)
	}
}

func TestModifyCommitment_AlwaysRefusesFieldChanges(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	newDue := testClock.Add(72 * time.Hour)
	newOwner := "user-replacement"
	err := e.ModifyCommitment(ctx, commitment.ID, CommitmentChanges{DueAt: &newDue, OwnerUserID: &newOwner})
	var immutability *ImmutabilityError
	if !errors.As(err, &immutability) {
		t.Fatalf("Expected immutability error, got %v", err)
	}
	if len(immutability.Fields) != 2 || immutability.Fields[0] != "due_at" || immutability.Fields[1] != "owner_user_id" {
		t.Errorf("Expected offending fields [due_at owner_user_id], got %v", immutability.Fields)
	}

	// Nothing changed in the store.
	reloaded, _ := e.store.GetCommitment(ctx, commitment.ID)
	if !reloaded.DueAt.Equal(commitment.DueAt) || reloaded.OwnerUserID != commitment.OwnerUserID {
		t.Error("Expected commitment unchanged after rejected modification")
	}
}

func TestModifyCommitment_EmptyChangeIsNoOp(t *testing.T) {
	e, _ := newTestEngine()
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))

	if err := e.ModifyCommitment(context.Background(), commitment.ID, CommitmentChanges{}); err != nil {
		t.Errorf("Expected no error for empty change set, got %v", err)
	}
}

func TestModifyCommitment_MissingCommitment(t *testing.T) {
	e, _ := newTestEngine()

	err := e.ModifyCommitment(context.Background(), "missing", CommitmentChanges{})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestResetToIntent_FromTerminalStates(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	// Failed -> Intent.
	wi := readyWorkItem(t, e)
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(time.Hour))
	if _, err := e.FailCommitment(ctx, commitment.ID, CauseWeather, "", ""); err != nil {
		t.Fatalf("Failed to fail commitment: %v", err)
	}
	reset, err := e.ResetToIntent(ctx, wi.ID)
	if err != nil {
		t.Fatalf("Failed to reset failed work item: %v", err)
	}
	if reset.State != StateIntent {
		t.Errorf("Expected Intent after reset, got %s", reset.State)
	}

	// History survives the reset.
	constraints, _ := e.ListConstraints(ctx, wi.ID)
	if len(constraints) != 1 || constraints[0].Status != ConstraintCleared {
		t.Error("Expected cleared constraint preserved across reset")
	}
	commitments, _ := e.ListCommitments(ctx, wi.ID)
	if len(commitments) != 1 || commitments[0].Status != CommitmentFailed {
		t.Error("Expected failed commitment preserved across reset")
	}
	signals, _ := e.ListLearningSignals(ctx)
	if len(signals) != 1 {
		t.Errorf("Expected learning signal preserved across reset, got %d", len(signals))
	}
}

func TestResetToIntent_RejectsNonTerminalStates(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	wi := readyWorkItem(t, e)

	_, err := e.ResetToIntent(ctx, wi.ID)
	var invalidState *InvalidStateError
	if !errors.As(err, &invalidState) {
		t.Fatalf("Expected invalid state error resetting a Ready item, got %v", err)
	}
	if invalidState.Current != string(StateReady) {
		t.Errorf("Expected error to name current state Ready, got %s", invalidState.Current)
	}
}

func TestAuditTrail_RefusalThenSuccess(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	wi := createWorkItem(t, e)

	c, _, _ := e.AddConstraint(ctx, wi.ID, "Access", "keys")
	if _, err := e.CreateCommitment(ctx, wi.ID, "user-committer", "user-owner", testClock.Add(time.Hour)); err == nil {
		t.Fatal("Expected refusal committing Not Ready work")
	}
	e.ClearConstraint(ctx, c.ID, "user-1")
	commitWorkItem(t, e, wi.ID, testClock.Add(time.Hour))

	events, err := store.ListAuditEvents(ctx, wi.ID)
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}

	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{
		EventConstraintCreated,
		EventCommitmentRefusedNotReady,
		EventConstraintCleared,
		EventCommitmentCreated,
	}
	if len(types) != len(want) {
		t.Fatalf("Expected %d audit events, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Expected event %d to be %s, got %s", i, want[i], types[i])
		}
	}

	// The refusal event names the blocking constraints.
	for _, ev := range events {
		if ev.EventType != EventCommitmentRefusedNotReady {
			continue
		}
		ids, ok := ev.Payload["open_constraint_ids"].([]string)
		if !ok || len(ids) != 1 || ids[0] != c.ID {
			t.Errorf("Expected refusal payload to carry the open constraint id, got %v", ev.Payload["open_constraint_ids"])
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	wi, err := e.CreateWorkItem(ctx, CreateWorkItemParams{
		Title:               "Install switchgear",
		OwnerUserID:         "user-owner",
		Location:            "Substation B",
		ReferencePlanSystem: RefPlanP6,
	})
	if err != nil {
		t.Fatalf("Failed to create work item: %v", err)
	}
	if wi.State != StateIntent {
		t.Fatalf("Expected Intent, got %s", wi.State)
	}

	c1, _, _ := e.AddConstraint(ctx, wi.ID, "Permits", "electrical isolation permit")
	c2, _, _ := e.AddConstraint(ctx, wi.ID, "Materials", "switchgear delivered")
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateNotReady {
		t.Fatalf("Expected Not Ready with open constraints, got %s", wi.State)
	}

	// Committing now is refused and audited.
	if _, err := e.CreateCommitment(ctx, wi.ID, "user-committer", "user-owner", testClock.Add(24*time.Hour)); err == nil {
		t.Fatal("Expected refusal while constraints are open")
	}

	e.ClearConstraint(ctx, c1.ID, "user-supervisor")
	e.ClearConstraint(ctx, c2.ID, "user-supervisor")
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateReady {
		t.Fatalf("Expected Ready after clearing all constraints, got %s", wi.State)
	}

	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(24*time.Hour))
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateCommitted {
		t.Fatalf("Expected Committed, got %s", wi.State)
	}

	if _, _, err := e.CompleteCommitment(ctx, commitment.ID); err != nil {
		t.Fatalf("Failed to complete commitment: %v", err)
	}
	wi, _ = e.GetWorkItem(ctx, wi.ID)
	if wi.State != StateComplete {
		t.Fatalf("Expected Complete, got %s", wi.State)
	}

	reset, err := e.ResetToIntent(ctx, wi.ID)
	if err != nil {
		t.Fatalf("Failed to reset completed work item: %v", err)
	}
	if reset.State != StateIntent {
		t.Fatalf("Expected Intent after reset, got %s", reset.State)
	}

	events, _ := store.ListAuditEvents(ctx, wi.ID)
	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.EventType]++
	}
	if counts[EventConstraintCreated] != 2 || counts[EventConstraintCleared] != 2 ||
		counts[EventCommitmentRefusedNotReady] != 1 || counts[EventCommitmentCreated] != 1 ||
		counts[EventCommitmentCompleted] != 1 {
		t.Errorf("Unexpected audit trail: %v", counts)
	}
}

func TestDrilldown_GroupsEngineFailures(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	// Two failures at the same location and cause, one elsewhere.
	for i := 0; i < 2; i++ {
		wi := readyWorkItem(t, e)
		commitment := commitWorkItem(t, e, wi.ID, testClock.Add(time.Hour))
		if _, err := e.FailCommitment(ctx, commitment.ID, CauseMaterials, "", ""); err != nil {
			t.Fatalf("Failed to fail commitment: %v", err)
		}
	}
	wi, err := e.CreateWorkItem(ctx, CreateWorkItemParams{Title: "Trench survey", OwnerUserID: "user-owner"})
	if err != nil {
		t.Fatalf("Failed to create work item: %v", err)
	}
	c, _, _ := e.AddConstraint(ctx, wi.ID, "Access", "")
	e.ClearConstraint(ctx, c.ID, "user-1")
	commitment := commitWorkItem(t, e, wi.ID, testClock.Add(time.Hour))
	if _, err := e.FailCommitment(ctx, commitment.ID, CauseWeather, "", ""); err != nil {
		t.Fatalf("Failed to fail commitment: %v", err)
	}

	groups, err := e.Drilldown(ctx)
	if err != nil {
		t.Fatalf("Failed to aggregate drilldown: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("Expected 2 drilldown groups, got %d", len(groups))
	}
	if groups[0].Key != "Materials|Zone A|no_reference" || groups[0].Count != 2 {
		t.Errorf("Expected Materials group first with count 2, got %s count %d", groups[0].Key, groups[0].Count)
	}
	if groups[1].Key != "Weather|no_location|no_reference" || groups[1].Count != 1 {
		t.Errorf("Expected Weather group second with count 1, got %s count %d", groups[1].Key, groups[1].Count)
	}
}

func hasEventType(events []*AuditEvent, eventType string) bool {
	for _, e := range events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}
