package spine

import "time"

// WorkItemState is the closed set of states a work item can be in.
type WorkItemState string

const (
	StateIntent    WorkItemState = "Intent"
	StateNotReady  WorkItemState = "Not Ready"
	StateReady     WorkItemState = "Ready"
	StateCommitted WorkItemState = "Committed"
	StateComplete  WorkItemState = "Complete"
	StateFailed    WorkItemState = "Failed"
)

// Valid reports whether s is one of the six allowed states.
func (s WorkItemState) Valid() bool {
	switch s {
	case StateIntent, StateNotReady, StateReady, StateCommitted, StateComplete, StateFailed:
		return true
	}
	return false
}

// Frozen reports whether s is beyond constraint-driven recalculation.
// Committed, Complete and Failed items never change state because a
// constraint was added, cleared or reopened.
func (s WorkItemState) Frozen() bool {
	return s == StateCommitted || s == StateComplete || s == StateFailed
}

// ConstraintStatus is binary: a constraint is Open or Cleared, nothing else.
type ConstraintStatus string

const (
	ConstraintOpen    ConstraintStatus = "Open"
	ConstraintCleared ConstraintStatus = "Cleared"
)

// CommitmentStatus tracks the lifecycle of a commitment.
type CommitmentStatus string

const (
	CommitmentActive   CommitmentStatus = "Active"
	CommitmentComplete CommitmentStatus = "Complete"
	CommitmentFailed   CommitmentStatus = "Failed"
)

// PrimaryCause is the closed cause taxonomy for failed commitments.
type PrimaryCause string

const (
	CauseAccess           PrimaryCause = "Access"
	CauseMaterials        PrimaryCause = "Materials"
	CauseInformation      PrimaryCause = "Information"
	CauseResources        PrimaryCause = "Resources"
	CausePermits          PrimaryCause = "Permits"
	CausePlantOrEquipment PrimaryCause = "Plant or equipment"
	CauseInterfaces       PrimaryCause = "Interfaces"
	CauseWeather          PrimaryCause = "Weather"
	CauseOther            PrimaryCause = "Other"
)

// PrimaryCauses returns the closed cause set in a stable order.
func PrimaryCauses() []PrimaryCause {
	return []PrimaryCause{
		CauseAccess, CauseMaterials, CauseInformation, CauseResources,
		CausePermits, CausePlantOrEquipment, CauseInterfaces, CauseWeather,
		CauseOther,
	}
}

// Valid reports whether c is a member of the closed cause set.
func (c PrimaryCause) Valid() bool {
	for _, known := range PrimaryCauses() {
		if c == known {
			return true
		}
	}
	return false
}

// ReferencePlanSystem identifies an external planning system. The linkage is
// read-only and display-only; it never influences readiness or transitions.
type ReferencePlanSystem string

const (
	RefPlanMSP   ReferencePlanSystem = "MSP"
	RefPlanP6    ReferencePlanSystem = "P6"
	RefPlanOther ReferencePlanSystem = "Other"
)

// Valid reports whether r is a known reference plan system.
func (r ReferencePlanSystem) Valid() bool {
	return r == RefPlanMSP || r == RefPlanP6 || r == RefPlanOther
}

// WorkItem is a unit of work moving through the six-state lifecycle.
type WorkItem struct {
	ID                      string              `json:"id"`
	Title                   string              `json:"title"`
	Description             string              `json:"description,omitempty"`
	Location                string              `json:"location,omitempty"`
	OwnerUserID             string              `json:"owner_user_id"`
	State                   WorkItemState       `json:"state"`
	ReferencePlanSystem     ReferencePlanSystem `json:"reference_plan_system,omitempty"`
	ReferencePlanExternalID string              `json:"reference_plan_external_id,omitempty"`
	ReferencePlanDates      map[string]any      `json:"reference_plan_dates,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

// Constraint is a named precondition blocking readiness until cleared.
// ClearedByUserID and ClearedAt are set together and only together: both
// empty while Open, both populated while Cleared.
type Constraint struct {
	ID              string           `json:"id"`
	WorkItemID      string           `json:"work_item_id"`
	Type            string           `json:"type"`
	Description     string           `json:"description,omitempty"`
	Status          ConstraintStatus `json:"status"`
	ClearedByUserID string           `json:"cleared_by_user_id,omitempty"`
	ClearedAt       *time.Time       `json:"cleared_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Commitment is an immutable, time-bound pledge against a Ready work item.
// DueAt, OwnerUserID, CommittedByUserID and WorkItemID never change after
// creation; status transitions away from Active set exactly one of
// CompletedAt or FailedAt.
type Commitment struct {
	ID                string           `json:"id"`
	WorkItemID        string           `json:"work_item_id"`
	CommittedByUserID string           `json:"committed_by_user_id"`
	OwnerUserID       string           `json:"owner_user_id"`
	DueAt             time.Time        `json:"due_at"`
	Status            CommitmentStatus `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	FailedAt          *time.Time       `json:"failed_at,omitempty"`
}

// LearningSignal is the mandatory record produced when a commitment fails.
// Append-only: never edited after creation.
type LearningSignal struct {
	ID             string       `json:"id"`
	WorkItemID     string       `json:"work_item_id"`
	CommitmentID   string       `json:"commitment_id"`
	PrimaryCause   PrimaryCause `json:"primary_cause"`
	SecondaryCause string       `json:"secondary_cause,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	DrilldownKey   string       `json:"drilldown_key"`
	CreatedAt      time.Time    `json:"created_at"`
}
