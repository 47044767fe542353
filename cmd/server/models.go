package main

import (
	"time"

	"github.com/fieldline/spine/spine"
)

type createWorkItemRequest struct {
	Title                   string         `json:"title"`
	Description             string         `json:"description"`
	Location                string         `json:"location"`
	OwnerUserID             string         `json:"owner_user_id"`
	ReferencePlanSystem     string         `json:"reference_plan_system"`
	ReferencePlanExternalID string         `json:"reference_plan_external_id"`
	ReferencePlanDates      map[string]any `json:"reference_plan_dates"`
}

type addConstraintRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type clearConstraintRequest struct {
	ClearedByUserID string `json:"cleared_by_user_id"`
}

type commitRequest struct {
	CommittedByUserID string    `json:"committed_by_user_id"`
	OwnerUserID       string    `json:"owner_user_id"`
	DueAt             time.Time `json:"due_at"`
}

type failCommitmentRequest struct {
	PrimaryCause   string `json:"primary_cause"`
	SecondaryCause string `json:"secondary_cause"`
	Notes          string `json:"notes"`
}

// patchCommitmentRequest uses pointers to distinguish "field absent" from
// "field set to zero": any present field trips the immutability guard.
type patchCommitmentRequest struct {
	DueAt             *time.Time `json:"due_at"`
	OwnerUserID       *string    `json:"owner_user_id"`
	CommittedByUserID *string    `json:"committed_by_user_id"`
	WorkItemID        *string    `json:"work_item_id"`
}

type constraintResponse struct {
	*spine.Constraint
	WorkItemState spine.WorkItemState `json:"work_item_state"`
}

type completeResponse struct {
	Commitment     *spine.Commitment     `json:"commitment"`
	LearningSignal *spine.LearningSignal `json:"learning_signal,omitempty"`
}

type refusalResponse struct {
	Message         string   `json:"message"`
	OpenConstraints []string `json:"open_constraints"`
}
