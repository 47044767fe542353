package spine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateActiveCommitment is returned by Tx.InsertCommitment when a
// concurrent transaction already created an Active commitment for the same
// work item. The engine converts it into the refusal outcome.
var ErrDuplicateActiveCommitment = errors.New("work item already has an active commitment")

// Store provides read access to entities and a transactional boundary for
// mutation. All writes go through Atomic so entity mutations and the audit
// events describing them commit or roll back together.
type Store interface {
	// Atomic runs fn inside a transaction. If fn returns an error the
	// transaction is rolled back and no partial state is visible.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)
	ListWorkItems(ctx context.Context) ([]*WorkItem, error)
	GetConstraint(ctx context.Context, id string) (*Constraint, error)
	ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error)
	GetCommitment(ctx context.Context, id string) (*Commitment, error)
	ListCommitments(ctx context.Context, workItemID string) ([]*Commitment, error)
	ListLearningSignals(ctx context.Context) ([]*LearningSignal, error)
	ListAuditEvents(ctx context.Context, entityID string) ([]*AuditEvent, error)
}

// Tx is the mutation surface available inside Store.Atomic. Reads through a
// Tx observe the transaction's own writes and, where the backend supports it,
// lock the rows they return.
type Tx interface {
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)
	GetConstraint(ctx context.Context, id string) (*Constraint, error)
	GetCommitment(ctx context.Context, id string) (*Commitment, error)
	ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error)
	// ActiveCommitment returns the Active commitment for a work item, or nil
	// when there is none.
	ActiveCommitment(ctx context.Context, workItemID string) (*Commitment, error)

	InsertWorkItem(ctx context.Context, wi *WorkItem) error
	UpdateWorkItemState(ctx context.Context, id string, state WorkItemState, updatedAt time.Time) error
	InsertConstraint(ctx context.Context, c *Constraint) error
	UpdateConstraint(ctx context.Context, c *Constraint) error
	InsertCommitment(ctx context.Context, c *Commitment) error
	UpdateCommitmentStatus(ctx context.Context, c *Commitment) error
	InsertLearningSignal(ctx context.Context, s *LearningSignal) error
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
}

// MemoryStore implements Store with in-process maps. It serializes all
// transactions behind a single lock and rolls back by restoring a snapshot,
// so Atomic keeps its all-or-nothing contract. Used by unit tests and as a
// reference implementation of the Store semantics.
type MemoryStore struct {
	mu              sync.RWMutex
	workItems       map[string]WorkItem
	constraints     map[string]Constraint
	commitments     map[string]Commitment
	learningSignals map[string]LearningSignal
	auditEvents     []AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workItems:       make(map[string]WorkItem),
		constraints:     make(map[string]Constraint),
		commitments:     make(map[string]Commitment),
		learningSignals: make(map[string]LearningSignal),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.clone()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.workItems = snapshot.workItems
		s.constraints = snapshot.constraints
		s.commitments = snapshot.commitments
		s.learningSignals = snapshot.learningSignals
		s.auditEvents = snapshot.auditEvents
		return err
	}
	return nil
}

func (s *MemoryStore) clone() *MemoryStore {
	c := &MemoryStore{
		workItems:       make(map[string]WorkItem, len(s.workItems)),
		constraints:     make(map[string]Constraint, len(s.constraints)),
		commitments:     make(map[string]Commitment, len(s.commitments)),
		learningSignals: make(map[string]LearningSignal, len(s.learningSignals)),
		auditEvents:     append([]AuditEvent(nil), s.auditEvents...),
	}
	for id, wi := range s.workItems {
		c.workItems[id] = wi
	}
	for id, con := range s.constraints {
		c.constraints[id] = con
	}
	for id, com := range s.commitments {
		c.commitments[id] = com
	}
	for id, sig := range s.learningSignals {
		c.learningSignals[id] = sig
	}
	return c
}

func (s *MemoryStore) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkItem(id)
}

func (s *MemoryStore) getWorkItem(id string) (*WorkItem, error) {
	wi, ok := s.workItems[id]
	if !ok {
		return nil, &NotFoundError{EntityType: EntityWorkItem, ID: id}
	}
	return &wi, nil
}

func (s *MemoryStore) ListWorkItems(ctx context.Context) ([]*WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*WorkItem, 0, len(s.workItems))
	for _, wi := range s.workItems {
		wi := wi
		items = append(items, &wi)
	}
	// Newest first, id as tiebreak for determinism.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) GetConstraint(ctx context.Context, id string) (*Constraint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getConstraint(id)
}

func (s *MemoryStore) getConstraint(id string) (*Constraint, error) {
	c, ok := s.constraints[id]
	if !ok {
		return nil, &NotFoundError{EntityType: EntityConstraint, ID: id}
	}
	return &c, nil
}

func (s *MemoryStore) ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listConstraints(workItemID), nil
}

func (s *MemoryStore) listConstraints(workItemID string) []*Constraint {
	var out []*Constraint
	for _, c := range s.constraints {
		if c.WorkItemID == workItemID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCommitment(id)
}

func (s *MemoryStore) getCommitment(id string) (*Commitment, error) {
	c, ok := s.commitments[id]
	if !ok {
		return nil, &NotFoundError{EntityType: EntityCommitment, ID: id}
	}
	return &c, nil
}

func (s *MemoryStore) ListCommitments(ctx context.Context, workItemID string) ([]*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Commitment
	for _, c := range s.commitments {
		if c.WorkItemID == workItemID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListLearningSignals(ctx context.Context) ([]*LearningSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*LearningSignal, 0, len(s.learningSignals))
	for _, sig := range s.learningSignals {
		sig := sig
		out = append(out, &sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, entityID string) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEvent
	for i := range s.auditEvents {
		if entityID == "" || s.auditEvents[i].EntityID == entityID ||
			s.auditEvents[i].Payload["work_item_id"] == entityID {
			e := s.auditEvents[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// memoryTx mutates the store maps directly; the store lock is already held
// for the duration of Atomic and the snapshot handles rollback.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	return t.store.getWorkItem(id)
}

func (t *memoryTx) GetConstraint(ctx context.Context, id string) (*Constraint, error) {
	return t.store.getConstraint(id)
}

func (t *memoryTx) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	return t.store.getCommitment(id)
}

func (t *memoryTx) ListConstraints(ctx context.Context, workItemID string) ([]*Constraint, error) {
	return t.store.listConstraints(workItemID), nil
}

func (t *memoryTx) ActiveCommitment(ctx context.Context, workItemID string) (*Commitment, error) {
	for _, c := range t.store.commitments {
		if c.WorkItemID == workItemID && c.Status == CommitmentActive {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) InsertWorkItem(ctx context.Context, wi *WorkItem) error {
	t.store.workItems[wi.ID] = *wi
	return nil
}

func (t *memoryTx) UpdateWorkItemState(ctx context.Context, id string, state WorkItemState, updatedAt time.Time) error {
	wi, ok := t.store.workItems[id]
	if !ok {
		return &NotFoundError{EntityType: EntityWorkItem, ID: id}
	}
	wi.State = state
	wi.UpdatedAt = updatedAt
	t.store.workItems[id] = wi
	return nil
}

func (t *memoryTx) InsertConstraint(ctx context.Context, c *Constraint) error {
	t.store.constraints[c.ID] = *c
	return nil
}

func (t *memoryTx) UpdateConstraint(ctx context.Context, c *Constraint) error {
	if _, ok := t.store.constraints[c.ID]; !ok {
		return &NotFoundError{EntityType: EntityConstraint, ID: c.ID}
	}
	t.store.constraints[c.ID] = *c
	return nil
}

func (t *memoryTx) InsertCommitment(ctx context.Context, c *Commitment) error {
	if c.Status == CommitmentActive {
		existing, _ := t.ActiveCommitment(ctx, c.WorkItemID)
		if existing != nil {
			return ErrDuplicateActiveCommitment
		}
	}
	t.store.commitments[c.ID] = *c
	return nil
}

func (t *memoryTx) UpdateCommitmentStatus(ctx context.Context, c *Commitment) error {
	existing, ok := t.store.commitments[c.ID]
	if !ok {
		return &NotFoundError{EntityType: EntityCommitment, ID: c.ID}
	}
	existing.Status = c.Status
	existing.CompletedAt = c.CompletedAt
	existing.FailedAt = c.FailedAt
	t.store.commitments[c.ID] = existing
	return nil
}

func (t *memoryTx) InsertLearningSignal(ctx context.Context, sig *LearningSignal) error {
	t.store.learningSignals[sig.ID] = *sig
	return nil
}

func (t *memoryTx) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	t.store.auditEvents = append(t.store.auditEvents, *e)
	return nil
}
