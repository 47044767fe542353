package spine

// Readiness derives the binary readiness state of a work item from its
// constraint set. The result is deterministic and order-independent:
//
//   - no constraints        -> Not Ready
//   - any Open constraint   -> Not Ready
//   - otherwise             -> Ready
//
// Nothing else influences readiness. Reference-plan data, titles and
// timestamps are irrelevant by design of the calling engine: they are never
// passed in.
func Readiness(constraints []*Constraint) WorkItemState {
	if len(constraints) == 0 {
		return StateNotReady
	}
	for _, c := range constraints {
		if c.Status == ConstraintOpen {
			return StateNotReady
		}
	}
	return StateReady
}
