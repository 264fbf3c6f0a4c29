package registry

import "github.com/lprior-repo/isolate/pkg/types"

// statusEdges is the session status FSM (spec §4.B). Self-transitions
// are handled separately as silent no-ops before this table is
// consulted; Completed/Failed have no outgoing edges at all.
var statusEdges = map[types.SessionStatus]map[types.SessionStatus]bool{
	types.SessionStatusCreating: {types.SessionStatusActive: true},
	types.SessionStatusActive: {
		types.SessionStatusPaused:    true,
		types.SessionStatusCompleted: true,
		types.SessionStatusFailed:    true,
	},
	types.SessionStatusPaused: {types.SessionStatusActive: true},
}

func validStatusTransition(from, to types.SessionStatus) bool {
	if from == to {
		return true // self-transition, always allowed
	}
	return statusEdges[from][to]
}

func invalidTransitionError(from, to types.SessionStatus) error {
	return &types.Error{
		Kind:    types.KindValidationError,
		Message: "invalid session status transition from " + string(from) + " to " + string(to),
		Hints: []types.ValidationHint{{
			Field:    "status",
			Expected: "a valid outgoing edge from " + string(from),
			Received: string(to),
		}},
	}
}
