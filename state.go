package goAuthClient

import "fmt"

// State is the controller lifecycle state.
type State uint8

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	// StateExpiring means a refresh is running for an authenticated session.
	StateExpiring
	// StateTerminating means a logout is clearing the session.
	StateTerminating
)

// States lists every lifecycle state in declaration order.
func States() []State {
	return []State{StateUnauthenticated, StateAuthenticating, StateAuthenticated, StateExpiring, StateTerminating}
}

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateExpiring:
		return "expiring"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var transitions = map[State]map[State]struct{}{
	StateUnauthenticated: {
		StateAuthenticating: {},
		StateAuthenticated:  {},
		StateTerminating:    {},
	},
	StateAuthenticating: {
		StateAuthenticated:   {},
		StateUnauthenticated: {},
		StateTerminating:     {},
	},
	StateAuthenticated: {
		StateExpiring:        {},
		StateTerminating:     {},
		StateUnauthenticated: {},
	},
	StateExpiring: {
		StateAuthenticated:   {},
		StateUnauthenticated: {},
		StateTerminating:     {},
	},
	StateTerminating: {
		StateUnauthenticated: {},
	},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// transitionError describes a rejected transition and matches ErrInvalidTransition.
type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.from, e.to)
}

func (e *transitionError) Unwrap() error { return ErrInvalidTransition }
