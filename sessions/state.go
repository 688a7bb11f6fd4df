package sessions

import (
	"fmt"

	"github.com/jrsteele09/go-session-manager/users"
)

// StateKind identifies which variant of State is active.
type StateKind int

const (
	// Loading is the initial and transitional state; no decision has been made yet.
	Loading StateKind = iota
	// Authenticated means a session is active for State.User.
	Authenticated
	// Unauthenticated means there is no usable session and the user must sign in.
	Unauthenticated
	// Unreachable means a previously valid session is held locally but the
	// backend could not confirm or renew it.
	Unreachable
)

// String returns a string representation of the StateKind.
func (k StateKind) String() string {
	switch k {
	case Loading:
		return "LOADING"
	case Authenticated:
		return "AUTHENTICATED"
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case Unreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// State is the observable session state.
// User is set for Authenticated and, when a cached session exists, for Unreachable.
type State struct {
	Kind StateKind
	User *users.User
}

func LoadingState() State {
	return State{Kind: Loading}
}

func AuthenticatedState(u users.User) State {
	return State{Kind: Authenticated, User: &u}
}

func UnauthenticatedState() State {
	return State{Kind: Unauthenticated}
}

// UnreachableState carries the cached user, if any, so cached data can still be shown.
func UnreachableState(cached *users.User) State {
	return State{Kind: Unreachable, User: cached.Clone()}
}

// Equal compares two states. Authenticated states are equal when the user IDs
// match, regardless of any other user field.
func (s State) Equal(other State) bool {
	if s.Kind != other.Kind {
		return false
	}
	if s.Kind != Authenticated {
		return true
	}
	if s.User == nil || other.User == nil {
		return s.User == other.User
	}
	return s.User.ID == other.User.ID
}

func (s State) IsAuthenticated() bool {
	return s.Kind == Authenticated
}

func (s State) String() string {
	if s.User != nil {
		return fmt.Sprintf("%s(%s)", s.Kind, s.User.ID)
	}
	return s.Kind.String()
}
