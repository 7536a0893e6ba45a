package sessions

import "github.com/jrsteele09/go-auth-session/users"

// State is the lifecycle position of a session.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Reason records what caused the latest transition.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonStarting         Reason = "starting"
	ReasonNoCredentials    Reason = "no_credentials"
	ReasonRestored         Reason = "restored"
	ReasonProfileRejected  Reason = "profile_rejected"
	ReasonLoggedIn         Reason = "logged_in"
	ReasonRegistered       Reason = "registered"
	ReasonProfileRefreshed Reason = "profile_refreshed"
	ReasonLoggedOut        Reason = "logged_out"

	// ReasonInvalidated means a refresh failed and the stored credentials were
	// discarded. Subscribers should send the user back to the login screen.
	ReasonInvalidated Reason = "invalidated"
)

// Snapshot is an immutable view of the session. IsAuthenticated is true
// exactly when User is set; IsLoading is true until the first Initialize has
// resolved.
type Snapshot struct {
	User            *users.User
	IsAuthenticated bool
	IsLoading       bool
	State           State
	Reason          Reason
}

func newSnapshot(state State, user *users.User, reason Reason) Snapshot {
	if state != StateAuthenticated {
		user = nil
	}
	return Snapshot{
		User:            user,
		IsAuthenticated: user != nil,
		IsLoading:       state == StateUninitialized || state == StateLoading,
		State:           state,
		Reason:          reason,
	}
}

func (s Snapshot) clone() Snapshot {
	s.User = s.User.Clone()
	return s
}
