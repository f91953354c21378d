package oauth

import (
	"errors"
	"fmt"
)

// State is a step of the Gmail authorization handshake
type State string

const (
	Idle                     State = "idle"
	AwaitingAuthorizationURL State = "awaiting_authorization_url"
	PopupOpen                State = "popup_open"
	AwaitingCallback         State = "awaiting_callback"
	Succeeded                State = "succeeded"
	Failed                   State = "failed"
	Cancelled                State = "cancelled"
)

// Terminal reports whether no further transition can leave s
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// transitions lists, per state, the states it may move to. Terminal states
// have no entry.
var transitions = map[State][]State{
	Idle:                     {AwaitingAuthorizationURL},
	AwaitingAuthorizationURL: {PopupOpen, Failed, Cancelled},
	PopupOpen:                {AwaitingCallback, Failed, Cancelled},
	AwaitingCallback:         {Succeeded, Failed, Cancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrUnauthenticated = errors.New("sign in before connecting a mailbox")
	ErrPopupBlocked    = errors.New("authorization window could not be opened")
	ErrStateMismatch   = errors.New("security verification failed: state mismatch")
	ErrCancelled       = errors.New("authorization window closed before completion")
	ErrTimeout         = errors.New("authorization window timed out")
	ErrProvider        = errors.New("provider reported an error")
	ErrExchange        = errors.New("gmail authorization failed")
	ErrFlowNotFound    = errors.New("authorization flow not found")
)

// TransitionError is returned for a transition the table does not allow
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal oauth transition %s -> %s", e.From, e.To)
}
