package domain

import "errors"

// SessionState is the lifecycle of one transfer session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateResolving     SessionState = "resolving" // Descriptor resolved or pending, metadata not yet seen.
	StateActive        SessionState = "active"
	StateInvalid       SessionState = "invalid" // Terminal.
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[SessionState][]SessionState{
	StateUninitialized: {StateResolving, StateInvalid},
	StateResolving:     {StateActive, StateInvalid},
	StateActive:        {StateInvalid},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to SessionState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (s SessionState) Terminal() bool {
	return s == StateInvalid
}

// SessionMode distinguishes on-demand download sessions from seeding ones.
type SessionMode string

const (
	ModeDownload SessionMode = "download"
	ModeSeed     SessionMode = "seed"
)
