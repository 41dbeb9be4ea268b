package handshake

import "fmt"

// State names one step of the handshake for either role.
type State string

const (
	StateIdle State = "idle"

	// Initiator side.
	StateNameSent           State = "name_sent"
	StateStatusReceived     State = "status_received"
	StateChallengeReceived  State = "challenge_received"
	StateChallengeReplySent State = "challenge_reply_sent"

	// Acceptor side.
	StateNameReceived  State = "name_received"
	StateStatusSent    State = "status_sent"
	StateChallengeSent State = "challenge_sent"

	StateEstablished State = "established"
	StateFailed      State = "failed"
)

// Terminal reports whether no further records are accepted.
func (s State) Terminal() bool {
	return s == StateEstablished || s == StateFailed
}

// Role is which side of the connection drives the handshake.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

var initiatorNext = map[State][]State{
	StateIdle:               {StateNameSent},
	StateNameSent:           {StateStatusReceived},
	StateStatusReceived:     {StateChallengeReceived},
	StateChallengeReceived:  {StateChallengeReplySent},
	StateChallengeReplySent: {StateEstablished},
}

var acceptorNext = map[State][]State{
	StateIdle:          {StateNameReceived},
	StateNameReceived:  {StateStatusSent},
	StateStatusSent:    {StateChallengeSent},
	StateChallengeSent: {StateEstablished},
}

func allowed(role Role, from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	next := initiatorNext
	if role == RoleAcceptor {
		next = acceptorNext
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrUnexpected, from, to)
}
