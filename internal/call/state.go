// Package call composes the signaling channel, candidate queue and peer
// lifecycle into one session per call attempt. All asynchronous inputs
// (record changes, candidates, the ring timer, engine state) become
// events handled by a single update function, so the state machine has
// exactly one writer.
package call

import (
	"github.com/mentora/callkit/internal/rtc"
	"github.com/mentora/callkit/internal/signaling"
)

// Role fixes which side of the call this session is.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// event is one inbound message to the session's update function.
type event interface{ isEvent() }

// recordChanged carries a call-record snapshot from the signaling stream.
type recordChanged struct {
	rec signaling.CallRecord
}

// candidateReceived carries one remote candidate, from the live stream or
// from backfill.
type candidateReceived struct {
	cand signaling.CandidateRecord
}

// timeoutFired means the ring timer elapsed with no accept.
type timeoutFired struct{}

// engineStateChanged carries a normalized peer-connection state.
type engineStateChanged struct {
	state rtc.ConnState
}

// engineFailed means the peer connection or its ICE transport failed.
// Fired at most once per peer.
type engineFailed struct {
	err error
}

func (recordChanged) isEvent()      {}
func (candidateReceived) isEvent()  {}
func (timeoutFired) isEvent()       {}
func (engineStateChanged) isEvent() {}
func (engineFailed) isEvent()       {}

// Machine is the authoritative local call state. Transitions are
// monotonic: ringing may advance to active or a terminal status, active
// only to ended, terminal states absorb everything.
type Machine struct {
	state signaling.Status
}

// NewMachine starts in ringing.
func NewMachine() *Machine {
	return &Machine{state: signaling.StatusRinging}
}

// State returns the current status.
func (m *Machine) State() signaling.Status { return m.state }

// Terminal reports whether the machine has finished.
func (m *Machine) Terminal() bool { return m.state.Terminal() }

// Transition attempts to move to the given status and reports whether
// anything changed. Illegal or redundant moves are absorbed, never
// errors: every caller sits on a racy event stream and the already-done
// case is routine.
func (m *Machine) Transition(to signaling.Status) bool {
	if !to.Valid() || to == m.state {
		return false
	}
	if m.state.Terminal() {
		return false
	}
	if to == signaling.StatusRinging {
		// Nothing moves back to ringing.
		return false
	}
	if to == signaling.StatusActive && m.state != signaling.StatusRinging {
		return false
	}
	if to == signaling.StatusMissed && m.state != signaling.StatusRinging {
		// A call that went active cannot be missed; it can only end.
		return false
	}
	m.state = to
	return true
}
