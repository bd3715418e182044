package registry

import (
	"errors"
)

// ErrInvalidTransition rejects a step change the state machine does not
// allow.
var ErrInvalidTransition = errors.New("invalid step transition")

// Step is one position in the two-phase registration flow. The registeree
// walks the full ladder; a relayer skips the signing steps and enters at
// SubmittingAck when the counterpart's signature arrives.
type Step uint8

const (
	StepFormEntry Step = iota
	StepSigningAck
	StepSubmittingAck
	StepRelayingAck
	StepGracePeriod
	StepSigningReg
	StepSubmittingReg
	StepRelayingReg
	StepComplete
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepFormEntry:
		return "form-entry"
	case StepSigningAck:
		return "signing-ack"
	case StepSubmittingAck:
		return "submitting-ack"
	case StepRelayingAck:
		return "relaying-ack"
	case StepGracePeriod:
		return "grace-period"
	case StepSigningReg:
		return "signing-reg"
	case StepSubmittingReg:
		return "submitting-reg"
	case StepRelayingReg:
		return "relaying-reg"
	case StepComplete:
		return "complete"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepChange is published on the watch channel whenever the step moves.
type StepChange struct {
	From Step
	To   Step
}

// transitions lists the allowed forward edges. Backward edges exist for the
// retry paths: a stale deadline or a failure receipt reopens the signing
// step, an expired window reopens the acknowledgement. The relayer returns
// to its waiting step after a rejected submission.
var transitions = map[Step][]Step{
	StepFormEntry:     {StepSigningAck, StepSubmittingAck},
	StepSigningAck:    {StepSubmittingAck, StepRelayingAck, StepFailed},
	StepSubmittingAck: {StepGracePeriod, StepSigningAck, StepFailed},
	StepRelayingAck:   {StepGracePeriod, StepSigningAck, StepFailed},
	StepGracePeriod:   {StepSigningReg, StepSubmittingReg, StepSigningAck, StepSubmittingAck},
	StepSigningReg:    {StepSubmittingReg, StepRelayingReg, StepFailed},
	StepSubmittingReg: {StepComplete, StepSigningReg, StepSigningAck, StepGracePeriod, StepFailed},
	StepRelayingReg:   {StepComplete, StepSigningReg, StepSigningAck, StepFailed},
	StepComplete:      {},
	StepFailed:        {},
}

// canTransition reports whether the machine may move from one step to
// another. A reset to FormEntry is allowed from anywhere.
func canTransition(from, to Step) bool {
	if to == StepFormEntry {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
