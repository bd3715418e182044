package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepString(t *testing.T) {
	t.Parallel()
	names := map[Step]string{
		StepFormEntry:     "form-entry",
		StepSigningAck:    "signing-ack",
		StepSubmittingAck: "submitting-ack",
		StepRelayingAck:   "relaying-ack",
		StepGracePeriod:   "grace-period",
		StepSigningReg:    "signing-reg",
		StepSubmittingReg: "submitting-reg",
		StepRelayingReg:   "relaying-reg",
		StepComplete:      "complete",
		StepFailed:        "failed",
	}
	for step, want := range names {
		require.Equal(t, want, step.String())
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := []StepChange{
		{StepFormEntry, StepSigningAck},
		{StepFormEntry, StepSubmittingAck},
		{StepSigningAck, StepSubmittingAck},
		{StepSigningAck, StepRelayingAck},
		{StepSubmittingAck, StepGracePeriod},
		{StepSubmittingAck, StepSigningAck},
		{StepRelayingAck, StepGracePeriod},
		{StepRelayingAck, StepSigningAck},
		{StepGracePeriod, StepSigningReg},
		{StepGracePeriod, StepSubmittingReg},
		{StepGracePeriod, StepSigningAck},
		{StepSigningReg, StepSubmittingReg},
		{StepSigningReg, StepRelayingReg},
		{StepSubmittingReg, StepComplete},
		{StepSubmittingReg, StepSigningReg},
		{StepSubmittingReg, StepSigningAck},
		{StepSubmittingReg, StepGracePeriod},
		{StepRelayingReg, StepComplete},
		{StepRelayingReg, StepSigningReg},
		{StepSigningAck, StepFailed},
		{StepSubmittingReg, StepFailed},
	}
	for _, tc := range allowed {
		require.True(t, canTransition(tc.From, tc.To), "%s -> %s should be allowed", tc.From, tc.To)
	}

	forbidden := []StepChange{
		{StepFormEntry, StepGracePeriod},
		{StepFormEntry, StepComplete},
		{StepSigningAck, StepGracePeriod},
		{StepSigningAck, StepSigningReg},
		{StepSubmittingAck, StepComplete},
		{StepGracePeriod, StepComplete},
		{StepGracePeriod, StepRelayingReg},
		{StepGracePeriod, StepFailed},
		{StepRelayingReg, StepGracePeriod},
		{StepComplete, StepSigningAck},
		{StepComplete, StepFailed},
		{StepFailed, StepSigningAck},
		{StepFailed, StepComplete},
	}
	for _, tc := range forbidden {
		require.False(t, canTransition(tc.From, tc.To), "%s -> %s should be rejected", tc.From, tc.To)
	}
}

func TestResetReachableFromAnywhere(t *testing.T) {
	t.Parallel()
	from := []Step{
		StepFormEntry, StepSigningAck, StepSubmittingAck, StepRelayingAck,
		StepGracePeriod, StepSigningReg, StepSubmittingReg, StepRelayingReg,
		StepComplete, StepFailed,
	}
	for _, step := range from {
		require.True(t, canTransition(step, StepFormEntry), "reset from %s", step)
	}
}
