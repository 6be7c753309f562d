// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"fmt"
	"strings"
)

// Phase is a named state of a recovery attempt.
type Phase uint8

const (
	// PhaseGeneratingKeys generates or re-derives the app keys.
	PhaseGeneratingKeys Phase = iota

	// PhasePairing taps the surviving hardware device to attest the new
	// app key (app lost).
	PhasePairing

	// PhaseAwaitingHardwareReady waits for the replacement device and
	// pairs it (hardware lost).
	PhaseAwaitingHardwareReady

	// PhaseAwaitingProofOfPossession obtains the surviving factor's first
	// proof of possession.
	PhaseAwaitingProofOfPossession

	// PhaseCheckingForConflict asks the server for the account's active
	// recovery.
	PhaseCheckingForConflict

	// PhaseCancellingConflict cancels a conflicting recovery.
	PhaseCancellingConflict

	// PhaseVerifyingForCancellation runs the notification verification the
	// server demanded before a cancel.
	PhaseVerifyingForCancellation

	// PhaseInitiatingWithServer submits the recovery.
	PhaseInitiatingWithServer

	// PhaseVerifyingForInitiation runs the notification verification the
	// server demanded before an initiate.
	PhaseVerifyingForInitiation

	// PhaseDelayWindow waits for the server to allow completion.
	PhaseDelayWindow

	// PhaseCompleting completes the recovery and activates the keyset.
	PhaseCompleting

	// PhaseCompleted is terminal: the new keyset is active.
	PhaseCompleted

	// PhaseCancelled is terminal: the attempt was abandoned or cancelled
	// server-side during the delay.
	PhaseCancelled

	// PhaseFailed is terminal: the server rejected the attempt.
	PhaseFailed

	// PhaseFailedGeneratingKeys is the error phase of key generation.
	PhaseFailedGeneratingKeys

	// PhaseFailedPairing is the error phase of both hardware phases.
	PhaseFailedPairing

	// PhaseFailedProofOfPossession is the error phase of the proof step.
	PhaseFailedProofOfPossession

	// PhaseFailedCancellingConflict is the error phase of the conflict
	// check and the conflict cancellation.
	PhaseFailedCancellingConflict

	// PhaseFailedVerification is the error phase of both verifications.
	PhaseFailedVerification

	// PhaseFailedInitiating is the error phase of the initiation.
	PhaseFailedInitiating

	// PhaseFailedCompleting is the error phase of the completion.
	PhaseFailedCompleting
)

// phaseNames maps phases to their names.
var phaseNames = map[Phase]string{
	PhaseGeneratingKeys:            "GeneratingKeys",
	PhasePairing:                   "Pairing",
	PhaseAwaitingHardwareReady:     "AwaitingHardwareReady",
	PhaseAwaitingProofOfPossession: "AwaitingProofOfPossession",
	PhaseCheckingForConflict:       "CheckingForConflict",
	PhaseCancellingConflict:        "CancellingConflict",
	PhaseVerifyingForCancellation:  "VerifyingForCancellation",
	PhaseInitiatingWithServer:      "InitiatingWithServer",
	PhaseVerifyingForInitiation:    "VerifyingForInitiation",
	PhaseDelayWindow:               "DelayWindow",
	PhaseCompleting:                "Completing",
	PhaseCompleted:                 "Completed",
	PhaseCancelled:                 "Cancelled",
	PhaseFailed:                    "Failed",
	PhaseFailedGeneratingKeys:      "FailedGeneratingKeys",
	PhaseFailedPairing:             "FailedPairing",
	PhaseFailedProofOfPossession:   "FailedProofOfPossession",
	PhaseFailedCancellingConflict:  "FailedCancellingConflict",
	PhaseFailedVerification:        "FailedVerification",
	PhaseFailedInitiating:          "FailedInitiating",
	PhaseFailedCompleting:          "FailedCompleting",
}

// String returns the phase name.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}

	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Stage returns the progress index of a phase. Error phases share the stage
// of the step they failed in, so retrying never moves an attempt backwards.
// Only a restart lowers the stage.
func (p Phase) Stage() int {
	switch p {
	case PhaseGeneratingKeys, PhaseFailedGeneratingKeys:
		return 0

	case PhasePairing, PhaseAwaitingHardwareReady, PhaseFailedPairing:
		return 1

	case PhaseAwaitingProofOfPossession, PhaseFailedProofOfPossession:
		return 2

	case PhaseCheckingForConflict, PhaseCancellingConflict,
		PhaseVerifyingForCancellation, PhaseInitiatingWithServer,
		PhaseVerifyingForInitiation, PhaseFailedCancellingConflict,
		PhaseFailedVerification, PhaseFailedInitiating:

		return 3

	case PhaseDelayWindow:
		return 4

	case PhaseCompleting, PhaseFailedCompleting:
		return 5

	default:
		return 6
	}
}

// IsTerminal reports whether p ends the attempt.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// IsError reports whether p is one of the retryable error phases.
func (p Phase) IsError() bool {
	return p >= PhaseFailedGeneratingKeys && p <= PhaseFailedCompleting
}

// errorPhase returns the error phase a failing step lands in.
func (p Phase) errorPhase() Phase {
	switch p {
	case PhaseGeneratingKeys:
		return PhaseFailedGeneratingKeys

	case PhasePairing, PhaseAwaitingHardwareReady:
		return PhaseFailedPairing

	case PhaseAwaitingProofOfPossession:
		return PhaseFailedProofOfPossession

	case PhaseCheckingForConflict, PhaseCancellingConflict:
		return PhaseFailedCancellingConflict

	case PhaseVerifyingForCancellation, PhaseVerifyingForInitiation:
		return PhaseFailedVerification

	case PhaseInitiatingWithServer:
		return PhaseFailedInitiating

	case PhaseCompleting:
		return PhaseFailedCompleting

	default:
		return p
	}
}

// Actions is the set of user actions a state offers.
type Actions uint8

const (
	// ActionRetry re-enters the stopped step.
	ActionRetry Actions = 1 << iota

	// ActionRestart discards the attempt and starts a new one.
	ActionRestart
)

// Has reports whether a is part of the set.
func (a Actions) Has(action Actions) bool {
	return a&action == action
}

// String lists the actions.
func (a Actions) String() string {
	var names []string
	if a.Has(ActionRetry) {
		names = append(names, "retry")
	}

	if a.Has(ActionRestart) {
		names = append(names, "restart")
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, ",")
}
