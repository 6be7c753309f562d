// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Event is the input of the transition function. Step results and user
// actions are both events.
type Event interface {
	eventName() string
}

// evKeysReady reports the destination app keys.
type evKeysReady struct {
	lost Factor
	app  *keys.AppKeyBundle
}

// evHardwareReady reports the paired hardware keys and the attestation of
// the app auth key.
type evHardwareReady struct {
	hardware    *keys.HardwareKeyBundle
	attestation []byte
}

// evProofReady reports that the surviving factor produced a proof. The proof
// is held in memory for the next server call.
type evProofReady struct {
	proof *Proof
}

// evNoConflict reports that the account has no active recovery.
type evNoConflict struct{}

// evOwnRecovery reports that the account's active recovery is this attempt.
type evOwnRecovery struct {
	recoveryID          string
	completionAllowedAt time.Time
}

// evConflictFound reports a conflicting recovery, from the conflict check or
// from an initiate that answered Conflict.
type evConflictFound struct {
	conflict ConflictingRecovery
}

// evConflictCancelled reports that the conflicting recovery was cancelled.
type evConflictCancelled struct{}

// evVerificationRequired reports that the server demands a notification
// verification for purpose.
type evVerificationRequired struct {
	purpose Purpose
}

// evVerified reports a completed or skipped verification.
type evVerified struct {
	purpose Purpose
	skipped bool
}

// evInitiated reports the server's acceptance of the recovery.
type evInitiated struct {
	recoveryID          string
	completionAllowedAt time.Time
}

// evDelayUpdate reports a new completion time while the delay runs.
type evDelayUpdate struct {
	completionAllowedAt time.Time
}

// evDelayElapsed reports that the server allows completion.
type evDelayElapsed struct{}

// evRecoveryGone reports that the server no longer knows the recovery.
type evRecoveryGone struct{}

// evCompleted reports the new active keyset.
type evCompleted struct {
	keyset *keys.Keyset
}

// evStepFailed reports a step error that is not a branch.
type evStepFailed struct {
	err error
}

// evUserRetry is the user's retry action.
type evUserRetry struct{}

// evUserRestart is the user's restart action.
type evUserRestart struct{}

// evUserAbandon is the user abandoning the attempt.
type evUserAbandon struct{}

func (evKeysReady) eventName() string            { return "KeysReady" }
func (evHardwareReady) eventName() string        { return "HardwareReady" }
func (evProofReady) eventName() string           { return "ProofReady" }
func (evNoConflict) eventName() string           { return "NoConflict" }
func (evOwnRecovery) eventName() string          { return "OwnRecovery" }
func (evConflictFound) eventName() string        { return "ConflictFound" }
func (evConflictCancelled) eventName() string    { return "ConflictCancelled" }
func (evVerificationRequired) eventName() string { return "VerificationRequired" }
func (evVerified) eventName() string             { return "Verified" }
func (evInitiated) eventName() string            { return "Initiated" }
func (evDelayUpdate) eventName() string          { return "DelayUpdate" }
func (evDelayElapsed) eventName() string         { return "DelayElapsed" }
func (evRecoveryGone) eventName() string         { return "RecoveryGone" }
func (evCompleted) eventName() string            { return "Completed" }
func (evStepFailed) eventName() string           { return "StepFailed" }
func (evUserRetry) eventName() string            { return "UserRetry" }
func (evUserRestart) eventName() string          { return "UserRestart" }
func (evUserAbandon) eventName() string          { return "UserAbandon" }

// transition computes the state that follows s on ev. It has no side
// effects; event payloads are recorded on the attempt by the orchestrator.
func transition(s State, ev Event) (State, error) {
	switch ev.(type) {
	case evUserRestart:
		if !s.Actions().Has(ActionRestart) {
			return s, fmt.Errorf("%w: restart from %v",
				ErrActionNotAllowed, s.Phase)
		}

		return State{Phase: PhaseGeneratingKeys}, nil

	case evUserRetry:
		switch {
		case s.Phase.IsTerminal():
			return s, ErrAttemptTerminal

		case s.Idle:
			s.Idle = false
			s.Cause = ""

			return s, nil

		case s.Phase.IsError():
			return State{Phase: s.RetryPhase, Conflict: s.Conflict},
				nil

		default:
			return s, fmt.Errorf("%w: retry from %v",
				ErrActionNotAllowed, s.Phase)
		}

	case evUserAbandon:
		if s.Phase.IsTerminal() {
			return s, ErrAttemptTerminal
		}

		return State{Phase: PhaseCancelled, Cause: "abandoned"}, nil
	}

	if s.Phase.IsTerminal() {
		return s, ErrAttemptTerminal
	}

	// Nothing advances out of an error phase or an idle state without the
	// user.
	if s.Phase.IsError() || s.Idle {
		return s, fmt.Errorf("%w: %s while %v awaits the user",
			ErrInvalidTransition, ev.eventName(), s.Phase)
	}

	if f, ok := ev.(evStepFailed); ok {
		return failStep(s, f.err), nil
	}

	next, ok := advance(s, ev)
	if !ok {
		return s, fmt.Errorf("%w: %s in %v", ErrInvalidTransition,
			ev.eventName(), s.Phase)
	}

	return next, nil
}

// advance handles the step events of the happy path and the two branches.
func advance(s State, ev Event) (State, bool) {
	to := func(p Phase) (State, bool) {
		return State{Phase: p, Conflict: s.Conflict}, true
	}

	switch s.Phase {
	case PhaseGeneratingKeys:
		e, ok := ev.(evKeysReady)
		if !ok {
			break
		}

		if e.lost == FactorApp {
			return to(PhasePairing)
		}

		return to(PhaseAwaitingHardwareReady)

	case PhasePairing, PhaseAwaitingHardwareReady:
		if _, ok := ev.(evHardwareReady); ok {
			return to(PhaseAwaitingProofOfPossession)
		}

	case PhaseAwaitingProofOfPossession:
		if _, ok := ev.(evProofReady); ok {
			return to(PhaseCheckingForConflict)
		}

	case PhaseCheckingForConflict:
		switch e := ev.(type) {
		case evNoConflict:
			return State{Phase: PhaseInitiatingWithServer}, true

		case evOwnRecovery:
			return State{Phase: PhaseDelayWindow}, true

		case evConflictFound:
			return State{
				Phase:    PhaseCancellingConflict,
				Conflict: fn.Some(e.conflict),
			}, true
		}

	case PhaseCancellingConflict:
		switch e := ev.(type) {
		case evConflictCancelled:
			// Look again: someone may have started yet another
			// recovery in the meantime.
			return State{Phase: PhaseCheckingForConflict}, true

		case evVerificationRequired:
			if e.purpose == PurposeCancellation {
				return to(PhaseVerifyingForCancellation)
			}
		}

	case PhaseVerifyingForCancellation:
		e, ok := ev.(evVerified)
		if ok && e.purpose == PurposeCancellation {
			return to(PhaseCancellingConflict)
		}

	case PhaseInitiatingWithServer:
		switch e := ev.(type) {
		case evInitiated:
			return State{Phase: PhaseDelayWindow}, true

		// A conflict goes straight to cancellation; no further
		// initiate is attempted before the cancel succeeded.
		case evConflictFound:
			return State{
				Phase:    PhaseCancellingConflict,
				Conflict: fn.Some(e.conflict),
			}, true

		case evVerificationRequired:
			if e.purpose == PurposeInitiation {
				return to(PhaseVerifyingForInitiation)
			}
		}

	case PhaseVerifyingForInitiation:
		e, ok := ev.(evVerified)
		if ok && e.purpose == PurposeInitiation {
			return to(PhaseInitiatingWithServer)
		}

	case PhaseDelayWindow:
		switch ev.(type) {
		case evDelayUpdate:
			return s, true

		case evDelayElapsed:
			return to(PhaseCompleting)

		case evRecoveryGone:
			return State{
				Phase: PhaseCancelled,
				Cause: "recovery cancelled during delay window",
			}, true
		}

	case PhaseCompleting:
		if _, ok := ev.(evCompleted); ok {
			return State{Phase: PhaseCompleted}, true
		}
	}

	return s, false
}

// failStep classifies a step error. A user abort idles the phase, a server
// rejection fails the attempt, anything else lands in the step's error phase.
func failStep(s State, err error) State {
	cause := err.Error()

	switch {
	case errors.Is(err, ErrUserCancelled):
		s.Idle = true
		s.Cause = cause

		return s

	case errors.Is(err, ErrServerRejected):
		return State{Phase: PhaseFailed, Cause: cause}

	// The delay window has no error phase of its own. It waits for the
	// user instead, keeping its stage.
	case s.Phase == PhaseDelayWindow:
		s.Idle = true
		s.Cause = cause

		return s

	default:
		return State{
			Phase:      s.Phase.errorPhase(),
			RetryPhase: s.Phase,
			Cause:      cause,
			Conflict:   s.Conflict,
		}
	}
}
