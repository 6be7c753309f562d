// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"time"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the protocol position of an attempt.
type State struct {
	// Phase is the current phase.
	Phase Phase

	// RetryPhase is the step an error phase re-enters on retry.
	RetryPhase Phase

	// Idle is set when the user aborted a prompt or a tap. The phase is
	// kept and a retry resumes it.
	Idle bool

	// Cause describes the failure of an error phase, an idle state or a
	// failed attempt.
	Cause string

	// Conflict is the recovery being cancelled while the attempt is in
	// the conflict branch.
	Conflict fn.Option[ConflictingRecovery]
}

// Actions returns what the user can do from this state.
func (s State) Actions() Actions {
	switch {
	case s.Phase == PhaseFailed:
		return ActionRestart

	case s.Phase.IsTerminal():
		return ActionRestart

	case s.Phase.IsError(), s.Idle:
		return ActionRetry | ActionRestart

	default:
		return 0
	}
}

// Settled reports whether the orchestrator has nothing to do without user
// input, or has reached the delay window.
func (s State) Settled() bool {
	return s.Idle || s.Phase.IsError() || s.Phase.IsTerminal() ||
		s.Phase.Stage() >= PhaseDelayWindow.Stage()
}

// err returns the PhaseError describing a state that needs the user, or nil.
func (s State) err() error {
	if !s.Idle && !s.Phase.IsError() && s.Phase != PhaseFailed &&
		s.Phase != PhaseCancelled {

		return nil
	}

	return &PhaseError{
		Phase:   s.Phase,
		Idle:    s.Idle,
		Actions: s.Actions(),
		Cause:   s.Cause,
	}
}

// Attempt is the unit of work of a factor recovery. It is persisted after
// every transition so the protocol can resume after a restart.
type Attempt struct {
	// ID identifies the attempt locally.
	ID string

	// AccountID is the account being recovered.
	AccountID string

	// LostFactor is the factor being replaced.
	LostFactor Factor

	// DestinationAppKeys is the app key material of the new keyset.
	DestinationAppKeys *keys.AppKeyBundle

	// DestinationHardwareKeys is the hardware key material of the new
	// keyset.
	DestinationHardwareKeys *keys.HardwareKeyBundle

	// HardwareAttestation is the hardware signature over the new app auth
	// key.
	HardwareAttestation []byte

	// ServerRecoveryID is assigned once the server accepts the initiation.
	ServerRecoveryID fn.Option[string]

	// CreatedAt is when the attempt was created.
	CreatedAt time.Time

	// CompletionAllowedAt is when the server expects to allow completion.
	// The server stays authoritative.
	CompletionAllowedAt time.Time

	// State is the protocol position.
	State State

	// Outcome is set once the attempt is terminal.
	Outcome fn.Option[Outcome]

	// SkippedCancellationVerification and SkippedInitiationVerification
	// record verifications skipped for lack of a touchpoint.
	SkippedCancellationVerification bool
	SkippedInitiationVerification   bool

	// UpdatedAt is when the attempt was last persisted.
	UpdatedAt time.Time
}

// NewAttempt creates an attempt in PhaseGeneratingKeys.
func NewAttempt(accountID string, lost Factor, now time.Time) *Attempt {
	return &Attempt{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		LostFactor: lost,
		CreatedAt:  now,
		UpdatedAt:  now,
		State:      State{Phase: PhaseGeneratingKeys},
	}
}

// IsTerminal reports whether the attempt has an outcome.
func (a *Attempt) IsTerminal() bool {
	return a.Outcome.IsSome() || a.State.Phase.IsTerminal()
}

// Mutate applies f unless the attempt is terminal.
func (a *Attempt) Mutate(f func(*Attempt)) error {
	if a.IsTerminal() {
		return ErrAttemptTerminal
	}

	f(a)

	return nil
}

// Copy returns a copy that shares no mutable slices with a.
func (a *Attempt) Copy() *Attempt {
	c := *a
	if a.HardwareAttestation != nil {
		c.HardwareAttestation = append(
			[]byte(nil), a.HardwareAttestation...,
		)
	}

	return &c
}

// SetVerificationSkipped records a skipped verification.
func (a *Attempt) SetVerificationSkipped(purpose Purpose) {
	switch purpose {
	case PurposeCancellation:
		a.SkippedCancellationVerification = true

	case PurposeInitiation:
		a.SkippedInitiationVerification = true
	}
}
