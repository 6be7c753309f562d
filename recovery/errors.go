// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcrecovery/keys"
)

var (
	// ErrUserCancelled is returned when the user aborted a prompt or a
	// hardware tap. It is not fatal: the attempt stays in its phase until
	// the user retries.
	ErrUserCancelled = errors.New("cancelled by user")

	// ErrNetworking is the sentinel all transport failures wrap.
	ErrNetworking = errors.New("networking error")

	// ErrConflict signals that another recovery is already in progress
	// for the account. It is a branch, not a failure.
	ErrConflict = errors.New("conflicting recovery exists")

	// ErrCommsVerificationRequired signals that the server demands an
	// out-of-band verification before proceeding. It is a branch, not a
	// failure.
	ErrCommsVerificationRequired = errors.New(
		"comms verification required",
	)

	// ErrServerRejected is returned when the server refused a request for
	// good. The attempt cannot continue and must be restarted.
	ErrServerRejected = errors.New("rejected by server")

	// ErrRecoveryNotFound is returned when the server has no record of a
	// recovery.
	ErrRecoveryNotFound = errors.New("recovery not found")

	// ErrProofConsumed is returned when a proof of possession is used a
	// second time.
	ErrProofConsumed = errors.New("proof of possession already used")

	// ErrAttemptTerminal is returned when mutating an attempt that has
	// reached an outcome.
	ErrAttemptTerminal = errors.New("recovery attempt is terminal")

	// ErrAttemptNotFound is returned by stores without a matching attempt.
	ErrAttemptNotFound = errors.New("recovery attempt not found")

	// ErrAttemptInProgress is returned when starting an attempt while
	// another non-terminal attempt exists for the account.
	ErrAttemptInProgress = errors.New("recovery attempt already in progress")

	// ErrKeysetAlreadyActive is returned when an attempt activates its
	// keyset a second time.
	ErrKeysetAlreadyActive = errors.New("keyset already activated")

	// ErrKeysetNotFound is returned by keyset stores without a match.
	ErrKeysetNotFound = errors.New("keyset not found")

	// ErrInvalidTransition is returned by the transition function for an
	// event the current phase does not accept.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrActionNotAllowed is returned when the user asks for an action the
	// current state does not offer.
	ErrActionNotAllowed = errors.New("action not allowed in current state")

	// ErrNoTouchpoint is returned when verification is required but the
	// account has no usable touchpoint and skipping is not allowed.
	ErrNoTouchpoint = errors.New("no verified touchpoint on file")

	// ErrVerificationFailed is returned when the user ran out of code
	// attempts or resends.
	ErrVerificationFailed = errors.New("notification verification failed")

	// ErrOrchestratorShuttingDown is returned for requests made while the
	// orchestrator stops.
	ErrOrchestratorShuttingDown = errors.New("orchestrator shutting down")

	// ErrOrchestratorNotStarted is returned for requests made before Start.
	ErrOrchestratorNotStarted = errors.New("orchestrator not started")

	// ErrOrchestratorAlreadyStarted is returned by a second Start.
	ErrOrchestratorAlreadyStarted = errors.New(
		"orchestrator already started",
	)
)

// HardwareErrorKind enumerates hardware failures.
type HardwareErrorKind uint8

const (
	// HWNoDeviceFound means no device answered.
	HWNoDeviceFound HardwareErrorKind = iota + 1

	// HWWrongDevice means the tapped device's key did not match the
	// expected one.
	HWWrongDevice

	// HWCancelled means the user aborted the tap.
	HWCancelled
)

// String returns the kind name.
func (k HardwareErrorKind) String() string {
	switch k {
	case HWNoDeviceFound:
		return "no device found"

	case HWWrongDevice:
		return "wrong device"

	case HWCancelled:
		return "cancelled"

	default:
		return "unknown hardware error"
	}
}

// HardwareError is a failure talking to the hardware factor. All kinds are
// recoverable by retrying after the user corrects the physical state.
type HardwareError struct {
	Kind HardwareErrorKind
	Err  error
}

// Error implements the error interface.
func (e *HardwareError) Error() string {
	if e.Err == nil {
		return "hardware: " + e.Kind.String()
	}

	return fmt.Sprintf("hardware: %v: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error. A cancelled tap also matches
// ErrUserCancelled.
func (e *HardwareError) Unwrap() []error {
	errs := []error{e.Err}
	if e.Kind == HWCancelled {
		errs = append(errs, ErrUserCancelled)
	}

	return errs
}

// AsHardwareError maps a device driver error to a HardwareError. Errors that
// are not device failures are returned unchanged.
func AsHardwareError(err error) error {
	var hwErr *HardwareError
	switch {
	case err == nil:
		return nil

	case errors.As(err, &hwErr):
		return err

	case errors.Is(err, keys.ErrNoDevice):
		return &HardwareError{Kind: HWNoDeviceFound, Err: err}

	case errors.Is(err, keys.ErrTapCancelled):
		return &HardwareError{Kind: HWCancelled, Err: err}

	case errors.Is(err, keys.ErrKeysetMismatch):
		return &HardwareError{Kind: HWWrongDevice, Err: err}

	default:
		return err
	}
}

// NetworkError is a transport failure after the transport's own retries
// were exhausted. The attempt state is left unchanged.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrNetworking, e.Err)
}

// Unwrap returns both the networking sentinel and the cause.
func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetworking, e.Err}
}

// ConflictError carries the recovery that blocked an initiation.
type ConflictError struct {
	Existing ConflictingRecovery
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConflict, e.Existing.RecoveryID)
}

// Unwrap returns ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// CancelErrorKind enumerates conflict cancellation failures.
type CancelErrorKind uint8

const (
	// CancelCommsVerificationRequired means the cancel must be preceded by
	// a notification verification.
	CancelCommsVerificationRequired CancelErrorKind = iota + 1

	// CancelOther is any other failure. It is surfaced to the user with a
	// retry or restart choice.
	CancelOther
)

// CancelError is returned by ConflictResolver.Cancel.
type CancelError struct {
	Kind CancelErrorKind
	Err  error
}

// Error implements the error interface.
func (e *CancelError) Error() string {
	if e.Kind == CancelCommsVerificationRequired {
		return "cancel recovery: " +
			ErrCommsVerificationRequired.Error()
	}

	return fmt.Sprintf("cancel recovery: %v", e.Err)
}

// Unwrap returns the cause.
func (e *CancelError) Unwrap() error {
	if e.Kind == CancelCommsVerificationRequired && e.Err == nil {
		return ErrCommsVerificationRequired
	}

	return e.Err
}

// PhaseError is returned to callers when the orchestrator stopped in a phase
// that needs user input. It names the phase, the cause and what the user can
// do next.
type PhaseError struct {
	Phase   Phase
	Idle    bool
	Actions Actions
	Cause   string
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	var b strings.Builder
	b.WriteString("recovery stopped in ")
	b.WriteString(e.Phase.String())

	if e.Idle {
		b.WriteString(" (waiting for user)")
	}

	if e.Cause != "" {
		b.WriteString(": ")
		b.WriteString(e.Cause)
	}

	b.WriteString(" [")
	b.WriteString(e.Actions.String())
	b.WriteString("]")

	return b.String()
}

// Is lets errors.Is match ErrUserCancelled for idle phases and
// ErrServerRejected for failed attempts.
func (e *PhaseError) Is(target error) bool {
	switch target {
	case ErrUserCancelled:
		return e.Idle

	case ErrServerRejected:
		return e.Phase == PhaseFailed

	default:
		return false
	}
}
