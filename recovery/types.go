// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcrecovery/keys"
)

// Factor is one of the two customer-held keys of the 2-of-3 scheme.
type Factor uint8

const (
	// FactorApp is the mobile app key.
	FactorApp Factor = iota + 1

	// FactorHardware is the hardware device key.
	FactorHardware
)

// String returns the factor name.
func (f Factor) String() string {
	switch f {
	case FactorApp:
		return "app"

	case FactorHardware:
		return "hardware"

	default:
		return fmt.Sprintf("factor(%d)", uint8(f))
	}
}

// Surviving returns the factor that was not lost.
func (f Factor) Surviving() Factor {
	if f == FactorApp {
		return FactorHardware
	}

	return FactorApp
}

// ParseFactor parses a factor name.
func ParseFactor(s string) (Factor, error) {
	switch s {
	case "app":
		return FactorApp, nil

	case "hardware", "hw":
		return FactorHardware, nil

	default:
		return 0, fmt.Errorf("unknown factor %q", s)
	}
}

// TouchpointKind is the channel a verification code is sent through.
type TouchpointKind uint8

const (
	// TouchpointEmail delivers codes by email.
	TouchpointEmail TouchpointKind = iota + 1

	// TouchpointPhone delivers codes by SMS to an E.164 number.
	TouchpointPhone
)

// String returns the touchpoint kind name.
func (k TouchpointKind) String() string {
	switch k {
	case TouchpointEmail:
		return "email"

	case TouchpointPhone:
		return "phone"

	default:
		return "unknown"
	}
}

// Touchpoint is a verified contact the server can send codes to.
type Touchpoint struct {
	ID    string
	Kind  TouchpointKind
	Value string
}

// AuthKeys are the auth keys currently registered for an account.
type AuthKeys struct {
	App      *btcec.PublicKey
	Hardware *btcec.PublicKey
}

// AccountContext is everything the recovery components need to know about
// the account they act for. It is passed explicitly to every component.
type AccountContext struct {
	// AccountID is the server-side account identifier.
	AccountID string `validate:"required"`

	// Network is the chain the account lives on.
	Network *chaincfg.Params `validate:"required"`

	// Touchpoints are the verified contacts of the account.
	Touchpoints []Touchpoint

	// AuthKeys are the account's registered auth keys.
	AuthKeys AuthKeys

	// ActiveKeyset is the account's spending keyset. It is replaced once
	// a recovery completes.
	ActiveKeyset *keys.Keyset
}

// ConflictingRecovery is a recovery for the same account that already exists
// server-side. It only lives long enough to drive its cancellation.
type ConflictingRecovery struct {
	RecoveryID          string
	LostFactor          Factor
	InitiatedAt         time.Time
	CompletionAllowedAt time.Time
}

// OutcomeKind enumerates terminal results.
type OutcomeKind uint8

const (
	// OutcomeCompleted means the new keyset is active.
	OutcomeCompleted OutcomeKind = iota + 1

	// OutcomeCancelled means the attempt was abandoned or cancelled
	// server-side.
	OutcomeCancelled

	// OutcomeFailed means the server rejected the attempt.
	OutcomeFailed
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"

	case OutcomeCancelled:
		return "cancelled"

	case OutcomeFailed:
		return "failed"

	default:
		return "unknown"
	}
}

// Outcome is the terminal result of an attempt.
type Outcome struct {
	Kind OutcomeKind

	// KeysetID is the newly active keyset of a completed attempt.
	KeysetID string

	// Cause describes why a failed attempt failed.
	Cause string
}

// String returns a short description of the outcome.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeCompleted:
		return "completed(" + o.KeysetID + ")"

	case OutcomeFailed:
		return "failed(" + o.Cause + ")"

	default:
		return o.Kind.String()
	}
}

// Purpose is what a notification verification or proof authorizes.
type Purpose uint8

const (
	// PurposeCancellation authorizes cancelling a conflicting recovery.
	PurposeCancellation Purpose = iota + 1

	// PurposeInitiation authorizes initiating a recovery.
	PurposeInitiation

	// PurposeCompletion authorizes completing a recovery. Only proofs of
	// possession use it.
	PurposeCompletion
)

// String returns the purpose name.
func (p Purpose) String() string {
	switch p {
	case PurposeCancellation:
		return "cancellation"

	case PurposeInitiation:
		return "initiation"

	case PurposeCompletion:
		return "completion"

	default:
		return "unknown"
	}
}
