// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// InitiateRequest is what the server needs to start a recovery.
type InitiateRequest struct {
	// IdempotencyKey makes a repeated submission of the same attempt
	// harmless.
	IdempotencyKey string

	LostFactor   Factor
	AppKeys      *keys.AppKeyBundle
	HardwareKeys *keys.HardwareKeyBundle

	// HardwareAttestation is the hardware signature over the new app
	// auth key.
	HardwareAttestation []byte

	// Proof is a consumed proof of possession of the surviving factor.
	Proof *Proof
}

// InitiateResponse is the server's acceptance of a recovery.
type InitiateResponse struct {
	RecoveryID          string
	CompletionAllowedAt time.Time
}

// RecoveryStatus is the server-side view of a pending recovery.
type RecoveryStatus struct {
	// Ready is set once the delay elapsed and completion is allowed.
	Ready bool

	// CompletionAllowedAt is the server's current estimate.
	CompletionAllowedAt time.Time
}

// Completion is the server's answer to a completed recovery.
type Completion struct {
	// ServerSpendingKey is the server's account key in the new keyset.
	ServerSpendingKey keys.CosignerKey
}

// CoordinationService is the remote recovery coordinator.
//
// Every mutating call carries a proof the caller already consumed. Transport
// failures are returned as *NetworkError.
type CoordinationService interface {
	// ActiveRecovery returns the account's server-side recovery, if any.
	ActiveRecovery(ctx context.Context,
		account *AccountContext) (fn.Option[ConflictingRecovery], error)

	// Initiate starts a recovery. It returns *ConflictError when another
	// recovery exists, ErrCommsVerificationRequired when a notification
	// verification must come first and ErrServerRejected when the
	// request is refused for good.
	Initiate(ctx context.Context, account *AccountContext,
		req *InitiateRequest) (*InitiateResponse, error)

	// Cancel deletes a server-side recovery. It returns
	// ErrCommsVerificationRequired when a notification verification must
	// come first.
	Cancel(ctx context.Context, account *AccountContext,
		recoveryID string, proof *Proof) error

	// Status reports the progress of a recovery. It returns
	// ErrRecoveryNotFound when the server no longer knows it.
	Status(ctx context.Context, account *AccountContext,
		recoveryID string) (*RecoveryStatus, error)

	// Complete finishes a recovery whose delay elapsed.
	Complete(ctx context.Context, account *AccountContext,
		recoveryID string, proof *Proof) (*Completion, error)
}

// CodeResult is the outcome of checking a verification code.
type CodeResult uint8

const (
	// CodeOk means the code was accepted.
	CodeOk CodeResult = iota

	// CodeInvalid means the code was wrong.
	CodeInvalid

	// CodeExpired means the code can no longer be used.
	CodeExpired
)

// String returns the result name.
func (c CodeResult) String() string {
	switch c {
	case CodeOk:
		return "ok"

	case CodeInvalid:
		return "invalid"

	case CodeExpired:
		return "expired"

	default:
		return "unknown"
	}
}

// TouchpointService sends and checks notification verification codes.
type TouchpointService interface {
	// SendCode sends a code for purpose to tp and returns the challenge
	// the code belongs to.
	SendCode(ctx context.Context, account *AccountContext, tp Touchpoint,
		purpose Purpose) (string, error)

	// VerifyCode checks a code against its challenge.
	VerifyCode(ctx context.Context, account *AccountContext,
		challengeID, code string) (CodeResult, error)
}

// HardwareDevice is the hardware signing device. Every call requires a
// physical confirmation and may block until the user gives it.
type HardwareDevice interface {
	// Pair returns the device's public key material.
	Pair(ctx context.Context) (*keys.HardwareKeyBundle, error)

	// RequestProofOfPossession signs digest with the device auth key.
	RequestProofOfPossession(ctx context.Context,
		digest []byte) ([]byte, *btcec.PublicKey, error)

	// SignAttestation signs the attestation of an app auth key.
	SignAttestation(ctx context.Context,
		appAuthKey *btcec.PublicKey) ([]byte, error)
}

// Prompter asks the user for input. Both methods return ErrUserCancelled
// when the user backs out.
type Prompter interface {
	// EnterCode asks for the code sent to tp.
	EnterCode(ctx context.Context, tp Touchpoint,
		purpose Purpose) (string, error)

	// ConfirmHardwareReady waits until the replacement device is
	// connected.
	ConfirmHardwareReady(ctx context.Context) error
}

// AttemptStore persists recovery attempts.
type AttemptStore interface {
	// PutAttempt inserts or replaces an attempt. It returns
	// ErrAttemptInProgress when another non-terminal attempt exists for
	// the account.
	PutAttempt(ctx context.Context, attempt *Attempt) error

	// FetchAttempt returns an attempt by ID.
	FetchAttempt(ctx context.Context, id string) (*Attempt, error)

	// ActiveAttempt returns the account's non-terminal attempt, or
	// ErrAttemptNotFound.
	ActiveAttempt(ctx context.Context, accountID string) (*Attempt, error)
}

// KeysetStore persists the keysets an account ever had.
type KeysetStore interface {
	// PutKeyset records a keyset for the account without activating it.
	PutKeyset(ctx context.Context, accountID string, ks *keys.Keyset) error

	// ActivateKeyset makes ks the account's active keyset on behalf of a
	// recovery attempt. A second activation for the same attempt returns
	// ErrKeysetAlreadyActive.
	ActivateKeyset(ctx context.Context, accountID, attemptID string,
		ks *keys.Keyset) error

	// ActiveKeyset returns the account's active keyset.
	ActiveKeyset(ctx context.Context, accountID string) (*keys.Keyset,
		error)

	// Keysets returns every keyset of the account, oldest first.
	Keysets(ctx context.Context, accountID string) ([]*keys.Keyset, error)
}

// SeedVault keeps the app seed at rest.
type SeedVault interface {
	StoreAppSeed(ctx context.Context, accountID string, seed []byte) error
	LoadAppSeed(ctx context.Context, accountID string) ([]byte, error)
}

// KeyGenerator produces app key material.
type KeyGenerator interface {
	NewAppKeys() (*keys.AppSecrets, error)
	DeriveAppKeys(seed []byte) (*keys.AppSecrets, error)
}

// A compile-time check that the keys package provides the local parts.
var (
	_ KeyGenerator   = (*keys.Generator)(nil)
	_ SeedVault      = (*keys.FileVault)(nil)
	_ HardwareDevice = (*keys.SoftDevice)(nil)
)
