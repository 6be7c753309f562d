// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Conflict is the answer of FindConflict.
type Conflict struct {
	// Own is set when the account's active recovery is the caller's own.
	Own bool

	// Existing is the active recovery, if any.
	Existing fn.Option[ConflictingRecovery]
}

// ConflictResolver finds and cancels recoveries that block a new one.
type ConflictResolver struct {
	coordinator CoordinationService
}

// NewConflictResolver creates a resolver over the coordination service.
func NewConflictResolver(c CoordinationService) *ConflictResolver {
	return &ConflictResolver{coordinator: c}
}

// FindConflict asks the server for the account's active recovery. A
// recovery whose ID equals own is reported as Own rather than as a
// conflict.
func (r *ConflictResolver) FindConflict(ctx context.Context,
	account *AccountContext, own fn.Option[string]) (*Conflict, error) {

	active, err := r.coordinator.ActiveRecovery(ctx, account)
	if err != nil {
		return nil, err
	}

	var c Conflict
	active.WhenSome(func(existing ConflictingRecovery) {
		ownID := own.UnwrapOr("")
		if ownID != "" && existing.RecoveryID == ownID {
			c.Own = true
		}

		c.Existing = fn.Some(existing)
	})

	return &c, nil
}

// Cancel deletes the existing recovery server-side with the given proof,
// which it consumes. The deletion is not locally reversible.
func (r *ConflictResolver) Cancel(ctx context.Context, account *AccountContext,
	existing ConflictingRecovery, proof *Proof) error {

	if err := proof.Consume(); err != nil {
		return &CancelError{Kind: CancelOther, Err: err}
	}

	err := r.coordinator.Cancel(ctx, account, existing.RecoveryID, proof)
	switch {
	case err == nil:
		log.Infof("Cancelled recovery %s of account %s (lost %v)",
			existing.RecoveryID, account.AccountID,
			existing.LostFactor)

		return nil

	case errors.Is(err, ErrCommsVerificationRequired):
		return &CancelError{Kind: CancelCommsVerificationRequired}

	// Already gone counts as cancelled.
	case errors.Is(err, ErrRecoveryNotFound):
		log.Infof("Recovery %s already gone", existing.RecoveryID)
		return nil

	default:
		return &CancelError{Kind: CancelOther, Err: err}
	}
}
