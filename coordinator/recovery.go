// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	pathRecovery         = "/v1/accounts/{account}/recovery"
	pathRecoveryID       = "/v1/accounts/{account}/recovery/{recovery}"
	pathRecoveryComplete = pathRecoveryID + "/complete"
)

// ActiveRecovery returns the account's server-side recovery, if any.
func (c *Client) ActiveRecovery(ctx context.Context,
	account *recovery.AccountContext) (fn.Option[recovery.ConflictingRecovery],
	error) {

	none := fn.None[recovery.ConflictingRecovery]()

	var body activeRecoveryResponse
	resp, err := c.request(ctx, account.AccountID).
		SetResult(&body).
		Get(pathRecovery)

	err = classify("active recovery", resp, err)
	switch {
	case errors.Is(err, recovery.ErrRecoveryNotFound):
		return none, nil

	case err != nil:
		return none, err
	}

	if body.Recovery == nil {
		return none, nil
	}

	existing, err := body.Recovery.conflicting()
	if err != nil {
		return none, fmt.Errorf("active recovery: %w", err)
	}

	log.Debugf("Account %s has active recovery %s (lost %v)",
		account.AccountID, existing.RecoveryID, existing.LostFactor)

	return fn.Some(existing), nil
}

// Initiate starts a recovery.
func (c *Client) Initiate(ctx context.Context,
	account *recovery.AccountContext,
	req *recovery.InitiateRequest) (*recovery.InitiateResponse, error) {

	proof, err := newProofBody(req.Proof)
	if err != nil {
		return nil, err
	}

	body := &initiateRequest{
		LostFactor:  req.LostFactor.String(),
		Attestation: hex.EncodeToString(req.HardwareAttestation),
		Proof:       proof,
	}

	if req.AppKeys != nil {
		body.AppKeys = newKeyBundle(
			req.AppKeys.AuthKey, req.AppKeys.Spending,
		)
	}

	if req.HardwareKeys != nil {
		body.HardwareKeys = newKeyBundle(
			req.HardwareKeys.AuthKey, req.HardwareKeys.Spending,
		)
	}

	var result recoveryBody
	resp, err := c.request(ctx, account.AccountID).
		SetHeader(headerIdempotencyKey, req.IdempotencyKey).
		SetBody(body).
		SetResult(&result).
		Post(pathRecovery)
	if err := classify("initiate recovery", resp, err); err != nil {
		return nil, err
	}

	if result.RecoveryID == "" {
		return nil, fmt.Errorf("initiate recovery: %w: missing "+
			"recovery id", recovery.ErrServerRejected)
	}

	log.Infof("Server accepted recovery %s for account %s, completion "+
		"allowed at %v", result.RecoveryID, account.AccountID,
		result.CompletionAllowedAt)

	return &recovery.InitiateResponse{
		RecoveryID:          result.RecoveryID,
		CompletionAllowedAt: result.CompletionAllowedAt,
	}, nil
}

// Cancel deletes a server-side recovery. A recovery the server no longer
// knows counts as cancelled.
func (c *Client) Cancel(ctx context.Context, account *recovery.AccountContext,
	recoveryID string, proof *recovery.Proof) error {

	body, err := newProofBody(proof)
	if err != nil {
		return err
	}

	resp, err := c.request(ctx, account.AccountID).
		SetPathParam("recovery", recoveryID).
		SetBody(&proofRequest{Proof: body}).
		Delete(pathRecoveryID)

	err = classify("cancel recovery", resp, err)
	if errors.Is(err, recovery.ErrRecoveryNotFound) {
		log.Infof("Recovery %s already gone", recoveryID)
		return nil
	}

	return err
}

// Status reports the progress of a recovery.
func (c *Client) Status(ctx context.Context, account *recovery.AccountContext,
	recoveryID string) (*recovery.RecoveryStatus, error) {

	var result recoveryBody
	resp, err := c.request(ctx, account.AccountID).
		SetPathParam("recovery", recoveryID).
		SetResult(&result).
		Get(pathRecoveryID)
	if err := classify("recovery status", resp, err); err != nil {
		return nil, err
	}

	return &recovery.RecoveryStatus{
		Ready:               result.Ready,
		CompletionAllowedAt: result.CompletionAllowedAt,
	}, nil
}

// Complete finishes a recovery whose delay elapsed.
func (c *Client) Complete(ctx context.Context,
	account *recovery.AccountContext, recoveryID string,
	proof *recovery.Proof) (*recovery.Completion, error) {

	body, err := newProofBody(proof)
	if err != nil {
		return nil, err
	}

	var result completeResponse
	resp, err := c.request(ctx, account.AccountID).
		SetPathParam("recovery", recoveryID).
		SetBody(&proofRequest{Proof: body}).
		SetResult(&result).
		Post(pathRecoveryComplete)
	if err := classify("complete recovery", resp, err); err != nil {
		return nil, err
	}

	serverKey, err := result.ServerKey.toKey(account.Network)
	if err != nil {
		return nil, fmt.Errorf("complete recovery: %w: %v",
			recovery.ErrServerRejected, err)
	}

	return &recovery.Completion{ServerSpendingKey: serverKey}, nil
}
