// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// stepFor returns the step that runs in phase p.
func (o *Orchestrator) stepFor(p Phase) stepFunc {
	switch p {
	case PhaseGeneratingKeys:
		return o.generateKeys

	case PhasePairing:
		return o.pairSurvivingDevice

	case PhaseAwaitingHardwareReady:
		return o.pairReplacementDevice

	case PhaseAwaitingProofOfPossession:
		return o.proveFirst

	case PhaseCheckingForConflict:
		return o.checkForConflict

	case PhaseCancellingConflict:
		return o.cancelConflict

	case PhaseVerifyingForCancellation:
		return o.verifyFor(PurposeCancellation)

	case PhaseInitiatingWithServer:
		return o.initiate

	case PhaseVerifyingForInitiation:
		return o.verifyFor(PurposeInitiation)

	case PhaseDelayWindow:
		return o.waitForDelay

	case PhaseCompleting:
		return o.complete

	default:
		return nil
	}
}

// proofPurpose returns the purpose of the proof the step of p consumes.
func proofPurpose(p Phase) fn.Option[Purpose] {
	switch p {
	case PhaseCancellingConflict:
		return fn.Some(PurposeCancellation)

	case PhaseInitiatingWithServer:
		return fn.Some(PurposeInitiation)

	case PhaseCompleting:
		return fn.Some(PurposeCompletion)

	default:
		return fn.None[Purpose]()
	}
}

// failed wraps a step error, treating a cancelled step as no result.
func failed(ctx context.Context, err error) Event {
	if ctx.Err() != nil {
		return nil
	}

	return evStepFailed{err: err}
}

// generateKeys produces the destination app keys. A lost app gets a fresh
// seed; a lost device keeps the app keys the vault already holds.
func (o *Orchestrator) generateKeys(ctx context.Context, env *stepEnv) Event {
	var (
		secrets *keys.AppSecrets
		err     error
	)

	switch env.attempt.LostFactor {
	case FactorApp:
		secrets, err = o.cfg.Generator.NewAppKeys()
		if err != nil {
			return failed(ctx, err)
		}

		err = o.cfg.Vault.StoreAppSeed(
			ctx, env.account.AccountID, secrets.Seed(),
		)
		if err != nil {
			return failed(ctx, fmt.Errorf("store app seed: %w", err))
		}

	default:
		secrets, err = o.loadSecrets(ctx, env)
		if err != nil {
			return failed(ctx, err)
		}

		registered := env.account.AuthKeys.App
		if registered != nil &&
			!registered.IsEqual(secrets.Bundle().AuthKey) {

			return failed(ctx, errors.New("app seed does not match "+
				"the registered app auth key"))
		}
	}

	o.secretsMu.Lock()
	o.secrets = secrets
	o.secretsMu.Unlock()

	return evKeysReady{
		lost: env.attempt.LostFactor,
		app:  secrets.Bundle(),
	}
}

// pairSurvivingDevice has the account's device attest the new app key.
func (o *Orchestrator) pairSurvivingDevice(ctx context.Context,
	env *stepEnv) Event {

	return o.pair(ctx, env, env.account.AuthKeys.Hardware)
}

// pairReplacementDevice waits for the new device and pairs it.
func (o *Orchestrator) pairReplacementDevice(ctx context.Context,
	env *stepEnv) Event {

	if err := o.cfg.Prompter.ConfirmHardwareReady(ctx); err != nil {
		return failed(ctx, err)
	}

	return o.pair(ctx, env, nil)
}

// pair obtains the hardware keys and the attestation of the app auth key.
func (o *Orchestrator) pair(ctx context.Context, env *stepEnv,
	expected *btcec.PublicKey) Event {

	app := env.attempt.DestinationAppKeys
	if app == nil {
		return failed(ctx, errors.New("missing destination app keys"))
	}

	bundle, attestation, err := o.proofs.Attest(ctx, app.AuthKey, expected)
	if err != nil {
		return failed(ctx, err)
	}

	return evHardwareReady{hardware: bundle, attestation: attestation}
}

// proveFirst obtains the first proof of possession. It is held for the
// initiation; a conflict cancel obtains its own.
func (o *Orchestrator) proveFirst(ctx context.Context, env *stepEnv) Event {
	proof, err := o.obtainProof(ctx, env, PurposeInitiation)
	if err != nil {
		return failed(ctx, err)
	}

	return evProofReady{proof: proof}
}

// checkForConflict asks the server for the account's active recovery.
func (o *Orchestrator) checkForConflict(ctx context.Context,
	env *stepEnv) Event {

	c, err := o.resolver.FindConflict(
		ctx, &env.account, env.attempt.ServerRecoveryID,
	)
	if err != nil {
		return failed(ctx, err)
	}

	existing, err := c.Existing.UnwrapOrErr(errNoConflict)
	switch {
	case err != nil:
		return evNoConflict{}

	case c.Own:
		return evOwnRecovery{
			recoveryID:          existing.RecoveryID,
			completionAllowedAt: existing.CompletionAllowedAt,
		}

	default:
		log.Infof("Found conflicting recovery %s (lost %v)",
			existing.RecoveryID, existing.LostFactor)

		return evConflictFound{conflict: existing}
	}
}

// errNoConflict marks an empty conflict check.
var errNoConflict = errors.New("no conflict")

// cancelConflict cancels the recovery the conflict branch carries.
func (o *Orchestrator) cancelConflict(ctx context.Context, env *stepEnv) Event {
	existing, err := env.attempt.State.Conflict.UnwrapOrErr(
		errors.New("no conflicting recovery to cancel"),
	)
	if err != nil {
		return failed(ctx, err)
	}

	proof, err := o.proofFor(ctx, env, PurposeCancellation)
	if err != nil {
		return failed(ctx, err)
	}

	err = o.resolver.Cancel(ctx, &env.account, existing, proof)

	var cancelErr *CancelError
	switch {
	case err == nil:
		return evConflictCancelled{}

	case errors.As(err, &cancelErr) &&
		cancelErr.Kind == CancelCommsVerificationRequired:

		return o.verificationRequired(
			ctx, env, PurposeCancellation,
		)

	default:
		return failed(ctx, err)
	}
}

// verificationRequired branches into a verification, unless one was
// already skipped for lack of a touchpoint.
func (o *Orchestrator) verificationRequired(ctx context.Context,
	env *stepEnv, purpose Purpose) Event {

	skipped := env.attempt.SkippedCancellationVerification
	if purpose == PurposeInitiation {
		skipped = env.attempt.SkippedInitiationVerification
	}

	if skipped {
		return failed(ctx, fmt.Errorf("%w: server still requires %v "+
			"verification", ErrNoTouchpoint, purpose))
	}

	return evVerificationRequired{purpose: purpose}
}

// verifyFor returns the verification step of purpose.
func (o *Orchestrator) verifyFor(purpose Purpose) stepFunc {
	return func(ctx context.Context, env *stepEnv) Event {
		res, err := o.gate.Verify(ctx, &env.account, purpose, true)
		if err != nil {
			return failed(ctx, err)
		}

		return evVerified{purpose: purpose, skipped: res.Skipped}
	}
}

// initiate submits the recovery to the server.
func (o *Orchestrator) initiate(ctx context.Context, env *stepEnv) Event {
	a := env.attempt
	if a.DestinationAppKeys == nil || a.DestinationHardwareKeys == nil {
		return failed(ctx, errors.New("missing destination keys"))
	}

	proof, err := o.proofFor(ctx, env, PurposeInitiation)
	if err != nil {
		return failed(ctx, err)
	}

	if err := proof.Consume(); err != nil {
		return failed(ctx, err)
	}

	resp, err := o.cfg.Coordinator.Initiate(ctx, &env.account,
		&InitiateRequest{
			IdempotencyKey:      a.ID,
			LostFactor:          a.LostFactor,
			AppKeys:             a.DestinationAppKeys,
			HardwareKeys:        a.DestinationHardwareKeys,
			HardwareAttestation: a.HardwareAttestation,
			Proof:               proof,
		},
	)

	var conflictErr *ConflictError
	switch {
	case err == nil:
		log.Infof("Server accepted recovery %s, completion allowed "+
			"at %v", resp.RecoveryID, resp.CompletionAllowedAt)

		return evInitiated{
			recoveryID:          resp.RecoveryID,
			completionAllowedAt: resp.CompletionAllowedAt,
		}

	case errors.As(err, &conflictErr):
		return evConflictFound{conflict: conflictErr.Existing}

	case errors.Is(err, ErrCommsVerificationRequired):
		return o.verificationRequired(ctx, env, PurposeInitiation)

	default:
		return failed(ctx, err)
	}
}

// complete finishes the recovery and activates the new keyset.
func (o *Orchestrator) complete(ctx context.Context, env *stepEnv) Event {
	a := env.attempt

	recoveryID, err := a.ServerRecoveryID.UnwrapOrErr(
		errors.New("missing server recovery id"),
	)
	if err != nil {
		return failed(ctx, err)
	}

	if a.DestinationAppKeys == nil || a.DestinationHardwareKeys == nil {
		return failed(ctx, errors.New("missing destination keys"))
	}

	proof, err := o.proofFor(ctx, env, PurposeCompletion)
	if err != nil {
		return failed(ctx, err)
	}

	if err := proof.Consume(); err != nil {
		return failed(ctx, err)
	}

	completion, err := o.cfg.Coordinator.Complete(
		ctx, &env.account, recoveryID, proof,
	)
	if err != nil {
		return failed(ctx, err)
	}

	ks, err := keys.NewKeyset(
		a.DestinationAppKeys.Spending, a.DestinationHardwareKeys.Spending,
		completion.ServerSpendingKey, env.account.Network,
	)
	if err != nil {
		return failed(ctx, fmt.Errorf("build keyset: %w", err))
	}

	accountID := env.account.AccountID
	if err := o.cfg.Keysets.PutKeyset(ctx, accountID, ks); err != nil {
		return failed(ctx, fmt.Errorf("store keyset: %w", err))
	}

	err = o.cfg.Keysets.ActivateKeyset(ctx, accountID, a.ID, ks)
	switch {
	case errors.Is(err, ErrKeysetAlreadyActive):
		log.Infof("Keyset %s already activated by attempt %s", ks.ID,
			a.ID)

	case err != nil:
		return failed(ctx, fmt.Errorf("activate keyset: %w", err))
	}

	log.Infof("Activated keyset %s for account %s", ks.ID, accountID)

	return evCompleted{keyset: ks}
}

// proofFor returns the proof handed to the step if it fits purpose, or a
// fresh one.
func (o *Orchestrator) proofFor(ctx context.Context, env *stepEnv,
	purpose Purpose) (*Proof, error) {

	if p := env.proof; p != nil && p.Purpose == purpose && !p.Consumed() {
		env.proof = nil
		return p, nil
	}

	return o.obtainProof(ctx, env, purpose)
}

// obtainProof has the surviving factor prove possession for purpose.
func (o *Orchestrator) obtainProof(ctx context.Context, env *stepEnv,
	purpose Purpose) (*Proof, error) {

	req := ProofRequest{
		Account: &env.account,
		Factor:  env.attempt.LostFactor.Surviving(),
		Purpose: purpose,
	}

	if req.Factor == FactorApp {
		secrets, err := o.appSecrets(ctx, env)
		if err != nil {
			return nil, err
		}

		req.AppKey = secrets.AuthKey()
	}

	return o.proofs.Obtain(ctx, req)
}

// appSecrets returns the cached app secrets, loading them from the vault
// when needed.
func (o *Orchestrator) appSecrets(ctx context.Context,
	env *stepEnv) (*keys.AppSecrets, error) {

	o.secretsMu.Lock()
	secrets := o.secrets
	o.secretsMu.Unlock()

	if secrets != nil {
		return secrets, nil
	}

	secrets, err := o.loadSecrets(ctx, env)
	if err != nil {
		return nil, err
	}

	o.secretsMu.Lock()
	o.secrets = secrets
	o.secretsMu.Unlock()

	return secrets, nil
}

// loadSecrets re-derives the app secrets from the vault seed.
func (o *Orchestrator) loadSecrets(ctx context.Context,
	env *stepEnv) (*keys.AppSecrets, error) {

	seed, err := o.cfg.Vault.LoadAppSeed(ctx, env.account.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load app seed: %w", err)
	}

	return o.cfg.Generator.DeriveAppKeys(seed)
}

// cancelServerSide cancels the attempt's own server recovery for Abandon,
// verifying once if the server asks for it.
func (o *Orchestrator) cancelServerSide(ctx context.Context,
	env *stepEnv) error {

	recoveryID, err := env.attempt.ServerRecoveryID.UnwrapOrErr(
		ErrRecoveryNotFound,
	)
	if err != nil {
		return err
	}

	own := ConflictingRecovery{
		RecoveryID:          recoveryID,
		LostFactor:          env.attempt.LostFactor,
		InitiatedAt:         env.attempt.CreatedAt,
		CompletionAllowedAt: env.attempt.CompletionAllowedAt,
	}

	verified := false
	for {
		proof, err := o.proofFor(ctx, env, PurposeCancellation)
		if err != nil {
			return err
		}

		err = o.resolver.Cancel(ctx, &env.account, own, proof)

		var cancelErr *CancelError
		switch {
		case err == nil:
			return nil

		case !verified && errors.As(err, &cancelErr) &&
			cancelErr.Kind == CancelCommsVerificationRequired:

			_, err := o.gate.Verify(
				ctx, &env.account, PurposeCancellation, false,
			)
			if err != nil {
				return err
			}

			verified = true

		default:
			return err
		}
	}
}
