// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/clock"
)

// challengeSize is the size of a proof of possession challenge.
const challengeSize = 32

// proofTag domain-separates proof digests from attestations.
var proofTag = []byte("btcrecovery/proof")

// ProofDigest is the digest a factor signs to prove possession. It binds the
// challenge to the account and the purpose, so a proof for one purpose is
// useless for another.
func ProofDigest(accountID string, purpose Purpose, challenge []byte) []byte {
	h := sha256.New()
	h.Write(proofTag)
	h.Write([]byte{byte(purpose)})
	h.Write([]byte(accountID))
	h.Write(challenge)

	return h.Sum(nil)
}

// Proof is a signed, single-use proof that the customer holds the surviving
// factor. It is never persisted.
type Proof struct {
	Factor     Factor
	Purpose    Purpose
	Challenge  []byte
	Signature  []byte
	PubKey     *btcec.PublicKey
	ObtainedAt time.Time

	consumed atomic.Bool
}

// Consume marks the proof as used. A proof can be consumed once.
func (p *Proof) Consume() error {
	if !p.consumed.CompareAndSwap(false, true) {
		return ErrProofConsumed
	}

	return nil
}

// Consumed reports whether the proof was used.
func (p *Proof) Consumed() bool {
	return p.consumed.Load()
}

// Verify checks the proof signature for the given account.
func (p *Proof) Verify(accountID string) error {
	digest := ProofDigest(accountID, p.Purpose, p.Challenge)
	return keys.VerifyDigest(p.PubKey, digest, p.Signature)
}

// ProofRequest describes the proof to obtain.
type ProofRequest struct {
	Account *AccountContext

	// Factor is the surviving factor that proves possession.
	Factor Factor

	Purpose Purpose

	// AppKey signs app-factor proofs.
	AppKey *btcec.PrivateKey
}

// ProofGate obtains proofs of possession from the surviving factor. It keeps
// no state between calls.
type ProofGate struct {
	device HardwareDevice
	clock  clock.Clock
	rand   io.Reader
}

// NewProofGate creates a gate over the given hardware device.
func NewProofGate(device HardwareDevice, clk clock.Clock) *ProofGate {
	return &ProofGate{device: device, clock: clk, rand: rand.Reader}
}

// Obtain produces a fresh proof over a new random challenge.
func (g *ProofGate) Obtain(ctx context.Context, req ProofRequest) (*Proof,
	error) {

	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(g.rand, challenge); err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}

	digest := ProofDigest(req.Account.AccountID, req.Purpose, challenge)
	proof := &Proof{
		Factor:    req.Factor,
		Purpose:   req.Purpose,
		Challenge: challenge,
	}

	switch req.Factor {
	case FactorApp:
		if req.AppKey == nil {
			return nil, errors.New("app proof requires the app key")
		}

		proof.Signature = keys.SignDigest(req.AppKey, digest)
		proof.PubKey = req.AppKey.PubKey()

	case FactorHardware:
		if g.device == nil {
			return nil, &HardwareError{Kind: HWNoDeviceFound}
		}

		sig, pub, err := g.device.RequestProofOfPossession(ctx, digest)
		if err != nil {
			return nil, AsHardwareError(err)
		}

		expected := req.Account.AuthKeys.Hardware
		if expected != nil && !expected.IsEqual(pub) {
			return nil, &HardwareError{
				Kind: HWWrongDevice,
				Err: fmt.Errorf("auth key %x",
					pub.SerializeCompressed()),
			}
		}

		proof.Signature = sig
		proof.PubKey = pub

	default:
		return nil, fmt.Errorf("unknown factor %v", req.Factor)
	}

	if err := proof.Verify(req.Account.AccountID); err != nil {
		return nil, fmt.Errorf("%v proof: %w", req.Factor, err)
	}

	proof.ObtainedAt = g.clock.Now()

	log.Debugf("Obtained %v proof of possession for %v on account %s",
		req.Factor, req.Purpose, req.Account.AccountID)

	return proof, nil
}

// Attest pairs the device and has it attest the new app auth key. When
// expected is set, the paired device must hold that auth key.
func (g *ProofGate) Attest(ctx context.Context, appAuthKey *btcec.PublicKey,
	expected *btcec.PublicKey) (*keys.HardwareKeyBundle, []byte, error) {

	if g.device == nil {
		return nil, nil, &HardwareError{Kind: HWNoDeviceFound}
	}

	bundle, err := g.device.Pair(ctx)
	if err != nil {
		return nil, nil, AsHardwareError(err)
	}

	if expected != nil && !expected.IsEqual(bundle.AuthKey) {
		return nil, nil, &HardwareError{
			Kind: HWWrongDevice,
			Err: fmt.Errorf("auth key %x",
				bundle.AuthKey.SerializeCompressed()),
		}
	}

	attestation, err := g.device.SignAttestation(ctx, appAuthKey)
	if err != nil {
		return nil, nil, AsHardwareError(err)
	}

	err = keys.VerifyDigest(
		bundle.AuthKey, keys.AttestationDigest(appAuthKey), attestation,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("attestation: %w", err)
	}

	return bundle, attestation, nil
}
