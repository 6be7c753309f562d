// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
)

// errorResponse is the body of every 4xx and 5xx answer.
type errorResponse struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Recovery *recoveryBody `json:"recovery,omitempty"`
}

// recoveryBody describes a server-side recovery.
type recoveryBody struct {
	RecoveryID          string    `json:"recovery_id"`
	LostFactor          string    `json:"lost_factor"`
	InitiatedAt         time.Time `json:"initiated_at"`
	CompletionAllowedAt time.Time `json:"completion_allowed_at"`
	Ready               bool      `json:"ready"`
}

// conflicting converts the body to a conflicting recovery.
func (r *recoveryBody) conflicting() (recovery.ConflictingRecovery, error) {
	if r.RecoveryID == "" {
		return recovery.ConflictingRecovery{}, fmt.Errorf("recovery " +
			"without id")
	}

	lost, err := recovery.ParseFactor(r.LostFactor)
	if err != nil {
		return recovery.ConflictingRecovery{}, err
	}

	return recovery.ConflictingRecovery{
		RecoveryID:          r.RecoveryID,
		LostFactor:          lost,
		InitiatedAt:         r.InitiatedAt,
		CompletionAllowedAt: r.CompletionAllowedAt,
	}, nil
}

// activeRecoveryResponse answers GET /recovery.
type activeRecoveryResponse struct {
	Recovery *recoveryBody `json:"recovery"`
}

// cosignerKey is a cosigner account key.
type cosignerKey struct {
	XPub        string   `json:"xpub"`
	Fingerprint uint32   `json:"fingerprint"`
	Path        []uint32 `json:"path"`
}

func newCosignerKey(c keys.CosignerKey) cosignerKey {
	return cosignerKey{
		XPub:        c.XPub.String(),
		Fingerprint: c.MasterFingerprint,
		Path:        c.Path,
	}
}

// toKey parses the cosigner key and checks it belongs to net.
func (c cosignerKey) toKey(net *chaincfg.Params) (keys.CosignerKey, error) {
	xpub, err := hdkeychain.NewKeyFromString(c.XPub)
	if err != nil {
		return keys.CosignerKey{}, fmt.Errorf("parse xpub: %w", err)
	}

	if xpub.IsPrivate() {
		return keys.CosignerKey{}, fmt.Errorf("server sent a private " +
			"key")
	}

	if !xpub.IsForNet(net) {
		return keys.CosignerKey{}, fmt.Errorf("%w: %s",
			keys.ErrNetworkMismatch, net.Name)
	}

	return keys.CosignerKey{
		XPub:              xpub,
		MasterFingerprint: c.Fingerprint,
		Path:              c.Path,
	}, nil
}

// keyBundle is the public key material of a factor.
type keyBundle struct {
	AuthKey  string      `json:"auth_key"`
	Spending cosignerKey `json:"spending"`
}

func newKeyBundle(auth *btcec.PublicKey,
	spending keys.CosignerKey) *keyBundle {

	return &keyBundle{
		AuthKey:  hex.EncodeToString(auth.SerializeCompressed()),
		Spending: newCosignerKey(spending),
	}
}

// proofBody is a proof of possession.
type proofBody struct {
	Factor    string `json:"factor"`
	Purpose   string `json:"purpose"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	PubKey    string `json:"pub_key"`
}

// newProofBody encodes a proof. The proof must have been consumed by the
// caller.
func newProofBody(p *recovery.Proof) (*proofBody, error) {
	if p == nil {
		return nil, fmt.Errorf("missing proof of possession")
	}

	if !p.Consumed() {
		return nil, fmt.Errorf("proof of possession not consumed")
	}

	return &proofBody{
		Factor:    p.Factor.String(),
		Purpose:   p.Purpose.String(),
		Challenge: hex.EncodeToString(p.Challenge),
		Signature: hex.EncodeToString(p.Signature),
		PubKey:    hex.EncodeToString(p.PubKey.SerializeCompressed()),
	}, nil
}

// initiateRequest is the body of POST /recovery.
type initiateRequest struct {
	LostFactor   string     `json:"lost_factor"`
	AppKeys      *keyBundle `json:"app_keys,omitempty"`
	HardwareKeys *keyBundle `json:"hardware_keys,omitempty"`
	Attestation  string     `json:"hardware_attestation"`
	Proof        *proofBody `json:"proof"`
}

// proofRequest is the body of calls that only carry a proof.
type proofRequest struct {
	Proof *proofBody `json:"proof"`
}

// completeResponse answers POST /recovery/{rid}/complete.
type completeResponse struct {
	ServerKey cosignerKey `json:"server_key"`
}

// challengeRequest is the body of POST /notifications/challenges.
type challengeRequest struct {
	TouchpointID string `json:"touchpoint_id"`
	Kind         string `json:"kind"`
	Purpose      string `json:"purpose"`
}

// challengeResponse answers POST /notifications/challenges.
type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
}

// verifyRequest is the body of PUT /notifications/challenges/{cid}.
type verifyRequest struct {
	Code string `json:"code"`
}

// verifyResponse answers PUT /notifications/challenges/{cid}.
type verifyResponse struct {
	Result string `json:"result"`
}

// parseCodeResult maps a verification result name.
func parseCodeResult(s string) (recovery.CodeResult, error) {
	switch s {
	case "ok":
		return recovery.CodeOk, nil

	case "invalid":
		return recovery.CodeInvalid, nil

	case "expired":
		return recovery.CodeExpired, nil

	default:
		return 0, fmt.Errorf("unknown code result %q", s)
	}
}

// signRequest is the body of POST /sweeps/sign.
type signRequest struct {
	KeysetID string `json:"keyset_id"`
	Psbt     string `json:"psbt"`
}

// signResponse answers POST /sweeps/sign.
type signResponse struct {
	Psbt string `json:"psbt"`
}

// publishRequest is the body of POST /sweeps.
type publishRequest struct {
	Txs []string `json:"txs"`
}

// publishResult is the outcome of one published transaction.
type publishResult struct {
	Txid  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

// publishResponse answers POST /sweeps.
type publishResponse struct {
	Results []publishResult `json:"results"`
}
