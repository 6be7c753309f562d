// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
)

// SoftDevice is a software emulation of a hardware signing device. It holds
// the same key layout a real device would and is meant for regtest and
// development setups only.
type SoftDevice struct {
	keys *factorKeys

	mu        sync.Mutex
	connected bool
	cancelTap bool
}

// NewSoftDevice creates a connected software device from a seed.
func NewSoftDevice(seed []byte, net *chaincfg.Params) (*SoftDevice, error) {
	fk, err := deriveFactorKeys(seed, net)
	if err != nil {
		return nil, err
	}

	return &SoftDevice{keys: fk, connected: true}, nil
}

// SetConnected toggles whether the device answers requests.
func (d *SoftDevice) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected = connected
}

// CancelNextTap makes the next request fail as if the user aborted it.
func (d *SoftDevice) CancelNextTap() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelTap = true
}

// tap emulates the physical confirmation every request needs.
func (d *SoftDevice) tap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNoDevice
	}

	if d.cancelTap {
		d.cancelTap = false
		return ErrTapCancelled
	}

	return nil
}

// Bundle returns the device's public key material.
func (d *SoftDevice) Bundle() *HardwareKeyBundle {
	return &HardwareKeyBundle{
		AuthKey:  d.keys.authKey.PubKey(),
		Spending: d.keys.spending,
	}
}

// Pair returns the device's public key material after a tap.
func (d *SoftDevice) Pair(ctx context.Context) (*HardwareKeyBundle, error) {
	if err := d.tap(ctx); err != nil {
		return nil, err
	}

	return d.Bundle(), nil
}

// RequestProofOfPossession signs the challenge digest with the device's auth
// key.
func (d *SoftDevice) RequestProofOfPossession(ctx context.Context,
	challenge []byte) ([]byte, *btcec.PublicKey, error) {

	if err := d.tap(ctx); err != nil {
		return nil, nil, err
	}

	return SignDigest(d.keys.authKey, challenge), d.keys.authKey.PubKey(),
		nil
}

// SignAttestation signs the attestation digest of an app auth key.
func (d *SoftDevice) SignAttestation(ctx context.Context,
	appAuthKey *btcec.PublicKey) ([]byte, error) {

	if err := d.tap(ctx); err != nil {
		return nil, err
	}

	return SignDigest(d.keys.authKey, AttestationDigest(appAuthKey)), nil
}

// SignPsbt adds the device's signatures to a copy of packet. The keyset must
// include the device's spending key.
func (d *SoftDevice) SignPsbt(ctx context.Context, packet *psbt.Packet,
	keyset *Keyset) (*psbt.Packet, error) {

	if err := d.tap(ctx); err != nil {
		return nil, err
	}

	return d.keys.signCopy(packet, keyset)
}
