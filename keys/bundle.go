// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// multisigPurpose is the BIP48 purpose used for the spending account.
	multisigPurpose = 48

	// p2wshScriptType is the BIP48 script type for native segwit multisig.
	p2wshScriptType = 2

	// authPurpose is the purpose level of the auth key path
	// m/7867'/coin'/0'. Auth keys sign proofs of possession and
	// attestations, never transactions.
	authPurpose = 7867
)

// AppKeyBundle is the public key material of an app factor.
type AppKeyBundle struct {
	// AuthKey signs the app's proofs of possession.
	AuthKey *btcec.PublicKey

	// Spending is the app's account key in the spending keyset.
	Spending CosignerKey
}

// HardwareKeyBundle is the public key material of a hardware factor.
type HardwareKeyBundle struct {
	// AuthKey signs the device's proofs of possession and attestations.
	AuthKey *btcec.PublicKey

	// Spending is the device's account key in the spending keyset.
	Spending CosignerKey
}

// factorKeys is the private key material derived from a factor seed.
type factorKeys struct {
	master   *hdkeychain.ExtendedKey
	account  *hdkeychain.ExtendedKey
	authKey  *btcec.PrivateKey
	spending CosignerKey
}

// deriveFactorKeys derives the auth key and the BIP48 spending account from a
// seed. Both factors use the same layout.
func deriveFactorKeys(seed []byte, net *chaincfg.Params) (*factorKeys, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("new master: %w", err)
	}

	coin := net.HDCoinType + hdkeychain.HardenedKeyStart
	accountPath := []uint32{
		multisigPurpose + hdkeychain.HardenedKeyStart,
		coin,
		hdkeychain.HardenedKeyStart,
		p2wshScriptType + hdkeychain.HardenedKeyStart,
	}
	authPath := []uint32{
		authPurpose + hdkeychain.HardenedKeyStart,
		coin,
		hdkeychain.HardenedKeyStart,
	}

	account, err := derivePath(master, accountPath)
	if err != nil {
		return nil, err
	}

	authExt, err := derivePath(master, authPath)
	if err != nil {
		return nil, err
	}

	authKey, err := authExt.ECPrivKey()
	if err != nil {
		return nil, err
	}

	xpub, err := account.Neuter()
	if err != nil {
		return nil, err
	}

	fingerprint, err := masterFingerprint(master)
	if err != nil {
		return nil, err
	}

	return &factorKeys{
		master:  master,
		account: account,
		authKey: authKey,
		spending: CosignerKey{
			XPub:              xpub,
			MasterFingerprint: fingerprint,
			Path:              accountPath,
		},
	}, nil
}

// derivePath walks the given path from key.
func derivePath(key *hdkeychain.ExtendedKey,
	path []uint32) (*hdkeychain.ExtendedKey, error) {

	var err error
	for _, i := range path {
		key, err = key.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("derive %d: %w", i, err)
		}
	}

	return key, nil
}

// masterFingerprint returns the BIP32 fingerprint of a master key in the
// little-endian form PSBT derivations store it in.
func masterFingerprint(master *hdkeychain.ExtendedKey) (uint32, error) {
	pub, err := master.ECPubKey()
	if err != nil {
		return 0, err
	}

	hash := btcutil.Hash160(pub.SerializeCompressed())

	return binary.LittleEndian.Uint32(hash[:4]), nil
}

// AppSecrets holds an app factor's seed and the private keys derived from it.
// It is never persisted unsealed.
type AppSecrets struct {
	seed []byte
	keys *factorKeys
}

// Seed returns the app seed.
func (s *AppSecrets) Seed() []byte {
	return s.seed
}

// AuthKey returns the app's private auth key.
func (s *AppSecrets) AuthKey() *btcec.PrivateKey {
	return s.keys.authKey
}

// Bundle returns the public part of the app keys.
func (s *AppSecrets) Bundle() *AppKeyBundle {
	return &AppKeyBundle{
		AuthKey:  s.keys.authKey.PubKey(),
		Spending: s.keys.spending,
	}
}

// SignPsbt adds the app's signatures to a copy of packet. It lets the app
// cosign sweeps of keysets whose hardware key was lost.
func (s *AppSecrets) SignPsbt(_ context.Context, packet *psbt.Packet,
	keyset *Keyset) (*psbt.Packet, error) {

	return s.keys.signCopy(packet, keyset)
}

// Generator produces app key material for a network.
type Generator struct {
	net  *chaincfg.Params
	rand io.Reader
}

// NewGenerator returns a generator that draws seeds from crypto/rand.
func NewGenerator(net *chaincfg.Params) *Generator {
	return &Generator{net: net, rand: rand.Reader}
}

// NewAppKeys generates a fresh app seed and derives its keys.
func (g *Generator) NewAppKeys() (*AppSecrets, error) {
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	if _, err := io.ReadFull(g.rand, seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	secrets, err := g.DeriveAppKeys(seed)
	if err != nil {
		return nil, err
	}

	log.Debugf("Generated app keys with auth key %x",
		secrets.keys.authKey.PubKey().SerializeCompressed())

	return secrets, nil
}

// DeriveAppKeys re-derives the app keys of an existing seed.
func (g *Generator) DeriveAppKeys(seed []byte) (*AppSecrets, error) {
	fk, err := deriveFactorKeys(seed, g.net)
	if err != nil {
		return nil, err
	}

	return &AppSecrets{seed: seed, keys: fk}, nil
}
