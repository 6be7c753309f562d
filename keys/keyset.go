// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// ExternalBranch is the BIP32 branch used for receive addresses.
	ExternalBranch uint32 = 0

	// InternalBranch is the BIP32 branch used for change addresses.
	InternalBranch uint32 = 1

	// requiredSigs is the number of signatures needed to spend from a
	// keyset.
	requiredSigs = 2

	// keysetIDLen is the number of hash bytes used for a keyset ID.
	keysetIDLen = 16
)

// CosignerKey is one party's account-level extended public key in a 2-of-3
// keyset, together with the BIP32 origin info PSBT derivations carry.
type CosignerKey struct {
	// XPub is the account-level extended public key.
	XPub *hdkeychain.ExtendedKey

	// MasterFingerprint identifies the master key XPub was derived from.
	MasterFingerprint uint32

	// Path is the full derivation path of XPub from the master key.
	Path []uint32
}

// derive returns the child public key at branch/index and the matching PSBT
// derivation record.
func (c CosignerKey) derive(branch, index uint32) (*btcec.PublicKey,
	*psbt.Bip32Derivation, error) {

	if c.XPub == nil {
		return nil, nil, fmt.Errorf("missing xpub")
	}

	branchKey, err := c.XPub.Derive(branch)
	if err != nil {
		return nil, nil, fmt.Errorf("derive branch %d: %w", branch, err)
	}

	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, nil, fmt.Errorf("derive index %d: %w", index, err)
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return nil, nil, err
	}

	path := make([]uint32, 0, len(c.Path)+2)
	path = append(path, c.Path...)
	path = append(path, branch, index)

	return pub, &psbt.Bip32Derivation{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: c.MasterFingerprint,
		Bip32Path:            path,
	}, nil
}

// Equal reports whether both cosigner keys describe the same xpub.
func (c CosignerKey) Equal(other CosignerKey) bool {
	if c.XPub == nil || other.XPub == nil {
		return c.XPub == other.XPub
	}

	return c.XPub.String() == other.XPub.String() &&
		c.MasterFingerprint == other.MasterFingerprint
}

// Keyset is a 2-of-3 spending keyset made of the app, hardware and server
// account keys. Addresses are sortedmulti P2WSH scripts derived at
// <account>/branch/index.
type Keyset struct {
	// ID identifies the keyset. It is derived from the three xpubs, so two
	// keysets with the same keys always share an ID.
	ID string

	// App is the app factor's account key.
	App CosignerKey

	// Hardware is the hardware factor's account key.
	Hardware CosignerKey

	// Server is the server's account key.
	Server CosignerKey

	// Network is the network the keyset lives on.
	Network *chaincfg.Params
}

// NewKeyset assembles a keyset from the three cosigner keys.
func NewKeyset(app, hardware, server CosignerKey,
	net *chaincfg.Params) (*Keyset, error) {

	for _, c := range []CosignerKey{app, hardware, server} {
		if c.XPub == nil {
			return nil, fmt.Errorf("keyset: missing cosigner xpub")
		}

		if !c.XPub.IsForNet(net) {
			return nil, fmt.Errorf("%w: %s", ErrNetworkMismatch,
				net.Name)
		}
	}

	return &Keyset{
		ID:       keysetID(app, hardware, server),
		App:      app,
		Hardware: hardware,
		Server:   server,
		Network:  net,
	}, nil
}

// keysetID hashes the three xpubs in cosigner order.
func keysetID(app, hardware, server CosignerKey) string {
	h := sha256.New()
	for _, c := range []CosignerKey{app, hardware, server} {
		h.Write([]byte(c.XPub.String()))
	}

	return hex.EncodeToString(h.Sum(nil)[:keysetIDLen])
}

// Equal reports whether both keysets have the same ID.
func (k *Keyset) Equal(other *Keyset) bool {
	if k == nil || other == nil {
		return k == other
	}

	return k.ID == other.ID
}

// String returns the keyset ID.
func (k *Keyset) String() string {
	return k.ID
}

// Address is a derived keyset address along with everything needed to spend
// from it.
type Address struct {
	// Branch and Index locate the address below the account keys.
	Branch uint32
	Index  uint32

	// Address is the P2WSH address.
	Address btcutil.Address

	// PkScript is the output script paying to Address.
	PkScript []byte

	// WitnessScript is the 2-of-3 sortedmulti script.
	WitnessScript []byte

	// Derivations holds the BIP32 origin of each of the three keys.
	Derivations []*psbt.Bip32Derivation
}

// DeriveAddress derives the address at branch/index.
func (k *Keyset) DeriveAddress(branch, index uint32) (*Address, error) {
	var (
		pubKeys     [][]byte
		derivations []*psbt.Bip32Derivation
	)

	for _, c := range []CosignerKey{k.App, k.Hardware, k.Server} {
		pub, deriv, err := c.derive(branch, index)
		if err != nil {
			return nil, fmt.Errorf("keyset %s: %w", k.ID, err)
		}

		pubKeys = append(pubKeys, pub.SerializeCompressed())
		derivations = append(derivations, deriv)
	}

	witnessScript, err := sortedMultiSigScript(pubKeys)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)

	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], k.Network,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	// Keep the derivations in script order so signers and finalizers see
	// the same key order.
	sort.Slice(derivations, func(i, j int) bool {
		return bytes.Compare(
			derivations[i].PubKey, derivations[j].PubKey,
		) < 0
	})

	return &Address{
		Branch:        branch,
		Index:         index,
		Address:       addr,
		PkScript:      pkScript,
		WitnessScript: witnessScript,
		Derivations:   derivations,
	}, nil
}

// DeriveAddresses derives the first lookahead addresses of both the external
// and the internal branch.
func (k *Keyset) DeriveAddresses(lookahead uint32) ([]*Address, error) {
	addrs := make([]*Address, 0, 2*lookahead)
	for _, branch := range []uint32{ExternalBranch, InternalBranch} {
		for i := uint32(0); i < lookahead; i++ {
			addr, err := k.DeriveAddress(branch, i)
			if err != nil {
				return nil, err
			}

			addrs = append(addrs, addr)
		}
	}

	return addrs, nil
}

// sortedMultiSigScript builds a 2-of-N CHECKMULTISIG script with the keys in
// lexicographic order.
func sortedMultiSigScript(pubKeys [][]byte) ([]byte, error) {
	sorted := make([][]byte, len(pubKeys))
	copy(sorted, pubKeys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(requiredSigs)
	for _, key := range sorted {
		builder.AddData(key)
	}
	builder.AddInt64(int64(len(sorted)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}
