// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// attestationTag domain-separates attestation digests from every other
// signed message.
var attestationTag = []byte("btcrecovery/attestation")

// AttestationDigest is the digest a hardware device signs to approve an app
// auth key.
func AttestationDigest(appAuthKey *btcec.PublicKey) []byte {
	h := sha256.New()
	h.Write(attestationTag)
	h.Write(appAuthKey.SerializeCompressed())

	return h.Sum(nil)
}

// SignDigest signs a 32-byte digest with the given key.
func SignDigest(key *btcec.PrivateKey, digest []byte) []byte {
	return ecdsa.Sign(key, digest).Serialize()
}

// VerifyDigest checks a DER signature over digest.
func VerifyDigest(pub *btcec.PublicKey, digest, sig []byte) error {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !parsed.Verify(digest, pub) {
		return ErrInvalidSignature
	}

	return nil
}

// prevOutFetcher builds the previous output fetcher for a PSBT whose inputs
// all carry a witness UTXO.
func prevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher,
	error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		utxo := packet.Inputs[i].WitnessUtxo
		if utxo == nil {
			return nil, fmt.Errorf("input %d: missing witness utxo", i)
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, utxo)
	}

	return fetcher, nil
}

// SignPsbt adds a partial signature to every input of packet that has a BIP32
// derivation from the given master fingerprint. The signing key is derived
// from the account key using the last two path elements (branch/index). Inputs
// already signed by that key are left alone. It returns the number of inputs
// signed.
func SignPsbt(packet *psbt.Packet, account *hdkeychain.ExtendedKey,
	fingerprint uint32) (int, error) {

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return 0, err
	}

	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return 0, err
	}

	signed := 0
	for i := range packet.Inputs {
		in := &packet.Inputs[i]

		deriv := findDerivation(in.Bip32Derivation, fingerprint)
		if deriv == nil || len(deriv.Bip32Path) < 2 {
			continue
		}

		n := len(deriv.Bip32Path)
		child, err := derivePath(account, deriv.Bip32Path[n-2:])
		if err != nil {
			return signed, err
		}

		priv, err := child.ECPrivKey()
		if err != nil {
			return signed, err
		}

		pub := priv.PubKey().SerializeCompressed()
		if !bytes.Equal(pub, deriv.PubKey) {
			return signed, fmt.Errorf("input %d: %w", i,
				ErrKeysetMismatch)
		}

		// Already signed by this key.
		if findPartialSig(in.PartialSigs, pub) != nil {
			continue
		}

		sig, err := txscript.RawTxInWitnessSignature(
			packet.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value,
			in.WitnessScript, txscript.SigHashAll, priv,
		)
		if err != nil {
			return signed, fmt.Errorf("input %d: %w", i, err)
		}

		outcome, err := updater.Sign(i, sig, pub, nil, in.WitnessScript)
		if err != nil {
			return signed, fmt.Errorf("input %d: %w", i, err)
		}
		if outcome != psbt.SignSuccesful {
			return signed, fmt.Errorf("input %d: sign outcome %d", i,
				outcome)
		}

		signed++
	}

	return signed, nil
}

// signCopy signs a copy of packet with the factor's spending key. The keyset
// must include that key.
func (fk *factorKeys) signCopy(packet *psbt.Packet,
	keyset *Keyset) (*psbt.Packet, error) {

	if !keyset.Hardware.Equal(fk.spending) &&
		!keyset.Server.Equal(fk.spending) &&
		!keyset.App.Equal(fk.spending) {

		return nil, fmt.Errorf("%w: %s", ErrKeysetMismatch, keyset.ID)
	}

	signed, err := ClonePsbt(packet)
	if err != nil {
		return nil, err
	}

	n, err := SignPsbt(signed, fk.account, fk.spending.MasterFingerprint)
	if err != nil {
		return nil, err
	}

	log.Debugf("Signed %d input(s) of %v for keyset %s", n,
		signed.UnsignedTx.TxHash(), keyset.ID)

	return signed, nil
}

// findDerivation returns the derivation of the given master fingerprint.
func findDerivation(derivs []*psbt.Bip32Derivation,
	fingerprint uint32) *psbt.Bip32Derivation {

	for _, d := range derivs {
		if d.MasterKeyFingerprint == fingerprint {
			return d
		}
	}

	return nil
}

// VerifyPartialSigs checks that every input of packet carries a valid
// signature from the key derived from the given master fingerprint.
func VerifyPartialSigs(packet *psbt.Packet, fingerprint uint32) error {
	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return err
	}

	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	for i := range packet.Inputs {
		in := &packet.Inputs[i]

		deriv := findDerivation(in.Bip32Derivation, fingerprint)
		if deriv == nil {
			return fmt.Errorf("input %d: %w", i, ErrKeysetMismatch)
		}

		sig := findPartialSig(in.PartialSigs, deriv.PubKey)
		if sig == nil {
			return fmt.Errorf("input %d: missing signature for %x",
				i, deriv.PubKey)
		}

		if err := verifyInputSig(packet.UnsignedTx, sigHashes, i, in,
			sig); err != nil {

			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

// findPartialSig returns the partial signature made by pubKey.
func findPartialSig(sigs []*psbt.PartialSig, pubKey []byte) *psbt.PartialSig {
	for _, s := range sigs {
		if bytes.Equal(s.PubKey, pubKey) {
			return s
		}
	}

	return nil
}

// verifyInputSig checks one partial signature against the input's witness
// sighash.
func verifyInputSig(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int,
	in *psbt.PInput, partial *psbt.PartialSig) error {

	if len(partial.Signature) < 1 {
		return ErrInvalidSignature
	}

	sigLen := len(partial.Signature) - 1
	hashType := txscript.SigHashType(partial.Signature[sigLen])

	hash, err := txscript.CalcWitnessSigHash(
		in.WitnessScript, sigHashes, hashType, tx, idx,
		in.WitnessUtxo.Value,
	)
	if err != nil {
		return err
	}

	pub, err := btcec.ParsePubKey(partial.PubKey)
	if err != nil {
		return err
	}

	return VerifyDigest(pub, hash, partial.Signature[:sigLen])
}
