// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// baseTxSize is the non-witness overhead of a transaction without the
	// input and output counts: version (4) + locktime (4).
	baseTxSize = 4 + 4

	// witnessHeaderWeight is the segwit marker and flag bytes, which are
	// counted at witness weight.
	witnessHeaderWeight = 2

	// inputSize is the non-witness size of a segwit input: outpoint (36) +
	// empty sigScript length (1) + sequence (4).
	inputSize = 36 + 1 + 4

	// P2WSHOutputSize is the size of a P2WSH output: value (8) + pkScript
	// length (1) + OP_0 <32-byte hash> (34).
	P2WSHOutputSize = 8 + 1 + 34

	// MultiSigScriptSize is the size of a 2-of-3 witness script:
	// OP_2 + 3 * (OP_DATA_33 + pubkey) + OP_3 + OP_CHECKMULTISIG.
	MultiSigScriptSize = 1 + 3*(1+33) + 1 + 1

	// maxDERSigSize is the worst-case size of a DER signature with the
	// sighash flag appended.
	maxDERSigSize = 73

	// MultiSigWitnessSize is the worst-case witness of a 2-of-3 P2WSH
	// spend: item count (1) + empty CHECKMULTISIG dummy (1) + 2 *
	// (length + signature) + script length (1) + script.
	MultiSigWitnessSize = 1 + 1 + 2*(1+maxDERSigSize) + 1 +
		MultiSigScriptSize
)

// MultiSigSweepWeight estimates the weight of a transaction spending
// numInputs 2-of-3 P2WSH outputs into a single P2WSH output.
func MultiSigSweepWeight(numInputs int) WeightUnit {
	if numInputs <= 0 {
		return NewWeightUnit(0)
	}

	n := uint64(numInputs)

	nonWitness := uint64(baseTxSize) +
		uint64(wire.VarIntSerializeSize(n)) +
		uint64(wire.VarIntSerializeSize(1)) +
		n*inputSize + P2WSHOutputSize

	witness := uint64(witnessHeaderWeight) + n*MultiSigWitnessSize

	return NewWeightUnit(
		nonWitness*blockchain.WitnessScaleFactor + witness,
	)
}
