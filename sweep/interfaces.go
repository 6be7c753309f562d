// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
)

// Utxo is an unspent output paying to a keyset address.
type Utxo struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations int64
}

// UtxoSource lists the unspent outputs of a set of addresses.
type UtxoSource interface {
	ListUnspent(ctx context.Context, addrs []btcutil.Address,
		minConf int32) ([]Utxo, error)
}

// FeeEstimator estimates the fee rate needed to confirm within confTarget
// blocks.
type FeeEstimator interface {
	EstimateFeeRate(ctx context.Context,
		confTarget uint32) (btcunit.SatPerKVByte, error)
}

// HardwareSigner provides the first signature of a sweep. It is the hardware
// device, or the app key when the hardware device is the lost factor.
type HardwareSigner interface {
	// SignPsbt returns a copy of packet signed for keyset.
	SignPsbt(ctx context.Context, packet *psbt.Packet,
		keyset *keys.Keyset) (*psbt.Packet, error)
}

// ServerCosigner asks the server for its signature.
type ServerCosigner interface {
	// SignPsbt returns a copy of packet carrying the server's signatures.
	SignPsbt(ctx context.Context, accountID string, packet *psbt.Packet,
		keyset *keys.Keyset) (*psbt.Packet, error)
}

// TxPublisher sends transactions to the network.
type TxPublisher interface {
	// Publish sends txs and returns one result per transaction, nil for
	// the accepted ones. The error is set when nothing could be sent.
	Publish(ctx context.Context, accountID string,
		txs []*wire.MsgTx) ([]error, error)
}

// ProposalStore persists sweep proposals.
type ProposalStore interface {
	// PutProposals inserts or replaces proposals in one transaction.
	PutProposals(ctx context.Context, proposals []*Proposal) error

	// Proposals returns every proposal of the account, oldest first.
	Proposals(ctx context.Context, accountID string) ([]*Proposal, error)
}

// KeysetSource returns the keysets of an account.
type KeysetSource interface {
	ActiveKeyset(ctx context.Context, accountID string) (*keys.Keyset,
		error)

	Keysets(ctx context.Context, accountID string) ([]*keys.Keyset, error)
}

// A compile-time check that the local signers fit.
var (
	_ HardwareSigner = (*keys.SoftDevice)(nil)
	_ HardwareSigner = (*keys.AppSecrets)(nil)
)
