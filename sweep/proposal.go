// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
)

// SignatureSet tells which parties signed a proposal.
type SignatureSet uint8

const (
	// SigNone means the proposal is the unsigned template.
	SigNone SignatureSet = iota

	// SigHardwareOnly means the first factor signed every input. For a
	// lost hardware device the surviving app key takes its place.
	SigHardwareOnly

	// SigHardwareAndServer means both required signatures are present.
	SigHardwareAndServer
)

// String returns the signature set name.
func (s SignatureSet) String() string {
	switch s {
	case SigNone:
		return "none"

	case SigHardwareOnly:
		return "hardware"

	case SigHardwareAndServer:
		return "hardware+server"

	default:
		return "unknown"
	}
}

// Status is the broadcast state of a proposal.
type Status uint8

const (
	// StatusPending means the proposal was not published yet.
	StatusPending Status = iota

	// StatusBroadcast means the network accepted the sweep.
	StatusBroadcast

	// StatusRejected means the last publish attempt was refused.
	StatusRejected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"

	case StatusBroadcast:
		return "broadcast"

	case StatusRejected:
		return "rejected"

	default:
		return "unknown"
	}
}

// Proposal moves every coin of one inactive keyset to the active keyset.
type Proposal struct {
	// ID is the txid of the unsigned template. Signing never changes it.
	ID chainhash.Hash

	// SweepID groups the proposals planned together.
	SweepID string

	AccountID string

	// Source is the keyset being swept.
	Source *keys.Keyset

	// Destination is the account's active keyset.
	Destination *keys.Keyset

	// DestinationAddress is the first external address of Destination.
	DestinationAddress btcutil.Address

	// Amount is what arrives at the destination.
	Amount btcutil.Amount

	Fee     btcutil.Amount
	FeeRate btcunit.SatPerKVByte

	// Template is the unsigned PSBT.
	Template *psbt.Packet

	// Packet is the PSBT with the signatures collected so far.
	Packet *psbt.Packet

	Signatures   SignatureSet
	Status       Status
	RejectReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reset drops every collected signature.
func (p *Proposal) Reset() error {
	packet, err := keys.ClonePsbt(p.Template)
	if err != nil {
		return err
	}

	p.Packet = packet
	p.Signatures = SigNone

	return nil
}

// NumInputs returns the number of coins the proposal spends.
func (p *Proposal) NumInputs() int {
	return len(p.Template.UnsignedTx.TxIn)
}

// FullySigned reports whether the proposal may be broadcast.
func (p *Proposal) FullySigned() bool {
	return p.Signatures == SigHardwareAndServer
}
