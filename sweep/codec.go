// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeProposalID          tlv.Type = 0
	typeProposalSweepID     tlv.Type = 1
	typeProposalAccount     tlv.Type = 2
	typeProposalSource      tlv.Type = 3
	typeProposalDestination tlv.Type = 4
	typeProposalAddress     tlv.Type = 5
	typeProposalAmount      tlv.Type = 6
	typeProposalFee         tlv.Type = 7
	typeProposalFeeRate     tlv.Type = 8
	typeProposalTemplate    tlv.Type = 9
	typeProposalPacket      tlv.Type = 10
	typeProposalSignatures  tlv.Type = 11
	typeProposalStatus      tlv.Type = 12
	typeProposalReason      tlv.Type = 13
	typeProposalCreatedAt   tlv.Type = 14
	typeProposalUpdatedAt   tlv.Type = 15
)

// packetBytes serializes a PSBT.
func packetBytes(p *psbt.Packet) ([]byte, error) {
	var b bytes.Buffer
	if err := p.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// proposalRecords are the fields of an encoded proposal.
type proposalRecords struct {
	id                                   [32]byte
	sweepID, account, source, dest, addr []byte
	template, packet, reason             []byte
	amount, fee, feeRate                 uint64
	createdAt, updatedAt                 uint64
	signatures, status                   uint8
}

func (r *proposalRecords) stream() (*tlv.Stream, error) {
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(typeProposalID, &r.id),
		tlv.MakePrimitiveRecord(typeProposalSweepID, &r.sweepID),
		tlv.MakePrimitiveRecord(typeProposalAccount, &r.account),
		tlv.MakePrimitiveRecord(typeProposalSource, &r.source),
		tlv.MakePrimitiveRecord(typeProposalDestination, &r.dest),
		tlv.MakePrimitiveRecord(typeProposalAddress, &r.addr),
		tlv.MakePrimitiveRecord(typeProposalAmount, &r.amount),
		tlv.MakePrimitiveRecord(typeProposalFee, &r.fee),
		tlv.MakePrimitiveRecord(typeProposalFeeRate, &r.feeRate),
		tlv.MakePrimitiveRecord(typeProposalTemplate, &r.template),
		tlv.MakePrimitiveRecord(typeProposalPacket, &r.packet),
		tlv.MakePrimitiveRecord(typeProposalSignatures, &r.signatures),
		tlv.MakePrimitiveRecord(typeProposalStatus, &r.status),
		tlv.MakePrimitiveRecord(typeProposalReason, &r.reason),
		tlv.MakePrimitiveRecord(typeProposalCreatedAt, &r.createdAt),
		tlv.MakePrimitiveRecord(typeProposalUpdatedAt, &r.updatedAt),
	)
}

// Encode writes the proposal as a TLV stream.
func (p *Proposal) Encode(w io.Writer) error {
	r := proposalRecords{
		id:         p.ID,
		sweepID:    []byte(p.SweepID),
		account:    []byte(p.AccountID),
		addr:       []byte(p.DestinationAddress.EncodeAddress()),
		amount:     uint64(p.Amount),
		fee:        uint64(p.Fee),
		feeRate:    uint64(p.FeeRate.Sats()),
		signatures: uint8(p.Signatures),
		status:     uint8(p.Status),
		reason:     []byte(p.RejectReason),
		createdAt:  encodeTime(p.CreatedAt),
		updatedAt:  encodeTime(p.UpdatedAt),
	}

	var err error
	if r.source, err = keys.KeysetBytes(p.Source); err != nil {
		return fmt.Errorf("source keyset: %w", err)
	}

	if r.dest, err = keys.KeysetBytes(p.Destination); err != nil {
		return fmt.Errorf("destination keyset: %w", err)
	}

	if r.template, err = packetBytes(p.Template); err != nil {
		return fmt.Errorf("template: %w", err)
	}

	if r.packet, err = packetBytes(p.Packet); err != nil {
		return fmt.Errorf("packet: %w", err)
	}

	stream, err := r.stream()
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeProposal reads a proposal written by Encode.
func DecodeProposal(rd io.Reader) (*Proposal, error) {
	var r proposalRecords

	stream, err := r.stream()
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(rd); err != nil {
		return nil, err
	}

	p := &Proposal{
		ID:           r.id,
		SweepID:      string(r.sweepID),
		AccountID:    string(r.account),
		Amount:       btcutil.Amount(r.amount),
		Fee:          btcutil.Amount(r.fee),
		FeeRate:      btcunit.NewSatPerKVByte(btcutil.Amount(r.feeRate)),
		Signatures:   SignatureSet(r.signatures),
		Status:       Status(r.status),
		RejectReason: string(r.reason),
		CreatedAt:    decodeTime(r.createdAt),
		UpdatedAt:    decodeTime(r.updatedAt),
	}

	if p.Source, err = keys.KeysetFromBytes(r.source); err != nil {
		return nil, fmt.Errorf("source keyset: %w", err)
	}

	if p.Destination, err = keys.KeysetFromBytes(r.dest); err != nil {
		return nil, fmt.Errorf("destination keyset: %w", err)
	}

	p.DestinationAddress, err = btcutil.DecodeAddress(
		string(r.addr), p.Destination.Network,
	)
	if err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}

	p.Template, err = psbt.NewFromRawBytes(
		bytes.NewReader(r.template), false,
	)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}

	p.Packet, err = psbt.NewFromRawBytes(bytes.NewReader(r.packet), false)
	if err != nil {
		return nil, fmt.Errorf("packet: %w", err)
	}

	if p.Template.UnsignedTx.TxHash() != p.ID {
		return nil, fmt.Errorf("proposal %v: template txid mismatch",
			p.ID)
	}

	return p, nil
}

// ProposalBytes serializes a proposal.
func ProposalBytes(p *Proposal) ([]byte, error) {
	var b bytes.Buffer
	if err := p.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// ProposalFromBytes deserializes a proposal.
func ProposalFromBytes(b []byte) (*Proposal, error) {
	return DecodeProposal(bytes.NewReader(b))
}

// encodeTime stores a time as unix nanoseconds, the zero time as 0.
func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

// decodeTime is the inverse of encodeTime.
func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(v)).UTC()
}
