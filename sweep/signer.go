// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/clock"
)

// SignerConfig holds the dependencies of a SigningCoordinator.
type SignerConfig struct {
	Hardware HardwareSigner `validate:"required"`
	Server   ServerCosigner `validate:"required"`
	Store    ProposalStore  `validate:"required"`

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// SigningCoordinator collects the two signatures every sweep needs. A
// proposal that carries a signature is never altered: any failure resets the
// whole batch to the unsigned templates and the next run starts over with the
// first signature.
type SigningCoordinator struct {
	cfg SignerConfig
}

// NewSigningCoordinator creates a signing coordinator.
func NewSigningCoordinator(cfg SignerConfig) (*SigningCoordinator, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid signer config: %w", err)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &SigningCoordinator{cfg: cfg}, nil
}

// SignAll signs every proposal that is neither broadcast nor fully signed.
func (s *SigningCoordinator) SignAll(ctx context.Context,
	proposals []*Proposal) error {

	var unsigned []*Proposal
	for _, p := range proposals {
		if p.Status == StatusBroadcast || p.FullySigned() {
			continue
		}

		unsigned = append(unsigned, p)
	}

	if len(unsigned) == 0 {
		return nil
	}

	if err := s.CollectHardwareSignatures(ctx, unsigned); err != nil {
		return err
	}

	return s.CollectServerSignatures(ctx, unsigned)
}

// CollectHardwareSignatures asks the first signer to sign every proposal.
// Proposals that already carry signatures are reset first.
func (s *SigningCoordinator) CollectHardwareSignatures(ctx context.Context,
	proposals []*Proposal) error {

	for _, p := range proposals {
		if p.Signatures == SigNone {
			continue
		}

		log.Debugf("Resetting %v signature(s) of sweep %v",
			p.Signatures, p.ID)

		if err := p.Reset(); err != nil {
			return err
		}
	}

	for _, p := range proposals {
		signed, err := s.cfg.Hardware.SignPsbt(ctx, p.Packet, p.Source)
		if err != nil {
			return s.abort(ctx, proposals, fmt.Errorf("first "+
				"signature of %v: %w", p.ID, err))
		}

		merged, err := mergeFirstSignature(p, signed)
		if err != nil {
			return s.abort(ctx, proposals, fmt.Errorf("first "+
				"signature of %v: %w", p.ID, err))
		}

		p.Packet = merged
		p.Signatures = SigHardwareOnly
		p.UpdatedAt = s.cfg.Clock.Now()
	}

	log.Infof("Collected first signature for %d sweep(s)", len(proposals))

	return s.cfg.Store.PutProposals(ctx, proposals)
}

// CollectServerSignatures asks the server to cosign proposals that carry the
// first signature. Any failure resets every proposal of the batch.
func (s *SigningCoordinator) CollectServerSignatures(ctx context.Context,
	proposals []*Proposal) error {

	for _, p := range proposals {
		if p.Signatures != SigHardwareOnly {
			return s.abort(ctx, proposals, fmt.Errorf("sweep %v "+
				"has %v signatures: %w", p.ID, p.Signatures,
				ErrInsufficientSignatures))
		}
	}

	for _, p := range proposals {
		signed, err := s.cfg.Server.SignPsbt(
			ctx, p.AccountID, p.Packet, p.Source,
		)
		if err != nil {
			return s.abort(ctx, proposals, fmt.Errorf("server "+
				"signature of %v: %w", p.ID, err))
		}

		merged, err := mergeSigs(
			p.Packet, signed, p.Source.Server.MasterFingerprint,
		)
		if err != nil {
			return s.abort(ctx, proposals, fmt.Errorf("server "+
				"signature of %v: %w", p.ID, err))
		}

		p.Packet = merged
		p.Signatures = SigHardwareAndServer
		p.UpdatedAt = s.cfg.Clock.Now()

		log.Tracef("Fully signed sweep %v: %v", p.ID,
			newLogClosure(func() string {
				return spewPacket(merged)
			}))
	}

	log.Infof("Collected server signature for %d sweep(s)",
		len(proposals))

	return s.cfg.Store.PutProposals(ctx, proposals)
}

// abort resets the batch to its templates, persists it and returns cause.
func (s *SigningCoordinator) abort(ctx context.Context, proposals []*Proposal,
	cause error) error {

	log.Warnf("Signing failed, resetting %d sweep(s): %v", len(proposals),
		cause)

	now := s.cfg.Clock.Now()
	for _, p := range proposals {
		if err := p.Reset(); err != nil {
			return fmt.Errorf("%w (reset: %v)", cause, err)
		}
		p.UpdatedAt = now
	}

	if err := s.cfg.Store.PutProposals(ctx, proposals); err != nil {
		log.Errorf("Unable to persist reset sweeps: %v", err)
	}

	return cause
}

// mergeFirstSignature takes the hardware signatures from signed, or the app
// signatures when the hardware device is the lost factor.
func mergeFirstSignature(p *Proposal, signed *psbt.Packet) (*psbt.Packet,
	error) {

	merged, err := mergeSigs(
		p.Packet, signed, p.Source.Hardware.MasterFingerprint,
	)
	if err == nil {
		return merged, nil
	}

	merged, appErr := mergeSigs(
		p.Packet, signed, p.Source.App.MasterFingerprint,
	)
	if appErr != nil {
		return nil, err
	}

	return merged, nil
}

// mergeSigs copies the partial signatures of the key with the given master
// fingerprint from src into a copy of dst. Both packets must spend the same
// unsigned transaction and every input must carry a valid signature.
func mergeSigs(dst, src *psbt.Packet, fingerprint uint32) (*psbt.Packet,
	error) {

	if src == nil || src.UnsignedTx == nil ||
		src.UnsignedTx.TxHash() != dst.UnsignedTx.TxHash() ||
		len(src.Inputs) != len(dst.Inputs) {

		return nil, fmt.Errorf("%w: different transaction",
			ErrSignatureMismatch)
	}

	merged, err := keys.ClonePsbt(dst)
	if err != nil {
		return nil, err
	}

	for i := range merged.Inputs {
		in := &merged.Inputs[i]

		var pubKey []byte
		for _, d := range in.Bip32Derivation {
			if d.MasterKeyFingerprint == fingerprint {
				pubKey = d.PubKey
			}
		}

		if pubKey == nil {
			return nil, fmt.Errorf("%w: input %d has no key %08x",
				ErrSignatureMismatch, i, fingerprint)
		}

		if hasPartialSig(in.PartialSigs, pubKey) {
			continue
		}

		var sig *psbt.PartialSig
		for _, s := range src.Inputs[i].PartialSigs {
			if bytes.Equal(s.PubKey, pubKey) {
				sig = s
			}
		}

		if sig == nil {
			return nil, fmt.Errorf("%w: input %d not signed",
				ErrSignatureMismatch, i)
		}

		in.PartialSigs = append(in.PartialSigs, sig)
	}

	if err := keys.VerifyPartialSigs(merged, fingerprint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	return merged, nil
}

// hasPartialSig reports whether sigs holds a signature by pubKey.
func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, s := range sigs {
		if bytes.Equal(s.PubKey, pubKey) {
			return true
		}
	}

	return false
}

// spewPacket dumps a PSBT for trace logging.
func spewPacket(p *psbt.Packet) string {
	return spew.Sdump(p)
}
