// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/clock"
)

// BroadcastConfig holds the dependencies of a BroadcastService.
type BroadcastConfig struct {
	Publisher TxPublisher   `validate:"required"`
	Store     ProposalStore `validate:"required"`

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// BroadcastService publishes fully signed proposals.
type BroadcastService struct {
	cfg BroadcastConfig
}

// NewBroadcastService creates a broadcast service.
func NewBroadcastService(cfg BroadcastConfig) (*BroadcastService, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid broadcast config: %w", err)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &BroadcastService{cfg: cfg}, nil
}

// Broadcast publishes every proposal not broadcast yet. Nothing is sent when
// any of them lacks a signature. Rejected proposals are reported through
// *PartialBroadcastError and may be retried with another call.
func (b *BroadcastService) Broadcast(ctx context.Context,
	proposals []*Proposal) error {

	var (
		pending []*Proposal
		txs     []*wire.MsgTx
	)

	for _, p := range proposals {
		if p.Status == StatusBroadcast {
			continue
		}

		if len(pending) > 0 && p.AccountID != pending[0].AccountID {
			return ErrMixedAccounts
		}

		tx, err := extractTx(p)
		if err != nil {
			log.Errorf("Refusing to broadcast sweep %v: %v", p.ID,
				err)

			return fmt.Errorf("sweep %v: %w", p.ID, err)
		}

		pending = append(pending, p)
		txs = append(txs, tx)
	}

	if len(pending) == 0 {
		return nil
	}

	accountID := pending[0].AccountID
	results, err := b.cfg.Publisher.Publish(ctx, accountID, txs)
	if err != nil {
		return fmt.Errorf("publish sweeps: %w", err)
	}

	if len(results) != len(pending) {
		return fmt.Errorf("publisher returned %d results for %d "+
			"sweeps", len(results), len(pending))
	}

	var (
		now      = b.cfg.Clock.Now()
		rejected []RejectedProposal
	)

	for i, p := range pending {
		p.UpdatedAt = now

		if results[i] == nil {
			p.Status = StatusBroadcast
			p.RejectReason = ""
			broadcastResults.WithLabelValues("accepted").Inc()

			log.Infof("Broadcast sweep %v of keyset %s (%v)", p.ID,
				p.Source.ID, p.Amount)

			continue
		}

		p.Status = StatusRejected
		p.RejectReason = results[i].Error()
		broadcastResults.WithLabelValues("rejected").Inc()

		log.Warnf("Sweep %v rejected: %v", p.ID, results[i])

		rejected = append(rejected, RejectedProposal{
			ProposalID: p.ID,
			Reason:     p.RejectReason,
		})
	}

	if err := b.cfg.Store.PutProposals(ctx, pending); err != nil {
		return fmt.Errorf("persist broadcast result: %w", err)
	}

	if len(rejected) > 0 {
		return &PartialBroadcastError{
			Rejected: rejected,
			Total:    len(pending),
		}
	}

	return nil
}

// extractTx finalizes a copy of the proposal's packet and returns the
// network transaction.
func extractTx(p *Proposal) (*wire.MsgTx, error) {
	if !p.FullySigned() {
		return nil, fmt.Errorf("%w: have %v", ErrInsufficientSignatures,
			p.Signatures)
	}

	packet, err := keys.ClonePsbt(p.Packet)
	if err != nil {
		return nil, err
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientSignatures, err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientSignatures, err)
	}

	if tx.TxHash() != p.ID {
		return nil, fmt.Errorf("%w: txid %v", ErrSignatureMismatch,
			tx.TxHash())
	}

	return tx, nil
}
