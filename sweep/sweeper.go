// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/go-playground/validator/v10"
)

// Config holds the dependencies of a Sweeper.
type Config struct {
	Keysets     KeysetSource        `validate:"required"`
	Store       ProposalStore       `validate:"required"`
	Planner     *Planner            `validate:"required"`
	Signer      *SigningCoordinator `validate:"required"`
	Broadcaster *BroadcastService   `validate:"required"`
}

// Result describes a sweep run.
type Result struct {
	// Proposals are the proposals the run worked on.
	Proposals []*Proposal

	// Resumed is set when the run continued persisted proposals.
	Resumed bool
}

// Broadcast returns the number of proposals the network accepted.
func (r *Result) Broadcast() int {
	n := 0
	for _, p := range r.Proposals {
		if p.Status == StatusBroadcast {
			n++
		}
	}

	return n
}

// Sweeper moves the funds of an account's inactive keysets into its active
// keyset.
type Sweeper struct {
	cfg Config
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid sweeper config: %w", err)
	}

	return &Sweeper{cfg: cfg}, nil
}

// Run sweeps the account. Proposals persisted by an earlier run that were
// not broadcast are continued as long as their coins are unspent; keysets no
// continued proposal covers are planned again. It returns ErrNoFundsFound
// when there is nothing to sweep.
func (s *Sweeper) Run(ctx context.Context,
	account *recovery.AccountContext) (*Result, error) {

	active := account.ActiveKeyset
	if active == nil {
		var err error
		active, err = s.cfg.Keysets.ActiveKeyset(ctx, account.AccountID)
		if err != nil {
			return nil, fmt.Errorf("active keyset: %w", err)
		}
	}

	stored, err := s.cfg.Store.Proposals(ctx, account.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load proposals: %w", err)
	}

	res := &Result{}
	broadcast := make(map[chainhash.Hash]struct{})
	covered := make(map[string]struct{})
	for _, p := range stored {
		switch {
		case p.Status == StatusBroadcast:
			broadcast[p.ID] = struct{}{}
			continue

		// Proposals for a keyset that is no longer the destination
		// are stale.
		case !p.Destination.Equal(active):
			log.Infof("Dropping sweep %v to former keyset %s",
				p.ID, p.Destination.ID)

			continue
		}

		unspent, err := s.cfg.Planner.InputsUnspent(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("sweep %v: %w", p.ID, err)
		}

		if !unspent {
			log.Infof("Dropping %v sweep %v of keyset %s, its coins "+
				"were spent", p.Status, p.ID, p.Source.ID)

			continue
		}

		covered[p.Source.ID] = struct{}{}
		res.Proposals = append(res.Proposals, p)
	}

	if len(res.Proposals) > 0 {
		res.Resumed = true

		log.Infof("Resuming %d sweep(s) of account %s",
			len(res.Proposals), account.AccountID)
	}

	planned, err := s.plan(ctx, account.AccountID, active, broadcast,
		covered)
	switch {
	// Nothing new next to the continued sweeps.
	case errors.Is(err, ErrNoFundsFound) && res.Resumed:

	case err != nil:
		return nil, err
	}
	res.Proposals = append(res.Proposals, planned...)

	if err := s.cfg.Signer.SignAll(ctx, res.Proposals); err != nil {
		return res, fmt.Errorf("sign sweeps: %w", err)
	}

	if err := s.cfg.Broadcaster.Broadcast(ctx, res.Proposals); err != nil {
		return res, err
	}

	log.Infof("Swept %d keyset(s) of account %s", res.Broadcast(),
		account.AccountID)

	return res, nil
}

// plan builds and persists new proposals for the keysets not in covered,
// leaving out transactions that were already broadcast.
func (s *Sweeper) plan(ctx context.Context, accountID string,
	active *keys.Keyset, broadcast map[chainhash.Hash]struct{},
	covered map[string]struct{}) ([]*Proposal, error) {

	all, err := s.cfg.Keysets.Keysets(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("keysets: %w", err)
	}

	descriptors := make([]*keys.Keyset, 0, len(all))
	for _, ks := range all {
		if _, ok := covered[ks.ID]; ok || ks.Equal(active) {
			continue
		}

		descriptors = append(descriptors, ks)
	}

	if len(descriptors) == 0 {
		return nil, ErrNoFundsFound
	}

	planned, err := s.cfg.Planner.Plan(ctx, accountID, descriptors, active)
	if err != nil {
		return nil, err
	}

	proposals := make([]*Proposal, 0, len(planned))
	for _, p := range planned {
		if _, ok := broadcast[p.ID]; ok {
			continue
		}

		proposals = append(proposals, p)
	}

	if len(proposals) == 0 {
		return nil, ErrNoFundsFound
	}

	if err := s.cfg.Store.PutProposals(ctx, proposals); err != nil {
		return nil, fmt.Errorf("persist proposals: %w", err)
	}

	return proposals, nil
}

// OnRecoveryCompleted sweeps the account once a recovery activated its new
// keyset. It matches recovery.Config.OnCompleted.
func (s *Sweeper) OnRecoveryCompleted(ctx context.Context,
	account recovery.AccountContext, ks *keys.Keyset) {

	account.ActiveKeyset = ks

	res, err := s.Run(ctx, &account)
	switch {
	case errors.Is(err, ErrNoFundsFound):
		log.Infof("Nothing to sweep for account %s", account.AccountID)

	case err != nil:
		log.Errorf("Sweep of account %s failed: %v", account.AccountID,
			err)

	default:
		log.Infof("Sweep of account %s done: %d of %d broadcast",
			account.AccountID, res.Broadcast(), len(res.Proposals))
	}
}
