// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultConfTarget is the confirmation target fees are estimated for.
	DefaultConfTarget = 6

	// DefaultLookahead is the number of addresses per branch scanned for
	// coins.
	DefaultLookahead = 20

	// DefaultMinConf is the number of confirmations a coin needs before
	// it is swept.
	DefaultMinConf = 1

	// sweepTxVersion is the version of every sweep transaction.
	sweepTxVersion = 2
)

// PlannerConfig holds the dependencies of a Planner.
type PlannerConfig struct {
	Utxos UtxoSource   `validate:"required"`
	Fees  FeeEstimator `validate:"required"`

	ConfTarget uint32
	Lookahead  uint32

	// MinConf is the number of confirmations a coin needs to be swept.
	// Zero takes DefaultMinConf.
	MinConf int32 `validate:"gte=0"`

	// MinRelayFee floors the estimated fee rate. It defaults to the
	// standard relay fee.
	MinRelayFee btcunit.SatPerKVByte

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Planner builds sweep proposals for the inactive keysets of an account.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid planner config: %w", err)
	}

	if cfg.ConfTarget == 0 {
		cfg.ConfTarget = DefaultConfTarget
	}

	if cfg.Lookahead == 0 {
		cfg.Lookahead = DefaultLookahead
	}

	if cfg.MinConf == 0 {
		cfg.MinConf = DefaultMinConf
	}

	if cfg.MinRelayFee.Equal(btcunit.ZeroSatPerKVByte) {
		cfg.MinRelayFee = btcunit.NewSatPerKVByte(
			txrules.DefaultRelayFeePerKb,
		)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Planner{cfg: cfg}, nil
}

// SweepFee is the fee of a sweep spending numInputs coins at rate.
func SweepFee(rate btcunit.SatPerKVByte, numInputs int) btcutil.Amount {
	return rate.FeeForWeightRoundUp(btcunit.MultiSigSweepWeight(numInputs))
}

// FeeRate returns the fee rate proposals are built with.
func (p *Planner) FeeRate(ctx context.Context) (btcunit.SatPerKVByte,
	error) {

	estimate, err := p.cfg.Fees.EstimateFeeRate(ctx, p.cfg.ConfTarget)
	if err != nil {
		return btcunit.ZeroSatPerKVByte, fmt.Errorf("estimate fee: %w",
			err)
	}

	return estimate.Max(p.cfg.MinRelayFee), nil
}

// Plan returns one proposal per descriptor whose balance pays for its own
// sweep into destination and leaves more than dust. Descriptors equal to
// destination are skipped and the others are left out. It returns
// ErrNoFundsFound when nothing is left.
//
// Planning is deterministic: the same coins and fee rate always produce the
// same transactions.
func (p *Planner) Plan(ctx context.Context, accountID string,
	descriptors []*keys.Keyset, destination *keys.Keyset) ([]*Proposal,
	error) {

	feeRate, err := p.FeeRate(ctx)
	if err != nil {
		return nil, err
	}

	destAddr, err := destination.DeriveAddress(keys.ExternalBranch, 0)
	if err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}

	var (
		sweepID   = uuid.NewString()
		now       = p.cfg.Clock.Now()
		proposals []*Proposal
	)

	for _, ks := range descriptors {
		if ks.Equal(destination) {
			continue
		}

		tmpl, amount, fee, err := p.planKeyset(
			ctx, ks, destAddr, feeRate,
		)
		if err != nil {
			return nil, fmt.Errorf("keyset %s: %w", ks.ID, err)
		}

		if tmpl == nil {
			continue
		}

		packet, err := keys.ClonePsbt(tmpl)
		if err != nil {
			return nil, err
		}

		proposal := &Proposal{
			ID:                 tmpl.UnsignedTx.TxHash(),
			SweepID:            sweepID,
			AccountID:          accountID,
			Source:             ks,
			Destination:        destination,
			DestinationAddress: destAddr.Address,
			Amount:             amount,
			Fee:                fee,
			FeeRate:            feeRate,
			Template:           tmpl,
			Packet:             packet,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		log.Infof("Planned sweep %v of keyset %s: %v to %v, fee %v "+
			"(%v)", proposal.ID, ks.ID, amount, destAddr.Address,
			fee, feeRate)
		log.Tracef("Sweep template %v: %v", proposal.ID,
			newLogClosure(func() string {
				return spewPacket(tmpl)
			}))

		proposals = append(proposals, proposal)
	}

	proposalsPlanned.Add(float64(len(proposals)))

	if len(proposals) == 0 {
		return nil, ErrNoFundsFound
	}

	return proposals, nil
}

// InputsUnspent reports whether every coin the proposal spends is still
// unspent, confirmed or not.
func (p *Planner) InputsUnspent(ctx context.Context,
	proposal *Proposal) (bool, error) {

	var (
		seen = make(map[string]struct{})
		list []btcutil.Address
	)
	for i, in := range proposal.Template.Inputs {
		if in.WitnessUtxo == nil {
			return false, fmt.Errorf("input %d: missing witness utxo",
				i)
		}

		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			in.WitnessUtxo.PkScript, proposal.Source.Network,
		)
		if err != nil {
			return false, fmt.Errorf("input %d: %w", i, err)
		}

		for _, addr := range addrs {
			if _, ok := seen[addr.EncodeAddress()]; ok {
				continue
			}
			seen[addr.EncodeAddress()] = struct{}{}

			list = append(list, addr)
		}
	}

	utxos, err := p.cfg.Utxos.ListUnspent(ctx, list, 0)
	if err != nil {
		return false, fmt.Errorf("list unspent: %w", err)
	}

	unspent := make(map[wire.OutPoint]struct{}, len(utxos))
	for _, u := range utxos {
		unspent[u.OutPoint] = struct{}{}
	}

	for _, in := range proposal.Template.UnsignedTx.TxIn {
		if _, ok := unspent[in.PreviousOutPoint]; !ok {
			log.Debugf("Sweep %v spends %v which is gone",
				proposal.ID, in.PreviousOutPoint)

			return false, nil
		}
	}

	return true, nil
}

// planKeyset builds the unsigned sweep of one keyset. It returns a nil
// packet when the keyset holds nothing worth sweeping.
func (p *Planner) planKeyset(ctx context.Context, ks *keys.Keyset,
	dest *keys.Address, feeRate btcunit.SatPerKVByte) (*psbt.Packet,
	btcutil.Amount, btcutil.Amount, error) {

	addrs, err := ks.DeriveAddresses(p.cfg.Lookahead)
	if err != nil {
		return nil, 0, 0, err
	}

	byScript := make(map[string]*keys.Address, len(addrs))
	list := make([]btcutil.Address, 0, len(addrs))
	for _, addr := range addrs {
		byScript[string(addr.PkScript)] = addr
		list = append(list, addr.Address)
	}

	utxos, err := p.cfg.Utxos.ListUnspent(ctx, list, p.cfg.MinConf)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list unspent: %w", err)
	}

	utxos = ownUtxos(utxos, byScript)

	var balance btcutil.Amount
	for _, u := range utxos {
		balance += u.Value
	}

	fee := SweepFee(feeRate, len(utxos))
	if len(utxos) == 0 || balance <= fee {
		log.Debugf("Keyset %s excluded: balance %v in %d coin(s), "+
			"fee %v", ks.ID, balance, len(utxos), fee)

		return nil, 0, 0, nil
	}

	amount := balance - fee
	if txrules.IsDustOutput(
		wire.NewTxOut(int64(amount), dest.PkScript),
		p.cfg.MinRelayFee.Sats(),
	) {

		log.Debugf("Keyset %s excluded: sweep output %v is dust",
			ks.ID, amount)

		return nil, 0, 0, nil
	}

	outpoints := make([]*wire.OutPoint, 0, len(utxos))
	sequences := make([]uint32, 0, len(utxos))
	for i := range utxos {
		outpoints = append(outpoints, &utxos[i].OutPoint)
		sequences = append(sequences, wire.MaxTxInSequenceNum)
	}

	packet, err := psbt.New(
		outpoints,
		[]*wire.TxOut{wire.NewTxOut(int64(amount), dest.PkScript)},
		sweepTxVersion, 0, sequences,
	)
	if err != nil {
		return nil, 0, 0, err
	}

	for i, u := range utxos {
		addr := byScript[string(u.PkScript)]

		in := &packet.Inputs[i]
		in.WitnessUtxo = wire.NewTxOut(int64(u.Value), u.PkScript)
		in.WitnessScript = addr.WitnessScript
		in.Bip32Derivation = addr.Derivations
		in.SighashType = txscript.SigHashAll
	}

	packet.Outputs[0].WitnessScript = dest.WitnessScript
	packet.Outputs[0].Bip32Derivation = dest.Derivations

	if err := psbt.InPlaceSort(packet); err != nil {
		return nil, 0, 0, err
	}

	return packet, amount, fee, nil
}

// ownUtxos drops coins that pay to none of the keyset's addresses and
// duplicates, and sorts the rest by outpoint.
func ownUtxos(utxos []Utxo, byScript map[string]*keys.Address) []Utxo {
	seen := make(map[wire.OutPoint]struct{}, len(utxos))
	own := make([]Utxo, 0, len(utxos))
	for _, u := range utxos {
		if _, ok := byScript[string(u.PkScript)]; !ok {
			log.Warnf("Ignoring coin %v with foreign script %x",
				u.OutPoint, u.PkScript)

			continue
		}

		if _, ok := seen[u.OutPoint]; ok {
			continue
		}
		seen[u.OutPoint] = struct{}{}

		own = append(own, u)
	}

	sort.Slice(own, func(i, j int) bool {
		a, b := own[i].OutPoint, own[j].OutPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}

		return a.Index < b.Index
	})

	return own
}
