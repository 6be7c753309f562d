// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain connects the sweep to a full node over JSON-RPC. It lists the
// unspent outputs of keyset addresses, estimates fees and publishes sweep
// transactions.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/go-playground/validator/v10"
)

const (
	// DefaultMaxPublishers bounds the number of transactions published
	// concurrently.
	DefaultMaxPublishers = 4

	// maxConfs is the upper bound passed to listunspent.
	maxConfs = 9_999_999
)

// RPC is the subset of the node's JSON-RPC interface the backend uses.
// *rpcclient.Client implements it.
type RPC interface {
	ListUnspentMinMaxAddresses(minConf, maxConf int,
		addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)

	EstimateSmartFee(confTarget int64,
		mode *btcjson.EstimateSmartFeeMode) (
		*btcjson.EstimateSmartFeeResult, error)

	TestMempoolAccept(txns []*wire.MsgTx,
		maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error)

	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
}

var _ RPC = (*rpcclient.Client)(nil)

// Config describes the node connection.
//
//nolint:lll
type Config struct {
	Host            string `long:"host" description:"Node RPC host:port. Append /wallet/<name> to reach a bitcoind watch-only wallet" validate:"required"`
	User            string `long:"user" description:"RPC username"`
	Pass            string `long:"pass" default-mask:"-" description:"RPC password"`
	RPCCert         string `long:"rpccert" description:"File containing the node's TLS certificate"`
	NoTLS           bool   `long:"notls" description:"Disable TLS for the RPC connection"`
	FallbackFeeRate int64  `long:"fallbackfee" description:"Fee rate in sat/kvB used when the node has no estimate, 0 to fail instead" validate:"gte=0"`
	MaxPublishers   int    `long:"maxpublishers" description:"Maximum number of transactions published at once" validate:"gte=0"`
}

// Backend implements the chain-facing interfaces of the sweep package.
type Backend struct {
	rpc      RPC
	fallback btcunit.SatPerKVByte
	parallel int
}

// A compile-time check that Backend provides what the sweep needs.
var (
	_ sweep.UtxoSource   = (*Backend)(nil)
	_ sweep.FeeEstimator = (*Backend)(nil)
	_ sweep.TxPublisher  = (*Backend)(nil)
)

// NewBackend wraps an RPC connection.
func NewBackend(rpc RPC, cfg *Config) (*Backend, error) {
	if rpc == nil {
		return nil, errors.New("missing rpc client")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid chain config: %w", err)
	}

	parallel := cfg.MaxPublishers
	if parallel == 0 {
		parallel = DefaultMaxPublishers
	}

	return &Backend{
		rpc: rpc,
		fallback: btcunit.NewSatPerKVByte(
			btcutil.Amount(cfg.FallbackFeeRate),
		),
		parallel: parallel,
	}, nil
}

// Dial opens an HTTP POST mode connection to the node and returns a backend
// over it together with a function that closes the connection.
func Dial(cfg *Config) (*Backend, func(), error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   cfg.NoTLS,
		HTTPPostMode: true,
	}

	if !cfg.NoTLS && cfg.RPCCert != "" {
		cert, err := os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, nil, fmt.Errorf("read rpc cert: %w", err)
		}

		connCfg.Certificates = cert
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to node: %w", err)
	}

	backend, err := NewBackend(client, cfg)
	if err != nil {
		client.Shutdown()
		return nil, nil, err
	}

	log.Infof("Using node at %s", cfg.Host)

	return backend, client.Shutdown, nil
}

// ListUnspent returns the unspent outputs of addrs with at least minConf
// confirmations.
func (b *Backend) ListUnspent(_ context.Context, addrs []btcutil.Address,
	minConf int32) ([]sweep.Utxo, error) {

	if len(addrs) == 0 {
		return nil, nil
	}

	results, err := b.rpc.ListUnspentMinMaxAddresses(
		int(minConf), maxConfs, addrs,
	)
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}

	utxos := make([]sweep.Utxo, 0, len(results))
	for _, r := range results {
		utxo, err := toUtxo(r)
		if err != nil {
			return nil, fmt.Errorf("listunspent %s:%d: %w", r.TxID,
				r.Vout, err)
		}

		utxos = append(utxos, utxo)
	}

	log.Debugf("Found %d unspent outputs over %d addresses", len(utxos),
		len(addrs))

	return utxos, nil
}

func toUtxo(r btcjson.ListUnspentResult) (sweep.Utxo, error) {
	hash, err := chainhash.NewHashFromStr(r.TxID)
	if err != nil {
		return sweep.Utxo{}, err
	}

	pkScript, err := hex.DecodeString(r.ScriptPubKey)
	if err != nil {
		return sweep.Utxo{}, fmt.Errorf("script: %w", err)
	}

	value, err := btcutil.NewAmount(r.Amount)
	if err != nil {
		return sweep.Utxo{}, fmt.Errorf("amount: %w", err)
	}

	return sweep.Utxo{
		OutPoint:      *wire.NewOutPoint(hash, r.Vout),
		Value:         value,
		PkScript:      pkScript,
		Confirmations: r.Confirmations,
	}, nil
}

// EstimateFeeRate asks the node for a conservative estimate. The fallback
// rate is used when the node has none.
func (b *Backend) EstimateFeeRate(_ context.Context,
	confTarget uint32) (btcunit.SatPerKVByte, error) {

	mode := btcjson.EstimateModeConservative
	res, err := b.rpc.EstimateSmartFee(int64(confTarget), &mode)
	if err != nil {
		return btcunit.ZeroSatPerKVByte, fmt.Errorf("estimatesmartfee: "+
			"%w", err)
	}

	if res.FeeRate == nil || *res.FeeRate <= 0 {
		reason := strings.Join(res.Errors, "; ")
		if b.fallback.Sats() > 0 {
			log.Warnf("No fee estimate for %d blocks (%s), using "+
				"fallback %v", confTarget, reason, b.fallback)

			return b.fallback, nil
		}

		return btcunit.ZeroSatPerKVByte, fmt.Errorf("%w for %d "+
			"blocks: %s", ErrNoFeeEstimate, confTarget, reason)
	}

	rate, err := btcunit.FromBTCPerKVByte(*res.FeeRate)
	if err != nil {
		return btcunit.ZeroSatPerKVByte, err
	}

	log.Debugf("Fee estimate for %d blocks: %v", confTarget, rate)

	return rate, nil
}
