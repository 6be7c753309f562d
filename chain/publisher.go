// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// Publish sends every transaction to the node. A transaction the node
// already has counts as published. The returned error is set when ctx ends
// before all transactions were handled, or when the node could not be
// reached at all; it wraps ErrBackendUnreachable in the latter case and no
// per-transaction results are returned.
func (b *Backend) Publish(ctx context.Context, _ string,
	txs []*wire.MsgTx) ([]error, error) {

	results := make([]error, len(txs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)

	for i, tx := range txs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			err := b.publish(tx)
			if errors.Is(err, ErrBackendUnreachable) {
				return err
			}
			results[i] = err

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// publish checks mempool acceptance and then sends one transaction.
func (b *Backend) publish(tx *wire.MsgTx) error {
	txid := tx.TxHash()

	err := b.checkMempool(tx)
	switch {
	case isAlreadyPublished(err):
		log.Infof("Tx %v already published", txid)
		return nil

	case errors.Is(err, ErrBackendUnreachable):
		return err

	case err != nil:
		log.Errorf("Tx %v rejected: %v", txid, err)
		return err
	}

	_, err = b.rpc.SendRawTransaction(tx, false)
	if err == nil {
		log.Infof("Published tx %v", txid)
		return nil
	}

	mapped := mapRejectReason(err.Error())
	if isAlreadyPublished(mapped) {
		log.Infof("Tx %v already published", txid)
		return nil
	}

	if !isNodeError(err) {
		return fmt.Errorf("%w: sendrawtransaction %v: %w",
			ErrBackendUnreachable, txid, err)
	}

	return fmt.Errorf("sendrawtransaction %v: %w", txid, err)
}

// checkMempool runs testmempoolaccept for tx. Backends without the call are
// skipped.
func (b *Backend) checkMempool(tx *wire.MsgTx) error {
	// A max fee rate of 0 selects the node's default.
	results, err := b.rpc.TestMempoolAccept([]*wire.MsgTx{tx}, 0)
	switch {
	case errors.Is(err, rpcclient.ErrBackendVersion):
		log.Warnf("Backend does not support testmempoolaccept, "+
			"publishing directly: %v", err)

		return nil

	case err != nil && !isNodeError(err):
		return fmt.Errorf("%w: testmempoolaccept: %w",
			ErrBackendUnreachable, err)

	case err != nil:
		return fmt.Errorf("testmempoolaccept: %w", err)
	}

	if len(results) != 1 {
		return fmt.Errorf("expected 1 result from testmempoolaccept, "+
			"got %d", len(results))
	}

	if results[0].Allowed {
		return nil
	}

	return mapRejectReason(results[0].RejectReason)
}

// isNodeError reports whether err is an answer from the node rather than a
// failure to reach it.
func isNodeError(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr)
}
