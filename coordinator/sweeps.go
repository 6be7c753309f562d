// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/sweep"
)

const (
	pathSweeps    = "/v1/accounts/{account}/sweeps"
	pathSweepSign = pathSweeps + "/sign"
)

// A compile-time check that Client can cosign and publish sweeps.
var (
	_ sweep.ServerCosigner = (*Client)(nil)
	_ sweep.TxPublisher    = (*Client)(nil)
)

// SignPsbt asks the server to cosign a sweep of keyset.
func (c *Client) SignPsbt(ctx context.Context, accountID string,
	packet *psbt.Packet, keyset *keys.Keyset) (*psbt.Packet, error) {

	encoded, err := packet.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encode psbt: %w", err)
	}

	var result signResponse
	resp, err := c.request(ctx, accountID).
		SetBody(&signRequest{KeysetID: keyset.ID, Psbt: encoded}).
		SetResult(&result).
		Post(pathSweepSign)
	if err := classify("cosign sweep", resp, err); err != nil {
		return nil, err
	}

	signed, err := psbt.NewFromRawBytes(
		strings.NewReader(result.Psbt), true,
	)
	if err != nil {
		return nil, fmt.Errorf("cosign sweep: decode psbt: %w", err)
	}

	return signed, nil
}

// Publish hands fully signed sweeps to the server, which broadcasts them.
func (c *Client) Publish(ctx context.Context, accountID string,
	txs []*wire.MsgTx) ([]error, error) {

	body := &publishRequest{Txs: make([]string, 0, len(txs))}
	for _, tx := range txs {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return nil, err
		}

		body.Txs = append(body.Txs, hex.EncodeToString(buf.Bytes()))
	}

	var result publishResponse
	resp, err := c.request(ctx, accountID).
		SetBody(body).
		SetResult(&result).
		Post(pathSweeps)
	if err := classify("publish sweeps", resp, err); err != nil {
		return nil, err
	}

	byTxid := make(map[string]publishResult, len(result.Results))
	for _, r := range result.Results {
		byTxid[r.Txid] = r
	}

	results := make([]error, len(txs))
	for i, tx := range txs {
		txid := tx.TxHash().String()

		r, ok := byTxid[txid]
		switch {
		case !ok:
			results[i] = fmt.Errorf("no result for %s", txid)

		case r.Error != "":
			results[i] = errors.New(r.Error)
		}
	}

	return results, nil
}
