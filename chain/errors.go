// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"strings"
)

var (
	// ErrTxAlreadyKnown is returned when the node already has the
	// transaction.
	ErrTxAlreadyKnown = errors.New("transaction already known")

	// ErrTxAlreadyInMempool is returned when the transaction is in the
	// node's mempool.
	ErrTxAlreadyInMempool = errors.New("transaction already in mempool")

	// ErrTxAlreadyConfirmed is returned when the transaction is already in
	// the chain.
	ErrTxAlreadyConfirmed = errors.New("transaction already confirmed")

	// ErrMempoolRejected is returned for every other rejection.
	ErrMempoolRejected = errors.New("transaction rejected by mempool")

	// ErrBackendUnreachable is returned when a call did not get an answer
	// from the node.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrNoFeeEstimate is returned when the node has no estimate for the
	// requested target and no fallback is configured.
	ErrNoFeeEstimate = errors.New("no fee estimate available")
)

// rejectReasons maps the rejection messages of bitcoind and btcd to the
// sentinels above. Matching is by substring, lowercase.
var rejectReasons = []struct {
	substr string
	err    error
}{
	{"txn-already-in-mempool", ErrTxAlreadyInMempool},
	{"already have transaction in mempool", ErrTxAlreadyInMempool},
	{"txn-already-known", ErrTxAlreadyKnown},
	{"already have transaction", ErrTxAlreadyKnown},
	{"transaction already exists", ErrTxAlreadyConfirmed},
	{"transaction already in block chain", ErrTxAlreadyConfirmed},
	{"outputs already in utxo set", ErrTxAlreadyConfirmed},
}

// mapRejectReason converts a node rejection message into an error that wraps
// one of the package sentinels.
func mapRejectReason(reason string) error {
	lower := strings.ToLower(reason)
	for _, r := range rejectReasons {
		if strings.Contains(lower, r.substr) {
			return r.err
		}
	}

	return &RejectError{Reason: reason}
}

// RejectError is a mempool rejection the package does not know about.
type RejectError struct {
	Reason string
}

// Error returns the node's rejection message.
func (e *RejectError) Error() string {
	return ErrMempoolRejected.Error() + ": " + e.Reason
}

// Unwrap returns ErrMempoolRejected.
func (e *RejectError) Unwrap() error {
	return ErrMempoolRejected
}

// isAlreadyPublished reports whether err says the transaction reached the
// network before.
func isAlreadyPublished(err error) bool {
	return errors.Is(err, ErrTxAlreadyKnown) ||
		errors.Is(err, ErrTxAlreadyInMempool) ||
		errors.Is(err, ErrTxAlreadyConfirmed)
}
