// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrNoFundsFound is returned by the planner when no inactive keyset
	// holds enough to pay for its own sweep.
	ErrNoFundsFound = errors.New("no funds found in inactive keysets")

	// ErrInsufficientSignatures is returned when a proposal without both
	// signature sets reaches the broadcaster. It indicates a defect in the
	// caller.
	ErrInsufficientSignatures = errors.New("sweep proposal not fully signed")

	// ErrSignatureMismatch is returned when a signer answers with a
	// transaction other than the one it was asked to sign, or with
	// signatures that do not verify.
	ErrSignatureMismatch = errors.New("signed sweep does not match proposal")

	// ErrProposalNotFound is returned by a proposal store for an unknown
	// proposal.
	ErrProposalNotFound = errors.New("sweep proposal not found")

	// ErrMixedAccounts is returned when a batch holds proposals of more
	// than one account.
	ErrMixedAccounts = errors.New("sweep proposals span several accounts")
)

// RejectedProposal is a proposal the network refused.
type RejectedProposal struct {
	ProposalID chainhash.Hash
	Reason     string
}

// PartialBroadcastError is returned when some proposals of a batch were
// rejected. The accepted ones are marked broadcast and a retry only sends the
// rest.
type PartialBroadcastError struct {
	Rejected []RejectedProposal

	// Total is the number of proposals that were published.
	Total int
}

// Error returns a summary of the rejected proposals.
func (e *PartialBroadcastError) Error() string {
	reasons := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		reasons = append(reasons, fmt.Sprintf("%v: %s", r.ProposalID,
			r.Reason))
	}

	return fmt.Sprintf("%d of %d sweep(s) rejected: %s", len(e.Rejected),
		e.Total, strings.Join(reasons, "; "))
}
