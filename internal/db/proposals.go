// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcrecovery/sweep"
)

const (
	upsertProposalQuery = `
INSERT INTO sweep_proposals (
    proposal_id, account_id, sweep_id, status, updated_at, record
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (proposal_id) DO UPDATE SET
    status = excluded.status,
    updated_at = excluded.updated_at,
    record = excluded.record`

	proposalsQuery = `
SELECT record FROM sweep_proposals WHERE account_id = ? ORDER BY seq`
)

// PutProposals inserts or replaces proposals in one transaction.
func (s *Store) PutProposals(ctx context.Context,
	proposals []*sweep.Proposal) error {

	return s.execInTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(upsertProposalQuery)
		for _, p := range proposals {
			blob, err := sweep.ProposalBytes(p)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, query, p.ID.String(),
				p.AccountID, p.SweepID, int(p.Status),
				unixNanos(p.UpdatedAt), blob,
			)
			if err != nil {
				return wrapExec("put proposal", err)
			}
		}

		log.Debugf("Stored %d sweep proposal(s)", len(proposals))

		return nil
	})
}

// Proposals returns every proposal of the account, oldest first.
func (s *Store) Proposals(ctx context.Context,
	accountID string) ([]*sweep.Proposal, error) {

	return queryRecords(ctx, s, sweep.ProposalFromBytes, proposalsQuery,
		accountID)
}
