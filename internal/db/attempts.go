// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"

	"github.com/btcsuite/btcrecovery/recovery"
)

const (
	upsertAttemptQuery = `
INSERT INTO recovery_attempts (
    id, account_id, phase, terminal, created_at, updated_at, record
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    phase = excluded.phase,
    terminal = excluded.terminal,
    updated_at = excluded.updated_at,
    record = excluded.record`

	fetchAttemptQuery = `
SELECT record FROM recovery_attempts WHERE id = ?`

	activeAttemptQuery = `
SELECT record FROM recovery_attempts WHERE account_id = ? AND NOT terminal`

	latestAttemptQuery = `
SELECT record FROM recovery_attempts WHERE account_id = ?
ORDER BY created_at DESC, updated_at DESC LIMIT 1`
)

// PutAttempt inserts or replaces an attempt. The partial unique index on
// in-progress attempts turns a second concurrent attempt into
// recovery.ErrAttemptInProgress.
func (s *Store) PutAttempt(ctx context.Context, a *recovery.Attempt) error {
	blob, err := recovery.AttemptBytes(a)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(upsertAttemptQuery),
		a.ID, a.AccountID, int(a.State.Phase), a.IsTerminal(),
		unixNanos(a.CreatedAt), unixNanos(a.UpdatedAt), blob,
	)
	switch {
	case isUniqueViolation(err):
		return recovery.ErrAttemptInProgress

	case err != nil:
		return wrapExec("put attempt", err)
	}

	log.Tracef("Stored attempt %s in %v", a.ID, a.State.Phase)

	return nil
}

// FetchAttempt returns an attempt by ID.
func (s *Store) FetchAttempt(ctx context.Context,
	id string) (*recovery.Attempt, error) {

	return queryRecord(ctx, s, recovery.AttemptFromBytes,
		recovery.ErrAttemptNotFound, fetchAttemptQuery, id)
}

// ActiveAttempt returns the account's attempt in progress.
func (s *Store) ActiveAttempt(ctx context.Context,
	accountID string) (*recovery.Attempt, error) {

	return queryRecord(ctx, s, recovery.AttemptFromBytes,
		recovery.ErrAttemptNotFound, activeAttemptQuery, accountID)
}

// LatestAttempt returns the account's most recent attempt, finished or not.
func (s *Store) LatestAttempt(ctx context.Context,
	accountID string) (*recovery.Attempt, error) {

	return queryRecord(ctx, s, recovery.AttemptFromBytes,
		recovery.ErrAttemptNotFound, latestAttemptQuery, accountID)
}

