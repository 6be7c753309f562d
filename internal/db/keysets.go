// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
)

const (
	insertKeysetQuery = `
INSERT INTO keysets (account_id, keyset_id, record) VALUES (?, ?, ?)
ON CONFLICT (account_id, keyset_id) DO NOTHING`

	insertActivationQuery = `
INSERT INTO keyset_activations (
    attempt_id, account_id, keyset_id, activated_at
) VALUES (?, ?, ?, ?)`

	upsertActiveKeysetQuery = `
INSERT INTO active_keysets (account_id, keyset_id, activated_at)
VALUES (?, ?, ?)
ON CONFLICT (account_id) DO UPDATE SET
    keyset_id = excluded.keyset_id,
    activated_at = excluded.activated_at`

	activeKeysetQuery = `
SELECT k.record FROM active_keysets a
JOIN keysets k
    ON k.account_id = a.account_id AND k.keyset_id = a.keyset_id
WHERE a.account_id = ?`

	keysetsQuery = `
SELECT record FROM keysets WHERE account_id = ? ORDER BY seq`
)

type execer interface {
	ExecContext(ctx context.Context, query string,
		args ...any) (sql.Result, error)
}

func (s *Store) putKeyset(ctx context.Context, ex execer, accountID string,
	ks *keys.Keyset) error {

	blob, err := keys.KeysetBytes(ks)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, s.dialect.rebind(insertKeysetQuery),
		accountID, ks.ID, blob)

	return wrapExec("put keyset", err)
}

// PutKeyset records a keyset for the account. Recording a keyset twice is a
// no-op.
func (s *Store) PutKeyset(ctx context.Context, accountID string,
	ks *keys.Keyset) error {

	return s.putKeyset(ctx, s.db, accountID, ks)
}

// ActivateKeyset makes ks the account's active keyset on behalf of
// attemptID. Each attempt activates at most once.
func (s *Store) ActivateKeyset(ctx context.Context, accountID,
	attemptID string, ks *keys.Keyset) error {

	now := unixNanos(s.clock.Now())

	return s.execInTx(ctx, func(tx *sql.Tx) error {
		if err := s.putKeyset(ctx, tx, accountID, ks); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			s.dialect.rebind(insertActivationQuery), attemptID,
			accountID, ks.ID, now,
		)
		switch {
		case isUniqueViolation(err):
			return recovery.ErrKeysetAlreadyActive

		case err != nil:
			return wrapExec("record activation", err)
		}

		_, err = tx.ExecContext(ctx,
			s.dialect.rebind(upsertActiveKeysetQuery), accountID,
			ks.ID, now,
		)
		if err != nil {
			return wrapExec("activate keyset", err)
		}

		log.Infof("Activated keyset %s for account %s", ks.ID,
			accountID)

		return nil
	})
}

// ActiveKeyset returns the account's active keyset.
func (s *Store) ActiveKeyset(ctx context.Context,
	accountID string) (*keys.Keyset, error) {

	return queryRecord(ctx, s, keys.KeysetFromBytes,
		recovery.ErrKeysetNotFound, activeKeysetQuery, accountID)
}

// Keysets returns every keyset of the account, oldest first.
func (s *Store) Keysets(ctx context.Context,
	accountID string) ([]*keys.Keyset, error) {

	return queryRecords(ctx, s, keys.KeysetFromBytes, keysetsQuery,
		accountID)
}
