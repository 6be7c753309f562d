// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvdb persists recovery attempts, keysets and sweep proposals in a
// walletdb key-value database.
package kvdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bbolt walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// DriverName is the walletdb driver used by Open.
	DriverName = "bdb"

	// DefaultTimeout is how long Open waits for the database lock.
	DefaultTimeout = 10 * time.Second
)

var (
	// recoveryNamespaceKey is the top-level bucket of the store.
	recoveryNamespaceKey = []byte("recovery")

	// attemptsBucket maps attempt ID to the encoded attempt.
	attemptsBucket = []byte("attempts")

	// inProgressBucket maps account ID to the ID of its attempt in
	// progress.
	inProgressBucket = []byte("in-progress")

	// keysetsBucket holds one nested bucket per account mapping a sequence
	// number to an encoded keyset.
	keysetsBucket = []byte("keysets")

	// keysetIndexBucket holds one nested bucket per account mapping a
	// keyset ID to its sequence number.
	keysetIndexBucket = []byte("keyset-index")

	// activeKeysetBucket maps account ID to the active keyset ID.
	activeKeysetBucket = []byte("active-keyset")

	// activationsBucket maps attempt ID to the keyset it activated.
	activationsBucket = []byte("activations")

	// proposalsBucket and proposalIndexBucket mirror the keyset buckets
	// for sweep proposals.
	proposalsBucket     = []byte("proposals")
	proposalIndexBucket = []byte("proposal-index")

	topLevelBuckets = [][]byte{
		attemptsBucket, inProgressBucket, keysetsBucket,
		keysetIndexBucket, activeKeysetBucket, activationsBucket,
		proposalsBucket, proposalIndexBucket,
	}

	// errMissingNamespace is returned when the store was not initialized.
	errMissingNamespace = errors.New("missing recovery namespace")
)

// Store is the walletdb implementation of the recovery and sweep stores.
type Store struct {
	db walletdb.DB
}

// A compile-time check that Store implements the store interfaces.
var (
	_ recovery.AttemptStore = (*Store)(nil)
	_ recovery.KeysetStore  = (*Store)(nil)
	_ sweep.ProposalStore   = (*Store)(nil)
	_ sweep.KeysetSource    = (*Store)(nil)
)

// NewStore creates the store buckets in db when missing and returns a store
// over it.
func NewStore(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(recoveryNamespaceKey)
		if err != nil {
			return err
		}

		for _, name := range topLevelBuckets {
			if _, err := ns.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Open creates or opens the bbolt database at path and returns a store over
// it.
func Open(path string) (*Store, error) {
	open := walletdb.Create
	if _, err := os.Stat(path); err == nil {
		open = walletdb.Open
	}

	db, err := open(DriverName, path, true, DefaultTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	store, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func readNs(tx walletdb.ReadTx, name []byte) (walletdb.ReadBucket, error) {
	ns := tx.ReadBucket(recoveryNamespaceKey)
	if ns == nil {
		return nil, errMissingNamespace
	}

	return ns.NestedReadBucket(name), nil
}

func writeNs(tx walletdb.ReadWriteTx,
	name []byte) (walletdb.ReadWriteBucket, error) {

	ns := tx.ReadWriteBucket(recoveryNamespaceKey)
	if ns == nil {
		return nil, errMissingNamespace
	}

	return ns.NestedReadWriteBucket(name), nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)

	return k[:]
}

// appendRecord stores blob under the next sequence number of the account's
// bucket in list, or replaces the existing record with the same id.
func appendRecord(tx walletdb.ReadWriteTx, list, index []byte, accountID,
	id string, blob []byte) error {

	lists, err := writeNs(tx, list)
	if err != nil {
		return err
	}

	indexes, err := writeNs(tx, index)
	if err != nil {
		return err
	}

	records, err := lists.CreateBucketIfNotExists([]byte(accountID))
	if err != nil {
		return err
	}

	ids, err := indexes.CreateBucketIfNotExists([]byte(accountID))
	if err != nil {
		return err
	}

	if key := ids.Get([]byte(id)); key != nil {
		return records.Put(key, blob)
	}

	seq, err := records.NextSequence()
	if err != nil {
		return err
	}

	key := seqKey(seq)
	if err := ids.Put([]byte(id), key); err != nil {
		return err
	}

	return records.Put(key, blob)
}

// forEachRecord calls f with every record of the account in insertion order.
func forEachRecord(tx walletdb.ReadTx, list []byte, accountID string,
	f func([]byte) error) error {

	lists, err := readNs(tx, list)
	if err != nil {
		return err
	}

	records := lists.NestedReadBucket([]byte(accountID))
	if records == nil {
		return nil
	}

	return records.ForEach(func(_, v []byte) error {
		return f(v)
	})
}

// PutAttempt inserts or replaces an attempt. A second attempt in progress for
// the same account is refused with recovery.ErrAttemptInProgress.
func (s *Store) PutAttempt(_ context.Context, a *recovery.Attempt) error {
	blob, err := recovery.AttemptBytes(a)
	if err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		attempts, err := writeNs(tx, attemptsBucket)
		if err != nil {
			return err
		}

		inProgress, err := writeNs(tx, inProgressBucket)
		if err != nil {
			return err
		}

		account := []byte(a.AccountID)
		current := inProgress.Get(account)

		switch {
		case current != nil && !bytes.Equal(current, []byte(a.ID)):
			if !a.IsTerminal() {
				return recovery.ErrAttemptInProgress
			}

		case a.IsTerminal():
			if current != nil {
				err := inProgress.Delete(account)
				if err != nil {
					return err
				}
			}

		default:
			err := inProgress.Put(account, []byte(a.ID))
			if err != nil {
				return err
			}
		}

		return attempts.Put([]byte(a.ID), blob)
	})
}

// FetchAttempt returns an attempt by ID.
func (s *Store) FetchAttempt(_ context.Context,
	id string) (*recovery.Attempt, error) {

	var a *recovery.Attempt
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		attempts, err := readNs(tx, attemptsBucket)
		if err != nil {
			return err
		}

		blob := attempts.Get([]byte(id))
		if blob == nil {
			return recovery.ErrAttemptNotFound
		}

		a, err = recovery.AttemptFromBytes(blob)

		return err
	})

	return a, err
}

// ActiveAttempt returns the account's attempt in progress.
func (s *Store) ActiveAttempt(ctx context.Context,
	accountID string) (*recovery.Attempt, error) {

	var id []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		inProgress, err := readNs(tx, inProgressBucket)
		if err != nil {
			return err
		}

		id = inProgress.Get([]byte(accountID))
		if id == nil {
			return recovery.ErrAttemptNotFound
		}

		// The value is only valid for the life of the transaction.
		id = append([]byte(nil), id...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.FetchAttempt(ctx, string(id))
}

// LatestAttempt returns the account's most recently created attempt.
func (s *Store) LatestAttempt(_ context.Context,
	accountID string) (*recovery.Attempt, error) {

	var latest *recovery.Attempt
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		attempts, err := readNs(tx, attemptsBucket)
		if err != nil {
			return err
		}

		return attempts.ForEach(func(_, v []byte) error {
			a, err := recovery.AttemptFromBytes(v)
			if err != nil {
				return err
			}

			if a.AccountID != accountID {
				return nil
			}

			if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
				latest = a
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if latest == nil {
		return nil, recovery.ErrAttemptNotFound
	}

	return latest, nil
}

func putKeyset(tx walletdb.ReadWriteTx, accountID string,
	ks *keys.Keyset) error {

	indexes, err := writeNs(tx, keysetIndexBucket)
	if err != nil {
		return err
	}

	if ids := indexes.NestedReadWriteBucket([]byte(accountID)); ids != nil &&
		ids.Get([]byte(ks.ID)) != nil {

		return nil
	}

	blob, err := keys.KeysetBytes(ks)
	if err != nil {
		return err
	}

	return appendRecord(tx, keysetsBucket, keysetIndexBucket, accountID,
		ks.ID, blob)
}

// PutKeyset records a keyset for the account. Recording a keyset twice is a
// no-op.
func (s *Store) PutKeyset(_ context.Context, accountID string,
	ks *keys.Keyset) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return putKeyset(tx, accountID, ks)
	})
}

// ActivateKeyset makes ks the account's active keyset on behalf of
// attemptID. Each attempt activates at most once.
func (s *Store) ActivateKeyset(_ context.Context, accountID,
	attemptID string, ks *keys.Keyset) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		activations, err := writeNs(tx, activationsBucket)
		if err != nil {
			return err
		}

		if activations.Get([]byte(attemptID)) != nil {
			return recovery.ErrKeysetAlreadyActive
		}

		if err := putKeyset(tx, accountID, ks); err != nil {
			return err
		}

		err = activations.Put([]byte(attemptID), []byte(ks.ID))
		if err != nil {
			return err
		}

		active, err := writeNs(tx, activeKeysetBucket)
		if err != nil {
			return err
		}

		return active.Put([]byte(accountID), []byte(ks.ID))
	})
}

// ActiveKeyset returns the account's active keyset.
func (s *Store) ActiveKeyset(_ context.Context,
	accountID string) (*keys.Keyset, error) {

	var ks *keys.Keyset
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		active, err := readNs(tx, activeKeysetBucket)
		if err != nil {
			return err
		}

		id := active.Get([]byte(accountID))
		if id == nil {
			return recovery.ErrKeysetNotFound
		}

		indexes, err := readNs(tx, keysetIndexBucket)
		if err != nil {
			return err
		}

		lists, err := readNs(tx, keysetsBucket)
		if err != nil {
			return err
		}

		ids := indexes.NestedReadBucket([]byte(accountID))
		records := lists.NestedReadBucket([]byte(accountID))
		if ids == nil || records == nil {
			return recovery.ErrKeysetNotFound
		}

		key := ids.Get(id)
		if key == nil {
			return recovery.ErrKeysetNotFound
		}

		ks, err = keys.KeysetFromBytes(records.Get(key))

		return err
	})

	return ks, err
}

// Keysets returns every keyset of the account, oldest first.
func (s *Store) Keysets(_ context.Context,
	accountID string) ([]*keys.Keyset, error) {

	var keysets []*keys.Keyset
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return forEachRecord(tx, keysetsBucket, accountID,
			func(v []byte) error {
				ks, err := keys.KeysetFromBytes(v)
				if err != nil {
					return err
				}

				keysets = append(keysets, ks)

				return nil
			},
		)
	})

	return keysets, err
}

// PutProposals inserts or replaces proposals in one transaction.
func (s *Store) PutProposals(_ context.Context,
	proposals []*sweep.Proposal) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		for _, p := range proposals {
			blob, err := sweep.ProposalBytes(p)
			if err != nil {
				return err
			}

			err = appendRecord(tx, proposalsBucket,
				proposalIndexBucket, p.AccountID, p.ID.String(),
				blob)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// Proposals returns every proposal of the account, oldest first.
func (s *Store) Proposals(_ context.Context,
	accountID string) ([]*sweep.Proposal, error) {

	var proposals []*sweep.Proposal
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return forEachRecord(tx, proposalsBucket, accountID,
			func(v []byte) error {
				p, err := sweep.ProposalFromBytes(v)
				if err != nil {
					return err
				}

				proposals = append(proposals, p)

				return nil
			},
		)
	})

	return proposals, err
}
