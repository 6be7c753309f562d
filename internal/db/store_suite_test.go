package db

import (
	"context"
	"testing"

	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh, migrated store.
type storeFactory func(t *testing.T) *Store

// runStoreSuite runs the store behavior tests against one backend.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("attempts", func(t *testing.T) {
		testAttempts(t, newStore(t))
	})
	t.Run("one attempt in progress", func(t *testing.T) {
		testAttemptInProgress(t, newStore(t))
	})
	t.Run("keysets", func(t *testing.T) {
		testKeysets(t, newStore(t))
	})
	t.Run("activate once", func(t *testing.T) {
		testActivateOnce(t, newStore(t))
	})
	t.Run("proposals", func(t *testing.T) {
		testProposals(t, newStore(t))
	})
}

func testAttempts(t *testing.T, s *Store) {
	ctx := context.Background()

	// Arrange: An attempt that made it to the delay window.
	a := testAttempt("acct", 100)
	a.ServerRecoveryID = fn.Some("r1")
	a.State = recovery.State{Phase: recovery.PhaseDelayWindow}

	// Act.
	require.NoError(t, s.PutAttempt(ctx, a))

	// Assert: The attempt reads back by ID and as the active one.
	got, err := s.FetchAttempt(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a, got)

	active, err := s.ActiveAttempt(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, a.ID, active.ID)

	_, err = s.FetchAttempt(ctx, "missing")
	require.ErrorIs(t, err, recovery.ErrAttemptNotFound)

	_, err = s.ActiveAttempt(ctx, "other")
	require.ErrorIs(t, err, recovery.ErrAttemptNotFound)

	// Replacing the record updates it in place.
	a.State = recovery.State{Phase: recovery.PhaseCompleted}
	a.Outcome = fn.Some(recovery.Outcome{
		Kind: recovery.OutcomeCompleted, KeysetID: "ks",
	})
	require.NoError(t, s.PutAttempt(ctx, a))

	_, err = s.ActiveAttempt(ctx, "acct")
	require.ErrorIs(t, err, recovery.ErrAttemptNotFound)

	latest, err := s.LatestAttempt(ctx, "acct")
	require.NoError(t, err)
	require.True(t, latest.IsTerminal())
}

func testAttemptInProgress(t *testing.T, s *Store) {
	ctx := context.Background()

	first := testAttempt("acct", 100)
	require.NoError(t, s.PutAttempt(ctx, first))

	// A second attempt in progress for the same account is refused.
	second := testAttempt("acct", 200)
	err := s.PutAttempt(ctx, second)
	require.ErrorIs(t, err, recovery.ErrAttemptInProgress)

	// Other accounts are independent.
	require.NoError(t, s.PutAttempt(ctx, testAttempt("other", 150)))

	// Once the first one ends, the second may start.
	first.State = recovery.State{Phase: recovery.PhaseCancelled}
	first.Outcome = fn.Some(recovery.Outcome{
		Kind: recovery.OutcomeCancelled,
	})
	require.NoError(t, s.PutAttempt(ctx, first))
	require.NoError(t, s.PutAttempt(ctx, second))

	latest, err := s.LatestAttempt(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
}

func testKeysets(t *testing.T, s *Store) {
	ctx := context.Background()

	old := testKeyset(t, 1, 2, 3)
	next := testKeyset(t, 4, 5, 6)

	_, err := s.ActiveKeyset(ctx, "acct")
	require.ErrorIs(t, err, recovery.ErrKeysetNotFound)

	require.NoError(t, s.PutKeyset(ctx, "acct", old))
	require.NoError(t, s.PutKeyset(ctx, "acct", old))
	require.NoError(t, s.ActivateKeyset(ctx, "acct", "a0", old))
	require.NoError(t, s.ActivateKeyset(ctx, "acct", "a1", next))

	active, err := s.ActiveKeyset(ctx, "acct")
	require.NoError(t, err)
	require.True(t, active.Equal(next))

	all, err := s.Keysets(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].Equal(old))
	require.True(t, all[1].Equal(next))

	none, err := s.Keysets(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testActivateOnce(t *testing.T, s *Store) {
	ctx := context.Background()

	first := testKeyset(t, 1, 2, 3)
	second := testKeyset(t, 4, 5, 6)

	require.NoError(t, s.ActivateKeyset(ctx, "acct", "a1", first))

	err := s.ActivateKeyset(ctx, "acct", "a1", second)
	require.ErrorIs(t, err, recovery.ErrKeysetAlreadyActive)

	// The failed activation left nothing behind.
	active, err := s.ActiveKeyset(ctx, "acct")
	require.NoError(t, err)
	require.True(t, active.Equal(first))

	all, err := s.Keysets(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testProposals(t *testing.T, s *Store) {
	ctx := context.Background()

	src := testKeyset(t, 1, 2, 3)
	dst := testKeyset(t, 4, 5, 6)
	p1 := testProposal(t, "acct", src, dst, 1)
	p2 := testProposal(t, "acct", src, dst, 2)

	require.NoError(t, s.PutProposals(ctx, []*sweep.Proposal{p1, p2}))

	// Updating one keeps the order.
	p1.Status = sweep.StatusRejected
	p1.RejectReason = "txn-mempool-conflict"
	require.NoError(t, s.PutProposals(ctx, []*sweep.Proposal{p1}))

	got, err := s.Proposals(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, p1.ID, got[0].ID)
	require.Equal(t, sweep.StatusRejected, got[0].Status)
	require.Equal(t, "txn-mempool-conflict", got[0].RejectReason)
	require.Equal(t, p2.ID, got[1].ID)
	require.Equal(t, sweep.StatusPending, got[1].Status)

	none, err := s.Proposals(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, none)
}
