package sweep

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// signedProposals plans and fully signs two proposals.
func signedProposals(t *testing.T, f *fixture) []*Proposal {
	t.Helper()

	proposals := twoProposals(t, f)
	require.NoError(t, f.signer.SignAll(context.Background(), proposals))

	return proposals
}

// TestBroadcastRejectsPartial builds batches that mix a fully signed
// proposal with one lacking a signature in every possible way, and checks
// that nothing is ever published.
func TestBroadcastRejectsPartial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	full := signedProposals(t, f)[0]

	hwOnly, err := f.oldHW.SignPsbt(ctx, full.Template, full.Source)
	require.NoError(t, err)

	// Each variant lacks at least one signature, whatever its label says.
	variants := map[string]func(p *Proposal){
		"unsigned": func(p *Proposal) {
			require.NoError(t, p.Reset())
		},
		"hardware only": func(p *Proposal) {
			p.Packet = hwOnly
			p.Signatures = SigHardwareOnly
		},
		"mislabelled hardware only": func(p *Proposal) {
			p.Packet = hwOnly
			p.Signatures = SigHardwareAndServer
		},
		"mislabelled unsigned": func(p *Proposal) {
			require.NoError(t, p.Reset())
			p.Signatures = SigHardwareAndServer
		},
		"labelled partial": func(p *Proposal) {
			p.Signatures = SigHardwareOnly
		},
	}

	for name, mutate := range variants {
		for _, layout := range []string{"alone", "first", "last"} {
			partial := cloneProposal(t, full)
			mutate(partial)

			var batch []*Proposal
			switch layout {
			case "alone":
				batch = []*Proposal{partial}

			case "first":
				batch = []*Proposal{
					partial, cloneProposal(t, full),
				}

			case "last":
				batch = []*Proposal{
					cloneProposal(t, full), partial,
				}
			}

			err := f.broadcaster.Broadcast(ctx, batch)

			require.ErrorIs(t, err, ErrInsufficientSignatures,
				"%s/%s", name, layout)
			for _, p := range batch {
				require.Equal(t, StatusPending, p.Status)
			}
		}
	}

	f.publisher.AssertNotCalled(t, "Publish", mock.Anything,
		mock.Anything, mock.Anything)
}

// TestBroadcastPartialRetry checks that a rejected sweep is reported and
// that a retry only sends what was not broadcast.
func TestBroadcastPartialRetry(t *testing.T) {
	t.Parallel()

	// Arrange: The first publish rejects the second sweep, the retry
	// accepts it.
	f := newFixture(t)
	ctx := context.Background()
	proposals := signedProposals(t, f)
	a, b := proposals[0], proposals[1]

	f.publisher.On("Publish", mock.Anything, "acct",
		txsMatching(a.ID, b.ID)).Return(
		[]error{nil, errors.New("bad-txns-inputs-missingorspent")},
		nil,
	).Once()
	f.publisher.On("Publish", mock.Anything, "acct",
		txsMatching(b.ID)).Return([]error{nil}, nil).Once()

	// Act: Publish the batch.
	err := f.broadcaster.Broadcast(ctx, proposals)

	// Assert: One rejection is reported and persisted.
	var partialErr *PartialBroadcastError
	require.ErrorAs(t, err, &partialErr)
	require.Len(t, partialErr.Rejected, 1)
	require.Equal(t, 2, partialErr.Total)
	require.Equal(t, b.ID, partialErr.Rejected[0].ProposalID)
	require.Contains(t, partialErr.Error(), "missingorspent")

	require.Equal(t, StatusBroadcast, a.Status)
	require.Equal(t, StatusRejected, b.Status)
	require.Equal(t, StatusRejected, f.store.stored(t, b.ID).Status)
	require.Contains(t, f.store.stored(t, b.ID).RejectReason,
		"missingorspent")

	// Act: Retry.
	require.NoError(t, f.broadcaster.Broadcast(ctx, proposals))

	// Assert: Only the rejected sweep went out again.
	require.Equal(t, StatusBroadcast, b.Status)
	require.Empty(t, b.RejectReason)
	require.Equal(t, StatusBroadcast, f.store.stored(t, b.ID).Status)

	// Nothing is left to send.
	require.NoError(t, f.broadcaster.Broadcast(ctx, proposals))
	f.publisher.AssertExpectations(t)
	f.publisher.AssertNumberOfCalls(t, "Publish", 2)
}

// TestBroadcastPublishError checks that a failed publish changes nothing.
func TestBroadcastPublishError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	proposals := signedProposals(t, f)

	f.publisher.On("Publish", mock.Anything, "acct", mock.Anything).Return(
		nil, errors.New("connection refused"),
	).Once()

	err := f.broadcaster.Broadcast(context.Background(), proposals)

	require.ErrorContains(t, err, "connection refused")
	for _, p := range proposals {
		require.Equal(t, StatusPending, p.Status)
		require.Equal(t, StatusPending, f.store.stored(t, p.ID).Status)
	}
}

// TestBroadcastResultCount checks a publisher answering with the wrong
// number of results.
func TestBroadcastResultCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	proposals := signedProposals(t, f)

	f.publisher.On("Publish", mock.Anything, "acct", mock.Anything).Return(
		[]error{nil}, nil,
	).Once()

	err := f.broadcaster.Broadcast(context.Background(), proposals)
	require.ErrorContains(t, err, "1 results for 2")
}

// TestBroadcastMixedAccounts refuses batches spanning accounts.
func TestBroadcastMixedAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	proposals := signedProposals(t, f)
	proposals[1].AccountID = "other"

	err := f.broadcaster.Broadcast(context.Background(), proposals)
	require.ErrorIs(t, err, ErrMixedAccounts)
}
