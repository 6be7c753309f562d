package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// testTimeout bounds every wait on the orchestrator.
const testTimeout = 10 * time.Second

func testCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}

// initiated makes the server accept the next initiation as recovery id.
func (h *harness) initiated(id string, lost Factor) {
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.MatchedBy(func(req *InitiateRequest) bool {
			return req.LostFactor == lost &&
				req.IdempotencyKey != "" &&
				req.Proof != nil && req.Proof.Consumed() &&
				req.Proof.Purpose == PurposeInitiation
		}),
	).Return(&InitiateResponse{
		RecoveryID:          id,
		CompletionAllowedAt: h.clock.Now().Add(72 * time.Hour),
	}, nil).Once()
}

// tick forces a delay window poll.
func (h *harness) tick() {
	h.t.Helper()

	select {
	case h.ticker.Force <- time.Now():
	case <-time.After(testTimeout):
		h.t.Fatal("delay window did not poll")
	}
}

// TestInitiateLostHardwareWithConflict runs a hardware recovery that finds
// another recovery, has to verify before cancelling it and then initiates.
func TestInitiateLostHardwareWithConflict(t *testing.T) {
	t.Parallel()

	// Arrange: The server reports an old recovery r0 once, asks for a
	// verification before cancelling it and then accepts r1.
	h := newHarness(t, FactorHardware)
	tp := h.account.Touchpoints[0]
	r0 := ConflictingRecovery{RecoveryID: "r0", LostFactor: FactorApp}

	h.prompter.On("ConfirmHardwareReady", mock.Anything).Return(nil).Once()
	h.coord.On("ActiveRecovery", mock.Anything, mock.Anything).Return(
		fn.Some(r0), nil,
	).Once()
	h.coord.On("ActiveRecovery", mock.Anything, mock.Anything).Return(
		fn.None[ConflictingRecovery](), nil,
	).Once()
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r0",
		mock.Anything).Return(ErrCommsVerificationRequired).Once()
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r0",
		mock.Anything).Return(nil).Once()
	h.tps.On("SendCode", mock.Anything, mock.Anything, tp,
		PurposeCancellation).Return("c1", nil).Once()
	h.prompter.On("EnterCode", mock.Anything, tp,
		PurposeCancellation).Return("123456", nil).Once()
	h.tps.On("VerifyCode", mock.Anything, mock.Anything, "c1",
		"123456").Return(CodeOk, nil).Once()
	h.initiated("r1", FactorHardware)
	h.pendingStatus("r1")

	// Act.
	attempt, err := h.orch.Initiate(testCtx(t), FactorHardware)

	// Assert: The attempt waits in the delay window for r1.
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)
	require.Equal(t, fn.Some("r1"), attempt.ServerRecoveryID)
	require.True(t, attempt.State.Conflict.IsNone())
	require.False(t, attempt.SkippedCancellationVerification)
	require.NotNil(t, attempt.DestinationHardwareKeys)
	require.False(t, attempt.DestinationHardwareKeys.AuthKey.IsEqual(
		h.account.AuthKeys.Hardware,
	))

	// The new app keys of a hardware recovery are the existing ones.
	require.True(t, attempt.DestinationAppKeys.AuthKey.IsEqual(
		h.account.AuthKeys.App,
	))

	stored, err := h.attempts.FetchAttempt(testCtx(t), attempt.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, stored.State.Phase)

	h.stop()
	require.Equal(t, []string{
		"ActiveRecovery", "Cancel", "Cancel", "ActiveRecovery",
		"Initiate",
	}, h.coord.methods()[:5])

	h.coord.AssertExpectations(t)
	h.tps.AssertExpectations(t)
	h.prompter.AssertExpectations(t)
}

// TestInitiateConflictThenVerifications runs a hardware recovery whose
// initiation hits a conflict. Cancelling it and initiating again each demand
// their own verification.
func TestInitiateConflictThenVerifications(t *testing.T) {
	t.Parallel()

	// Arrange: The first initiation finds r0, the cancel and the second
	// initiation both need a verified code and the third initiation is
	// accepted as r1.
	h := newHarness(t, FactorHardware)
	tp := h.account.Touchpoints[0]
	r0 := ConflictingRecovery{RecoveryID: "r0", LostFactor: FactorApp}

	h.prompter.On("ConfirmHardwareReady", mock.Anything).Return(nil).Once()
	h.noConflict()
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.Anything).Return(nil, &ConflictError{Existing: r0}).Once()
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r0",
		mock.Anything).Return(ErrCommsVerificationRequired).Once()
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r0",
		mock.Anything).Return(nil).Once()
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.Anything).Return(nil, ErrCommsVerificationRequired).Once()
	h.initiated("r1", FactorHardware)
	h.pendingStatus("r1")

	h.tps.On("SendCode", mock.Anything, mock.Anything, tp,
		PurposeCancellation).Return("c1", nil).Once()
	h.tps.On("SendCode", mock.Anything, mock.Anything, tp,
		PurposeInitiation).Return("c2", nil).Once()
	h.prompter.On("EnterCode", mock.Anything, tp,
		PurposeCancellation).Return("111111", nil).Once()
	h.prompter.On("EnterCode", mock.Anything, tp,
		PurposeInitiation).Return("222222", nil).Once()
	h.tps.On("VerifyCode", mock.Anything, mock.Anything, "c1",
		"111111").Return(CodeOk, nil).Once()
	h.tps.On("VerifyCode", mock.Anything, mock.Anything, "c2",
		"222222").Return(CodeOk, nil).Once()

	// Act.
	attempt, err := h.orch.Initiate(testCtx(t), FactorHardware)

	// Assert: The attempt waits in the delay window for r1.
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)
	require.Equal(t, fn.Some("r1"), attempt.ServerRecoveryID)
	require.False(t, attempt.SkippedCancellationVerification)
	require.False(t, attempt.SkippedInitiationVerification)

	h.stop()
	require.Equal(t, []string{
		"ActiveRecovery", "Initiate", "Cancel", "Cancel",
		"ActiveRecovery", "Initiate", "Initiate",
	}, h.coord.methods()[:7])

	// Every verification demand got its own code.
	h.tps.AssertNumberOfCalls(t, "SendCode", 2)
	h.tps.AssertNumberOfCalls(t, "VerifyCode", 2)

	// The retried initiation carried a fresh proof.
	last := h.coord.Calls[6].Arguments.Get(2).(*InitiateRequest)
	first := h.coord.Calls[1].Arguments.Get(2).(*InitiateRequest)
	require.NotEqual(t, first.Proof.Challenge, last.Proof.Challenge)

	h.coord.AssertExpectations(t)
	h.tps.AssertExpectations(t)
	h.prompter.AssertExpectations(t)
}

// TestInitiateConflictCancelsBeforeRetrying checks that an initiation that
// hits a conflict cancels it before initiating again.
func TestInitiateConflictCancelsBeforeRetrying(t *testing.T) {
	t.Parallel()

	// Arrange: The first initiation finds r0.
	h := newHarness(t, FactorApp)
	r0 := ConflictingRecovery{RecoveryID: "r0", LostFactor: FactorHardware}

	h.noConflict()
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.Anything).Return(nil, &ConflictError{Existing: r0}).Once()
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r0",
		mock.MatchedBy(func(p *Proof) bool {
			return p.Purpose == PurposeCancellation &&
				p.Factor == FactorHardware
		})).Return(nil).Once()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	// Act.
	attempt, err := h.orch.Initiate(testCtx(t), FactorApp)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)

	h.stop()
	require.Equal(t, []string{
		"ActiveRecovery", "Initiate", "Cancel", "ActiveRecovery",
		"Initiate",
	}, h.coord.methods()[:5])

	// The two initiations used distinct proofs.
	first := h.coord.Calls[1].Arguments.Get(2).(*InitiateRequest)
	second := h.coord.Calls[4].Arguments.Get(2).(*InitiateRequest)
	require.NotEqual(t, first.Proof.Challenge, second.Proof.Challenge)
	require.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
}

// TestRecoveryCompletes runs an app recovery through the delay window to the
// new keyset.
func TestRecoveryCompletes(t *testing.T) {
	t.Parallel()

	// Arrange: The server reports the recovery pending once, then ready.
	h := newHarness(t, FactorApp)
	ctx := testCtx(t)

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		&RecoveryStatus{}, nil,
	).Once()
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		&RecoveryStatus{Ready: true}, nil,
	).Once()
	h.coord.On("Complete", mock.Anything, mock.Anything, "r1",
		mock.MatchedBy(func(p *Proof) bool {
			return p.Purpose == PurposeCompletion && p.Consumed()
		})).Return(h.completion(), nil).Once()

	updates, err := h.orch.Watch(ctx)
	require.NoError(t, err)

	attempt, err := h.orch.Initiate(ctx, FactorApp)
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)

	// Act: Let the delay window poll again.
	h.tick()
	final, err := h.orch.WaitForOutcome(ctx)

	// Assert: The new keyset is active and the hook saw it.
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, final.State.Phase)

	var ks *keys.Keyset
	select {
	case ks = <-h.completed:
	case <-ctx.Done():
		t.Fatal("completion hook not called")
	}

	outcome, err := final.Outcome.UnwrapOrErr(errors.New("no outcome"))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome.Kind)
	require.Equal(t, ks.ID, outcome.KeysetID)

	active, err := h.keysets.ActiveKeyset(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, ks.ID, active.ID)
	require.True(t, ks.Server.Equal(h.server.Bundle().Spending))

	_, err = h.attempts.ActiveAttempt(ctx, "acct")
	require.ErrorIs(t, err, ErrAttemptNotFound)

	// Every snapshot moved forward.
	var (
		last   = -1
		phases []Phase
	)
	for len(phases) == 0 || phases[len(phases)-1] != PhaseCompleted {
		select {
		case a := <-updates:
			require.GreaterOrEqual(t, a.State.Phase.Stage(), last)
			last = a.State.Phase.Stage()
			phases = append(phases, a.State.Phase)

		case <-ctx.Done():
			t.Fatalf("missing snapshots, saw %v", phases)
		}
	}
	require.Contains(t, phases, PhaseDelayWindow)
	require.Contains(t, phases, PhaseCompleting)

	// A completed attempt only offers a restart.
	_, err = h.orch.Retry(ctx)
	require.ErrorIs(t, err, ErrAttemptTerminal)
}

// TestDelayWindowRecoveryGone ends the attempt when the server forgets the
// recovery during the delay window.
func TestDelayWindowRecoveryGone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		&RecoveryStatus{}, nil,
	).Once()
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		nil, &NetworkError{Op: "status", Err: errors.New("eof")},
	).Once()
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		nil, ErrRecoveryNotFound,
	).Once()

	_, err := h.orch.Initiate(ctx, FactorApp)
	require.NoError(t, err)

	// A network error keeps the window open.
	h.tick()
	h.tick()

	final, err := h.orch.WaitForOutcome(ctx)

	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseCancelled, final.State.Phase)
	require.Equal(t, ActionRestart, phaseErr.Actions)
}

// TestDelayWindowEarlyPoll checks that reaching the completion time polls
// before the next regular tick.
func TestDelayWindowEarlyPoll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)
	allowedAt := h.clock.Now().Add(30 * time.Second)

	h.noConflict()
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.Anything).Return(&InitiateResponse{
		RecoveryID:          "r1",
		CompletionAllowedAt: allowedAt,
	}, nil).Once()
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		&RecoveryStatus{CompletionAllowedAt: allowedAt}, nil,
	).Once()
	h.coord.On("Status", mock.Anything, mock.Anything, "r1").Return(
		&RecoveryStatus{Ready: true}, nil,
	).Once()
	h.coord.On("Complete", mock.Anything, mock.Anything, "r1",
		mock.Anything).Return(h.completion(), nil).Once()

	_, err := h.orch.Initiate(ctx, FactorApp)
	require.NoError(t, err)

	// Reaching the completion time fires the timer armed by the first
	// poll.
	select {
	case d := <-h.ticks:
		require.Equal(t, 30*time.Second, d)

	case <-ctx.Done():
		t.Fatal("no early poll armed")
	}
	h.clock.SetTime(allowedAt)

	final, err := h.orch.WaitForOutcome(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, final.State.Phase)
}

// TestAbandonCancelsServerSide abandons an attempt in the delay window and
// cancels its server recovery after a verification.
func TestAbandonCancelsServerSide(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)
	tp := h.account.Touchpoints[0]

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r1",
		mock.Anything).Return(ErrCommsVerificationRequired).Once()
	h.coord.On("Cancel", mock.Anything, mock.Anything, "r1",
		mock.Anything).Return(nil).Once()
	h.tps.On("SendCode", mock.Anything, mock.Anything, tp,
		PurposeCancellation).Return("c1", nil).Once()
	h.prompter.On("EnterCode", mock.Anything, tp,
		PurposeCancellation).Return("123456", nil).Once()
	h.tps.On("VerifyCode", mock.Anything, mock.Anything, "c1",
		"123456").Return(CodeOk, nil).Once()

	attempt, err := h.orch.Initiate(ctx, FactorApp)
	require.NoError(t, err)

	// Act.
	abandoned, err := h.orch.Abandon(ctx, true)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, attempt.ID, abandoned.ID)
	require.Equal(t, PhaseCancelled, abandoned.State.Phase)
	require.Equal(t, fn.Some(Outcome{Kind: OutcomeCancelled}),
		abandoned.Outcome)

	_, err = h.orch.Abandon(ctx, true)
	require.ErrorIs(t, err, ErrAttemptTerminal)

	h.stop()
	h.coord.AssertExpectations(t)
	h.tps.AssertExpectations(t)
}

// TestAbandonLocalOnly abandons without contacting the server.
func TestAbandonLocalOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	_, err := h.orch.Initiate(ctx, FactorApp)
	require.NoError(t, err)

	abandoned, err := h.orch.Abandon(ctx, false)
	require.NoError(t, err)
	require.Equal(t, PhaseCancelled, abandoned.State.Phase)

	h.stop()
	h.coord.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything,
		mock.Anything, mock.Anything)
}

// TestTapCancelledThenRetry idles on a cancelled tap and resumes on retry.
func TestTapCancelledThenRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)
	h.survivor.CancelNextTap()

	// Act: The pairing tap is cancelled.
	attempt, err := h.orch.Initiate(ctx, FactorApp)

	// Assert: The attempt idles in Pairing.
	require.ErrorIs(t, err, ErrUserCancelled)
	require.Equal(t, PhasePairing, attempt.State.Phase)
	require.True(t, attempt.State.Idle)
	require.Equal(t, ActionRetry|ActionRestart, attempt.State.Actions())

	// A second initiation is refused while the attempt is alive.
	_, err = h.orch.Initiate(ctx, FactorApp)
	require.ErrorIs(t, err, ErrAttemptInProgress)

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	attempt, err = h.orch.Retry(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)
	require.False(t, attempt.State.Idle)
}

// TestNoDeviceThenRetry stops in FailedPairing when no device answers.
func TestNoDeviceThenRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)
	h.survivor.SetConnected(false)

	attempt, err := h.orch.Initiate(ctx, FactorApp)

	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseFailedPairing, phaseErr.Phase)
	require.Equal(t, ActionRetry|ActionRestart, phaseErr.Actions)
	require.Equal(t, PhasePairing, attempt.State.RetryPhase)
	require.NotErrorIs(t, err, ErrUserCancelled)

	h.survivor.SetConnected(true)
	h.noConflict()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	attempt, err = h.orch.Retry(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)
}

// TestServerRejectedThenRestart fails the attempt on a rejection and starts
// a new one on restart.
func TestServerRejectedThenRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)

	h.noConflict()
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.Anything).Return(nil, fmt.Errorf("initiate: %w",
		ErrServerRejected)).Once()

	failed, err := h.orch.Initiate(ctx, FactorApp)
	require.ErrorIs(t, err, ErrServerRejected)
	require.Equal(t, PhaseFailed, failed.State.Phase)
	require.Equal(t, ActionRestart, failed.State.Actions())

	_, err = h.orch.Retry(ctx)
	require.ErrorIs(t, err, ErrAttemptTerminal)

	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	restarted, err := h.orch.Restart(ctx)
	require.NoError(t, err)
	require.NotEqual(t, failed.ID, restarted.ID)
	require.Equal(t, FactorApp, restarted.LostFactor)
	require.Equal(t, PhaseDelayWindow, restarted.State.Phase)

	old, err := h.attempts.FetchAttempt(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, old.State.Phase)
	require.Equal(t, OutcomeFailed, old.Outcome.UnwrapOr(Outcome{}).Kind)
}

// TestRestartCancelsLiveAttempt checks that restarting an idle attempt
// cancels it and starts over.
func TestRestartCancelsLiveAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)
	h.survivor.CancelNextTap()

	idle, err := h.orch.Initiate(ctx, FactorApp)
	require.ErrorIs(t, err, ErrUserCancelled)

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	restarted, err := h.orch.Restart(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, restarted.State.Phase)

	old, err := h.attempts.FetchAttempt(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseCancelled, old.State.Phase)
}

// TestVerificationSkippedTwice fails the initiation when the server asks for
// a verification again after it was skipped for lack of a touchpoint.
func TestVerificationSkippedTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp, withTouchpoints())
	ctx := testCtx(t)

	h.noConflict()
	h.coord.On("Initiate", mock.Anything, mock.Anything,
		mock.Anything).Return(nil, ErrCommsVerificationRequired).Twice()

	attempt, err := h.orch.Initiate(ctx, FactorApp)

	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseFailedInitiating, attempt.State.Phase)
	require.Contains(t, attempt.State.Cause, ErrNoTouchpoint.Error())
	require.True(t, attempt.SkippedInitiationVerification)
	require.False(t, attempt.SkippedCancellationVerification)

	h.stop()
	h.tps.AssertNotCalled(t, "SendCode", mock.Anything, mock.Anything,
		mock.Anything, mock.Anything)
}

// TestPersistFailureParksAttempt checks that an attempt that cannot be
// persisted stops until the user retries.
func TestPersistFailureParksAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorHardware)
	ctx := testCtx(t)
	diskErr := errors.New("disk full")

	// The store breaks while the replacement device is being paired.
	h.prompter.On("ConfirmHardwareReady", mock.Anything).Return(nil).Run(
		func(mock.Arguments) {
			h.attempts.setFailPut(diskErr)
		},
	).Once()

	attempt, err := h.orch.Initiate(ctx, FactorHardware)
	require.Error(t, err)
	require.Equal(t, PhaseAwaitingHardwareReady, attempt.State.Phase)
	require.True(t, attempt.State.Idle)
	require.Contains(t, attempt.State.Cause, diskErr.Error())

	stored, err := h.attempts.FetchAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingHardwareReady, stored.State.Phase)
	require.False(t, stored.State.Idle)

	// Act: The store recovers and the user retries.
	h.attempts.setFailPut(nil)
	h.prompter.On("ConfirmHardwareReady", mock.Anything).Return(nil).Once()
	h.noConflict()
	h.initiated("r1", FactorHardware)
	h.pendingStatus("r1")

	attempt, err = h.orch.Retry(ctx)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, PhaseDelayWindow, attempt.State.Phase)
}

// TestResumeAfterRestart picks up a persisted attempt with a new
// orchestrator.
func TestResumeAfterRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)

	h.noConflict()
	h.initiated("r1", FactorApp)
	h.pendingStatus("r1")

	attempt, err := h.orch.Initiate(ctx, FactorApp)
	require.NoError(t, err)
	h.stop()

	// Act: A new orchestrator resumes the attempt.
	h.startOrchestrator()
	resumed, err := h.orch.Resume(ctx)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, attempt.ID, resumed.ID)
	require.Equal(t, PhaseDelayWindow, resumed.State.Phase)
	require.Equal(t, fn.Some("r1"), resumed.ServerRecoveryID)

	current, err := h.orch.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, attempt.ID, current.ID)
}

// TestOrchestratorLifecycle covers requests outside a running orchestrator.
func TestOrchestratorLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, FactorApp)
	ctx := testCtx(t)

	// Nothing to resume yet.
	_, err := h.orch.Resume(ctx)
	require.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = h.orch.Initiate(ctx, Factor(7))
	require.Error(t, err)

	require.ErrorIs(t, h.orch.Start(), ErrOrchestratorAlreadyStarted)

	h.stop()
	_, err = h.orch.Current(ctx)
	require.ErrorIs(t, err, ErrOrchestratorShuttingDown)

	idle, err := NewOrchestrator(h.cfg, h.account)
	require.NoError(t, err)

	_, err = idle.Current(ctx)
	require.ErrorIs(t, err, ErrOrchestratorNotStarted)

	_, err = NewOrchestrator(Config{}, h.account)
	require.Error(t, err)
}
