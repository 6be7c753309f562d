// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultDelayPollInterval is how often the delay window asks the
	// server for the recovery status.
	DefaultDelayPollInterval = time.Minute

	// watchBuffer is the snapshot buffer of a watcher. Slow watchers miss
	// snapshots rather than stall the orchestrator.
	watchBuffer = 16
)

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Coordinator CoordinationService `validate:"required"`
	Touchpoints TouchpointService
	Device      HardwareDevice
	Prompter    Prompter     `validate:"required"`
	Attempts    AttemptStore `validate:"required"`
	Keysets     KeysetStore  `validate:"required"`
	Vault       SeedVault    `validate:"required"`
	Generator   KeyGenerator `validate:"required"`

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// NewTicker creates the delay window poll ticker. It defaults to
	// ticker.New.
	NewTicker func(time.Duration) ticker.Ticker

	DelayPollInterval time.Duration `validate:"gte=0"`

	// MaxCodeAttempts and MaxCodeResends bound a verification. Zero takes
	// the defaults.
	MaxCodeAttempts int `validate:"gte=0"`
	MaxCodeResends  int `validate:"gte=0"`

	// OnCompleted is called once an attempt activated its new keyset. It
	// runs on its own goroutine.
	OnCompleted func(ctx context.Context, account AccountContext,
		ks *keys.Keyset)
}

// attemptResult is the answer to a request.
type attemptResult struct {
	attempt *Attempt
	err     error
}

// resultChan delivers a request's answer.
type resultChan chan attemptResult

// initiateReq starts a new attempt.
type initiateReq struct {
	lost Factor
	resp resultChan
}

// resumeReq re-enters the persisted attempt.
type resumeReq struct {
	resp resultChan
}

// retryReq re-enters a stopped step.
type retryReq struct {
	resp resultChan
}

// restartReq replaces the attempt with a new one.
type restartReq struct {
	resp resultChan
}

// abandonReq ends the attempt as cancelled.
type abandonReq struct {
	cancelServerSide bool
	resp             resultChan
}

// currentReq asks for a snapshot.
type currentReq struct {
	resp resultChan
}

// waitReq waits for the attempt to settle. With terminal set it waits past
// the delay window for an outcome.
type waitReq struct {
	terminal bool
	resp     resultChan
}

// stepResult is what a step goroutine reports to the main loop.
type stepResult struct {
	seq   uint64
	ev    Event
	final bool

	// abandon and err are set for the server-side cancel of Abandon.
	abandon *abandonReq
	err     error
}

// waiter is a caller blocked until the attempt settles.
type waiter struct {
	terminal bool
	resp     resultChan
}

// stepEnv is the snapshot a step works on. Steps never touch the main
// loop's state.
type stepEnv struct {
	account AccountContext
	attempt *Attempt
	proof   *Proof
	emit    func(Event)
}

// stepFunc runs one phase. It returns the event that ends the phase, or nil
// when its context was cancelled.
type stepFunc func(ctx context.Context, env *stepEnv) Event

// Orchestrator drives the recovery of one account. A main loop goroutine owns
// the attempt: user requests and step results reach it over channels, and
// it persists the attempt after every transition.
type Orchestrator struct {
	cfg Config

	proofs   *ProofGate
	gate     *VerificationGate
	resolver *ConflictResolver

	started atomic.Bool

	// lifetimeCtx governs the main loop and every step.
	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	requestChan chan any
	resultChan  chan stepResult

	// The fields below are owned by the main loop.
	account      AccountContext
	attempt      *Attempt
	pendingProof *Proof
	stepSeq      uint64
	stepCancel   context.CancelFunc
	stepDone     chan struct{}
	waiters      []waiter

	watchMu     sync.Mutex
	watchers    map[uint64]chan *Attempt
	nextWatcher uint64

	secretsMu sync.Mutex
	secrets   *keys.AppSecrets
}

// NewOrchestrator creates an orchestrator for account.
func NewOrchestrator(cfg Config, account AccountContext) (*Orchestrator,
	error) {

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := validate.Struct(account); err != nil {
		return nil, fmt.Errorf("invalid account: %w", err)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}

	if cfg.DelayPollInterval == 0 {
		cfg.DelayPollInterval = DefaultDelayPollInterval
	}

	return &Orchestrator{
		cfg:    cfg,
		proofs: NewProofGate(cfg.Device, cfg.Clock),
		gate: NewVerificationGate(
			cfg.Touchpoints, cfg.Prompter, cfg.MaxCodeAttempts,
			cfg.MaxCodeResends,
		),
		resolver:    NewConflictResolver(cfg.Coordinator),
		requestChan: make(chan any),
		resultChan:  make(chan stepResult),
		account:     account,
		watchers:    make(map[uint64]chan *Attempt),
	}, nil
}

// Start launches the main loop.
func (o *Orchestrator) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrOrchestratorAlreadyStarted
	}

	o.lifetimeCtx, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(1)

	go o.mainLoop()

	log.Infof("Recovery orchestrator started for account %s",
		o.account.AccountID)

	return nil
}

// Stop cancels every running step and waits for the goroutines to exit. The
// persisted attempt is left as is, ready for Resume.
func (o *Orchestrator) Stop(stopCtx context.Context) error {
	if !o.started.Load() {
		return nil
	}

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("stop request cancelled: %w", stopCtx.Err())
	}

	log.Infof("Recovery orchestrator stopped for account %s",
		o.account.AccountID)

	return nil
}

// Initiate starts the recovery of the lost factor. It returns once the
// server accepted the recovery and the attempt waits in the delay window,
// or with a *PhaseError naming the phase that needs the user.
func (o *Orchestrator) Initiate(ctx context.Context, lost Factor) (*Attempt,
	error) {

	if lost != FactorApp && lost != FactorHardware {
		return nil, fmt.Errorf("unknown factor %v", lost)
	}

	req := initiateReq{lost: lost, resp: make(resultChan, 1)}

	return o.do(ctx, req, req.resp)
}

// Resume reloads the account's persisted attempt and re-enters its phase. It
// returns like Initiate.
func (o *Orchestrator) Resume(ctx context.Context) (*Attempt, error) {
	req := resumeReq{resp: make(resultChan, 1)}

	return o.do(ctx, req, req.resp)
}

// Retry re-enters the step the attempt stopped in.
func (o *Orchestrator) Retry(ctx context.Context) (*Attempt, error) {
	req := retryReq{resp: make(resultChan, 1)}

	return o.do(ctx, req, req.resp)
}

// Restart ends the attempt and starts a new one for the same factor.
func (o *Orchestrator) Restart(ctx context.Context) (*Attempt, error) {
	req := restartReq{resp: make(resultChan, 1)}

	return o.do(ctx, req, req.resp)
}

// Abandon ends the attempt as cancelled. With cancelServerSide the server
// recovery, if any, is cancelled first; otherwise it is left for the next
// attempt to find as a conflict.
func (o *Orchestrator) Abandon(ctx context.Context,
	cancelServerSide bool) (*Attempt, error) {

	req := abandonReq{
		cancelServerSide: cancelServerSide,
		resp:             make(resultChan, 1),
	}

	return o.do(ctx, req, req.resp)
}

// Current returns a snapshot of the attempt.
func (o *Orchestrator) Current(ctx context.Context) (*Attempt, error) {
	req := currentReq{resp: make(resultChan, 1)}

	return o.do(ctx, req, req.resp)
}

// WaitForOutcome blocks until the attempt is terminal or needs the user.
func (o *Orchestrator) WaitForOutcome(ctx context.Context) (*Attempt, error) {
	req := waitReq{terminal: true, resp: make(resultChan, 1)}

	return o.do(ctx, req, req.resp)
}

// Watch streams attempt snapshots until ctx is done. Snapshots are dropped
// when the receiver falls behind.
func (o *Orchestrator) Watch(ctx context.Context) (<-chan *Attempt, error) {
	if !o.started.Load() {
		return nil, ErrOrchestratorNotStarted
	}

	ch := make(chan *Attempt, watchBuffer)

	o.watchMu.Lock()
	id := o.nextWatcher
	o.nextWatcher++
	o.watchers[id] = ch
	o.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-o.lifetimeCtx.Done():
		}

		o.watchMu.Lock()
		delete(o.watchers, id)
		close(ch)
		o.watchMu.Unlock()
	}()

	return ch, nil
}

// do sends a request to the main loop and waits for its answer.
func (o *Orchestrator) do(ctx context.Context, req any,
	resp resultChan) (*Attempt, error) {

	if !o.started.Load() {
		return nil, ErrOrchestratorNotStarted
	}

	if err := o.sendReq(ctx, req); err != nil {
		return nil, err
	}

	return o.waitForResp(ctx, resp)
}

// sendReq sends a request to the main loop or handles cancellation.
func (o *Orchestrator) sendReq(ctx context.Context, req any) error {
	select {
	case o.requestChan <- req:
		return nil

	case <-o.lifetimeCtx.Done():
		return ErrOrchestratorShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForResp waits for the answer to a request or handles cancellation.
func (o *Orchestrator) waitForResp(ctx context.Context,
	resp <-chan attemptResult) (*Attempt, error) {

	select {
	case r := <-resp:
		return r.attempt, r.err

	case <-o.lifetimeCtx.Done():
		return nil, ErrOrchestratorShuttingDown

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// mainLoop serializes user requests and step results.
func (o *Orchestrator) mainLoop() {
	defer o.wg.Done()

	for {
		select {
		case req := <-o.requestChan:
			switch r := req.(type) {
			case initiateReq:
				o.handleInitiate(r)

			case resumeReq:
				o.handleResume(r)

			case retryReq:
				o.handleRetry(r)

			case restartReq:
				o.handleRestart(r)

			case abandonReq:
				o.handleAbandon(r)

			case currentReq:
				o.handleCurrent(r)

			case waitReq:
				o.handleWait(r)

			default:
				log.Errorf("Orchestrator received unknown "+
					"request type: %T", req)
			}

		case r := <-o.resultChan:
			o.handleStepResult(r)

		case <-o.lifetimeCtx.Done():
			o.cancelStep()

			return
		}
	}
}

// handleInitiate creates a new attempt, provided none is in progress.
func (o *Orchestrator) handleInitiate(req initiateReq) {
	if o.attempt != nil && !o.attempt.IsTerminal() {
		req.resp <- attemptResult{err: ErrAttemptInProgress}
		return
	}

	_, err := o.cfg.Attempts.ActiveAttempt(
		o.lifetimeCtx, o.account.AccountID,
	)
	switch {
	case err == nil:
		req.resp <- attemptResult{err: ErrAttemptInProgress}
		return

	case !errors.Is(err, ErrAttemptNotFound):
		req.resp <- attemptResult{err: err}
		return
	}

	attempt := NewAttempt(
		o.account.AccountID, req.lost, o.cfg.Clock.Now(),
	)
	if err := o.cfg.Attempts.PutAttempt(o.lifetimeCtx, attempt); err != nil {
		req.resp <- attemptResult{err: fmt.Errorf("persist attempt: %w",
			err)}

		return
	}

	log.Infof("Started recovery attempt %s of account %s (lost %v)",
		attempt.ID, attempt.AccountID, attempt.LostFactor)

	o.replaceAttempt(attempt)
	o.waiters = append(o.waiters, waiter{resp: req.resp})
	o.advance()
}

// handleResume loads the persisted attempt if needed and re-enters it.
func (o *Orchestrator) handleResume(req resumeReq) {
	if err := o.loadAttempt(); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	if o.attempt.IsTerminal() {
		req.resp <- attemptResult{
			attempt: o.attempt.Copy(),
			err:     o.attempt.State.err(),
		}

		return
	}

	log.Infof("Resuming recovery attempt %s in %v", o.attempt.ID,
		o.attempt.State.Phase)

	o.waiters = append(o.waiters, waiter{resp: req.resp})
	o.advance()
}

// handleRetry re-enters the stopped step.
func (o *Orchestrator) handleRetry(req retryReq) {
	if err := o.loadAttempt(); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	if err := o.apply(evUserRetry{}); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	o.waiters = append(o.waiters, waiter{resp: req.resp})
	o.advance()
}

// handleRestart cancels the current attempt and starts a new one for the
// same factor.
func (o *Orchestrator) handleRestart(req restartReq) {
	if err := o.loadAttempt(); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	next, err := transition(o.attempt.State, evUserRestart{})
	if err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	o.cancelStep()

	if !o.attempt.IsTerminal() {
		err := o.apply(evUserAbandon{})
		if err != nil {
			req.resp <- attemptResult{err: err}
			return
		}
	}

	attempt := NewAttempt(
		o.account.AccountID, o.attempt.LostFactor, o.cfg.Clock.Now(),
	)
	attempt.State = next

	if err := o.cfg.Attempts.PutAttempt(o.lifetimeCtx, attempt); err != nil {
		req.resp <- attemptResult{err: fmt.Errorf("persist attempt: %w",
			err)}

		return
	}

	log.Infof("Restarted recovery of account %s as attempt %s",
		attempt.AccountID, attempt.ID)

	o.replaceAttempt(attempt)
	o.waiters = append(o.waiters, waiter{resp: req.resp})
	o.advance()
}

// handleAbandon ends the attempt, cancelling it server-side first when
// asked to.
func (o *Orchestrator) handleAbandon(req abandonReq) {
	if err := o.loadAttempt(); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	if o.attempt.IsTerminal() {
		req.resp <- attemptResult{err: ErrAttemptTerminal}
		return
	}

	o.cancelStep()

	if req.cancelServerSide && o.attempt.ServerRecoveryID.IsSome() {
		o.launch(nil, &req)
		return
	}

	if err := o.apply(evUserAbandon{}); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	req.resp <- attemptResult{attempt: o.attempt.Copy()}
}

// handleCurrent answers with a snapshot.
func (o *Orchestrator) handleCurrent(req currentReq) {
	if err := o.loadAttempt(); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	req.resp <- attemptResult{attempt: o.attempt.Copy()}
}

// handleWait registers a waiter.
func (o *Orchestrator) handleWait(req waitReq) {
	if err := o.loadAttempt(); err != nil {
		req.resp <- attemptResult{err: err}
		return
	}

	o.waiters = append(o.waiters, waiter{
		terminal: req.terminal,
		resp:     req.resp,
	})
	o.advance()
}

// handleStepResult feeds a step's event into the transition function.
func (o *Orchestrator) handleStepResult(r stepResult) {
	if r.seq != o.stepSeq {
		log.Debugf("Dropping stale %T of step %d", r.ev, r.seq)
		return
	}

	if r.final {
		o.stepCancel = nil
	}

	if r.abandon != nil {
		o.finishAbandon(r)
		return
	}

	if f, ok := r.ev.(evStepFailed); ok {
		stepFailures.WithLabelValues(
			o.attempt.State.Phase.String(),
		).Inc()

		log.Warnf("Recovery step %v failed: %v", o.attempt.State.Phase,
			f.err)
	}

	if err := o.apply(r.ev); err != nil {
		log.Errorf("Unable to apply %s in %v: %v", r.ev.eventName(),
			o.attempt.State.Phase, err)

		// The persisted attempt still holds the previous state. Park the
		// in-memory one until the user retries the step.
		o.cancelStep()

		parked := o.attempt.Copy()
		parked.State.Idle = true
		parked.State.Cause = err.Error()
		o.attempt = parked
		o.publish()
	}

	e, ok := r.ev.(evCompleted)
	if ok && o.attempt.State.Phase == PhaseCompleted {
		o.completed(e.keyset)
	}

	o.advance()
}

// finishAbandon ends an abandon that cancelled the server recovery.
func (o *Orchestrator) finishAbandon(r stepResult) {
	if r.err != nil {
		log.Errorf("Unable to cancel recovery server-side: %v", r.err)

		r.abandon.resp <- attemptResult{err: r.err}
		o.advance()

		return
	}

	if err := o.apply(evUserAbandon{}); err != nil {
		r.abandon.resp <- attemptResult{err: err}
		return
	}

	r.abandon.resp <- attemptResult{attempt: o.attempt.Copy()}
	o.advance()
}

// completed makes the new keyset the account's active one and fires the
// completion hook.
func (o *Orchestrator) completed(ks *keys.Keyset) {
	o.account.ActiveKeyset = ks

	if o.cfg.OnCompleted == nil {
		return
	}

	account := o.account

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		o.cfg.OnCompleted(o.lifetimeCtx, account, ks)
	}()
}

// loadAttempt makes sure the main loop holds the account's attempt.
func (o *Orchestrator) loadAttempt() error {
	if o.attempt != nil {
		return nil
	}

	attempt, err := o.cfg.Attempts.ActiveAttempt(
		o.lifetimeCtx, o.account.AccountID,
	)
	if err != nil {
		return err
	}

	o.replaceAttempt(attempt)

	return nil
}

// replaceAttempt switches to another attempt, dropping the cached secrets
// and proof of the previous one.
func (o *Orchestrator) replaceAttempt(attempt *Attempt) {
	o.attempt = attempt
	o.pendingProof = nil

	o.secretsMu.Lock()
	o.secrets = nil
	o.secretsMu.Unlock()

	o.publish()
}

// apply runs the transition function and persists the result. On error the
// attempt is left unchanged.
func (o *Orchestrator) apply(ev Event) error {
	next, err := transition(o.attempt.State, ev)
	if err != nil {
		return err
	}

	updated := o.attempt.Copy()
	updated.State = next
	updated.UpdatedAt = o.cfg.Clock.Now()
	o.record(updated, ev)

	if next.Phase.IsTerminal() && updated.Outcome.IsNone() {
		updated.Outcome = fn.Some(outcomeOf(next))
	}

	if err := o.cfg.Attempts.PutAttempt(o.lifetimeCtx, updated); err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}

	prev := o.attempt.State
	o.attempt = updated

	if prev.Phase != next.Phase {
		phaseTransitions.WithLabelValues(next.Phase.String()).Inc()

		log.Infof("Recovery attempt %s: %v -> %v", updated.ID,
			prev.Phase, next.Phase)
	}

	updated.Outcome.WhenSome(func(out Outcome) {
		if prev.Phase.IsTerminal() {
			return
		}

		outcomes.WithLabelValues(out.Kind.String()).Inc()

		log.Infof("Recovery attempt %s finished: %v", updated.ID, out)
	})

	o.publish()

	return nil
}

// record copies an event's payload onto the attempt.
func (o *Orchestrator) record(a *Attempt, ev Event) {
	switch e := ev.(type) {
	case evKeysReady:
		a.DestinationAppKeys = e.app

	case evHardwareReady:
		a.DestinationHardwareKeys = e.hardware
		a.HardwareAttestation = e.attestation

	case evProofReady:
		o.pendingProof = e.proof

	case evOwnRecovery:
		a.CompletionAllowedAt = e.completionAllowedAt

	case evInitiated:
		a.ServerRecoveryID = fn.Some(e.recoveryID)
		a.CompletionAllowedAt = e.completionAllowedAt

	case evVerified:
		if e.skipped {
			a.SetVerificationSkipped(e.purpose)
		}

	case evDelayUpdate:
		a.CompletionAllowedAt = e.completionAllowedAt

	case evCompleted:
		a.Outcome = fn.Some(Outcome{
			Kind:     OutcomeCompleted,
			KeysetID: e.keyset.ID,
		})
	}
}

// outcomeOf derives the outcome of a terminal state.
func outcomeOf(s State) Outcome {
	switch s.Phase {
	case PhaseCompleted:
		return Outcome{Kind: OutcomeCompleted}

	case PhaseFailed:
		return Outcome{Kind: OutcomeFailed, Cause: s.Cause}

	default:
		return Outcome{Kind: OutcomeCancelled}
	}
}

// advance starts the step of an active phase and answers settled waiters.
func (o *Orchestrator) advance() {
	o.maybeRunStep()
	o.answerWaiters()
}

// maybeRunStep starts the step of the current phase unless one runs or the
// attempt waits for the user.
func (o *Orchestrator) maybeRunStep() {
	if o.attempt == nil || o.stepCancel != nil {
		return
	}

	s := o.attempt.State
	if s.Idle || s.Phase.IsError() || s.Phase.IsTerminal() {
		return
	}

	step := o.stepFor(s.Phase)
	if step == nil {
		log.Errorf("No step for phase %v", s.Phase)
		return
	}

	o.launch(step, nil)
}

// answerWaiters answers every waiter whose condition holds.
func (o *Orchestrator) answerWaiters() {
	if o.attempt == nil {
		return
	}

	s := o.attempt.State
	remaining := o.waiters[:0]
	for _, w := range o.waiters {
		done := s.Settled()
		if w.terminal {
			done = s.Idle || s.Phase.IsError() || s.Phase.IsTerminal()
		}

		if !done {
			remaining = append(remaining, w)
			continue
		}

		w.resp <- attemptResult{attempt: o.attempt.Copy(), err: s.err()}
	}

	o.waiters = remaining
}

// launch runs a step on its own goroutine. A step waits for its cancelled
// predecessor to exit, so at most one step talks to the outside world.
// With abandon set, the step cancels the server recovery instead.
func (o *Orchestrator) launch(step stepFunc, abandon *abandonReq) {
	o.stepSeq++
	seq := o.stepSeq

	ctx, cancel := context.WithCancel(o.lifetimeCtx)
	prev := o.stepDone
	done := make(chan struct{})
	o.stepCancel, o.stepDone = cancel, done

	env := &stepEnv{
		account: o.account,
		attempt: o.attempt.Copy(),
		proof:   o.takeProof(proofPurpose(o.attempt.State.Phase)),
	}
	env.emit = func(ev Event) {
		o.sendResult(stepResult{seq: seq, ev: ev})
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer close(done)
		defer cancel()

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}

		if abandon != nil {
			err := o.cancelServerSide(ctx, env)
			o.sendResult(stepResult{
				seq:     seq,
				final:   true,
				abandon: abandon,
				err:     err,
			})

			return
		}

		ev := step(ctx, env)
		if ev == nil {
			return
		}

		o.sendResult(stepResult{seq: seq, ev: ev, final: true})
	}()
}

// sendResult hands a step result to the main loop.
func (o *Orchestrator) sendResult(r stepResult) {
	select {
	case o.resultChan <- r:
	case <-o.lifetimeCtx.Done():
	}
}

// cancelStep cancels the running step and invalidates its results.
func (o *Orchestrator) cancelStep() {
	if o.stepCancel == nil {
		return
	}

	o.stepCancel()
	o.stepCancel = nil
	o.stepSeq++
}

// takeProof hands out the pending proof if it fits purpose.
func (o *Orchestrator) takeProof(purpose fn.Option[Purpose]) *Proof {
	p := o.pendingProof
	if p == nil || p.Consumed() {
		return nil
	}

	if purpose.UnwrapOr(0) != p.Purpose {
		return nil
	}

	o.pendingProof = nil

	return p
}

// publish sends a snapshot to every watcher that keeps up.
func (o *Orchestrator) publish() {
	if o.attempt == nil {
		return
	}

	o.watchMu.Lock()
	defer o.watchMu.Unlock()

	for _, ch := range o.watchers {
		select {
		case ch <- o.attempt.Copy():
		default:
		}
	}
}
