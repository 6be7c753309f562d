// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/jessevdk/go-flags"
)

// stopTimeout bounds the orchestrator shutdown.
const stopTimeout = 10 * time.Second

// command is a btcrecover sub-command.
type command interface {
	run(ctx context.Context, a *app, out io.Writer) error
}

// commandEntry describes a command to the parser.
type commandEntry struct {
	name  string
	short string
	long  string
	data  command
}

// commandSet holds the option structs of every command.
type commandSet struct {
	recover recoverCommand
	resume  resumeCommand
	retry   retryCommand
	restart restartCommand
	abandon abandonCommand
	status  statusCommand
	sweep   sweepCommand
}

func newCommandSet() *commandSet {
	return &commandSet{}
}

// all lists the commands in help order.
func (s *commandSet) all() []commandEntry {
	return []commandEntry{{
		name:  "recover",
		short: "Start the recovery of a lost factor",
		long: "Generates the new keys, initiates the recovery with " +
			"the server and waits out the delay window.",
		data: &s.recover,
	}, {
		name:  "resume",
		short: "Continue the recovery in progress",
		data:  &s.resume,
	}, {
		name:  "retry",
		short: "Re-enter the step the recovery stopped in",
		data:  &s.retry,
	}, {
		name:  "restart",
		short: "Discard the recovery in progress and start over",
		data:  &s.restart,
	}, {
		name:  "abandon",
		short: "Cancel the recovery in progress",
		data:  &s.abandon,
	}, {
		name:  "status",
		short: "Show the latest recovery of the account",
		data:  &s.status,
	}, {
		name:  "sweep",
		short: "Move the funds of inactive keysets to the active one",
		data:  &s.sweep,
	}}
}

// lookup returns the command the parser ran into.
func (s *commandSet) lookup(active *flags.Command) command {
	if active == nil {
		return nil
	}

	for _, c := range s.all() {
		if c.name == active.Name {
			return c.data
		}
	}

	return nil
}

// recoverCommand starts a new recovery.
//
//nolint:lll
type recoverCommand struct {
	Lost string `long:"lost" description:"The factor that was lost" choice:"app" choice:"hardware" required:"true"`
}

func (c *recoverCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	lost := recovery.FactorApp
	if c.Lost == "hardware" {
		lost = recovery.FactorHardware
	}

	return drive(ctx, a, out, func(ctx context.Context,
		o *recovery.Orchestrator) (*recovery.Attempt, error) {

		return o.Initiate(ctx, lost)
	})
}

// resumeCommand continues a persisted recovery.
type resumeCommand struct{}

func (c *resumeCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	return drive(ctx, a, out, func(ctx context.Context,
		o *recovery.Orchestrator) (*recovery.Attempt, error) {

		return o.Resume(ctx)
	})
}

// retryCommand re-enters the stopped step.
type retryCommand struct{}

func (c *retryCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	return drive(ctx, a, out, func(ctx context.Context,
		o *recovery.Orchestrator) (*recovery.Attempt, error) {

		return o.Retry(ctx)
	})
}

// restartCommand starts over for the same factor.
type restartCommand struct{}

func (c *restartCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	return drive(ctx, a, out, func(ctx context.Context,
		o *recovery.Orchestrator) (*recovery.Attempt, error) {

		return o.Restart(ctx)
	})
}

// abandonCommand cancels the recovery.
//
//nolint:lll
type abandonCommand struct {
	CancelServer bool `long:"cancelserver" description:"Also cancel the recovery on the server instead of leaving it to expire"`
}

func (c *abandonCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	o, err := a.newOrchestrator()
	if err != nil {
		return err
	}

	if err := o.Start(); err != nil {
		return err
	}
	defer stopOrchestrator(o)

	attempt, err := o.Abandon(ctx, c.CancelServer)
	if attempt != nil {
		printAttempt(out, attempt)
	}

	return err
}

// statusCommand prints the latest attempt.
type statusCommand struct{}

func (c *statusCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	attempt, err := a.store.LatestAttempt(ctx, a.account.AccountID)
	if errors.Is(err, recovery.ErrAttemptNotFound) {
		fmt.Fprintf(out, "No recovery for account %s\n",
			a.account.AccountID)

		return nil
	}
	if err != nil {
		return err
	}

	printAttempt(out, attempt)

	return nil
}

// sweepCommand sweeps the account without a recovery.
type sweepCommand struct{}

func (c *sweepCommand) run(ctx context.Context, a *app,
	out io.Writer) error {

	sweeper, err := a.newSweeper(ctx)
	if err != nil {
		return err
	}

	account := a.account
	res, err := sweeper.Run(ctx, &account)
	if errors.Is(err, sweep.ErrNoFundsFound) {
		fmt.Fprintln(out, "Nothing to sweep")
		return nil
	}

	if res != nil {
		printSweep(out, res)
	}

	return err
}

// step is an orchestrator request that returns an attempt.
type step func(ctx context.Context, o *recovery.Orchestrator) (
	*recovery.Attempt, error)

// drive runs s and then follows the attempt until it is finished or needs
// the user. A completed recovery is followed by its sweep.
func drive(ctx context.Context, a *app, out io.Writer, s step) error {
	o, err := a.newOrchestrator()
	if err != nil {
		return err
	}

	if err := o.Start(); err != nil {
		return err
	}
	defer stopOrchestrator(o)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := o.Watch(watchCtx)
	if err != nil {
		return err
	}

	go func() {
		for attempt := range updates {
			mainLog.Infof("Recovery %s: %v", attempt.ID,
				attempt.State.Phase)
		}
	}()

	attempt, err := s(ctx, o)
	if err != nil {
		return reportStop(out, attempt, err)
	}

	printAttempt(out, attempt)

	if !attempt.IsTerminal() {
		fmt.Fprintf(out, "Waiting for the delay window to end, keep "+
			"btcrecover running or use \"resume\" later\n")

		attempt, err = o.WaitForOutcome(ctx)
		if err != nil {
			return reportStop(out, attempt, err)
		}

		printAttempt(out, attempt)
	}

	if attempt.State.Phase != recovery.PhaseCompleted {
		return nil
	}

	// The sweep runs on the orchestrator. Wait for it before stopping.
	select {
	case <-a.swept:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// reportStop prints an attempt that stopped for the user and returns err.
func reportStop(out io.Writer, attempt *recovery.Attempt, err error) error {
	var phaseErr *recovery.PhaseError
	if errors.As(err, &phaseErr) && attempt != nil {
		printAttempt(out, attempt)
	}

	return err
}

// stopOrchestrator stops o, logging a slow shutdown.
func stopOrchestrator(o *recovery.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := o.Stop(ctx); err != nil {
		mainLog.Errorf("Unable to stop orchestrator: %v", err)
	}
}

// printAttempt writes a human readable summary of attempt.
func printAttempt(out io.Writer, attempt *recovery.Attempt) {
	fmt.Fprintf(out, "Recovery %s (lost %v)\n", attempt.ID,
		attempt.LostFactor)
	fmt.Fprintf(out, "  phase:    %v\n", attempt.State.Phase)

	attempt.ServerRecoveryID.WhenSome(func(id string) {
		fmt.Fprintf(out, "  server:   %s\n", id)
	})

	if !attempt.CompletionAllowedAt.IsZero() && !attempt.IsTerminal() {
		fmt.Fprintf(out, "  complete: after %v\n",
			attempt.CompletionAllowedAt.Local().Format(time.RFC1123))
	}

	if attempt.State.Cause != "" {
		fmt.Fprintf(out, "  cause:    %s\n", attempt.State.Cause)
	}

	if actions := attempt.State.Actions(); actions != 0 {
		fmt.Fprintf(out, "  actions:  %v\n", actions)
	}

	attempt.Outcome.WhenSome(func(o recovery.Outcome) {
		fmt.Fprintf(out, "  outcome:  %v\n", o.Kind)
	})
}

// printSweep writes the result of a sweep run.
func printSweep(out io.Writer, res *sweep.Result) {
	verb := "Planned"
	if res.Resumed {
		verb = "Resumed"
	}

	fmt.Fprintf(out, "%s %d sweep(s), %d broadcast\n", verb,
		len(res.Proposals), res.Broadcast())

	for _, p := range res.Proposals {
		fmt.Fprintf(out, "  %v  %v  %v -> %s\n", p.ID, p.Status,
			p.Amount, p.Destination.ID)
	}
}
