// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcrecovery/chain"
	"github.com/btcsuite/btcrecovery/coordinator"
	"github.com/btcsuite/btcrecovery/internal/db"
	"github.com/btcsuite/btcrecovery/internal/db/kvdb"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
)

// dataDirPerm is the permission of the per-network data directory.
const dataDirPerm = 0o700

// store is what the daemon needs from a database backend.
type store interface {
	recovery.AttemptStore
	recovery.KeysetStore
	sweep.ProposalStore

	// LatestAttempt returns the account's most recent attempt, terminal
	// or not.
	LatestAttempt(ctx context.Context, accountID string) (*recovery.Attempt,
		error)

	io.Closer
}

// A compile-time check that every backend is a store.
var (
	_ store = (*db.Store)(nil)
	_ store = (*kvdb.Store)(nil)
)

// openStore opens the configured database backend.
func openStore(ctx context.Context, cfg *config) (store, error) {
	if err := os.MkdirAll(cfg.netDir(), dataDirPerm); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	switch cfg.DBBackend {
	case dbBackendSQLite:
		s, err := db.OpenSQLite(
			filepath.Join(cfg.netDir(), defaultSQLiteFilename),
		)
		if err != nil {
			return nil, err
		}

		return s, nil

	case dbBackendPostgres:
		s, err := db.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}

		return s, nil

	case dbBackendBolt:
		s, err := kvdb.Open(
			filepath.Join(cfg.netDir(), defaultBoltFilename),
		)
		if err != nil {
			return nil, err
		}

		return s, nil

	default:
		return nil, fmt.Errorf("unknown db backend %q", cfg.DBBackend)
	}
}

// appSigner provides the first signature of a sweep from the app seed in the
// vault. It stands in for the hardware device when that device was lost.
type appSigner struct {
	vault     recovery.SeedVault
	gen       recovery.KeyGenerator
	accountID string
}

// A compile-time check that appSigner is a sweep.HardwareSigner.
var _ sweep.HardwareSigner = (*appSigner)(nil)

// SignPsbt loads the app keys and signs a copy of packet for keyset.
func (s *appSigner) SignPsbt(ctx context.Context, packet *psbt.Packet,
	keyset *keys.Keyset) (*psbt.Packet, error) {

	seed, err := s.vault.LoadAppSeed(ctx, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("load app seed: %w", err)
	}

	secrets, err := s.gen.DeriveAppKeys(seed)
	if err != nil {
		return nil, err
	}

	return secrets.SignPsbt(ctx, packet, keyset)
}

// app holds the long-lived components of a run.
type app struct {
	cfg      *config
	account  recovery.AccountContext
	store    store
	vault    *keys.FileVault
	gen      *keys.Generator
	device   *keys.SoftDevice
	coord    *coordinator.Client
	prompter recovery.Prompter

	chain      *chain.Backend
	closeChain func()

	// swept is signalled once the sweep after a completed recovery
	// finished.
	swept chan struct{}
}

// newApp opens the store and builds the components for cfg.
func newApp(ctx context.Context, cfg *config,
	prompter recovery.Prompter) (*app, error) {

	account, ks, err := loadAccount(cfg.AccountFile, cfg.netParams)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(cfg.Coordinator)
	if err != nil {
		return nil, err
	}

	pass := []byte(cfg.VaultPass)
	if len(pass) == 0 {
		pass, err = readPassphrase(os.Stdout, "Vault passphrase: ")
		if err != nil {
			return nil, err
		}
	}

	var device *keys.SoftDevice
	if cfg.hwSimSeed != nil {
		device, err = keys.NewSoftDevice(cfg.hwSimSeed, cfg.netParams)
		if err != nil {
			return nil, err
		}

		mainLog.Warnf("Using a simulated hardware device")
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	account.ActiveKeyset, err = importKeyset(
		ctx, s, account.AccountID, ks,
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		account:  *account,
		store:    s,
		vault:    keys.NewFileVault(cfg.vaultDir(), pass, scryptParams(cfg)),
		gen:      keys.NewGenerator(cfg.netParams),
		device:   device,
		coord:    coord,
		prompter: prompter,
		swept:    make(chan struct{}, 1),
	}, nil
}

// scryptParams picks the seed sealing cost for the network.
func scryptParams(cfg *config) keys.ScryptParams {
	if cfg.hwSimSeed != nil {
		return keys.FastScryptParams
	}

	return keys.DefaultScryptParams
}

// close releases the store and the node connection.
func (a *app) close() {
	if a.closeChain != nil {
		a.closeChain()
	}

	if err := a.store.Close(); err != nil {
		mainLog.Errorf("Unable to close store: %v", err)
	}
}

// hardwareDevice returns the configured device, or a nil interface.
func (a *app) hardwareDevice() recovery.HardwareDevice {
	if a.device == nil {
		return nil
	}

	return a.device
}

// newOrchestrator creates a recovery orchestrator that sweeps the account
// once a recovery completes.
func (a *app) newOrchestrator() (*recovery.Orchestrator, error) {
	return recovery.NewOrchestrator(recovery.Config{
		Coordinator:       a.coord,
		Touchpoints:       a.coord,
		Device:            a.hardwareDevice(),
		Prompter:          a.prompter,
		Attempts:          a.store,
		Keysets:           a.store,
		Vault:             a.vault,
		Generator:         a.gen,
		DelayPollInterval: a.cfg.DelayPollInterval,
		MaxCodeAttempts:   a.cfg.MaxCodeAttempts,
		MaxCodeResends:    a.cfg.MaxCodeResends,
		OnCompleted:       a.onRecoveryCompleted,
	}, a.account)
}

// onRecoveryCompleted sweeps the account into its new keyset.
func (a *app) onRecoveryCompleted(ctx context.Context,
	account recovery.AccountContext, ks *keys.Keyset) {

	defer func() {
		select {
		case a.swept <- struct{}{}:
		default:
		}
	}()

	sweeper, err := a.newSweeper(ctx)
	if err != nil {
		mainLog.Errorf("Unable to sweep account %s: %v",
			account.AccountID, err)

		return
	}

	sweeper.OnRecoveryCompleted(ctx, account, ks)
}

// firstSigner returns the signer of the first sweep signature: the app when
// the latest recovery replaced the hardware device, the device otherwise.
func (a *app) firstSigner(ctx context.Context) (sweep.HardwareSigner, error) {
	latest, err := a.store.LatestAttempt(ctx, a.account.AccountID)
	switch {
	case errors.Is(err, recovery.ErrAttemptNotFound):
	case err != nil:
		return nil, err

	case latest.LostFactor == recovery.FactorHardware:
		return &appSigner{
			vault:     a.vault,
			gen:       a.gen,
			accountID: a.account.AccountID,
		}, nil
	}

	if a.device == nil {
		return nil, errors.New("sweeping needs the hardware device, " +
			"none is configured")
	}

	return a.device, nil
}

// connectChain dials the node once.
func (a *app) connectChain() (*chain.Backend, error) {
	if a.chain != nil {
		return a.chain, nil
	}

	backend, closeChain, err := chain.Dial(a.cfg.Chain)
	if err != nil {
		return nil, err
	}

	a.chain, a.closeChain = backend, closeChain

	return backend, nil
}

// newSweeper wires a sweeper over the node, the store and the coordinator.
func (a *app) newSweeper(ctx context.Context) (*sweep.Sweeper, error) {
	backend, err := a.connectChain()
	if err != nil {
		return nil, err
	}

	first, err := a.firstSigner(ctx)
	if err != nil {
		return nil, err
	}

	planner, err := sweep.NewPlanner(sweep.PlannerConfig{
		Utxos:      backend,
		Fees:       backend,
		ConfTarget: a.cfg.SweepConfTarget,
		Lookahead:  a.cfg.SweepLookahead,
		MinConf:    a.cfg.SweepMinConf,
	})
	if err != nil {
		return nil, err
	}

	signer, err := sweep.NewSigningCoordinator(sweep.SignerConfig{
		Hardware: first,
		Server:   a.coord,
		Store:    a.store,
	})
	if err != nil {
		return nil, err
	}

	var publisher sweep.TxPublisher = backend
	if a.cfg.PublishVia == publishViaCoordinator {
		publisher = a.coord
	}

	broadcaster, err := sweep.NewBroadcastService(sweep.BroadcastConfig{
		Publisher: publisher,
		Store:     a.store,
	})
	if err != nil {
		return nil, err
	}

	return sweep.NewSweeper(sweep.Config{
		Keysets:     a.store,
		Store:       a.store,
		Planner:     planner,
		Signer:      signer,
		Broadcaster: broadcaster,
	})
}
