package db

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.RegressionNetParams

// newSQLiteTestStore opens a migrated SQLite store in a temporary directory.
func newSQLiteTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func cosigner(t *testing.T, seed byte) keys.CosignerKey {
	t.Helper()

	device, err := keys.NewSoftDevice(bytes.Repeat([]byte{seed}, 32), testNet)
	require.NoError(t, err)

	return device.Bundle().Spending
}

// testKeyset builds a keyset from three software devices.
func testKeyset(t *testing.T, app, hw, server byte) *keys.Keyset {
	t.Helper()

	ks, err := keys.NewKeyset(
		cosigner(t, app), cosigner(t, hw), cosigner(t, server), testNet,
	)
	require.NoError(t, err)

	return ks
}

// testAttempt returns an attempt for the account created at the given unix
// second.
func testAttempt(accountID string, created int64) *recovery.Attempt {
	return recovery.NewAttempt(
		accountID, recovery.FactorHardware, time.Unix(created, 0).UTC(),
	)
}

// testProposal builds an unsigned proposal moving one output of src to dst.
func testProposal(t *testing.T, accountID string, src, dst *keys.Keyset,
	seed byte) *sweep.Proposal {

	t.Helper()

	addr, err := dst.DeriveAddress(keys.ExternalBranch, 0)
	require.NoError(t, err)

	template, err := psbt.New(
		[]*wire.OutPoint{{Hash: chainhash.Hash{seed}}},
		[]*wire.TxOut{wire.NewTxOut(40_000, addr.PkScript)},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)

	packet, err := keys.ClonePsbt(template)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0).UTC()

	return &sweep.Proposal{
		ID:                 template.UnsignedTx.TxHash(),
		SweepID:            "sweep-1",
		AccountID:          accountID,
		Source:             src,
		Destination:        dst,
		DestinationAddress: addr.Address,
		Amount:             btcutil.Amount(40_000),
		Fee:                btcutil.Amount(500),
		FeeRate:            btcunit.NewSatPerKVByte(2000),
		Template:           template,
		Packet:             packet,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
