package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

// baseArgs returns the arguments every config test needs, rooted at a
// temporary home directory with no config file.
func baseArgs(t *testing.T) []string {
	t.Helper()

	home := t.TempDir()

	return []string{
		"--homedir=" + home,
		"--configfile=" + filepath.Join(home, "missing.conf"),
		"--accountfile=" + filepath.Join(home, "account.json"),
		"--network=regtest",
	}
}

// TestLoadConfigCommands checks that the active command and its options are
// returned.
func TestLoadConfigCommands(t *testing.T) {
	t.Parallel()

	// Arrange & Act: Parse a status command.
	cfg, cmd, err := loadConfig(append(baseArgs(t), "status"))

	// Assert: The defaults are set and the network is resolved.
	require.NoError(t, err)
	require.IsType(t, &statusCommand{}, cmd)
	require.Equal(t, &chaincfg.RegressionNetParams, cfg.netParams)
	require.Equal(t, dbBackendSQLite, cfg.DBBackend)
	require.Equal(t, publishViaChain, cfg.PublishVia)
	require.Equal(t, 3, cfg.MaxCodeAttempts)
	require.Equal(t, 2, cfg.MaxCodeResends)
	require.EqualValues(t, 1, cfg.SweepMinConf)
	require.Equal(t, filepath.Join(cfg.HomeDir, "regtest", "vault"),
		cfg.vaultDir())

	// A recover command carries the lost factor.
	_, cmd, err = loadConfig(append(
		baseArgs(t), "recover", "--lost=hardware",
	))
	require.NoError(t, err)

	rc, ok := cmd.(*recoverCommand)
	require.True(t, ok)
	require.Equal(t, "hardware", rc.Lost)

	// So does abandon.
	_, cmd, err = loadConfig(append(
		baseArgs(t), "abandon", "--cancelserver",
	))
	require.NoError(t, err)

	ac, ok := cmd.(*abandonCommand)
	require.True(t, ok)
	require.True(t, ac.CancelServer)
}

// TestLoadConfigFile checks that the config file is read and that the command
// line takes precedence.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	// Arrange: A config file setting the network and the db backend.
	home := t.TempDir()
	configFile := filepath.Join(home, "btcrecover.conf")
	err := os.WriteFile(configFile, []byte(
		"network=simnet\ndb.backend=bbolt\nmaxcodeattempts=5\n",
	), 0o600)
	require.NoError(t, err)

	args := []string{
		"--homedir=" + home,
		"--accountfile=" + filepath.Join(home, "account.json"),
		"--maxcodeattempts=7",
		"sweep",
	}

	// Act: The config file is found in the home directory.
	cfg, cmd, err := loadConfig(args)

	// Assert.
	require.NoError(t, err)
	require.IsType(t, &sweepCommand{}, cmd)
	require.Equal(t, &chaincfg.SimNetParams, cfg.netParams)
	require.Equal(t, dbBackendBolt, cfg.DBBackend)
	require.Equal(t, 7, cfg.MaxCodeAttempts)
}

// TestLoadConfigMalformedFile checks that a config file that cannot be parsed
// is fatal.
func TestLoadConfigMalformedFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	configFile := filepath.Join(home, "btcrecover.conf")
	err := os.WriteFile(configFile, []byte("nosuchoption=1\n"), 0o600)
	require.NoError(t, err)

	_, _, err = loadConfig([]string{
		"--homedir=" + home,
		"--accountfile=" + filepath.Join(home, "account.json"),
		"status",
	})

	var iniErr *flags.IniError
	require.ErrorAs(t, err, &iniErr)
}

// TestLoadConfigHelp checks that a help request is reported as such.
func TestLoadConfigHelp(t *testing.T) {
	t.Parallel()

	_, _, err := loadConfig([]string{"-h"})

	var flagsErr *flags.Error
	require.ErrorAs(t, err, &flagsErr)
	require.Equal(t, flags.ErrHelp, flagsErr.Type)
}

// TestLoadConfigInvalid checks the rejected configurations.
func TestLoadConfigInvalid(t *testing.T) {
	t.Parallel()

	seed := "0101010101010101010101010101010101010101010101010101010101010101"

	tests := []struct {
		name string
		args []string
	}{{
		name: "no command",
		args: nil,
	}, {
		name: "missing lost factor",
		args: []string{"recover"},
	}, {
		name: "unknown lost factor",
		args: []string{"recover", "--lost=server"},
	}, {
		name: "postgres without dsn",
		args: []string{"--db.backend=postgres", "status"},
	}, {
		name: "simulated device on mainnet",
		args: []string{
			"--network=mainnet", "--hwsim.seed=" + seed, "status",
		},
	}, {
		name: "simulated device seed not hex",
		args: []string{"--hwsim.seed=zz", "status"},
	}, {
		name: "simulated device seed too short",
		args: []string{"--hwsim.seed=0101", "status"},
	}, {
		name: "bad debug level",
		args: []string{"--debuglevel=loud", "status"},
	}, {
		name: "unknown subsystem",
		args: []string{"--debuglevel=NOPE=debug", "status"},
	}, {
		name: "bad coordinator url",
		args: []string{"--coordinator.url=not a url", "status"},
	}, {
		name: "negative code attempts",
		args: []string{"--maxcodeattempts=-1", "status"},
	}, {
		name: "unconfirmed sweeps",
		args: []string{"--sweep.minconf=0", "status"},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := loadConfig(append(baseArgs(t), tc.args...))
			require.Error(t, err)
		})
	}
}

// TestLoadConfigSimulatedDevice checks that the simulated device seed is
// decoded on a test network.
func TestLoadConfigSimulatedDevice(t *testing.T) {
	t.Parallel()

	seed := "0202020202020202020202020202020202020202020202020202020202020202"

	cfg, _, err := loadConfig(append(
		baseArgs(t), "--hwsim.seed="+seed, "status",
	))
	require.NoError(t, err)
	require.Len(t, cfg.hwSimSeed, hwSimSeedLen)
	require.Equal(t, byte(2), cfg.hwSimSeed[0])
}

// TestCleanAndExpandPath checks home directory and environment expansion.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("BTCRECOVER_TEST_DIR", "/tmp/btcrecover")

	require.Empty(t, cleanAndExpandPath(""))
	require.Equal(t, "/tmp/btcrecover/logs",
		cleanAndExpandPath("$BTCRECOVER_TEST_DIR/logs/"))
	require.Equal(t, "/a/c", cleanAndExpandPath("/a/b/../c"))

	expanded := cleanAndExpandPath("~/x")
	require.NotContains(t, expanded, "~")
	require.Equal(t, "x", filepath.Base(expanded))
}
