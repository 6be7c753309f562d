// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcrecovery/chain"
	"github.com/btcsuite/btcrecovery/coordinator"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/go-playground/validator/v10"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "btcrecover.conf"
	defaultLogFilename    = "btcrecover.log"
	defaultLogDirname     = "logs"
	defaultSQLiteFilename = "recovery.db"
	defaultBoltFilename   = "recovery.bdb"
	defaultVaultDirname   = "vault"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultNetwork        = "mainnet"
	defaultCoordinatorURL = "https://recovery.example.com/api"

	dbBackendSQLite   = "sqlite"
	dbBackendPostgres = "postgres"
	dbBackendBolt     = "bbolt"

	publishViaChain       = "chain"
	publishViaCoordinator = "coordinator"

	// hwSimSeedLen is the length of a simulated device seed.
	hwSimSeedLen = 32
)

// parserOptions leave printing errors and help to main.
const parserOptions = flags.HelpFlag | flags.PassDoubleDash

var (
	defaultHomeDir    = btcutil.AppDataDir("btcrecover", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for btcrecover.
//
//nolint:lll
type config struct {
	HomeDir        string `long:"homedir" description:"The base directory that contains the database, the vault and the logs"`
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)" validate:"gte=0"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB" validate:"gt=0"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Network     string `long:"network" description:"The bitcoin network the account lives on" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`
	AccountFile string `long:"accountfile" description:"JSON file describing the account to recover" validate:"required"`

	DBBackend   string `long:"db.backend" description:"The database backend" choice:"sqlite" choice:"postgres" choice:"bbolt"`
	PostgresDSN string `long:"db.postgres.dsn" description:"Postgres connection string, required for the postgres backend"`

	VaultPass string `long:"vaultpass" default-mask:"-" description:"Passphrase sealing the app seed. Prompted for when empty"`
	HWSimSeed string `long:"hwsim.seed" description:"Hex seed of a simulated hardware device. Only allowed on regtest, simnet and signet"`

	PublishVia        string        `long:"publishvia" description:"Where fully signed sweeps are sent" choice:"chain" choice:"coordinator"`
	MaxCodeAttempts   int           `long:"maxcodeattempts" description:"Wrong verification codes accepted before giving up, 0 for the default" validate:"gte=0"`
	MaxCodeResends    int           `long:"maxcoderesends" description:"Times an expired verification code is sent again, 0 for the default" validate:"gte=0"`
	DelayPollInterval time.Duration `long:"delaypollinterval" description:"How often the server is polled during the delay window" validate:"gte=0"`
	SweepConfTarget   uint32        `long:"sweep.conftarget" description:"Confirmation target of the sweep fee estimate"`
	SweepLookahead    uint32        `long:"sweep.lookahead" description:"Addresses per branch scanned for funds"`
	SweepMinConf      int32         `long:"sweep.minconf" description:"Confirmations a coin needs before it is swept" validate:"gte=1"`

	MetricsListen string `long:"metricslisten" description:"Serve prometheus metrics on this address"`

	Coordinator *coordinator.Config `group:"Coordinator" namespace:"coordinator" validate:"-"`
	Chain       *chain.Config       `group:"Chain" namespace:"chain" validate:"-"`

	// netParams is resolved from Network by validateConfig.
	netParams *chaincfg.Params

	// hwSimSeed is the decoded HWSimSeed.
	hwSimSeed []byte
}

// defaultConfig returns a config with every default set.
func defaultConfig() config {
	return config{
		HomeDir:           defaultHomeDir,
		ConfigFile:        defaultConfigFile,
		LogDir:            defaultLogDir,
		MaxLogFiles:       defaultMaxLogFiles,
		MaxLogFileSize:    defaultMaxLogFileSize,
		DebugLevel:        defaultLogLevel,
		Network:           defaultNetwork,
		DBBackend:         dbBackendSQLite,
		PublishVia:        publishViaChain,
		MaxCodeAttempts:   3,
		MaxCodeResends:    2,
		DelayPollInterval: time.Minute,
		SweepMinConf:      sweep.DefaultMinConf,
		Coordinator:       coordinator.DefaultConfig(defaultCoordinatorURL),
		Chain: &chain.Config{
			MaxPublishers: chain.DefaultMaxPublishers,
		},
	}
}

// netDir returns the per-network data directory.
func (c *config) netDir() string {
	return filepath.Join(c.HomeDir, c.netParams.Name)
}

// vaultDir returns the directory holding the sealed app seeds.
func (c *config) vaultDir() string {
	return filepath.Join(c.netDir(), defaultVaultDirname)
}

// newParser creates the command line parser for cfg with every command
// registered.
func newParser(cfg *config, cmds *commandSet,
	options flags.Options) (*flags.Parser, error) {

	parser := flags.NewParser(cfg, options)
	for _, c := range cmds.all() {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.data)
		if err != nil {
			return nil, err
		}
	}

	return parser, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options. It returns the config and the command to run.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(args []string) (*config, command, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := defaultConfig()
	preParser, err := newParser(&preCfg, newCommandSet(), parserOptions)
	if err != nil {
		return nil, nil, err
	}

	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, nil, err
	}

	// If the home directory was changed but the config file was not, the
	// config file lives in the new home directory.
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	homeDir := cleanAndExpandPath(preCfg.HomeDir)
	if homeDir != defaultHomeDir && configFilePath == defaultConfigFile {
		configFilePath = filepath.Join(homeDir, defaultConfigFilename)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := defaultConfig()
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A parsing error is fatal, a missing file is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, nil, err
		}

		configFileError = err
	}

	// Finally, parse the command line again so it takes precedence.
	cmds := newCommandSet()
	parser, err := newParser(&cfg, cmds, parserOptions)
	if err != nil {
		return nil, nil, err
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, nil, err
	}

	cmd := cmds.lookup(parser.Active)
	if cmd == nil {
		return nil, nil, errors.New("no command given")
	}

	// Warn about a missing config file only once everything else is
	// known to be fine.
	if configFileError != nil {
		mainLog.Debugf("%v", configFileError)
	}

	return &cfg, cmd, nil
}

// validateConfig checks cfg and normalizes its paths.
func validateConfig(cfg *config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cfg.HomeDir = cleanAndExpandPath(cfg.HomeDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.AccountFile = cleanAndExpandPath(cfg.AccountFile)

	if cfg.Chain.RPCCert != "" {
		cfg.Chain.RPCCert = cleanAndExpandPath(cfg.Chain.RPCCert)
	}

	net, err := keys.NetworkByName(cfg.Network)
	if err != nil {
		return err
	}
	cfg.netParams = net

	if cfg.DBBackend == dbBackendPostgres && cfg.PostgresDSN == "" {
		return errors.New("the postgres backend needs --db.postgres.dsn")
	}

	if cfg.HWSimSeed != "" {
		if net == &chaincfg.MainNetParams ||
			net == &chaincfg.TestNet3Params {

			return fmt.Errorf("--hwsim.seed is not allowed on %s",
				net.Name)
		}

		seed, err := hex.DecodeString(cfg.HWSimSeed)
		if err != nil {
			return fmt.Errorf("invalid --hwsim.seed: %w", err)
		}

		if len(seed) != hwSimSeedLen {
			return fmt.Errorf("--hwsim.seed must be %d bytes",
				hwSimSeedLen)
		}

		cfg.hwSimSeed = seed
	}

	if err := validator.New().Struct(cfg.Coordinator); err != nil {
		return fmt.Errorf("invalid coordinator config: %w", err)
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	return nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
