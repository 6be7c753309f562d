// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcrecovery/chain"
	"github.com/btcsuite/btcrecovery/coordinator"
	"github.com/btcsuite/btcrecovery/internal/db"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/jrick/logrotate/rotator"
)

// logDirPerm is the permission of a newly created log directory.
const logDirPerm = 0o700

// logWriter writes to stdout and to the log rotator once it is initialized.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	_, _ = os.Stdout.Write(p)

	if logRotator != nil {
		_, _ = logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the backend every subsystem logger writes through.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is nil until initLogRotator is called.
	logRotator *rotator.Rotator

	mainLog = backendLog.Logger("BRCV")
	rcvrLog = backendLog.Logger("RCVR")
	swepLog = backendLog.Logger("SWEP")
	cordLog = backendLog.Logger("CORD")
	chanLog = backendLog.Logger("CHAN")
	rcdbLog = backendLog.Logger("RCDB")
	keysLog = backendLog.Logger("KEYS")
	rpccLog = backendLog.Logger("RPCC")
)

// subsystemLoggers maps each subsystem tag to its logger.
var subsystemLoggers = map[string]btclog.Logger{
	"BRCV": mainLog,
	"RCVR": rcvrLog,
	"SWEP": swepLog,
	"CORD": cordLog,
	"CHAN": chanLog,
	"RCDB": rcdbLog,
	"KEYS": keysLog,
	"RPCC": rpccLog,
}

func init() {
	recovery.UseLogger(rcvrLog)
	sweep.UseLogger(swepLog)
	coordinator.UseLogger(cordLog)
	chain.UseLogger(chanLog)
	db.UseLogger(rcdbLog)
	keys.UseLogger(keysLog)
	rpcclient.UseLogger(rpccLog)
}

// initLogRotator starts writing logs to logFile, rolling it over once it
// exceeds maxSizeMB.
func initLogRotator(logFile string, maxSizeMB, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, logDirPerm); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// closeLogRotator flushes and closes the log file.
func closeLogRotator() {
	if logRotator != nil {
		_ = logRotator.Close()
	}
}

// supportedSubsystems returns the sorted subsystem tags.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		subsystems = append(subsystems, tag)
	}

	sort.Strings(subsystems)

	return subsystems
}

// setLogLevels sets every subsystem to level.
func setLogLevels(level btclog.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// parseAndSetDebugLevels applies a debug level setting. It is either a
// single level for every subsystem or a comma separated list of
// SUBSYSTEM=level pairs.
func parseAndSetDebugLevels(levels string) error {
	if !strings.Contains(levels, "=") {
		level, ok := btclog.LevelFromString(levels)
		if !ok {
			return fmt.Errorf("invalid debug level %q", levels)
		}

		setLogLevels(level)

		return nil
	}

	for _, pair := range strings.Split(levels, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("invalid subsystem level pair %q", pair)
		}

		tag, levelStr := fields[0], fields[1]

		logger, ok := subsystemLoggers[tag]
		if !ok {
			return fmt.Errorf("unknown subsystem %q, supported "+
				"subsystems: %v", tag, supportedSubsystems())
		}

		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("invalid debug level %q for %s",
				levelStr, tag)
		}

		logger.SetLevel(level)
	}

	return nil
}
