// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
)

func main() {
	// Load the configuration, and parse any command line options. This
	// also sets the log levels.
	cfg, cmd, err := loadConfig(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			// Help was requested, exit normally.
			_, _ = fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}

		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Call the "real" main in a nested manner so the defers will properly
	// be executed.
	if err := btcrecoverMain(cfg, cmd); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// btcrecoverMain runs cmd until it returns or the process is interrupted.
func btcrecoverMain(cfg *config, cmd command) error {
	logFile := filepath.Join(cfg.LogDir, cfg.netParams.Name,
		defaultLogFilename)
	err := initLogRotator(logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer closeLogRotator()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if cfg.MetricsListen != "" {
		stopMetrics, err := startMetricsServer(cfg.MetricsListen)
		if err != nil {
			return fmt.Errorf("unable to serve metrics: %w", err)
		}
		defer stopMetrics()
	}

	a, err := newApp(ctx, cfg, newTermPrompter(os.Stdin, os.Stdout))
	if err != nil {
		return err
	}
	defer a.close()

	mainLog.Infof("Account %s on %s", a.account.AccountID,
		cfg.netParams.Name)

	return cmd.run(ctx, a, os.Stdout)
}
