// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath              = "/metrics"
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

// newMetricsRegistry returns a registry with the recovery, sweep and runtime
// collectors.
func newMetricsRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	if err := recovery.RegisterMetrics(reg); err != nil {
		return nil, err
	}

	if err := sweep.RegisterMetrics(reg); err != nil {
		return nil, err
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg, nil
}

// startMetricsServer serves the metrics on addr. The returned function stops
// the server.
func startMetricsServer(addr string) (func(), error) {
	reg, err := newMetricsRegistry()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(
		reg, promhttp.HandlerOpts{},
	))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	go func() {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Errorf("Metrics server failed: %v", err)
		}
	}()

	mainLog.Infof("Serving metrics on %v%s", listener.Addr(), metricsPath)

	return func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), metricsShutdownTimeout,
		)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}, nil
}
