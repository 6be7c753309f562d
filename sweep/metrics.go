// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sweep

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	proposalsPlanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "btcrecovery",
		Subsystem: "sweep",
		Name:      "proposals_planned_total",
		Help:      "Number of sweep proposals planned",
	})

	// broadcastResults counts published sweeps by result.
	broadcastResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcrecovery",
			Subsystem: "sweep",
			Name:      "broadcast_results_total",
			Help:      "Number of published sweeps by result",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers the sweep collectors. Registering twice is not an
// error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		proposalsPlanned, broadcastResults,
	} {
		err := reg.Register(c)

		var already prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &already) {
			return err
		}
	}

	return nil
}
