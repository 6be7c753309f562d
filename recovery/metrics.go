// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// phaseTransitions counts the phases attempts entered.
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcrecovery",
			Name:      "phase_transitions_total",
			Help:      "Number of recovery phase transitions",
		},
		[]string{"phase"},
	)

	// stepFailures counts step errors by the phase they happened in.
	stepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcrecovery",
			Name:      "step_failures_total",
			Help:      "Number of failed recovery steps",
		},
		[]string{"phase"},
	)

	// outcomes counts terminal attempts.
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcrecovery",
			Name:      "outcomes_total",
			Help:      "Number of recovery attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// RegisterMetrics registers the recovery collectors. Registering twice is
// not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		phaseTransitions, stepFailures, outcomes,
	} {
		err := reg.Register(c)

		var already prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &already) {
			return err
		}
	}

	return nil
}
