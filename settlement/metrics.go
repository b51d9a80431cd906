// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusActive      *prometheus.GaugeVec
	prometheusOutcomes    *prometheus.CounterVec
	prometheusSignReqs    *prometheus.CounterVec
	prometheusTimeouts    *prometheus.CounterVec
	prometheusTransitions *prometheus.CounterVec

	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "btcsettle",
			Subsystem: "settlement",
			Name:      "active",
			Help:      "Activated settlements not yet finished",
		},
		[]string{"role"},
	)

	prometheusOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcsettle",
			Subsystem: "settlement",
			Name:      "outcomes_total",
			Help:      "Settlements reaching a terminal state",
		},
		[]string{"role", "state"},
	)

	prometheusSignReqs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcsettle",
			Subsystem: "settlement",
			Name:      "sign_requests_total",
			Help:      "Sign requests issued and their results",
		},
		[]string{"role", "kind", "result"},
	)

	prometheusTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcsettle",
			Subsystem: "settlement",
			Name:      "timeouts_total",
			Help:      "Phase timers that expired",
		},
		[]string{"role", "state"},
	)

	prometheusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcsettle",
			Subsystem: "settlement",
			Name:      "transitions_total",
			Help:      "State machine transitions",
		},
		[]string{"role", "event"},
	)
}
