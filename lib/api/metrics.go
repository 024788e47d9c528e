// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speicher",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of API requests, by operation and status code.",
	}, []string{"operation", "status"})

	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "speicher",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request duration, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	metricRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "speicher",
		Subsystem: "api",
		Name:      "requests_in_flight",
		Help:      "Number of API requests currently being served.",
	})
)
