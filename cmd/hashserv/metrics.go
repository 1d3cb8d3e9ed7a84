// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/service"
)

const metricsNamespace = "hashserv"

// storeStatsMaxAge bounds how often a scrape reaches the store.
const storeStatsMaxAge = 5 * time.Second

type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	factory := promauto.With(registry)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests dispatched, by action and result code.",
		}, []string{"action", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent in the action handler.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"action"}),
	}
}

func (m *metrics) observe(action, code string, elapsed time.Duration) {
	m.requests.WithLabelValues(action, code).Inc()
	m.duration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// watch registers gauges that read live state at scrape time.
func (m *metrics) watch(server *service.StreamServer, resolver *equivalence.Resolver, store equivalence.Store) {
	factory := promauto.With(m.registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connections_open",
		Help:      "Stream connections currently open.",
	}, func() float64 { return float64(server.OpenConnections()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "connections_accepted_total",
		Help:      "Stream connections accepted since start.",
	}, func() float64 { return float64(server.AcceptedConnections()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_classes",
		Help:      "Equivalence classes with a report in progress or queued.",
	}, func() float64 { return float64(resolver.PendingClasses()) })

	cached := &cachedStats{store: store}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "records",
		Help:      "Records in the store.",
	}, func() float64 { return float64(cached.get().Records) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "classes",
		Help:      "Distinct equivalence classes in the store.",
	}, func() float64 { return float64(cached.get().Classes) })
}

// cachedStats shares one Store.Stats call between the gauges of a
// scrape. On error the previous value is kept.
type cachedStats struct {
	store equivalence.Store

	mu      sync.Mutex
	value   equivalence.Stats
	fetched time.Time
}

func (c *cachedStats) get() equivalence.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetched.IsZero() && time.Since(c.fetched) < storeStatsMaxAge {
		return c.value
	}
	stats, err := c.store.Stats(context.Background())
	if err == nil {
		c.value = stats
	}
	c.fetched = time.Now()
	return c.value
}
