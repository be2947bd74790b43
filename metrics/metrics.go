// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors emitted by name
// resolution, polling and the client caches.
//
// A single *Metrics is usually shared by every component in a process.
// Components that are not given one use [Nop], whose collectors are live
// but not registered anywhere.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpcdiscovery"

// Outcome is the result of a single DNS lookup as seen by the fallback
// caching resolver.
type Outcome string

const (
	// OutcomeSuccess means the lookup returned at least one address.
	OutcomeSuccess Outcome = "success"
	// OutcomeFallback means the lookup was empty and a previously cached
	// result was served instead.
	OutcomeFallback Outcome = "fallback"
	// OutcomeFailure means the lookup was empty and nothing was cached.
	OutcomeFailure Outcome = "failure"
)

// Metrics is the metrics sink for this module.
type Metrics struct {
	dnsLookups         *prometheus.CounterVec
	activePollingTasks prometheus.Gauge
	pooledClients      prometheus.Gauge
	pooledReplacements prometheus.Counter
	channelCacheSize   prometheus.Gauge
}

// New creates the collectors and registers them with reg. If reg already
// holds collectors with the same descriptors (for example when New is
// called twice against the same registry), the existing ones are reused.
// A nil reg leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dnsLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dns_lookups_total",
				Help:      "DNS lookups by outcome (success, fallback, failure).",
			},
			[]string{"result"},
		),
		activePollingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "polling_tasks_active",
				Help:      "Number of active background DNS polling tasks.",
			},
		),
		pooledClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pooled_clients",
				Help:      "Number of live pooled transport clients.",
			},
		),
		pooledReplacements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pooled_client_replacements_total",
				Help:      "Pooled transport clients replaced because their configuration changed.",
			},
		),
		channelCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_cache_size",
				Help:      "Number of entries in the channel cache.",
			},
		),
	}
	if reg == nil {
		return m
	}
	m.dnsLookups = register(reg, m.dnsLookups)
	m.activePollingTasks = register(reg, m.activePollingTasks)
	m.pooledClients = register(reg, m.pooledClients)
	m.pooledReplacements = register(reg, m.pooledReplacements)
	m.channelCacheSize = register(reg, m.channelCacheSize)
	return m
}

// Nop returns a Metrics whose collectors are not registered.
func Nop() *Metrics {
	return New(nil)
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err) //nolint:forbidigo // same contract as prometheus.MustRegister
	}
	return collector
}

// DNSLookup records the outcome of one lookup.
func (m *Metrics) DNSLookup(outcome Outcome) {
	m.dnsLookups.WithLabelValues(string(outcome)).Inc()
}

// DNSLookups returns the counter for the given outcome.
func (m *Metrics) DNSLookups(outcome Outcome) prometheus.Counter {
	return m.dnsLookups.WithLabelValues(string(outcome))
}

// ActivePollingTasks returns the gauge of running polling tasks.
func (m *Metrics) ActivePollingTasks() prometheus.Gauge {
	return m.activePollingTasks
}

// PooledClients returns the gauge of live pooled clients.
func (m *Metrics) PooledClients() prometheus.Gauge {
	return m.pooledClients
}

// PooledClientReplacements returns the counter of replaced pooled clients.
func (m *Metrics) PooledClientReplacements() prometheus.Counter {
	return m.pooledReplacements
}

// ChannelCacheSize returns the gauge tracking the channel cache size.
func (m *Metrics) ChannelCacheSize() prometheus.Gauge {
	return m.channelCacheSize
}
