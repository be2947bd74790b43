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

package clientcache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Channels is a bounded cache of channels keyed by everything that went
// into building them. When full, the least recently used channel is
// dropped; channels own no resources, so nothing is closed. It is safe
// for concurrent use.
type Channels[K comparable, V any] struct {
	logger   *zap.Logger
	size     prometheus.Gauge
	cache    *lru.Cache[K, V]
	capacity int
	warnAt   int
	// +checkatomic
	warned atomic.Bool
}

// NewChannels creates an empty cache holding at most the configured
// channel capacity (500 by default).
func NewChannels[K comparable, V any](options ...Option) *Channels[K, V] {
	opts := newOptions(options)
	channels := &Channels[K, V]{
		logger:   opts.logger,
		size:     opts.metrics.ChannelCacheSize(),
		capacity: opts.channelCapacity,
		warnAt:   max(1, opts.channelCapacity*9/10),
	}
	cache, err := lru.NewWithEvict(opts.channelCapacity, func(K, V) {
		channels.size.Dec()
	})
	if err != nil {
		// Only possible for a non-positive size, which newOptions prevents.
		panic(err)
	}
	channels.cache = cache
	return channels
}

// Get returns the cached channel for key, building it with construct if
// there is none. Errors from construct are returned and nothing is cached.
// Concurrent misses for the same key may each call construct; only one
// result is kept and returned to all of them.
func (c *Channels[K, V]) Get(key K, construct func() (V, error)) (V, error) {
	if channel, ok := c.cache.Get(key); ok {
		return channel, nil
	}
	channel, err := construct()
	if err != nil {
		var zero V
		return zero, err
	}
	if existing, found, _ := c.cache.PeekOrAdd(key, channel); found {
		return existing, nil
	}
	c.size.Inc()
	c.checkCapacity()
	return channel, nil
}

// Len returns the number of cached channels.
func (c *Channels[K, V]) Len() int {
	return c.cache.Len()
}

// Purge drops every cached channel.
func (c *Channels[K, V]) Purge() {
	c.cache.Purge()
	c.warned.Store(false)
}

// checkCapacity warns once each time the cache fills past 90%. A cache
// that fills up usually means keys are built from values that change on
// every call.
func (c *Channels[K, V]) checkCapacity() {
	size := c.cache.Len()
	if size < c.warnAt {
		c.warned.Store(false)
		return
	}
	if c.warned.CompareAndSwap(false, true) {
		c.logger.Warn("channel cache is nearly full; channel keys may not be stable",
			zap.Int("size", size),
			zap.Int("capacity", c.capacity),
		)
	}
}
