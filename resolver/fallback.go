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

package resolver

import (
	"context"
	"net/netip"
	"slices"
	"time"

	"github.com/bufbuild/rpcdiscovery/internal"
	"github.com/bufbuild/rpcdiscovery/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// NewFallbackCachingResolver wraps resolver so that a lookup which comes
// back empty is answered with the last non-empty result for the same host,
// provided that result is younger than the cache expiry (10 minutes by
// default, measured from the lookup that produced it). At most 1000 hosts
// are remembered by default; see WithFallbackCache.
//
// Every lookup is recorded in the metrics sink as a success, a fallback or
// a failure.
func NewFallbackCachingResolver(resolver Resolver, options ...Option) BatchResolver {
	opts := newOptions(options)
	cache, _ := lru.New[string, fallbackEntry](opts.cacheSize) // only fails for a non-positive size
	return &fallbackResolver{
		resolver: resolver,
		cache:    cache,
		expiry:   opts.cacheExpiry,
		clock:    opts.clock,
		metrics:  opts.metrics,
		logger:   opts.logger,
	}
}

type fallbackResolver struct {
	resolver Resolver
	cache    *lru.Cache[string, fallbackEntry]
	expiry   time.Duration
	clock    internal.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

type fallbackEntry struct {
	addrs   []netip.Addr
	written time.Time
}

func (r *fallbackResolver) Resolve(ctx context.Context, host string) []netip.Addr {
	return r.handle(host, r.resolver.Resolve(ctx, host))
}

func (r *fallbackResolver) ResolveAll(ctx context.Context, hosts []string) map[string][]netip.Addr {
	resolved := ResolveAll(ctx, r.resolver, hosts)
	results := make(map[string][]netip.Addr, len(hosts))
	for _, host := range hosts {
		if addrs := r.handle(host, resolved[host]); len(addrs) > 0 {
			results[host] = addrs
		}
	}
	return results
}

func (r *fallbackResolver) handle(host string, addrs []netip.Addr) []netip.Addr {
	if len(addrs) > 0 {
		r.metrics.DNSLookup(metrics.OutcomeSuccess)
		r.cache.Add(host, fallbackEntry{addrs: slices.Clone(addrs), written: r.clock.Now()})
		return addrs
	}
	entry, ok := r.cache.Get(host)
	if ok && r.clock.Since(entry.written) < r.expiry {
		r.metrics.DNSLookup(metrics.OutcomeFallback)
		r.logger.Info("dns lookup returned no addresses, using cached result",
			zap.String("host", host),
			zap.Int("addresses", len(entry.addrs)),
			zap.Time("cachedAt", entry.written),
		)
		return slices.Clone(entry.addrs)
	}
	if ok {
		r.cache.Remove(host)
	}
	r.metrics.DNSLookup(metrics.OutcomeFailure)
	return nil
}
