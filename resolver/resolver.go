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
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/bufbuild/rpcdiscovery/internal"
	"github.com/bufbuild/rpcdiscovery/metrics"
	"go.uber.org/zap"
)

const (
	defaultCacheSize   = 1000
	defaultCacheExpiry = 10 * time.Minute
)

// Resolver is an interface for types that provide single-shot name
// resolution.
type Resolver interface {
	// Resolve returns the addresses that host currently resolves to. It
	// blocks on network I/O. If resolution fails, the failure is logged and
	// the result is empty; an error is never surfaced to the caller.
	//
	// The returned slice is sorted, free of duplicates and owned by the
	// caller. IPv4 addresses are never returned in their IPv4-mapped IPv6
	// form.
	Resolve(ctx context.Context, host string) []netip.Addr
}

// BatchResolver is implemented by resolvers that can resolve many hosts
// more efficiently than one at a time. See ResolveAll.
type BatchResolver interface {
	Resolver
	// ResolveAll resolves every host. Hosts whose resolution is empty are
	// absent from the result.
	ResolveAll(ctx context.Context, hosts []string) map[string][]netip.Addr
}

// ResolveAll resolves every host with res. Hosts that do not resolve to
// any address are left out of the returned map. If res implements
// BatchResolver, its ResolveAll method is used; otherwise each host is
// resolved independently, in order.
func ResolveAll(ctx context.Context, res Resolver, hosts []string) map[string][]netip.Addr {
	if batch, ok := res.(BatchResolver); ok {
		return batch.ResolveAll(ctx, hosts)
	}
	results := make(map[string][]netip.Addr, len(hosts))
	for _, host := range hosts {
		if addrs := res.Resolve(ctx, host); len(addrs) > 0 {
			results[host] = addrs
		}
	}
	return results
}

// Func adapts an ordinary function to the Resolver interface. The result
// is normalized (sorted and de-duplicated) before it is returned.
type Func func(ctx context.Context, host string) []netip.Addr

// Resolve implements Resolver.
func (f Func) Resolve(ctx context.Context, host string) []netip.Addr {
	return normalize(f(ctx, host))
}

// NewDefault returns the resolver stack used when none is configured: a
// DNS resolver using net.DefaultResolver, wrapped with fallback caching and
// then address family filtering.
func NewDefault(options ...Option) Resolver {
	return NewAddressFamilyFilter(
		NewFallbackCachingResolver(
			NewDNSResolver(net.DefaultResolver, options...),
			options...,
		),
	)
}

// Option configures the resolvers in this package. Options that do not
// apply to a given resolver are ignored by it.
type Option interface {
	apply(*options)
}

// WithLogger configures the logger used to report lookup failures. If not
// provided, nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithMetrics configures where lookup outcomes are recorded. If not
// provided, a private unregistered sink is used.
func WithMetrics(sink *metrics.Metrics) Option {
	return optionFunc(func(opts *options) {
		opts.metrics = sink
	})
}

// WithNetwork restricts DNS lookups to the given network, which must be
// one of "ip", "ip4" or "ip6". The default is "ip".
func WithNetwork(network string) Option {
	return optionFunc(func(opts *options) {
		opts.network = network
	})
}

// WithLookupTimeout bounds each individual lookup. If zero or not
// provided, lookups are bounded only by the caller's context (and, for
// the nameserver resolver, by a two second exchange timeout).
func WithLookupTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.lookupTimeout = timeout
	})
}

// WithFallbackCache configures the fallback caching resolver: at most
// size hosts are remembered, each for expiry after the lookup that
// produced it. Non-positive values select the defaults of 1000 hosts and
// 10 minutes.
func WithFallbackCache(size int, expiry time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.cacheSize = size
		opts.cacheExpiry = expiry
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	logger        *zap.Logger
	metrics       *metrics.Metrics
	clock         internal.Clock
	network       string
	lookupTimeout time.Duration
	cacheSize     int
	cacheExpiry   time.Duration
}

func newOptions(opts []Option) *options {
	var result options
	for _, opt := range opts {
		opt.apply(&result)
	}
	result.applyDefaults()
	return &result
}

func (opts *options) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.metrics == nil {
		opts.metrics = metrics.Nop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.network == "" {
		opts.network = "ip"
	}
	if opts.cacheSize <= 0 {
		opts.cacheSize = defaultCacheSize
	}
	if opts.cacheExpiry <= 0 {
		opts.cacheExpiry = defaultCacheExpiry
	}
}

// normalize unmaps IPv4-in-IPv6 addresses, sorts and de-duplicates. It
// returns nil for an empty result.
func normalize(addrs []netip.Addr) []netip.Addr {
	if len(addrs) == 0 {
		return nil
	}
	result := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IsValid() {
			result = append(result, addr.Unmap())
		}
	}
	slices.SortFunc(result, netip.Addr.Compare)
	result = slices.Compact(result)
	if len(result) == 0 {
		return nil
	}
	return result
}

// literal reports whether host is an IP address literal, which resolves to
// itself without a lookup.
func literal(host string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
