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
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/rpcdiscovery/internal"
	"github.com/bufbuild/rpcdiscovery/internal/clocktest"
	"github.com/bufbuild/rpcdiscovery/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestFallbackCachingResolver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := metrics.Nop()
	testClock := clocktest.NewFakeClock()
	inner := &scriptedResolver{answers: map[string][][]netip.Addr{
		"h": {addrs("10.0.0.1", "10.0.0.2"), nil, nil},
	}}
	res := NewFallbackCachingResolver(inner, WithMetrics(sink), withClock(testClock))

	first := res.Resolve(ctx, "h")
	assert.Equal(t, addrs("10.0.0.1", "10.0.0.2"), first)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.DNSLookups(metrics.OutcomeSuccess)), 0)

	// The lookup is now empty, so the previous result is served.
	second := res.Resolve(ctx, "h")
	assert.Equal(t, first, second)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.DNSLookups(metrics.OutcomeFallback)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(sink.DNSLookups(metrics.OutcomeFailure)), 0)

	// Once the entry is older than the expiry, it is no longer used.
	testClock.Advance(defaultCacheExpiry)
	assert.Empty(t, res.Resolve(ctx, "h"))
	assert.InDelta(t, 1, testutil.ToFloat64(sink.DNSLookups(metrics.OutcomeFallback)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.DNSLookups(metrics.OutcomeFailure)), 0)
}

func TestFallbackCachingResolverUnknownHost(t *testing.T) {
	t.Parallel()

	sink := metrics.Nop()
	res := NewFallbackCachingResolver(&scriptedResolver{}, WithMetrics(sink))
	assert.Empty(t, res.Resolve(context.Background(), "nowhere"))
	assert.InDelta(t, 1, testutil.ToFloat64(sink.DNSLookups(metrics.OutcomeFailure)), 0)
}

func TestFallbackCachingResolverBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := &scriptedResolver{answers: map[string][][]netip.Addr{
		"a": {addrs("10.0.0.1"), nil},
		"b": {addrs("10.0.0.2"), nil},
	}}
	res := NewFallbackCachingResolver(inner, WithFallbackCache(1, time.Hour))

	assert.Equal(t, map[string][]netip.Addr{
		"a": addrs("10.0.0.1"),
		"b": addrs("10.0.0.2"),
	}, res.ResolveAll(ctx, []string{"a", "b"}))

	// Only "b" fits in the cache.
	assert.Equal(t, map[string][]netip.Addr{
		"b": addrs("10.0.0.2"),
	}, res.ResolveAll(ctx, []string{"a", "b"}))
}

func withClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

func addrs(ips ...string) []netip.Addr {
	result := make([]netip.Addr, len(ips))
	for i, ip := range ips {
		result[i] = netip.MustParseAddr(ip)
	}
	return result
}

// scriptedResolver returns the configured answers for each host in turn,
// repeating the last one once the script is exhausted.
type scriptedResolver struct {
	mu      sync.Mutex
	answers map[string][][]netip.Addr
	calls   map[string]int
}

func (s *scriptedResolver) Resolve(_ context.Context, host string) []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	script := s.answers[host]
	if len(script) == 0 {
		return nil
	}
	call := min(s.calls[host], len(script)-1)
	s.calls[host]++
	return script[call]
}
