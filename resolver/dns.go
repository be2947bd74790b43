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
	"time"

	"go.uber.org/zap"
)

// NewDNSResolver creates a resolver that looks hosts up with the given
// net.Resolver. IP literals are returned as-is without a lookup.
//
// Use WithNetwork to only return IPv4 ("ip4") or IPv6 ("ip6") addresses.
func NewDNSResolver(resolver *net.Resolver, options ...Option) Resolver {
	opts := newOptions(options)
	return &dnsResolver{
		resolver: resolver,
		network:  opts.network,
		timeout:  opts.lookupTimeout,
		logger:   opts.logger,
	}
}

type dnsResolver struct {
	resolver *net.Resolver
	network  string
	timeout  time.Duration
	logger   *zap.Logger
}

func (r *dnsResolver) Resolve(ctx context.Context, host string) []netip.Addr {
	if addr, ok := literal(host); ok {
		return []netip.Addr{addr}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	addrs, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		r.logger.Warn("dns lookup failed", zap.String("host", host), zap.Error(err))
		return nil
	}
	return normalize(addrs)
}
