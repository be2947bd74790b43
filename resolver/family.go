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
)

// NewAddressFamilyFilter wraps resolver so that a host resolving to both
// IPv4 and IPv6 addresses yields only its IPv4 addresses. A host with
// addresses of only one family is returned unchanged.
func NewAddressFamilyFilter(resolver Resolver) BatchResolver {
	return &familyFilter{resolver: resolver}
}

type familyFilter struct {
	resolver Resolver
}

func (f *familyFilter) Resolve(ctx context.Context, host string) []netip.Addr {
	return preferIPv4(f.resolver.Resolve(ctx, host))
}

func (f *familyFilter) ResolveAll(ctx context.Context, hosts []string) map[string][]netip.Addr {
	results := ResolveAll(ctx, f.resolver, hosts)
	for host, addrs := range results {
		results[host] = preferIPv4(addrs)
	}
	return results
}

func preferIPv4(addrs []netip.Addr) []netip.Addr {
	var ip4Addresses, ip6Addresses []netip.Addr
	for _, address := range addrs {
		if address.Is4() || address.Is4In6() {
			ip4Addresses = append(ip4Addresses, address)
		} else {
			ip6Addresses = append(ip6Addresses, address)
		}
	}
	if len(ip4Addresses) > 0 && len(ip6Addresses) > 0 {
		return ip4Addresses
	}
	return addrs
}
