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

// Package resolver provides single-shot name resolution: turning a
// hostname into the set of IP addresses it currently maps to.
//
// The core interface is [Resolver]. Unlike most name resolution APIs, its
// Resolve method does not return an error. A failed lookup is logged and
// reported as an empty result, because callers (the reconciliation loop in
// particular) have nothing better to do with the error than to try again
// on their next pass.
//
// # Implementations
//
// [NewDNSResolver] uses a [net.Resolver], so it follows the host's normal
// resolution rules (/etc/hosts, resolv.conf, and so on).
// [NewNameserverResolver] instead queries an explicit list of DNS servers.
//
// # Decorators
//
// DNS is often the least reliable part of a call path. Two decorators
// shape the raw results before they are used for routing:
//
//   - [NewFallbackCachingResolver] remembers the last non-empty result for
//     each host for a bounded time and serves it when a later lookup comes
//     back empty, so a short DNS outage does not remove a healthy host.
//   - [NewAddressFamilyFilter] drops the IPv6 addresses of a host that
//     also has IPv4 addresses. Dual-stack records usually describe the same
//     machines twice, and a load balancer treating them as separate targets
//     would give each machine half its intended share of traffic.
//
// [NewDefault] composes both on top of the DNS resolver.
package resolver
