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

package reconcile

import (
	"maps"
	"net/netip"
	"slices"

	"github.com/bufbuild/rpcdiscovery/config"
)

// ResolvedConfigSet is a ServiceConfigSet together with the addresses its
// hostnames resolved to. Hosts that did not resolve are absent from
// ResolvedHosts. Values are never modified after publication.
type ResolvedConfigSet struct {
	Config        config.ServiceConfigSet
	ResolvedHosts map[string][]netip.Addr
}

// Equal reports whether both sets have equal configuration and identical
// resolution results.
func (s ResolvedConfigSet) Equal(other ResolvedConfigSet) bool {
	return s.Config.Equal(other.Config) &&
		maps.EqualFunc(s.ResolvedHosts, other.ResolvedHosts, slices.Equal[[]netip.Addr])
}

// Target is one concrete endpoint of a service: one of its configured URIs
// paired with an address that URI's host resolved to. Addr is the zero
// value when the host did not resolve.
type Target struct {
	URI  string
	Addr netip.Addr
}

// Targets expands the URIs of the named service into one Target per
// resolved address, in URI order. URIs whose host is an IP literal yield a
// single target for that address; URIs whose host did not resolve yield a
// single target with the zero Addr, to be dialed by hostname. It returns
// nil for an unknown service.
func Targets(resolved ResolvedConfigSet, service string) []Target {
	svc, ok := resolved.Config.Service(service)
	if !ok {
		return nil
	}
	var targets []Target
	for _, uri := range svc.URIs {
		host, err := config.Host(uri)
		if err != nil {
			continue
		}
		if addr, err := netip.ParseAddr(host); err == nil {
			targets = append(targets, Target{URI: uri, Addr: addr.Unmap()})
			continue
		}
		addrs := resolved.ResolvedHosts[host]
		if len(addrs) == 0 {
			targets = append(targets, Target{URI: uri})
			continue
		}
		for _, addr := range addrs {
			targets = append(targets, Target{URI: uri, Addr: addr})
		}
	}
	return targets
}
