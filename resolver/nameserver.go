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
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const defaultExchangeTimeout = 2 * time.Second

// NewNameserverResolver creates a resolver that sends A and AAAA queries
// directly to the given DNS servers, bypassing the host's resolver
// configuration. Servers are "host:port" pairs; port 53 is assumed when
// omitted. They are tried in order, and the first one that answers
// (including with NXDOMAIN) determines the result.
//
// WithNetwork("ip4") or WithNetwork("ip6") limits the queries to A or
// AAAA records respectively.
func NewNameserverResolver(servers []string, options ...Option) Resolver {
	opts := newOptions(options)
	timeout := opts.lookupTimeout
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	addrs := make([]string, len(servers))
	for i, server := range servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		addrs[i] = server
	}
	var qtypes []uint16
	switch opts.network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}
	return &nameserverResolver{
		servers: addrs,
		qtypes:  qtypes,
		client:    &dns.Client{Net: "udp", Timeout: timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: timeout},
		logger:    opts.logger,
	}
}

type nameserverResolver struct {
	servers   []string
	qtypes    []uint16
	client    *dns.Client
	tcpClient *dns.Client // for answers truncated over UDP
	logger    *zap.Logger
}

func (r *nameserverResolver) Resolve(ctx context.Context, host string) []netip.Addr {
	if addr, ok := literal(host); ok {
		return []netip.Addr{addr}
	}
	name := dns.Fqdn(host)
	var lastErr error
	for _, server := range r.servers {
		addrs, err := r.query(ctx, server, name)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) == 0 {
			r.logger.Warn("dns lookup returned no addresses", zap.String("host", host), zap.String("server", server))
		}
		return normalize(addrs)
	}
	r.logger.Warn("dns lookup failed", zap.String("host", host), zap.Error(lastErr))
	return nil
}

func (r *nameserverResolver) query(ctx context.Context, server, name string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, qtype := range r.qtypes {
		msg := new(dns.Msg)
		msg.SetQuestion(name, qtype)
		msg.RecursionDesired = true
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", server, err)
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, nil
		default:
			return nil, fmt.Errorf("query %s: %s", server, dns.RcodeToString[resp.Rcode])
		}
		for _, answer := range resp.Answer {
			var ip net.IP
			switch record := answer.(type) {
			case *dns.A:
				ip = record.A
			case *dns.AAAA:
				ip = record.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
