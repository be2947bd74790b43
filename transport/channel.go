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

package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/bufbuild/rpcdiscovery/reconcile"
)

// ErrNoTargets is returned when a channel has nowhere to send a request.
var ErrNoTargets = errors.New("no targets available")

// Channel is an [http.RoundTripper] that sends each request to one of a
// service's targets, in round-robin order. The request URL only supplies
// the path and query; scheme, host and any path prefix come from the
// target's URI. When the target carries a resolved address, the request
// is dialed to that address while the Host header (and TLS server name)
// keep the URI's hostname.
//
// Channels own no connections, so they need no closing.
type Channel struct {
	client  *PooledClient
	targets func() []reconcile.Target
	// +checkatomic
	counter atomic.Uint64
}

// NewChannel returns a channel over client. targets is called for every
// request and must be safe for concurrent use; it is typically backed by
// a live resolution result.
func NewChannel(client *PooledClient, targets func() []reconcile.Target) *Channel {
	channel := &Channel{client: client, targets: targets}
	// Start at a random position so that many channels created at once
	// don't all hit the first target.
	channel.counter.Store(rand.Uint64()) //nolint:gosec // don't need cryptographic RNG
	return channel
}

// RoundTrip implements http.RoundTripper.
func (c *Channel) RoundTrip(req *http.Request) (*http.Response, error) {
	targets := c.targets()
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	target := targets[c.counter.Add(1)%uint64(len(targets))]
	base, err := url.Parse(target.URI)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", target.URI, err)
	}

	ctx := req.Context()
	out := req.Clone(ctx)
	out.URL.Scheme = base.Scheme
	out.URL.Host = base.Host
	out.Host = base.Host
	out.URL.Path = strings.TrimSuffix(base.Path, "/") + req.URL.Path
	out.URL.RawPath = ""
	if target.Addr.IsValid() && c.client.Direct() {
		port := base.Port()
		if port == "" {
			port = defaultPort(base.Scheme)
		}
		out.URL.Host = net.JoinHostPort(target.Addr.String(), port)
		out = out.WithContext(withServerName(ctx, base.Hostname()))
	}
	return c.client.RoundTrip(out)
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
