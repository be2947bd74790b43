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
	"github.com/bufbuild/rpcdiscovery/config"
	"github.com/bufbuild/rpcdiscovery/reconcile"
	"github.com/bufbuild/rpcdiscovery/transport"
)

// ChannelOptions are the construction parameters of a channel beyond its
// service configuration. They only take part in the cache key. Executors
// are compared by identity, so pass pointers; non-comparable values make
// Channel panic.
type ChannelOptions struct {
	RetryExecutor    any
	BlockingExecutor any
}

// ChannelKey identifies a channel by everything it was built from.
type ChannelKey struct {
	Name    string
	Config  string // canonical encoding of the service configuration
	Options ChannelOptions
}

// NewChannelKey returns the key of the channel for service name built from
// cfg and opts.
func NewChannelKey(name string, cfg config.ServiceConfig, opts ChannelOptions) ChannelKey {
	return ChannelKey{Name: name, Config: cfg.Canonical(), Options: opts}
}

// TargetProvider supplies the current targets of a service. Providers are
// compared by identity, so implement it on a pointer type.
type TargetProvider interface {
	Targets(service string) []reconcile.Target
}

// boundKey ties a channel to the pooled client it was built on, so that a
// replaced client is never handed out again through an old channel, and
// to the provider it reads targets from.
type boundKey struct {
	ChannelKey
	client   *transport.PooledClient
	provider TargetProvider
}

// ResourceCache caches the pooled HTTP clients and channels of package
// transport. It is safe for concurrent use.
type ResourceCache struct {
	clients  *PooledClients[config.ClientSettings, *transport.PooledClient]
	channels *Channels[boundKey, *transport.Channel]
}

// NewResourceCache creates an empty cache.
func NewResourceCache(options ...Option) *ResourceCache {
	return &ResourceCache{
		clients:  NewPooledClients[config.ClientSettings, *transport.PooledClient](options...),
		channels: NewChannels[boundKey, *transport.Channel](options...),
	}
}

// Client returns the pooled client for service, building one if the
// service has none or its connection settings differ from cfg's.
func (r *ResourceCache) Client(service string, cfg config.ServiceConfig) (*transport.PooledClient, error) {
	entry, err := r.clients.Get(service, cfg.CacheKey(), func() (*transport.PooledClient, error) {
		return transport.NewPooledClient(cfg)
	})
	if err != nil {
		return nil, err
	}
	return entry.Client, nil
}

// Channel returns the channel for service name built from cfg and opts
// that sends requests to the targets of name in provider. A cached channel
// is shared only by calls with an equal configuration and the same
// provider. Cached channels keep their provider reachable until they are
// evicted or the cache is closed.
func (r *ResourceCache) Channel(
	name string,
	cfg config.ServiceConfig,
	opts ChannelOptions,
	provider TargetProvider,
) (*transport.Channel, error) {
	client, err := r.Client(name, cfg)
	if err != nil {
		return nil, err
	}
	key := boundKey{ChannelKey: NewChannelKey(name, cfg, opts), client: client, provider: provider}
	return r.channels.Get(key, func() (*transport.Channel, error) {
		return transport.NewChannel(client, func() []reconcile.Target {
			return provider.Targets(name)
		}), nil
	})
}

// Close closes every pooled client and drops every channel.
func (r *ResourceCache) Close() error {
	r.channels.Purge()
	return r.clients.Close()
}
