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

// Package clientcache caches the expensive objects built from service
// configuration.
//
// [PooledClients] holds at most one pooled transport client per service
// name and replaces it when the service's connection settings change.
// [Channels] holds cheap per-configuration channels in a bounded LRU.
// [ResourceCache] combines both for the HTTP implementations of package
// transport.
package clientcache

import (
	"errors"
	"io"
	"sync"

	"github.com/bufbuild/rpcdiscovery/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Get after the cache has been closed.
var ErrClosed = errors.New("client cache is closed")

// PooledClientEntry is a pooled client together with the key it was built
// for. Entries are owned by the cache: callers must not close Client.
type PooledClientEntry[K comparable, C io.Closer] struct {
	Service string
	Key     K
	Client  C

	closeOnce sync.Once
}

// PooledClients caches one pooled client per service name. It is safe for
// concurrent use.
//
// Only the most recent key is retained for each service: requesting a
// service with a key different from the cached one replaces (and closes)
// the cached client. Alternating between two keys under the same service
// name therefore rebuilds the pool each time.
type PooledClients[K comparable, C io.Closer] struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	// Tracks asynchronous closes of replaced clients.
	closing sync.WaitGroup

	mu sync.RWMutex
	// +checklocks:mu
	entries map[string]*PooledClientEntry[K, C]
	// +checklocks:mu
	closed bool
}

// NewPooledClients creates an empty cache.
func NewPooledClients[K comparable, C io.Closer](options ...Option) *PooledClients[K, C] {
	opts := newOptions(options)
	return &PooledClients[K, C]{
		logger:  opts.logger,
		metrics: opts.metrics,
		entries: map[string]*PooledClientEntry[K, C]{},
	}
}

// Get returns the entry for service if its key equals key. Otherwise it
// builds a new client with construct, installs it as the entry for
// service and closes the previous entry's client in the background.
//
// Concurrent calls for the same service share one construction. Errors
// from construct are returned as is and leave the cache unchanged.
func (p *PooledClients[K, C]) Get(service string, key K, construct func() (C, error)) (*PooledClientEntry[K, C], error) {
	for {
		entry, err := p.lookup(service, key)
		if entry != nil || err != nil {
			return entry, err
		}
		result, err, _ := p.group.Do(service, func() (any, error) {
			return p.install(service, key, construct)
		})
		if err != nil {
			return nil, err
		}
		//nolint:forcetypeassert,errcheck // install only returns this type
		entry = result.(*PooledClientEntry[K, C])
		if entry.Key == key {
			return entry, nil
		}
		// Shared a construction for another key of the same service.
	}
}

// Len returns the number of cached clients.
func (p *PooledClients[K, C]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Close closes every cached client and waits for replaced clients that are
// still being closed. Further calls to Get fail with ErrClosed.
func (p *PooledClients[K, C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*PooledClientEntry[K, C], 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	clear(p.entries)
	p.mu.Unlock()
	p.metrics.PooledClients().Sub(float64(len(entries)))

	errs := make([]error, len(entries))
	var grp errgroup.Group
	for i, entry := range entries {
		grp.Go(func() error {
			errs[i] = p.closeEntry(entry)
			return nil
		})
	}
	_ = grp.Wait()
	p.closing.Wait()
	return multierr.Combine(errs...)
}

func (p *PooledClients[K, C]) lookup(service string, key K) (*PooledClientEntry[K, C], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	if entry, ok := p.entries[service]; ok && entry.Key == key {
		return entry, nil
	}
	return nil, nil //nolint:nilnil
}

func (p *PooledClients[K, C]) install(service string, key K, construct func() (C, error)) (*PooledClientEntry[K, C], error) {
	// Double-check in case a construction finished while we were waiting.
	if entry, err := p.lookup(service, key); entry != nil || err != nil {
		return entry, err
	}
	client, err := construct()
	if err != nil {
		return nil, err
	}
	entry := &PooledClientEntry[K, C]{Service: service, Key: key, Client: client}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = p.closeEntry(entry)
		return nil, ErrClosed
	}
	previous := p.entries[service]
	p.entries[service] = entry
	if previous != nil {
		// Added under the lock so that Close cannot miss it.
		p.closing.Add(1)
	}
	p.mu.Unlock()

	if previous == nil {
		p.metrics.PooledClients().Inc()
		p.logger.Debug("created pooled client", zap.String("service", service))
		return entry, nil
	}
	p.metrics.PooledClientReplacements().Inc()
	p.logger.Info("pooled client settings changed, replacing client", zap.String("service", service))
	go func() {
		defer p.closing.Done()
		_ = p.closeEntry(previous)
	}()
	return entry, nil
}

// closeEntry closes the entry's client unless that already happened.
func (p *PooledClients[K, C]) closeEntry(entry *PooledClientEntry[K, C]) error {
	var err error
	entry.closeOnce.Do(func() {
		err = entry.Client.Close()
		if err != nil {
			p.logger.Warn("failed to close pooled client",
				zap.String("service", entry.Service),
				zap.Error(err),
			)
		}
	})
	return err
}
