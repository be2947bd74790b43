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

// Package reconcile turns service configuration into resolved
// configuration.
//
// A Worker accepts ServiceConfigSet updates, resolves every hostname they
// mention and publishes the combined result whenever it differs from what
// was last published. Resolution is repeated periodically even when the
// configuration does not change, so that DNS changes are picked up.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpcdiscovery/config"
	"github.com/bufbuild/rpcdiscovery/internal"
	"github.com/bufbuild/rpcdiscovery/resolver"
	"github.com/bufbuild/rpcdiscovery/scheduler"
	"go.uber.org/zap"
)

// ErrShutdown is returned by Submit once the worker has been shut down.
var ErrShutdown = errors.New("reconciliation worker is shut down")

// Option configures a Worker.
type Option interface {
	apply(*options)
}

// WithLogger configures the worker's logger.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithClock configures the clock used by Run.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

// Worker reconciles submitted configuration with DNS. All methods are safe
// for concurrent use.
type Worker struct {
	resolver resolver.Resolver
	publish  func(ResolvedConfigSet)
	logger   *zap.Logger
	clock    internal.Clock
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	// Signaled when an update is queued. Buffered with capacity 1 so that
	// signals coalesce.
	updates     chan struct{}
	initialized atomic.Bool
	shutdown    atomic.Bool

	pendingMu sync.Mutex
	// +checklocks:pendingMu
	pending *config.ServiceConfigSet

	// Serializes reconciliation passes and therefore publications.
	passMu sync.Mutex
	// +checklocks:passMu
	input *config.ServiceConfigSet
	// +checklocks:passMu
	published *ResolvedConfigSet
}

// NewWorker creates a worker that resolves hostnames with res and hands
// every new result to publish. publish is called with the worker's pass
// lock held, so calls never overlap and arrive in order; it must not call
// back into the worker's Submit for the first time or Tick.
func NewWorker(res resolver.Resolver, publish func(ResolvedConfigSet), opts ...Option) *Worker {
	var result options
	for _, opt := range opts {
		opt.apply(&result)
	}
	result.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		resolver: res,
		publish:  publish,
		logger:   result.logger,
		clock:    result.clock,
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan struct{}, 1),
	}
}

// Submit hands the worker a new configuration. The first call reconciles
// synchronously and returns once the result has been published. Later
// calls only queue the update, replacing any update that has not been
// picked up yet, and return immediately.
//
// Invalid configuration is rejected with an error wrapping
// config.ErrInvalidConfig.
func (w *Worker) Submit(set config.ServiceConfigSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if w.shutdown.Load() {
		return ErrShutdown
	}
	if !w.initialized.Load() {
		w.passMu.Lock()
		if w.input == nil {
			w.initialized.Store(true)
			w.reconcile(w.ctx, set)
			w.passMu.Unlock()
			return nil
		}
		w.passMu.Unlock()
	}
	w.pendingMu.Lock()
	w.pending = &set
	w.pendingMu.Unlock()
	select {
	case w.updates <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns a channel that receives a value when an update has been
// queued by Submit. A receive consumes the signal but not the update; the
// next Tick does that.
func (w *Worker) Pending() <-chan struct{} {
	return w.updates
}

// Tick runs one reconciliation pass against the queued update, or against
// the last input if nothing is queued. It does nothing before the first
// Submit or after Shutdown.
func (w *Worker) Tick(ctx context.Context) {
	if w.shutdown.Load() {
		return
	}
	w.passMu.Lock()
	defer w.passMu.Unlock()
	w.pendingMu.Lock()
	next := w.pending
	w.pending = nil
	w.pendingMu.Unlock()
	if next == nil {
		next = w.input
	}
	if next == nil {
		return
	}
	w.reconcile(ctx, *next)
}

// Run calls Tick whenever an update is queued and at least every interval
// until ctx is done or the worker is shut down. It is for workers used on
// their own; workers started by a Supervisor are driven by its shared
// scheduler instead.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	sched := scheduler.New(scheduler.WithClock(w.clock), scheduler.WithLogger(w.logger))
	defer func() {
		_ = sched.Close()
	}()
	task := sched.ScheduleWithFixedDelay(w.Tick, interval, interval, w.updates)
	select {
	case <-ctx.Done():
	case <-w.ctx.Done():
	case <-task.Done():
	}
}

// Shutdown stops the worker. A pass in progress sees its context canceled;
// no further passes start.
func (w *Worker) Shutdown() {
	w.shutdown.Store(true)
	w.cancel()
}

// +checklocks:w.passMu
func (w *Worker) reconcile(ctx context.Context, set config.ServiceConfigSet) {
	w.input = &set
	hosts := set.Hostnames()
	candidate := ResolvedConfigSet{
		Config:        set,
		ResolvedHosts: resolver.ResolveAll(ctx, w.resolver, hosts),
	}
	if len(candidate.ResolvedHosts) < len(hosts) {
		w.logger.Debug("some hosts did not resolve",
			zap.Int("hosts", len(hosts)),
			zap.Int("resolved", len(candidate.ResolvedHosts)),
		)
	}
	if w.published != nil && w.published.Equal(candidate) {
		return
	}
	w.published = &candidate
	w.logger.Debug("publishing resolved configuration",
		zap.Strings("services", set.Names()),
		zap.Int("hosts", len(candidate.ResolvedHosts)),
	)
	w.publish(candidate)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	logger *zap.Logger
	clock  internal.Clock
}

func (o *options) applyDefaults() {
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = internal.NewRealClock()
	}
}
