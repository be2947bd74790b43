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

package rpcdiscovery

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/bufbuild/rpcdiscovery/config"
	"github.com/bufbuild/rpcdiscovery/metrics"
	"github.com/bufbuild/rpcdiscovery/reconcile"
	"github.com/bufbuild/rpcdiscovery/refreshable"
	"github.com/bufbuild/rpcdiscovery/resolver"
	"github.com/bufbuild/rpcdiscovery/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrInvalidInterval is returned by StartPolling for a non-positive
// polling interval.
var ErrInvalidInterval = errors.New("polling interval must be positive")

//nolint:gochecknoglobals
var defaultSupervisor = sync.OnceValue(func() *Supervisor {
	return NewSupervisor()
})

// DefaultSupervisor returns the process-wide supervisor. Its tasks run on
// [scheduler.Default].
func DefaultSupervisor() *Supervisor {
	return defaultSupervisor()
}

// Option configures a Supervisor.
type Option interface {
	apply(*supervisorOptions)
}

// WithScheduler configures the scheduler that runs polling tasks. By
// default, [scheduler.Default] is used.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return optionFunc(func(opts *supervisorOptions) {
		opts.scheduler = sched
	})
}

// WithLogger configures the logger used by the supervisor and the
// reconciliation workers it starts.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *supervisorOptions) {
		opts.logger = logger
	})
}

// Supervisor starts background polling tasks that keep resolved service
// configuration up to date. It is safe for concurrent use.
type Supervisor struct {
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(options ...Option) *Supervisor {
	var opts supervisorOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &Supervisor{
		scheduler: opts.scheduler,
		logger:    opts.logger,
	}
}

// StartPolling starts keeping the configuration held by input resolved.
//
// The current input is reconciled before StartPolling returns, so the
// returned Watch already holds a result. After that, resolution repeats
// every interval, and every change of input is picked up promptly. The
// Watch publishes a new value only when the result changes.
//
// A nil res selects [resolver.NewDefault]; a nil m selects [metrics.Nop].
// It fails if interval is not positive or the current input is invalid.
// Invalid later inputs are logged and skipped.
func (s *Supervisor) StartPolling(
	res resolver.Resolver,
	interval time.Duration,
	m *metrics.Metrics,
	input *refreshable.Refreshable[config.ServiceConfigSet],
) (*Watch, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	if m == nil {
		m = metrics.Nop()
	}
	if res == nil {
		res = resolver.NewDefault(resolver.WithLogger(s.logger), resolver.WithMetrics(m))
	}

	output := refreshable.New(reconcile.ResolvedConfigSet{})
	// The worker only holds the output weakly, so that polling stops once
	// nothing else references it.
	weakOutput := weak.Make(output)
	worker := reconcile.NewWorker(res, func(set reconcile.ResolvedConfigSet) {
		if out := weakOutput.Value(); out != nil {
			out.Update(set)
		}
	}, reconcile.WithLogger(s.logger))
	var initErr error
	first := true
	// Observe never runs its callback concurrently, so first needs no lock.
	unsubscribe := input.Observe(func(set config.ServiceConfigSet) {
		err := worker.Submit(set)
		if first {
			first = false
			initErr = err
			return
		}
		if err != nil {
			s.logger.Warn("ignoring invalid service configuration", zap.Error(err))
		}
	})
	if initErr != nil {
		unsubscribe()
		worker.Shutdown()
		return nil, initErr
	}

	state := &pollingState{
		unsubscribe: unsubscribe,
		worker:      worker,
		task:        s.scheduler.ScheduleWithFixedDelay(worker.Tick, interval, interval, worker.Pending()),
		gauge:       m.ActivePollingTasks(),
		logger:      s.logger,
	}
	state.gauge.Inc()
	output.OnSubscribersChanged(func(count int) {
		state.pin(output, count > 0)
	})
	runtime.AddCleanup(output, func(state *pollingState) {
		if state.close() {
			state.logger.Warn("polling watch was garbage collected without being closed")
		}
	}, state)
	return &Watch{Refreshable: output, state: state}, nil
}

// Watch is the live result of StartPolling. It must be closed when no
// longer needed. Polling continues while the Watch, a value derived from
// it with [refreshable.Map], or any of its subscriptions is still in use.
type Watch struct {
	*refreshable.Refreshable[reconcile.ResolvedConfigSet]

	state *pollingState
}

// Targets expands the URIs of the named service in the current result.
func (w *Watch) Targets(service string) []reconcile.Target {
	return reconcile.Targets(w.Current(), service)
}

// Close stops polling. Values already published remain readable. Calling
// Close more than once is harmless.
func (w *Watch) Close() error {
	w.state.close()
	return nil
}

// pollingState is everything needed to stop a polling task. It references
// the output only while the output has subscribers, so that an output
// nobody uses can become unreachable while the task is still running.
type pollingState struct {
	once        sync.Once
	unsubscribe func()
	worker      *reconcile.Worker
	task        *scheduler.Task
	gauge       prometheus.Gauge
	logger      *zap.Logger

	pinMu sync.Mutex
	// +checklocks:pinMu
	pinned *refreshable.Refreshable[reconcile.ResolvedConfigSet]
	// +checklocks:pinMu
	closed bool
}

// pin keeps output reachable from the running task while subscribed is
// true.
func (p *pollingState) pin(output *refreshable.Refreshable[reconcile.ResolvedConfigSet], subscribed bool) {
	p.pinMu.Lock()
	defer p.pinMu.Unlock()
	if subscribed && !p.closed {
		p.pinned = output
	} else {
		p.pinned = nil
	}
}

// close reports whether this call did the work.
func (p *pollingState) close() (closed bool) {
	p.once.Do(func() {
		closed = true
		p.pinMu.Lock()
		p.closed = true
		p.pinned = nil
		p.pinMu.Unlock()
		p.unsubscribe()
		p.task.Cancel()
		p.worker.Shutdown()
		p.gauge.Dec()
	})
	return closed
}

type optionFunc func(*supervisorOptions)

func (f optionFunc) apply(opts *supervisorOptions) {
	f(opts)
}

type supervisorOptions struct {
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

func (o *supervisorOptions) applyDefaults() {
	if o.scheduler == nil {
		o.scheduler = scheduler.Default()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
}
