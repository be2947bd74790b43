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

// Package scheduler runs periodic background tasks.
//
// A Scheduler is shared by every polling task in a process. Each task runs
// on its own goroutine, so a task that blocks (for example on a slow DNS
// server) delays only its own next execution.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bufbuild/rpcdiscovery/internal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

//nolint:gochecknoglobals
var defaultScheduler = sync.OnceValue(func() *Scheduler {
	return New()
})

// Default returns the process-wide scheduler. It is created on first use
// and is never closed.
func Default() *Scheduler {
	return defaultScheduler()
}

// Option configures a Scheduler.
type Option interface {
	apply(*options)
}

// WithLogger configures the logger used to report task lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithClock configures the clock used to time task executions.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

// Scheduler executes tasks repeatedly with a fixed delay between the end
// of one execution and the start of the next.
type Scheduler struct {
	clock  internal.Clock
	logger *zap.Logger
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	group  errgroup.Group

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	active int
}

// New creates a new Scheduler.
func New(opts ...Option) *Scheduler {
	var result options
	for _, opt := range opts {
		opt.apply(&result)
	}
	result.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  result.clock,
		logger: result.logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ScheduleWithFixedDelay starts running fn in the background. The first
// execution happens after initialDelay; each subsequent one happens delay
// after the previous one returned. A receive on wake, or a call to
// [Task.Trigger], starts the next execution early. wake may be nil.
//
// The context given to fn is canceled when the task is canceled or the
// scheduler is closed. It panics if delay is not positive.
func (s *Scheduler) ScheduleWithFixedDelay(
	fn func(ctx context.Context),
	initialDelay, delay time.Duration,
	wake <-chan struct{},
) *Task {
	if delay <= 0 {
		panic("scheduler: non-positive delay for ScheduleWithFixedDelay")
	}
	ctx, cancel := context.WithCancel(s.ctx)
	task := &Task{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		trigger:    make(chan struct{}, 1),
		wake:       wake,
		clock:      s.clock,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("task scheduled on closed scheduler")
		cancel()
		close(task.doneSignal)
		return task
	}
	s.active++
	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		task.run(ctx, fn, initialDelay, delay)
		return nil
	})
	return task
}

// Len returns the number of tasks that have not yet stopped.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close cancels every task and waits for their goroutines to exit. Tasks
// scheduled after Close never run.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.group.Wait()
}

// Task is a handle to a scheduled task.
type Task struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	trigger    chan struct{}
	wake       <-chan struct{}
	clock      internal.Clock
}

// Trigger starts the next execution without waiting for the delay to
// elapse. Triggers that arrive while an execution is running are
// coalesced into one.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Cancel stops the task. An execution that is already running sees its
// context canceled and no further executions start. Cancel does not wait;
// use Done for that.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the task's goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.doneSignal
}

func (t *Task) run(ctx context.Context, fn func(context.Context), initialDelay, delay time.Duration) {
	defer close(t.doneSignal)
	defer t.cancel()

	if initialDelay > 0 && !t.wait(ctx, initialDelay) {
		return
	}
	for {
		fn(ctx)
		if !t.wait(ctx, delay) {
			return
		}
	}
}

// wait blocks until the next execution is due. It reports false once the
// task is canceled.
func (t *Task) wait(ctx context.Context, delay time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := t.clock.NewTimer(delay)
	defer internal.StopTimer(timer)
	select {
	case <-ctx.Done():
		return false
	case <-t.wake:
	case <-t.trigger:
	case <-timer.Chan():
	}
	return ctx.Err() == nil
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
