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

// Package refreshable provides a container for a value that changes over
// time and pushes every change to its subscribers.
package refreshable

import (
	"slices"
	"sync"
)

// Refreshable holds a current value and a list of subscribers. It is safe
// for concurrent use. Subscribers are called synchronously, in
// subscription order, by the goroutine that calls Update; two updates are
// never delivered concurrently, so subscribers observe values in the order
// they were set.
type Refreshable[T any] struct {
	updateMu sync.Mutex // serializes Update, held while notifying

	mu sync.Mutex
	// +checklocks:mu
	current T
	// +checklocks:mu
	subscribers []*subscriber[T]
	// +checklocks:mu
	upstream func()
	// +checklocks:mu
	onSubscribers func(count int)
}

type subscriber[T any] struct {
	fn func(T)
}

// New returns a Refreshable whose current value is initial.
func New[T any](initial T) *Refreshable[T] {
	return &Refreshable[T]{current: initial}
}

// Current returns the latest value.
func (r *Refreshable[T]) Current() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Update replaces the current value and notifies every subscriber before
// returning.
func (r *Refreshable[T]) Update(value T) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	r.mu.Lock()
	r.current = value
	subscribers := slices.Clone(r.subscribers)
	r.mu.Unlock()
	for _, sub := range subscribers {
		sub.fn(value)
	}
}

// Subscribe registers fn to be called with every subsequent value. It is
// not called with the current value. The returned function removes the
// subscription; calling it more than once is harmless.
func (r *Refreshable[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscriber[T]{fn: fn}
	r.mu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.subscribersChanged()
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.subscribers = slices.DeleteFunc(r.subscribers, func(s *subscriber[T]) bool {
				return s == sub
			})
			r.subscribersChanged()
		})
	}
}

// OnSubscribersChanged registers fn to be called with the number of
// subscribers, once right away and then after every Subscribe and every
// unsubscribe. It replaces any function registered before. fn is called
// with r's lock held, so calls are ordered, and it must not call back
// into r.
func (r *Refreshable[T]) OnSubscribersChanged(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSubscribers = fn
	r.subscribersChanged()
}

// +checklocks:r.mu
func (r *Refreshable[T]) subscribersChanged() {
	if r.onSubscribers != nil {
		r.onSubscribers(len(r.subscribers))
	}
}

// Observe is like Subscribe, but first calls fn with the current value.
// No update can slip in between that call and the subscription, and fn is
// never called concurrently with itself. It must not be called from one
// of r's subscribers.
func (r *Refreshable[T]) Observe(fn func(T)) (unsubscribe func()) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	fn(r.Current())
	return r.Subscribe(fn)
}

// Close detaches r from the Refreshable it was derived from with Map, if
// any. Its subscribers are kept but will see no further updates.
func (r *Refreshable[T]) Close() {
	r.mu.Lock()
	upstream := r.upstream
	r.upstream = nil
	r.mu.Unlock()
	if upstream != nil {
		upstream()
	}
}

// Map returns a Refreshable that holds fn applied to the current value of
// r and follows every update of r. It must not be called from one of r's
// subscribers.
func Map[T, U any](r *Refreshable[T], fn func(T) U) *Refreshable[U] {
	// Hold r's update lock so no update slips between reading the
	// current value and subscribing.
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	derived := New(fn(r.Current()))
	unsubscribe := r.Subscribe(func(value T) {
		derived.Update(fn(value))
	})
	derived.mu.Lock()
	derived.upstream = unsubscribe
	derived.mu.Unlock()
	return derived
}
