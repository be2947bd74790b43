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
	"github.com/bufbuild/rpcdiscovery/metrics"
	"go.uber.org/zap"
)

const defaultChannelCapacity = 500

// Option configures the caches in this package.
type Option interface {
	apply(*options)
}

// WithLogger configures the logger used to report replaced clients, close
// failures and a filling channel cache.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithMetrics configures where pool and cache sizes are reported.
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(opts *options) {
		opts.metrics = m
	})
}

// WithChannelCapacity sets the maximum number of cached channels.
// Non-positive values are ignored.
func WithChannelCapacity(capacity int) Option {
	return optionFunc(func(opts *options) {
		if capacity > 0 {
			opts.channelCapacity = capacity
		}
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	logger          *zap.Logger
	metrics         *metrics.Metrics
	channelCapacity int
}

func newOptions(opts []Option) *options {
	var result options
	for _, opt := range opts {
		opt.apply(&result)
	}
	result.applyDefaults()
	return &result
}

func (o *options) applyDefaults() {
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop()
	}
	if o.channelCapacity <= 0 {
		o.channelCapacity = defaultChannelCapacity
	}
}
