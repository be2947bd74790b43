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
	"net/http"
	"time"

	"github.com/bufbuild/rpcdiscovery/clientcache"
)

// ErrUnknownService is returned by requests of a client whose service is
// missing from the current configuration.
var ErrUnknownService = errors.New("service is not configured")

// ClientOption is an option used to customize the behavior of an HTTP client
// created by NewClient.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRedirects configures how the HTTP client handles redirect responses.
// If no such option is provided, the client will not follow any redirects.
func WithRedirects(redirectFunc RedirectFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.redirectFunc = redirectFunc
	})
}

// RedirectFunc is a function that advises an HTTP client on whether to
// follow a redirect. The given req is the redirected request and via holds
// the requests already issued, oldest first.
//
// See FollowRedirects.
type RedirectFunc func(req *http.Request, via []*http.Request) error

// FollowRedirects is a helper to create a RedirectFunc that will follow
// up to the given number of redirects.
func FollowRedirects(limit int) RedirectFunc {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return fmt.Errorf("too many redirects (> %d)", limit)
		}
		return nil
	}
}

// WithRequestTimeout limits all requests to the given timeout, including
// reading the response body.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requestTimeout = duration
	})
}

// WithChannelOptions sets the options that, together with the service
// configuration, identify the channel requests are sent through.
func WithChannelOptions(channelOptions clientcache.ChannelOptions) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.channelOptions = channelOptions
	})
}

// NewClient returns an HTTP client for the named service. Each request is
// sent through the channel cached in resources for the service's current
// configuration in watch, so configuration reloads take effect without
// creating a new client. Request URLs only supply the path and query; the
// scheme and host come from the service's targets.
//
// The client does not own watch or resources: closing them is up to the
// caller.
func NewClient(
	watch *Watch,
	resources *clientcache.ResourceCache,
	service string,
	options ...ClientOption,
) *http.Client {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	return &http.Client{
		Transport: &serviceTransport{
			watch:     watch,
			resources: resources,
			service:   service,
			options:   opts.channelOptions,
		},
		CheckRedirect: opts.redirectFunc,
		Timeout:       opts.requestTimeout,
	}
}

type serviceTransport struct {
	watch     *Watch
	resources *clientcache.ResourceCache
	service   string
	options   clientcache.ChannelOptions
}

func (t *serviceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cfg, ok := t.watch.Current().Config.Service(t.service)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, t.service)
	}
	channel, err := t.resources.Channel(t.service, cfg, t.options, t.watch)
	if err != nil {
		return nil, err
	}
	return channel.RoundTrip(req)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	redirectFunc   func(req *http.Request, via []*http.Request) error
	requestTimeout time.Duration
	channelOptions clientcache.ChannelOptions
}
