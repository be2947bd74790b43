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

// Package config contains the value types describing the services a client
// talks to. All types are plain values: a ServiceConfigSet is a snapshot
// that is never mutated after it is built, and partial overrides are made
// with the With* helpers, which copy.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"sigs.k8s.io/yaml"
)

// ErrInvalidConfig is returned (wrapped) for configuration that can never
// be used, such as a nil service set or a URI without a host.
var ErrInvalidConfig = errors.New("invalid service configuration")

// ProxyType selects how a client reaches its targets.
type ProxyType string

const (
	// ProxyDirect connects to targets directly.
	ProxyDirect ProxyType = "direct"
	// ProxyHTTP uses an HTTP CONNECT proxy at ProxyConfig.HostAndPort.
	ProxyHTTP ProxyType = "http"
	// ProxyFromEnvironment uses the HTTP_PROXY family of variables.
	ProxyFromEnvironment ProxyType = "from-environment"
)

// ProxyConfig describes the proxy used to reach a service.
type ProxyConfig struct {
	Type        ProxyType `json:"type,omitempty"`
	HostAndPort string    `json:"hostAndPort,omitempty"`
	Username    string    `json:"username,omitempty"`
	Password    string    `json:"password,omitempty"`
}

// SSLConfig points at PEM encoded TLS material on disk.
type SSLConfig struct {
	TrustStorePath  string `json:"trustStorePath,omitempty"`
	CertificatePath string `json:"certificatePath,omitempty"`
	KeyPath         string `json:"keyPath,omitempty"`
}

// Duration is a time.Duration that is written as a string such as "10s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of
// nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		var nanos int64
		if err := json.Unmarshal(data, &nanos); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", data)
		}
		*d = Duration(nanos)
		return nil
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ClientSettings is every connection-pool-relevant setting of a service.
// It is comparable, and two services whose settings are equal can share a
// pooled client even if their URIs differ. See ServiceConfig.CacheKey.
type ClientSettings struct {
	Security              SSLConfig   `json:"security,omitempty"`
	Proxy                 ProxyConfig `json:"proxy,omitempty"`
	ConnectTimeout        Duration    `json:"connectTimeout,omitempty"`
	ReadTimeout           Duration    `json:"readTimeout,omitempty"`
	WriteTimeout          Duration    `json:"writeTimeout,omitempty"`
	BackoffSlotSize       Duration    `json:"backoffSlotSize,omitempty"`
	FailedURLCooldown     Duration    `json:"failedUrlCooldown,omitempty"`
	MaxNumRetries         int         `json:"maxNumRetries,omitempty"`
	MaxIdleConnections    int         `json:"maxIdleConnections,omitempty"`
	ClientQoS             string      `json:"clientQoS,omitempty"`
	ServerQoS             string      `json:"serverQoS,omitempty"`
	RetryOnTimeout        string      `json:"retryOnTimeout,omitempty"`
	NodeSelectionStrategy string      `json:"nodeSelectionStrategy,omitempty"`
	EnableHTTP2           bool        `json:"enableHttp2,omitempty"`
	SecurityProvider      string      `json:"securityProvider,omitempty"`
	// MetricsRegistry identifies the tagged metrics registry the client
	// reports to.
	MetricsRegistry string `json:"metricsRegistry,omitempty"`
}

// ServiceConfig is the configuration of one logical service.
type ServiceConfig struct {
	URIs []string `json:"uris"`
	ClientSettings
}

// CacheKey returns the part of the configuration that determines pooled
// connection identity, that is everything but the URIs.
func (c ServiceConfig) CacheKey() ClientSettings {
	return c.ClientSettings
}

// Equal reports whether c and other are structurally equal.
func (c ServiceConfig) Equal(other ServiceConfig) bool {
	return c.ClientSettings == other.ClientSettings && slices.Equal(c.URIs, other.URIs)
}

// WithURIs returns a copy of c using the given URIs.
func (c ServiceConfig) WithURIs(uris ...string) ServiceConfig {
	c.URIs = slices.Clone(uris)
	return c
}

// WithSecurity returns a copy of c using the given TLS material.
func (c ServiceConfig) WithSecurity(security SSLConfig) ServiceConfig {
	c.Security = security
	return c
}

// WithProxy returns a copy of c using the given proxy.
func (c ServiceConfig) WithProxy(proxy ProxyConfig) ServiceConfig {
	c.Proxy = proxy
	return c
}

// WithConnectTimeout returns a copy of c using the given connect timeout.
func (c ServiceConfig) WithConnectTimeout(timeout time.Duration) ServiceConfig {
	c.ConnectTimeout = Duration(timeout)
	return c
}

// Canonical returns a deterministic encoding of c, suitable as part of a
// comparable cache key.
func (c ServiceConfig) Canonical() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		// Only plain strings, ints and durations are encoded, so this
		// cannot happen in practice.
		return fmt.Sprintf("%+v", c)
	}
	return string(data)
}

// Validate checks that every URI is absolute and has a host.
func (c ServiceConfig) Validate() error {
	for _, uri := range c.URIs {
		if _, err := hostOf(uri); err != nil {
			return err
		}
	}
	return nil
}

// ServiceConfigSet is a snapshot of every configured service, keyed by
// service name. The zero value is not valid: use NewServiceConfigSet or
// Parse.
type ServiceConfigSet struct {
	Services map[string]ServiceConfig `json:"services"`
}

// NewServiceConfigSet returns a set holding a copy of services.
func NewServiceConfigSet(services map[string]ServiceConfig) ServiceConfigSet {
	cloned := make(map[string]ServiceConfig, len(services))
	for name, svc := range services {
		cloned[name] = svc.WithURIs(svc.URIs...)
	}
	return ServiceConfigSet{Services: cloned}
}

// Parse decodes a YAML (or JSON) document into a validated set.
func Parse(data []byte) (ServiceConfigSet, error) {
	var set ServiceConfigSet
	if err := yaml.UnmarshalStrict(data, &set); err != nil {
		return ServiceConfigSet{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if set.Services == nil {
		set.Services = map[string]ServiceConfig{}
	}
	if err := set.Validate(); err != nil {
		return ServiceConfigSet{}, err
	}
	return set, nil
}

// Validate reports an error wrapping ErrInvalidConfig if s is the zero
// value, has an unnamed service or a malformed URI.
func (s ServiceConfigSet) Validate() error {
	if s.Services == nil {
		return fmt.Errorf("%w: no service map", ErrInvalidConfig)
	}
	for name, svc := range s.Services {
		if name == "" {
			return fmt.Errorf("%w: empty service name", ErrInvalidConfig)
		}
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	return nil
}

// Service returns the configuration of the named service.
func (s ServiceConfigSet) Service(name string) (ServiceConfig, bool) {
	svc, ok := s.Services[name]
	return svc, ok
}

// Names returns the service names in sorted order.
func (s ServiceConfigSet) Names() []string {
	return slices.Sorted(maps.Keys(s.Services))
}

// Equal reports whether s and other hold structurally equal services.
func (s ServiceConfigSet) Equal(other ServiceConfigSet) bool {
	if (s.Services == nil) != (other.Services == nil) {
		return false
	}
	return maps.EqualFunc(s.Services, other.Services, ServiceConfig.Equal)
}

// WithService returns a copy of s where name maps to svc.
func (s ServiceConfigSet) WithService(name string, svc ServiceConfig) ServiceConfigSet {
	services := maps.Clone(s.Services)
	if services == nil {
		services = map[string]ServiceConfig{}
	}
	services[name] = svc.WithURIs(svc.URIs...)
	return ServiceConfigSet{Services: services}
}

// WithoutService returns a copy of s without the named service.
func (s ServiceConfigSet) WithoutService(name string) ServiceConfigSet {
	services := maps.Clone(s.Services)
	delete(services, name)
	return ServiceConfigSet{Services: services}
}

// Hostnames returns every DNS name referenced by the URIs in s, normalised
// to lower case ASCII, sorted and de-duplicated. IP literals need no
// resolution and are left out, as are URIs that do not parse.
func (s ServiceConfigSet) Hostnames() []string {
	seen := map[string]struct{}{}
	for _, svc := range s.Services {
		for _, uri := range svc.URIs {
			host, err := hostOf(uri)
			if err != nil {
				continue
			}
			if _, err := netip.ParseAddr(host); err == nil {
				continue
			}
			seen[host] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Host returns the normalised host of uri: the key under which its
// addresses appear in resolution results.
func Host(uri string) (string, error) {
	return hostOf(uri)
}

func hostOf(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if parsed.Scheme == "" || parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: uri %q must be absolute with a host", ErrInvalidConfig, uri)
	}
	host := parsed.Hostname()
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: uri %q: %w", ErrInvalidConfig, uri, err)
	}
	return strings.ToLower(ascii), nil
}
