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

// Package transport is the default HTTP implementation of the pooled
// clients and channels managed by package clientcache.
//
// A [PooledClient] owns the connection pool for one set of client
// settings and may serve requests to many hosts. A [Channel] sends each
// request to the next resolved target of a service, round-robin, over a
// PooledClient.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpcdiscovery/config"
	"golang.org/x/net/http2"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	defaultMaxIdleConns    = 100
)

// ErrClientClosed is returned for requests started after the pooled client
// was closed.
var ErrClientClosed = errors.New("pooled client is closed")

// PooledClient is an [http.RoundTripper] backed by a connection pool
// configured from a service's client settings. URLs with the "h2c" scheme
// are sent using HTTP/2 over plaintext when HTTP/2 is enabled.
//
// HTTPS requests addressed to a resolved IP address are pooled separately
// for each hostname, so a connection verified for one hostname is never
// reused for another.
type PooledClient struct {
	settings     config.ClientSettings
	tlsConfig    *tls.Config
	proxy        func(*http.Request) (*url.URL, error)
	transport    *http.Transport
	h2c          *http2.Transport // nil unless HTTP/2 is enabled
	dialer       *net.Dialer
	writeTimeout time.Duration

	mu sync.Mutex
	// +checklocks:mu
	byServerName map[string]*http.Transport

	// +checkatomic
	closed atomic.Bool
	// +checkatomic
	inflight atomic.Int64
}

var _ io.Closer = (*PooledClient)(nil)

// NewPooledClient builds a client from the connection settings of cfg.
// The URIs of cfg are ignored. It fails if TLS material cannot be loaded
// or the proxy is misconfigured.
func NewPooledClient(cfg config.ServiceConfig) (*PooledClient, error) {
	settings := cfg.CacheKey()
	tlsConfig, err := loadTLSConfig(settings.Security)
	if err != nil {
		return nil, err
	}
	proxy, err := proxyFunc(settings.Proxy)
	if err != nil {
		return nil, err
	}
	connectTimeout := time.Duration(settings.ConnectTimeout)
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	client := &PooledClient{
		settings:  settings,
		tlsConfig: tlsConfig,
		proxy:     proxy,
		dialer: &net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		},
		writeTimeout: time.Duration(settings.WriteTimeout),
		byServerName: map[string]*http.Transport{},
	}
	client.transport, err = client.newTransport("")
	if err != nil {
		return nil, err
	}
	if settings.EnableHTTP2 {
		client.h2c = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return client.dial(ctx, network, addr)
			},
			ReadIdleTimeout: time.Duration(settings.ReadTimeout),
		}
	}
	return client, nil
}

// Direct reports whether the client connects to targets without a proxy.
// Only then may requests be addressed to resolved IP addresses.
func (c *PooledClient) Direct() bool {
	return c.proxy == nil
}

// newTransport builds a connection pool. A non-empty serverName is used
// to verify every TLS connection of the pool, whatever address it dials.
func (c *PooledClient) newTransport(serverName string) (*http.Transport, error) {
	maxIdle := c.settings.MaxIdleConnections
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	tlsConfig := c.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}
	transport := &http.Transport{
		Proxy:                 c.proxy,
		DialContext:           c.dial,
		ForceAttemptHTTP2:     c.settings.EnableHTTP2,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   c.dialer.Timeout,
		TLSClientConfig:       tlsConfig,
		ResponseHeaderTimeout: time.Duration(c.settings.ReadTimeout),
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !c.settings.EnableHTTP2 {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		return transport, nil
	}
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("enable http/2: %w", err)
	}
	if readTimeout := time.Duration(c.settings.ReadTimeout); readTimeout > 0 {
		h2.ReadIdleTimeout = readTimeout
	}
	return transport, nil
}

// transportFor returns the pool for req: a pool dedicated to the request's
// hostname for HTTPS requests addressed to a resolved IP, the shared pool
// otherwise.
func (c *PooledClient) transportFor(req *http.Request) (*http.Transport, error) {
	name := serverName(req.Context())
	if name == "" || req.URL.Scheme != "https" {
		return c.transport, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if transport, ok := c.byServerName[name]; ok {
		return transport, nil
	}
	transport, err := c.newTransport(name)
	if err != nil {
		return nil, err
	}
	c.byServerName[name] = transport
	return transport, nil
}

// RoundTrip implements http.RoundTripper.
func (c *PooledClient) RoundTrip(req *http.Request) (*http.Response, error) {
	c.inflight.Add(1)
	if c.closed.Load() {
		c.requestDone()
		return nil, ErrClientClosed
	}
	var (
		resp *http.Response
		err  error
	)
	if req.URL.Scheme == "h2c" {
		if c.h2c == nil {
			c.requestDone()
			return nil, fmt.Errorf("h2c requested for %s but http/2 is not enabled", req.URL.Host)
		}
		req = req.Clone(req.Context())
		req.URL.Scheme = "http"
		resp, err = c.h2c.RoundTrip(req)
	} else {
		var transport *http.Transport
		transport, err = c.transportFor(req)
		if err == nil {
			resp, err = transport.RoundTrip(req)
		}
	}
	if err != nil {
		c.requestDone()
		return nil, err
	}
	addCompletionHook(resp, c.requestDone)
	return resp, nil
}

// Close stops the client from accepting new requests. Requests already in
// flight complete normally; the pool's connections are closed once they
// are idle. Calling Close more than once is harmless.
func (c *PooledClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.inflight.Load() == 0 {
		c.closeIdleConnections()
	}
	return nil
}

func (c *PooledClient) requestDone() {
	if c.inflight.Add(-1) == 0 && c.closed.Load() {
		c.closeIdleConnections()
	}
}

func (c *PooledClient) closeIdleConnections() {
	c.transport.CloseIdleConnections()
	c.mu.Lock()
	for _, transport := range c.byServerName {
		transport.CloseIdleConnections()
	}
	c.mu.Unlock()
	if c.h2c != nil {
		c.h2c.CloseIdleConnections()
	}
}

func (c *PooledClient) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if c.writeTimeout > 0 {
		return &writeDeadlineConn{Conn: conn, timeout: c.writeTimeout}, nil
	}
	return conn, nil
}

func loadTLSConfig(security config.SSLConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if security.TrustStorePath != "" {
		pem, err := os.ReadFile(security.TrustStorePath)
		if err != nil {
			return nil, fmt.Errorf("read trust store: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in trust store %s", config.ErrInvalidConfig, security.TrustStorePath)
		}
		tlsConfig.RootCAs = pool
	}
	switch {
	case security.CertificatePath != "" && security.KeyPath != "":
		cert, err := tls.LoadX509KeyPair(security.CertificatePath, security.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case security.CertificatePath != "" || security.KeyPath != "":
		return nil, fmt.Errorf("%w: client certificate and key must be configured together", config.ErrInvalidConfig)
	}
	return tlsConfig, nil
}

func proxyFunc(proxy config.ProxyConfig) (func(*http.Request) (*url.URL, error), error) {
	switch proxy.Type {
	case "", config.ProxyDirect:
		return nil, nil //nolint:nilnil
	case config.ProxyFromEnvironment:
		return http.ProxyFromEnvironment, nil
	case config.ProxyHTTP:
		if proxy.HostAndPort == "" {
			return nil, fmt.Errorf("%w: http proxy requires hostAndPort", config.ErrInvalidConfig)
		}
		proxyURL := &url.URL{Scheme: "http", Host: proxy.HostAndPort}
		if proxy.Username != "" {
			proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
		}
		return http.ProxyURL(proxyURL), nil
	default:
		return nil, fmt.Errorf("%w: unknown proxy type %q", config.ErrInvalidConfig, proxy.Type)
	}
}

type serverNameKey struct{}

// withServerName records the hostname a request is addressed to, for use
// in TLS verification when its URL carries an IP address instead.
func withServerName(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, serverNameKey{}, host)
}

func serverName(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey{}).(string)
	return name
}

type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// addCompletionHook arranges for whenComplete to be called once the
// response body has been consumed or closed.
func addCompletionHook(resp *http.Response, whenComplete func()) {
	if bodyWriter, ok := resp.Body.(io.Writer); ok {
		resp.Body = &hookReadWriteCloser{
			hookReadCloser: hookReadCloser{ReadCloser: resp.Body, hook: whenComplete},
			Writer:         bodyWriter,
		}
		return
	}
	resp.Body = &hookReadCloser{ReadCloser: resp.Body, hook: whenComplete}
}

type hookReadCloser struct {
	io.ReadCloser
	hook func()

	// +checkatomic
	closed atomic.Bool
}

func (h *hookReadCloser) done() {
	if h.closed.CompareAndSwap(false, true) {
		h.hook()
	}
}

func (h *hookReadCloser) Read(p []byte) (n int, err error) {
	n, err = h.ReadCloser.Read(p)
	if err != nil {
		h.done()
	}
	return n, err
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done()
	return err
}

type hookReadWriteCloser struct {
	hookReadCloser
	io.Writer
}

var _ io.ReadWriteCloser = (*hookReadWriteCloser)(nil)
