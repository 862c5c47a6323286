// Package transport owns the outbound HTTP connection pool shared by the
// provider drivers and the remote classifier client.
package transport

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Do once the pool has been closed.
var ErrClosed = errors.New("transport: pool closed")

// Doer is the subset of *http.Client used by outbound callers.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options tunes the pooled transport.
type Options struct {
	MaxConns        int
	MaxIdlePerHost  int
	DialTimeout     time.Duration
	TLSTimeout      time.Duration
	IdleConnTimeout time.Duration
}

// DefaultOptions mirrors the limits the router has always run with:
// 100 connections, 20 keep-alive per host, 5s connect.
func DefaultOptions() Options {
	return Options{
		MaxConns:        100,
		MaxIdlePerHost:  20,
		DialTimeout:     5 * time.Second,
		TLSTimeout:      5 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Pool is a concurrency-safe HTTP client created once at startup and closed
// once at shutdown. Per-call deadlines come from the request context.
type Pool struct {
	client    *http.Client
	transport *http.Transport
	closed    atomic.Bool
}

// NewPool builds a pool with the given options.
func NewPool(opts Options) *Pool {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     opts.MaxConns,
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdlePerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
		TLSHandshakeTimeout: opts.TLSTimeout,
		ForceAttemptHTTP2:   true,
	}
	return &Pool{
		client:    &http.Client{Transport: tr},
		transport: tr,
	}
}

// Do sends req through the shared client. It fails fast after Close.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	return p.client.Do(req)
}

// Client exposes the underlying client for libraries that want one.
func (p *Pool) Client() *http.Client {
	return p.client
}

// Close stops new acquisitions and releases idle connections. In-flight
// requests finish on their own connections. Safe to call more than once.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.transport.CloseIdleConnections()
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}
