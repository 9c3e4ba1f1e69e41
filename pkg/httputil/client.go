package httputil

import (
	"net"
	"net/http"
	"time"
)

// DefaultConnectTimeout bounds TCP connection establishment to identity
// providers.
const DefaultConnectTimeout = 5 * time.Second

// DefaultRequestTimeout bounds a full outbound request including body read.
const DefaultRequestTimeout = 15 * time.Second

// NewClient returns an HTTP client with both a connect timeout and an
// overall request timeout. Outbound calls to identity providers must never
// hang on an unresponsive peer.
func NewClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: requestTimeout,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
}
