// Package httpclient builds the HTTP clients used for outbound calls to
// provider authorization and token endpoints.
package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the timeout for outgoing HTTP requests to providers.
const DefaultTimeout = 30 * time.Second

// MaxResponseSize caps how much of a provider response body is read (1 MiB).
// Token endpoints return small JSON documents; anything larger is misbehaving.
const MaxResponseSize = 1024 * 1024

// Builder provides a fluent interface for building HTTP clients.
type Builder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
}

// NewBuilder returns a new Builder with the default provider timeouts.
func NewBuilder() *Builder {
	return &Builder{
		clientTimeout:         DefaultTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall request timeout.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.clientTimeout = timeout
	}
	return b
}

// Build creates the configured HTTP client.
func (b *Builder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   b.clientTimeout,
	}
}

// ReadBody drains a provider response body, enforcing MaxResponseSize.
func ReadBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// DecodeJSON reads a provider response body and unmarshals it into v,
// enforcing MaxResponseSize.
func DecodeJSON(resp *http.Response, v any) error {
	body, err := ReadBody(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
