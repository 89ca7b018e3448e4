package ipn

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/groupsub/internal/resilience"
)

// maxResponseBytes bounds the postback response read; the only accepted
// answer is the 8 byte VERIFIED literal.
const maxResponseBytes = 16

// Response is the part of a postback reply the verifier looks at.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport posts a verification body to PayPal and returns its reply.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) (Response, error)
}

// HTTPTransportConfig configures HTTPTransport.
type HTTPTransportConfig struct {
	Timeout time.Duration
	// RootCAs replaces the system pool when set.
	RootCAs *x509.CertPool
	Breaker *resilience.Breaker
}

// HTTPTransport sends postbacks over HTTPS/1.1 on a fresh connection per call.
type HTTPTransport struct {
	client  *http.Client
	breaker *resilience.Breaker
}

// NewHTTPTransport builds the production transport. Certificate and hostname
// verification always stay enabled.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
		ForceAttemptHTTP2: false,
		// non-nil empty map turns off the h2 upgrade
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    cfg.RootCAs,
		},
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		breaker: cfg.Breaker,
	}
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte) (Response, error) {
	if t.breaker != nil && !t.breaker.Allow(ctx) {
		return Response{}, resilience.ErrOpenCircuit
	}
	resp, err := t.post(ctx, url, body)
	if t.breaker != nil {
		t.breaker.Report(ctx, err == nil && resp.StatusCode < http.StatusInternalServerError)
	}
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("ipn: build postback: %w", err)
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "groupsub-ipn")

	res, err := t.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("ipn: postback: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return Response{}, fmt.Errorf("ipn: read postback reply: %w", err)
	}
	return Response{StatusCode: res.StatusCode, Body: data}, nil
}
