// Package upstream constructs and sends provider requests: URL mapping,
// credential injection, hop-by-hop header filtering, per-attempt timeouts,
// classified transport errors, and bounded exponential-backoff retry with
// idempotency rules.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/limboys/gateway/internal/config"
)

// TraceHeader carries the gateway request id to the upstream provider.
const TraceHeader = "x-onekey-request-id"

// maxBackoff caps the sleep between retry attempts.
const maxBackoff = 2 * time.Second

// hopByHopHeaders must be terminated at each proxy hop and are stripped in
// both directions regardless of inbound values.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

// idempotentMethods may be retried; everything else is attempted at most once.
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// IsIdempotent reports whether a method is safe to retry.
func IsIdempotent(method string) bool {
	_, ok := idempotentMethods[method]
	return ok
}

// FilterHeaders returns a copy of h with hop-by-hop headers removed.
func FilterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		out[name] = values
	}
	return out
}

// Response is a fully buffered upstream response.
type Response struct {
	Status   int
	Header   http.Header // hop-by-hop already stripped
	Body     []byte
	Attempts int
	Addr     string // upstream host contacted
}

// TransportError is the terminal failure of a forward attempt sequence.
type TransportError struct {
	Type     ErrorType
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s after %d attempt(s): %v", e.Type, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// provider is the runtime form of one provider descriptor.
type provider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// Client forwards requests to configured providers. The per-provider
// connection pools are process-wide and safe for concurrent use.
type Client struct {
	providers map[string]*provider
	logger    *slog.Logger

	// sleep is the backoff function, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds transports for every provider descriptor.
func NewClient(providers []config.ProviderConfig, logger *slog.Logger) *Client {
	c := &Client{
		providers: make(map[string]*provider, len(providers)),
		logger:    logger,
		sleep:     sleepCtx,
	}

	for _, p := range providers {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   p.Timeout.Connect(),
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   p.Timeout.Connect(),
			ResponseHeaderTimeout: p.Timeout.Read(),
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
		}
		if !p.SSLVerifyEnabled() {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-provider config choice
		}
		c.providers[p.Name] = &provider{
			cfg:    p,
			client: &http.Client{Transport: transport},
		}
	}

	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// buildURL maps the inbound path-after-prefix onto the provider's upstream.
// For url-path credential mode the key is interpolated as /v2/{key}{path}
// (provider convention). The inbound raw query is appended when present.
func (p *provider) buildURL(pathAfterPrefix, rawQuery string) string {
	base := strings.TrimRight(p.cfg.Upstream, "/")
	path := pathAfterPrefix
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if p.cfg.AuthType == config.AuthTypeURL {
		path = "/v2/" + p.cfg.APIKey.Value() + path
	}
	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// buildHeaders copies inbound headers minus hop-by-hop, adds the trace
// header, and injects the provider credential. A credential header always
// overwrites any inbound value with the same name.
func (p *provider) buildHeaders(inbound http.Header, requestID string) http.Header {
	h := FilterHeaders(inbound)
	h.Set(TraceHeader, requestID)

	switch p.cfg.AuthType {
	case config.AuthTypeBasic:
		token := base64.StdEncoding.EncodeToString([]byte(p.cfg.APIKey.Value() + ":"))
		h.Set("Authorization", "Basic "+token)
	case config.AuthTypeHeader:
		h.Set(p.cfg.AuthHeader, p.cfg.APIKey.Value())
	}
	// url: credential already in the URL. none: nothing to inject.

	return h
}

// Do forwards one request to the named provider with bounded retry. The body
// (possibly nil) is replayed on every attempt. On terminal transport failure
// it returns a *TransportError; an HTTP response of any status is a non-error.
func (c *Client) Do(ctx context.Context, providerName, method, pathAfterPrefix, rawQuery string,
	inbound http.Header, body []byte, requestID string) (*Response, error) {

	p, ok := c.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	maxAttempts := p.cfg.Retry.Times + 1
	if maxAttempts < 1 || !IsIdempotent(method) {
		maxAttempts = 1
	}

	url := p.buildURL(pathAfterPrefix, rawQuery)
	headers := p.buildHeaders(inbound, requestID)

	var lastErr error
	var lastType ErrorType
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		resp, err := c.attempt(ctx, p, method, url, headers, body)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}

		lastErr = err
		lastType = Classify(err)
		c.logger.Warn("upstream attempt failed",
			"provider", providerName, "attempt", attempt, "max", maxAttempts,
			"type", lastType, "error", err)

		if !lastType.Retryable() || attempt == maxAttempts {
			break
		}

		backoff := p.cfg.Retry.BaseDelay() << (attempt - 1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
			lastErr = sleepErr
			lastType = ErrTimeout
			break
		}
	}

	return nil, &TransportError{Type: lastType, Attempts: attempts, Err: lastErr}
}

// attempt performs one upstream round trip under the provider's per-attempt
// deadline and buffers the response.
func (c *Client) attempt(ctx context.Context, p *provider, method, url string,
	headers http.Header, body []byte) (*Response, error) {

	attemptTimeout := p.cfg.Timeout.Connect() + p.cfg.Timeout.Send() + p.cfg.Timeout.Read()
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: resp.StatusCode,
		Header: FilterHeaders(resp.Header),
		Body:   respBody,
		Addr:   req.URL.Host,
	}, nil
}
