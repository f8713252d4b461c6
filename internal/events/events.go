// Package events emits the gateway's structured lifecycle events (request
// start/end, upstream request/response, errors, breaker transitions,
// rate-limit denials) with a stable JSON schema, and batches access-log
// events to an optional external HTTP sink. Header redaction and body
// truncation happen here, before anything reaches a log line or the wire.
package events

import (
	"log/slog"
	"net/http"
	"strings"
)

// redactedSentinel replaces the value of any sensitive header.
const redactedSentinel = "[REDACTED]"

// truncatedSuffix marks a body that was cut at the configured limit.
const truncatedSuffix = "...[truncated]"

// Redactor sanitizes headers and bodies for emission.
type Redactor struct {
	sensitive   map[string]struct{}
	maxBodySize int
}

// NewRedactor builds a redactor from the configured sensitive-header names
// (matched case-insensitively) and log body cap.
func NewRedactor(sensitiveHeaders []string, maxBodySize int) *Redactor {
	m := make(map[string]struct{}, len(sensitiveHeaders))
	for _, h := range sensitiveHeaders {
		m[strings.ToLower(h)] = struct{}{}
	}
	return &Redactor{sensitive: m, maxBodySize: maxBodySize}
}

// Headers returns a single-valued header map with sensitive values replaced
// by the sentinel.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, hit := r.sensitive[strings.ToLower(name)]; hit {
			out[name] = redactedSentinel
		} else {
			out[name] = values[0]
		}
	}
	return out
}

// Body truncates a body to the configured limit, appending a marker.
func (r *Redactor) Body(b []byte) string {
	if r.maxBodySize > 0 && len(b) > r.maxBodySize {
		return string(b[:r.maxBodySize]) + truncatedSuffix
	}
	return string(b)
}

// Emitter writes lifecycle events through a structured logger. Every event
// carries the event name, and every request-scoped event carries the request
// id, so external exporters can correlate the full request lifecycle. Breaker
// transitions are not tied to a request and carry no request id.
type Emitter struct {
	logger   *slog.Logger
	redactor *Redactor
}

// NewEmitter creates the lifecycle emitter.
func NewEmitter(logger *slog.Logger, redactor *Redactor) *Emitter {
	return &Emitter{logger: logger.With("component", "events"), redactor: redactor}
}

// Redactor exposes the redaction rules for callers that sanitize inline.
func (e *Emitter) Redactor() *Redactor { return e.redactor }

// RequestStart records the arrival of a client request.
func (e *Emitter) RequestStart(requestID, provider, method, path, clientIP string) {
	e.logger.Info("request_start",
		"event", "request_start",
		"request_id", requestID,
		"provider", provider,
		"method", method,
		"path", path,
		"client_ip", clientIP)
}

// UpstreamRequest records the outgoing request with redacted headers.
func (e *Emitter) UpstreamRequest(requestID, provider, method, url string, headers http.Header) {
	e.logger.Info("upstream_request",
		"event", "upstream_request",
		"request_id", requestID,
		"provider", provider,
		"method", method,
		"url", url,
		"headers", e.redactor.Headers(headers))
}

// UpstreamResponse records the upstream outcome of one request.
func (e *Emitter) UpstreamResponse(requestID, provider string, status, attempts int, addr string) {
	e.logger.Info("upstream_response",
		"event", "upstream_response",
		"request_id", requestID,
		"provider", provider,
		"status", status,
		"attempts", attempts,
		"upstream_addr", addr)
}

// RequestEnd records the response flushed to the client.
func (e *Emitter) RequestEnd(requestID, provider string, status int, latencyMS float64, upstreamStatus int) {
	e.logger.Info("request_end",
		"event", "request_end",
		"request_id", requestID,
		"provider", provider,
		"status", status,
		"latency_ms", latencyMS,
		"upstream_status", upstreamStatus)
}

// Error records a classified pipeline error.
func (e *Emitter) Error(requestID, provider, errorType, detail string) {
	e.logger.Warn("request_error",
		"event", "error",
		"request_id", requestID,
		"provider", provider,
		"error_type", errorType,
		"detail", detail)
}

// BreakerTransition records a circuit-breaker state change.
func (e *Emitter) BreakerTransition(provider, state string) {
	e.logger.Warn("circuit_breaker_transition",
		"event", "circuit_breaker_transition",
		"provider", provider,
		"state", state)
}

// RateLimitDenied records an admission rejection.
func (e *Emitter) RateLimitDenied(requestID, provider, scope, identifier string) {
	e.logger.Warn("rate_limit_denied",
		"event", "rate_limit_denied",
		"request_id", requestID,
		"provider", provider,
		"scope", scope,
		"identifier", identifier)
}
