package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorType is the stable classification of an upstream outcome. The set is
// ABI for dashboards: values appear as the error_type metric label and in
// structured logs.
type ErrorType string

const (
	ErrTimeout           ErrorType = "timeout"
	ErrConnectionRefused ErrorType = "connection_refused"
	ErrConnectFailure    ErrorType = "connect_failure"
	ErrSSL               ErrorType = "ssl_error"
	ErrConnectionBroken  ErrorType = "connection_broken"
	ErrUpstream          ErrorType = "upstream_error"

	// Status-derived classifications computed from the response.
	ErrUpstream4xx ErrorType = "upstream_4xx"
	ErrUpstream5xx ErrorType = "upstream_5xx"
)

// Classify maps a transport error to its ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}

	if isTLSError(err) {
		return ErrSSL
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrConnectFailure
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrConnectionBroken
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return ErrConnectionRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return ErrConnectionBroken
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "no route to host"):
		return ErrConnectFailure
	}

	return ErrUpstream
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

// ClassifyStatus maps an upstream HTTP status to its status-derived type.
// Statuses below 400 have no classification.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status >= 500:
		return ErrUpstream5xx
	case status >= 400:
		return ErrUpstream4xx
	}
	return ""
}

// Retryable reports whether a transport classification may be retried.
// ssl_error is deterministic and never retried.
func (e ErrorType) Retryable() bool {
	return e != ErrSSL && e != ""
}
