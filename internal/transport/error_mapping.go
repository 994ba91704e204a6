package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/vayu-load/vayu/internal/model"
)

// MapError classifies an error raised while issuing a transfer into the
// closed taxonomy the worker loop reports back to the metrics collector.
// A nil input yields a nil *model.Error.
func MapError(err error) *model.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return &model.Error{Code: model.ErrCancelled, Message: "request cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.Error{Code: model.ErrTimeout, Message: "request timeout exceeded"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return mapDNSError(dnsErr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return mapNetOpError(opErr)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &model.Error{Code: model.ErrTimeout, Message: fmt.Sprintf("request timeout: %s", urlErr.Op)}
		}
		return MapError(urlErr.Err)
	}

	var tlsRecordErr *tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return &model.Error{Code: model.ErrSSL, Message: "TLS record header error"}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &model.Error{Code: model.ErrSSL, Message: fmt.Sprintf("certificate verification failed: %v", certErr.Err)}
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return &model.Error{Code: model.ErrSSL, Message: "certificate signed by unknown authority"}
	}
	var certInvalidErr x509.CertificateInvalidError
	if errors.As(err, &certInvalidErr) {
		return &model.Error{Code: model.ErrSSL, Message: fmt.Sprintf("certificate invalid: %s", certInvalidErr.Detail)}
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &model.Error{Code: model.ErrSSL, Message: fmt.Sprintf("certificate hostname mismatch: %s", hostErr.Host)}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "tls:") || strings.Contains(errStr, "TLS") {
		return &model.Error{Code: model.ErrSSL, Message: errStr}
	}
	if strings.Contains(errStr, "unsupported protocol scheme") || strings.Contains(errStr, "missing protocol scheme") {
		return &model.Error{Code: model.ErrInvalidURL, Message: errStr}
	}

	return &model.Error{Code: model.ErrInternal, Message: errStr}
}

func mapDNSError(err *net.DNSError) *model.Error {
	msg := fmt.Sprintf("DNS lookup failed for %s: %s", err.Name, err.Err)
	if err.IsTimeout {
		return &model.Error{Code: model.ErrTimeout, Message: msg}
	}
	return &model.Error{Code: model.ErrDNS, Message: msg}
}

func mapNetOpError(err *net.OpError) *model.Error {
	if err.Timeout() {
		return &model.Error{Code: model.ErrTimeout, Message: fmt.Sprintf("%s timeout", err.Op)}
	}

	if err.Op == "dial" {
		return mapDialError(err)
	}
	if err.Op == "read" || err.Op == "write" {
		return mapIOError(err)
	}

	return &model.Error{Code: model.ErrConnectionFailed, Message: err.Error()}
}

func mapDialError(err *net.OpError) *model.Error {
	if err.Err != nil {
		var errno syscall.Errno
		if errors.As(err.Err, &errno) {
			return mapSyscallError(errno)
		}
		var opErr *net.OpError
		if errors.As(err.Err, &opErr) {
			return mapNetOpError(opErr)
		}

		errStr := err.Err.Error()
		switch {
		case strings.Contains(errStr, "connection refused"):
			return &model.Error{Code: model.ErrConnectionFailed, Message: fmt.Sprintf("connection refused to %s", err.Addr)}
		case strings.Contains(errStr, "connection reset"):
			return &model.Error{Code: model.ErrConnectionFailed, Message: fmt.Sprintf("connection reset by %s", err.Addr)}
		case strings.Contains(errStr, "network is unreachable"):
			return &model.Error{Code: model.ErrConnectionFailed, Message: "network is unreachable"}
		case strings.Contains(errStr, "no such host"):
			return &model.Error{Code: model.ErrDNS, Message: errStr}
		}
	}
	return &model.Error{Code: model.ErrConnectionFailed, Message: err.Error()}
}

func mapIOError(err *net.OpError) *model.Error {
	if err.Err != nil && strings.Contains(err.Err.Error(), "connection reset") {
		return &model.Error{Code: model.ErrConnectionFailed, Message: "connection reset during " + err.Op}
	}
	return &model.Error{Code: model.ErrConnectionFailed, Message: err.Error()}
}

func mapSyscallError(errno syscall.Errno) *model.Error {
	switch errno {
	case syscall.ECONNREFUSED:
		return &model.Error{Code: model.ErrConnectionFailed, Message: "connection refused"}
	case syscall.ECONNRESET:
		return &model.Error{Code: model.ErrConnectionFailed, Message: "connection reset by peer"}
	case syscall.ENETUNREACH:
		return &model.Error{Code: model.ErrConnectionFailed, Message: "network is unreachable"}
	case syscall.ETIMEDOUT:
		return &model.Error{Code: model.ErrTimeout, Message: "connection timed out"}
	default:
		return &model.Error{Code: model.ErrConnectionFailed, Message: errno.Error()}
	}
}

// statusText maps a subset of well-known status codes to their reason
// phrase per the worker loop's lookup table; anything else reports "Unknown".
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}

// StatusText exports the worker loop's status-line lookup table.
func StatusText(code int) string { return statusText(code) }
