// Package transport implements the HTTP transfer engine the worker loop
// multiplexes: building a pooled, DNS-cached, optionally-proxied
// http.Transport from a run's configuration and issuing one model.Request
// at a time against it, reducing the outcome into a model.Response or a
// model.Error drawn from the closed taxonomy.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vayu-load/vayu/internal/dnscache"
	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/validation"
)

// Options configures a Client for the lifetime of a run. Every worker in
// an event loop dispatcher builds its own Client from the same Options so
// that connection pools, keepalive, and DNS caching stay worker-local,
// matching the worker loop's ownership rule.
type Options struct {
	UserAgent       string
	VerifySSL       bool
	FollowRedirects bool
	MaxRedirects    int
	ProxyURL        *url.URL
	DNSCache        *dnscache.Cache
	RebindGuard     *validation.DNSRebindingValidator // nil disables the check
	KeepAlive       time.Duration                     // 0 disables keepalive
	DefaultTimeout  time.Duration
}

// Client issues HTTP transfers for one worker, reusing a single pooled
// http.Transport across every call.
type Client struct {
	opts   Options
	client *http.Client
}

// NewClient builds a Client from opts. The underlying http.Transport sets
// TCP_NODELAY implicitly (net.Dialer never enables Nagle's algorithm),
// enables HTTP/2 over TLS automatically, reuses connections across calls,
// and resolves hosts through opts.DNSCache when set.
func NewClient(opts Options) *Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: opts.KeepAlive,
	}
	if opts.KeepAlive <= 0 {
		dialer.KeepAlive = -1 // disabled
	}

	rt := &http.Transport{
		Proxy:               proxyFunc(opts.ProxyURL),
		DialContext:         dnsCachedDialer(dialer, opts.DNSCache, opts.RebindGuard),
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !opts.VerifySSL},
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c := &http.Client{Transport: rt}
	if !opts.FollowRedirects {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if opts.MaxRedirects > 0 {
		max := opts.MaxRedirects
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= max {
				return http.ErrUseLastResponse
			}
			return nil
		}
	}

	return &Client{opts: opts, client: c}
}

func proxyFunc(proxyURL *url.URL) func(*http.Request) (*url.URL, error) {
	if proxyURL == nil {
		return http.ProxyFromEnvironment
	}
	return func(*http.Request) (*url.URL, error) { return proxyURL, nil }
}

// dnsCachedDialer wraps dialer.DialContext to consult cache for "tcp"
// dials, populating it on a miss. A nil cache disables the lookup and
// falls through to the dialer's own resolution. When guard is set, every
// freshly resolved address set is checked for DNS rebinding (a hostname
// that validated safely at submission time later resolving to a blocked
// IP) before the dial proceeds.
func dnsCachedDialer(dialer *net.Dialer, cache *dnscache.Cache, guard *validation.DNSRebindingValidator) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cache == nil || (network != "tcp" && network != "tcp4" && network != "tcp6") {
			return dialer.DialContext(ctx, network, addr)
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}

		if addrs, ok := cache.Get(addr); ok {
			return dialWithAddrs(ctx, dialer, network, port, addrs)
		}

		ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			ips := make([]net.IP, len(ipAddrs))
			for i, a := range ipAddrs {
				ips[i] = a.IP
			}
			if report := guard.ValidateResolvedIPs(host, ips); !report.OK {
				return nil, fmt.Errorf("dns rebinding check blocked %s: %s", host, report.Errors[0].Message)
			}
		}
		cache.Put(addr, ipAddrs)
		return dialWithAddrs(ctx, dialer, network, port, ipAddrs)
	}
}

func dialWithAddrs(ctx context.Context, dialer *net.Dialer, network, port string, addrs []net.IPAddr) (net.Conn, error) {
	var lastErr error
	for _, a := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Do issues req and blocks until the transfer completes, times out, or ctx
// is cancelled. Exactly one of the two return values is non-nil.
func (c *Client) Do(ctx context.Context, req *model.Request) (*model.Response, *model.Error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return nil, &model.Error{Code: model.ErrInvalidMethod, Message: "request method is empty"}
	}
	if !validMethod(method) {
		return nil, &model.Error{Code: model.ErrInvalidMethod, Message: "unsupported HTTP method: " + method}
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &model.Error{Code: model.ErrInvalidURL, Message: "invalid request URL: " + req.URL}
	}

	timeout := c.opts.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body.Mode != model.BodyNone && req.Body.Content != "" {
		body = bytes.NewReader([]byte(req.Body.Content))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &model.Error{Code: model.ErrInvalidURL, Message: err.Error()}
	}

	hasUserAgent := false
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
		if strings.EqualFold(k, "User-Agent") {
			hasUserAgent = true
		}
	}
	if !hasUserAgent {
		ua := c.opts.UserAgent
		if ua == "" {
			ua = "vayu-loadgen/1"
		}
		httpReq.Header.Set("User-Agent", ua)
	}

	tracker := newPhaseTimingTracker()
	httpReq = httpReq.WithContext(withPhaseTiming(httpReq.Context(), tracker))

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, MapError(err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	end := time.Now()
	if err != nil {
		return nil, MapError(err)
	}

	headers := make(model.Headers, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}
	if len(httpResp.Trailer) > 0 {
		var sb strings.Builder
		for k := range httpResp.Trailer {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(httpResp.Trailer.Get(k))
			sb.WriteString("\r\n")
		}
		for k, v := range ParseHeaderBlock(sb.String()) {
			headers[k] = v
		}
	}

	resp := &model.Response{
		StatusCode: httpResp.StatusCode,
		StatusText: statusText(httpResp.StatusCode),
		Headers:    headers,
		Body:       string(bodyBytes),
		BodySize:   int64(len(bodyBytes)),
		Timing:     tracker.timing(end),
	}
	return resp, nil
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect:
		return true
	default:
		return false
	}
}
