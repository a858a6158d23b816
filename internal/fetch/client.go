// Package fetch performs single logical HTTP requests against comment
// sources with bounded retry and failure classification.
//
// The retry budget lives here. Callers must not retry a returned *Error.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "commentwatch/pkg/logx"
)

const (
	DefaultMaxAttempts    = 3
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	maxBodyBytes = 8 << 20
)

// HTTPClient is the subset of *http.Client the fetch client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one logical request.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	// Form is sent as application/x-www-form-urlencoded when set.
	Form url.Values
	// Auth adds a bearer token; a 401 invalidates it and retries once.
	Auth TokenSource
	// BasicAuth is used when Auth is nil.
	BasicUser, BasicPass string
	// Classify runs on every response before the default status handling.
	// Returning nil falls through to the default.
	Classify func(*Response) error
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (tests, shared transports).
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeouts sets the total and connect timeouts of the default transport.
func WithTimeouts(total, connect time.Duration) Option {
	return func(c *Client) {
		if total > 0 {
			c.timeout = total
		}
		if connect > 0 {
			c.connectTimeout = connect
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit paces outgoing requests (each attempt waits on lim).
func WithRateLimit(lim *rate.Limiter) Option {
	return func(c *Client) { c.limiter = lim }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithBackoff replaces the retry delay schedule. Tests pass a zero schedule.
func WithBackoff(fn func(kind Kind, attempt int, hint time.Duration) time.Duration) Option {
	return func(c *Client) {
		if fn != nil {
			c.backoff = fn
		}
	}
}

// NoBackoff retries immediately.
func NoBackoff(Kind, int, time.Duration) time.Duration { return 0 }

func WithLogger(log logx.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client executes Requests. It is safe for concurrent use.
type Client struct {
	http           HTTPClient
	transport      *http.Transport // owned; nil when WithHTTPClient was used
	timeout        time.Duration
	connectTimeout time.Duration
	maxAttempts    int
	limiter        *rate.Limiter
	userAgent      string
	log            logx.Logger

	backoff func(kind Kind, attempt int, hint time.Duration) time.Duration
	wait    func(ctx context.Context, d time.Duration) error // replaced in tests
}

func New(opts ...Option) *Client {
	c := &Client{
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		maxAttempts:    DefaultMaxAttempts,
		log:            logx.Nop(),
		backoff:        Backoff,
		wait:           waitWithContext,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: c.connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: c.connectTimeout,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		c.http = &http.Client{Transport: c.transport, Timeout: c.timeout}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Close releases pooled idle connections.
func (c *Client) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

// Backoff is the default delay before retry number attempt+1 (attempt is
// zero-based): timeouts and 5xx back off exponentially (1s, 2s, 4s...),
// rate limits linearly and longer (5s, 10s, 15s...). A server hint wins when
// it is longer, capped at two minutes.
func Backoff(kind Kind, attempt int, hint time.Duration) time.Duration {
	var d time.Duration
	switch kind {
	case KindRateLimited:
		d = time.Duration(5*(attempt+1)) * time.Second
	default:
		d = time.Duration(1<<attempt) * time.Second
	}
	if hint > d {
		d = min(hint, 2*time.Minute)
	}
	return d
}

// Do performs req and returns the successful response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, req, nil)
}

// JSON performs req and decodes a successful body into out. A body that
// fails to decode is retried like a transient error.
func (c *Client) JSON(ctx context.Context, req Request, out any) error {
	_, err := c.do(ctx, req, out)
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target := req.URL
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}

	reauthed := false
	var last *Error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.once(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = classifyTransport(err)
		} else {
			last = c.classify(req, resp, out)
			if last == nil {
				return resp, nil
			}
		}
		last.URL = target
		last.Attempts = attempt + 1

		if last.Status == http.StatusUnauthorized && req.Auth != nil && !reauthed {
			// Token may have been revoked early; refresh and try again now.
			reauthed = true
			req.Auth.Invalidate()
			c.log.Warn("unauthorized; refreshing token", logx.String("url", target))
			continue
		}

		if !last.Kind.retryable() || attempt+1 >= c.maxAttempts {
			break
		}
		delay := c.backoff(last.Kind, attempt, last.retryAfter)
		c.log.Warn("request failed; retrying",
			logx.String("url", target),
			logx.String("kind", last.Kind.String()),
			logx.Int("status", last.Status),
			logx.Int("attempt", attempt+1),
			logx.Int("max", c.maxAttempts),
			logx.Duration("backoff", delay),
		)
		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
	if last == nil {
		last = &Error{Kind: KindFatal, URL: target, Message: "no attempts made"}
	}
	return nil, last
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.Form != nil {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.userAgent != "" && hr.Header.Get("User-Agent") == "" {
		hr.Header.Set("User-Agent", c.userAgent)
	}
	if hr.Header.Get("Accept") == "" {
		hr.Header.Set("Accept", "application/json")
	}

	switch {
	case req.Auth != nil:
		tok, err := req.Auth.Token(ctx)
		if err != nil {
			// The token endpoint already spent its own retry budget.
			return nil, &Error{Kind: KindFatal, Err: fmt.Errorf("token: %w", err)}
		}
		hr.Header.Set("Authorization", "Bearer "+tok)
	case req.BasicUser != "":
		hr.SetBasicAuth(req.BasicUser, req.BasicPass)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (c *Client) classify(req Request, resp *Response, out any) *Error {
	if req.Classify != nil {
		if err := req.Classify(resp); err != nil {
			return asError(err, resp.Status)
		}
	}
	switch {
	case resp.Status >= 200 && resp.Status <= 299:
		if out != nil && len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, out); err != nil {
				return &Error{Kind: KindDecode, Status: resp.Status, Err: err}
			}
		}
		return nil
	case resp.Status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: resp.Status, Message: snippet(resp.Body), retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.Status >= 500:
		return &Error{Kind: KindTransient, Status: resp.Status, Message: snippet(resp.Body)}
	default:
		return &Error{Kind: KindFatal, Status: resp.Status, Message: snippet(resp.Body)}
	}
}

func asError(err error, status int) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.Status == 0 {
			cp.Status = status
		}
		return &cp
	}
	return &Error{Kind: KindFatal, Status: status, Err: err}
}

func classifyTransport(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return asError(fe, 0)
	}
	// Connect and total timeouts are treated like any other transient failure.
	return &Error{Kind: KindTransient, Err: err}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 300 {
		s = string(r[:300]) + "..."
	}
	return s
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
