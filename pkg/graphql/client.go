// Package graphql talks to GraphQL endpoints: it sends queries over a scoped HTTP
// client, discovers and fingerprints endpoints, enumerates schemas and replays
// tokens under different transports.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/ratelimit"
)

const defaultMaxBodySize = 4 << 20

// Request is a standard GraphQL-over-HTTP request body.
type Request struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// RawRequest is sent as-is, apart from the client's default headers.
type RawRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Error struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Response holds the HTTP exchange and, when the body is a GraphQL envelope,
// its decoded data and errors.
type Response struct {
	Status  int
	Header  http.Header
	Raw     []byte
	Data    json.RawMessage
	Errors  []Error
	Latency time.Duration

	envelope bool
}

// IsGraphQL reports whether the body was a JSON object carrying data or errors.
func (r *Response) IsGraphQL() bool { return r != nil && r.envelope }

func (r *Response) HasData() bool {
	return r != nil && len(r.Data) > 0 && !bytes.Equal(bytes.TrimSpace(r.Data), []byte("null"))
}

func (r *Response) HasErrors() bool { return r != nil && len(r.Errors) > 0 }

// ErrorMessages returns the messages of all GraphQL errors in order.
func (r *Response) ErrorMessages() []string {
	if r == nil {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// ContentType returns the media type without parameters.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

type ClientConfig struct {
	Timeout         time.Duration
	UserAgent       string
	Headers         map[string]string
	BlockPrivate    bool
	FollowRedirects bool
	MaxRedirects    int
	MaxBodySize     int64
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         10 * time.Second,
		UserAgent:       "gqlcrack/1.0",
		FollowRedirects: true,
		MaxRedirects:    5,
		MaxBodySize:     defaultMaxBodySize,
	}
}

// ClientConfigFrom maps the http section of the application config.
func ClientConfigFrom(cfg config.HTTPConfig) ClientConfig {
	c := DefaultClientConfig()
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.Headers = cfg.Headers
	c.BlockPrivate = cfg.BlockPrivate
	c.FollowRedirects = cfg.FollowRedirects
	c.MaxRedirects = cfg.MaxRedirects
	return c
}

type ClientOption func(*Client)

func WithLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

func WithLogger(l *logger.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l.WithComponent("graphql-client")
		}
	}
}

// WithHTTPClient replaces the transport-level client. The Client still closes
// its idle connections on Close.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client is a scoped handle over one HTTP client. It is safe for concurrent
// use; call Close when the operation that created it is done.
type Client struct {
	http    *http.Client
	cfg     ClientConfig
	limiter *ratelimit.Limiter
	logger  *logger.Logger
}

func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.NewSecureClient(httpclient.SecureClientConfig{
			Timeout:         cfg.Timeout,
			BlockPrivate:    cfg.BlockPrivate,
			FollowRedirects: cfg.FollowRedirects,
			MaxRedirects:    cfg.MaxRedirects,
		})
	}
	return c
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Execute POSTs req as JSON to endpoint.
func (c *Client) Execute(ctx context.Context, endpoint string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.Send(ctx, RawRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
}

// Query is shorthand for Execute with only a query document.
func (c *Client) Query(ctx context.Context, endpoint, query string) (*Response, error) {
	return c.Execute(ctx, endpoint, Request{Query: query})
}

// Send performs one request. Non-2xx statuses are not errors; only transport
// failures are.
func (c *Client) Send(ctx context.Context, rr RawRequest) (*Response, error) {
	u, err := url.Parse(rr.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rr.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if err := c.limiter.WaitForHost(ctx, u.Host); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	method := rr.Method
	if method == "" {
		method = http.MethodPost
	}
	var body *bytes.Reader
	if rr.Body != nil {
		body = bytes.NewReader(rr.Body)
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range rr.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := httpclient.DoWithContext(ctx, c.http, req)
	if err != nil {
		c.logger.Debugw("GraphQL request failed",
			"method", method,
			"url", u.String(),
			"error", err.Error(),
		)
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	raw, err := httpclient.ReadBody(resp, c.cfg.MaxBodySize)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.LogHTTPRequest(ctx, method, u.String(), resp.StatusCode, latency,
		"bytes", len(raw),
	)

	out := &Response{
		Status:  resp.StatusCode,
		Header:  resp.Header.Clone(),
		Raw:     raw,
		Latency: latency,
	}
	out.decodeEnvelope()
	return out, nil
}

// decodeEnvelope fills Data and Errors when Raw is a JSON object with a data or
// errors member. Anything else leaves the response marked non-GraphQL.
func (r *Response) decodeEnvelope() {
	trimmed := bytes.TrimSpace(r.Raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return
	}

	data, hasData := env["data"]
	rawErrs, hasErrs := env["errors"]
	if !hasData && !hasErrs {
		return
	}
	r.envelope = true
	if hasData {
		r.Data = data
	}
	if hasErrs {
		var errs []Error
		if err := json.Unmarshal(rawErrs, &errs); err == nil {
			r.Errors = errs
		} else {
			// Some servers send a single error object or a bare string.
			var single Error
			if json.Unmarshal(rawErrs, &single) == nil && single.Message != "" {
				r.Errors = []Error{single}
			} else {
				var msg string
				if json.Unmarshal(rawErrs, &msg) == nil && msg != "" {
					r.Errors = []Error{{Message: msg}}
				}
			}
		}
	}
}

// truncate shortens s for evidence fields.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
