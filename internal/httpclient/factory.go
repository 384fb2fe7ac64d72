// Package httpclient builds the HTTP clients used to talk to GraphQL targets.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
)

// SecureClientConfig configures the client transport
type SecureClientConfig struct {
	Timeout         time.Duration
	BlockPrivate    bool // refuse to dial loopback, private and link-local addresses
	FollowRedirects bool
	MaxRedirects    int
}

func DefaultConfig() SecureClientConfig {
	return SecureClientConfig{
		Timeout:         10 * time.Second,
		BlockPrivate:    false,
		FollowRedirects: true,
		MaxRedirects:    5,
	}
}

// FromConfig maps the http section of the application config onto a client config.
func FromConfig(cfg config.HTTPConfig) SecureClientConfig {
	c := SecureClientConfig{
		Timeout:         cfg.Timeout,
		BlockPrivate:    cfg.BlockPrivate,
		FollowRedirects: cfg.FollowRedirects,
		MaxRedirects:    cfg.MaxRedirects,
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig().Timeout
	}
	return c
}

// NewSecureClient creates an HTTP client with a dedicated transport. Callers own
// the returned client and should call CloseIdleConnections when done with it.
func NewSecureClient(cfg SecureClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.BlockPrivate {
				if err := validateAddress(addr); err != nil {
					return nil, fmt.Errorf("private address blocked: %w", err)
				}
			}

			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if cfg.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}

			if cfg.BlockPrivate {
				if err := validateURL(req.URL.String()); err != nil {
					return fmt.Errorf("private address blocked on redirect: %w", err)
				}
			}

			return nil
		}
	}

	return client
}

// NewUnsafeClient creates a client that may reach any address.
func NewUnsafeClient(timeout time.Duration) *http.Client {
	return NewSecureClient(SecureClientConfig{
		Timeout:         timeout,
		BlockPrivate:    false,
		FollowRedirects: true,
		MaxRedirects:    10,
	})
}

func validateAddress(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked private IP: %s (%s)", ip, host)
		}
	}

	return nil
}

func validateURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", urlStr, err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL %q has no host", urlStr)
	}
	return validateAddress(u.Host)
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true
	}
	return ip.IsUnspecified()
}

// DoWithContext performs an HTTP request bound to ctx.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// ErrBodyTooLarge is returned by ReadBody when the body is longer than its limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// maxDrain bounds how much of an unread body CloseBody discards. Anything
// longer is cut off and the connection is not reused.
const maxDrain = 64 << 10

// ReadBody reads the response body, failing with ErrBodyTooLarge when it holds
// more than limit bytes. The first limit bytes are returned either way.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > limit {
		return body[:limit], fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// CloseBody drains and closes a response body so the connection returns to the pool.
//
//	defer httpclient.CloseBody(resp)
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	_ = resp.Body.Close()
}
