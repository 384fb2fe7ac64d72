package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrEmptyTarget   = errors.New("target cannot be empty")
	ErrPrivateTarget = errors.New("target points to a private or local network")
)

// Target is a normalized assessment target.
type Target struct {
	URL      string   // absolute http(s) URL
	Host     string   // hostname without port
	Kind     string   // "url", "domain" or "ip"
	Warnings []string // notes worth showing the operator
}

var domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

var privateSuffixes = []string{".local", ".internal", ".lan", ".localhost"}

// ValidateTarget turns a URL, domain or IP into an absolute URL. Bare hosts
// get an https:// scheme. With blockPrivate, loopback, private and link-local
// addresses and internal-only names are rejected.
func ValidateTarget(raw string, blockPrivate bool) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyTarget
	}

	t := &Target{Kind: "url"}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		if strings.Contains(raw, "://") {
			return nil, fmt.Errorf("unsupported scheme in %q: only http and https are allowed", raw)
		}
		host := raw
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		switch {
		case isIP(stripPort(host)):
			t.Kind = "ip"
		case domainRegex.MatchString(stripPort(host)), stripPort(host) == "localhost":
			t.Kind = "domain"
		default:
			return nil, fmt.Errorf("unable to determine target type for %q: expected URL, domain or IP", raw)
		}
		raw = "https://" + raw
		t.Warnings = append(t.Warnings, "no scheme given, assuming https")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	t.Host = u.Hostname()
	t.URL = u.String()

	if isPrivateHost(t.Host) {
		if blockPrivate {
			return nil, fmt.Errorf("%w: %s", ErrPrivateTarget, t.Host)
		}
		t.Warnings = append(t.Warnings, "target is on a private or local network")
	}
	return t, nil
}

// isPrivateHost reports loopback, private and link-local IPs plus names that
// only resolve inside a network.
func isPrivateHost(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" {
		return true
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	ip := net.ParseIP(lower)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func isIP(s string) bool {
	return net.ParseIP(strings.Trim(s, "[]")) != nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
