package graphql

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/twmb/murmur3"
	"golang.org/x/sync/errgroup"
)

var commonPaths = []string{
	"/graphql", "/graphql/", "/api/graphql", "/api/graphql/", "/gql", "/query",
	"/graphql/query", "/api", "/api/query", "/api/gql", "/graph", "/api/graph",
	"/v1/graphql", "/v2/graphql", "/v3/graphql", "/api/v1/graphql", "/api/v2/graphql",
	"/graphql/v1", "/graphql/v2", "/graphql-api", "/graphql/console", "/graphiql",
	"/graphql/playground", "/graphql/explorer", "/graphql/endpoint", "/graphql-service",
	"/admin/graphql", "/internal/graphql", "/backend/graphql", "/core/graphql",
	"/public/graphql", "/private/graphql", "/dev/graphql", "/test/graphql",
	"/staging/graphql", "/hasura/v1/graphql", "/v1/graphql/",
}

// CommonPaths returns the built-in candidate endpoint paths.
func CommonPaths() []string {
	out := make([]string, len(commonPaths))
	copy(out, commonPaths)
	return out
}

var detectionQueries = []string{
	"query { __typename }",
	"query { __schema { types { name } } }",
	"query { invalidField }",
}

var (
	hintPattern    = regexp.MustCompile(`(?i)/[a-z0-9_\-/]*graphql[a-z0-9_\-/]*`)
	errorsArrayRe  = regexp.MustCompile(`"errors"\s*:\s*\[`)
	graphqlMarkers = []string{
		"cannot query field", "graphql", "__schema", "syntax error",
		"must be a query root", "must provide query string",
	}
)

type DiscoveryConfig struct {
	Concurrency int
	ExtraPaths  []string
	Hints       bool
	Logger      *logger.Logger
}

// Endpoint is a path that answered like a GraphQL server.
type Endpoint struct {
	URL       string `json:"url" yaml:"url"`
	Path      string `json:"path" yaml:"path"`
	Status    int    `json:"status" yaml:"status"`
	Detection string `json:"detection" yaml:"detection"`
	Source    string `json:"source" yaml:"source"`
}

type DiscoveryResult struct {
	Base      string        `json:"base" yaml:"base"`
	Endpoints []Endpoint    `json:"endpoints" yaml:"endpoints"`
	Hints     []string      `json:"hints,omitempty" yaml:"hints,omitempty"`
	Tested    int           `json:"tested" yaml:"tested"`
	CatchAll  bool          `json:"catch_all" yaml:"catch_all"`
	Elapsed   time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// URLs returns the discovered endpoint URLs in discovery order.
func (r *DiscoveryResult) URLs() []string {
	urls := make([]string, 0, len(r.Endpoints))
	for _, e := range r.Endpoints {
		urls = append(urls, e.URL)
	}
	return urls
}

type Discoverer struct {
	client *Client
	cfg    DiscoveryConfig
	logger *logger.Logger
}

func NewDiscoverer(client *Client, cfg DiscoveryConfig) *Discoverer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Discoverer{client: client, cfg: cfg, logger: log.WithComponent("discovery")}
}

type candidatePath struct {
	path   string
	source string
}

type baseline struct {
	status int
	hash   uint64
	ok     bool
}

// Discover probes common, hinted and extra paths under baseURL concurrently.
// Responses identical to those of a random path are treated as a catch-all
// and rejected.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*DiscoveryResult, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute http(s): %q", baseURL)
	}

	start := time.Now()
	ctx, span := d.logger.StartOperation(ctx, "graphql.Discover", "base", base.String())

	result := &DiscoveryResult{Base: base.String()}

	var hints []string
	if d.cfg.Hints {
		hints = d.scanHints(ctx, base)
		result.Hints = hints
	}

	candidates := mergePaths(commonPaths, hints, d.cfg.ExtraPaths)
	result.Tested = len(candidates)

	baselines := d.baselines(ctx, base)
	for _, b := range baselines {
		if b.ok {
			result.CatchAll = true
			break
		}
	}

	found := make([]*Endpoint, len(candidates))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			target := resolvePath(base, c.path)
			if ep, ok := d.testEndpoint(ctx, target, baselines); ok {
				ep.Path = c.path
				ep.Source = c.source
				found[i] = ep
			}
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	for _, ep := range found {
		if ep == nil || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		result.Endpoints = append(result.Endpoints, *ep)
		d.logger.Infow("GraphQL endpoint found", "url", ep.URL, "detection", ep.Detection)
	}
	result.Elapsed = time.Since(start)

	d.logger.FinishOperation(ctx, span, "graphql.Discover", start, ctx.Err(),
		"tested", result.Tested,
		"found", len(result.Endpoints),
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// baselines fingerprints the response of a random path for each detection query.
func (d *Discoverer) baselines(ctx context.Context, base *url.URL) []baseline {
	random := resolvePath(base, "/"+uuid.NewString())
	out := make([]baseline, len(detectionQueries))
	for i, q := range detectionQueries {
		resp, err := d.client.Query(ctx, random, q)
		if err != nil {
			continue
		}
		out[i] = baseline{status: resp.Status, hash: murmur3.Sum64(resp.Raw)}
		_, out[i].ok = looksLikeGraphQL(resp, "")
	}
	return out
}

func (d *Discoverer) testEndpoint(ctx context.Context, target string, baselines []baseline) (*Endpoint, bool) {
	for i, q := range detectionQueries {
		resp, err := d.client.Query(ctx, target, q)
		if err != nil {
			d.logger.Debugw("Discovery request failed", "url", target, "error", err.Error())
			return nil, false
		}

		how, ok := looksLikeGraphQL(resp, pathOf(target))
		if !ok {
			continue
		}
		if b := baselines[i]; b.status == resp.Status && b.hash == murmur3.Sum64(resp.Raw) && b.status != 0 {
			d.logger.Debugw("Rejecting catch-all response", "url", target)
			return nil, false
		}
		return &Endpoint{URL: target, Status: resp.Status, Detection: how}, true
	}
	return nil, false
}

// looksLikeGraphQL applies the envelope check first, then looser keyword checks
// for servers that hide behind HTML or plain-text errors. The request path is
// removed from the body first so echoing error pages do not match on it.
func looksLikeGraphQL(resp *Response, path string) (string, bool) {
	if resp.IsGraphQL() {
		return "envelope", true
	}
	if resp.Status == http.StatusNotFound || resp.Status == http.StatusMethodNotAllowed {
		return "", false
	}
	lower := strings.ToLower(string(resp.Raw))
	if path != "" && path != "/" {
		lower = strings.ReplaceAll(lower, strings.ToLower(path), "")
	}
	for _, m := range graphqlMarkers {
		if strings.Contains(lower, m) {
			return "keyword", true
		}
	}
	if strings.Contains(resp.ContentType(), "json") && errorsArrayRe.Match(resp.Raw) {
		return "errors_array", true
	}
	return "", false
}

// scanHints collects GraphQL-looking paths from the homepage, robots.txt and sitemap.xml.
func (d *Discoverer) scanHints(ctx context.Context, base *url.URL) []string {
	var hints []string
	for _, p := range []string{"/", "/robots.txt", "/sitemap.xml"} {
		resp, err := d.client.Send(ctx, RawRequest{
			Method: http.MethodGet,
			URL:    resolvePath(base, p),
			Header: http.Header{"Accept": []string{"*/*"}},
		})
		if err != nil || resp.Status >= 400 {
			continue
		}
		hints = append(hints, ExtractHints(base, resp.Raw, resp.ContentType())...)
	}
	return dedupe(hints)
}

// ExtractHints returns same-host paths mentioning graphql. HTML documents are
// parsed for link, script and form targets; every body is also scanned as text.
func ExtractHints(base *url.URL, body []byte, contentType string) []string {
	var hints []string

	if strings.Contains(contentType, "html") || bytes.Contains(bytes.ToLower(body[:min(len(body), 512)]), []byte("<html")) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			doc.Find("a[href], link[href], script[src], form[action], iframe[src]").Each(func(_ int, s *goquery.Selection) {
				for _, attr := range []string{"href", "src", "action"} {
					v, ok := s.Attr(attr)
					if !ok {
						continue
					}
					if p, ok := sameHostPath(base, v); ok && strings.Contains(strings.ToLower(p), "graphql") {
						hints = append(hints, p)
					}
				}
			})
			doc.Find("script").Each(func(_ int, s *goquery.Selection) {
				hints = append(hints, hintPattern.FindAllString(s.Text(), -1)...)
			})
		}
	}

	hints = append(hints, hintPattern.FindAllString(string(body), -1)...)
	return dedupe(hints)
}

func sameHostPath(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Host != base.Host {
		return "", false
	}
	if abs.Path == "" {
		return "/", true
	}
	return abs.Path, true
}

func pathOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Path
}

func resolvePath(base *url.URL, p string) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(p, "/")
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func mergePaths(common, hinted, extra []string) []candidatePath {
	var out []candidatePath
	seen := make(map[string]bool)
	add := func(paths []string, source string) {
		for _, p := range paths {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, candidatePath{path: p, source: source})
		}
	}
	add(common, "common")
	add(hinted, "hint")
	add(extra, "wordlist")
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
