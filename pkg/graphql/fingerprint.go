package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	FeatureSubscriptions    = "subscriptions"
	FeatureBatching         = "batch_ops"
	FeatureDeferStream      = "defer_stream"
	FeaturePersistedQueries = "persisted_queries"
)

type implementation struct {
	name       string
	indicators []string
	confidence int
}

// Indicators are matched case-insensitively against response bodies and headers.
var implementations = []implementation{
	{"Apollo Server", []string{"apollo-tracing", "apollo-server", "apollo-require-preflight"}, 85},
	{"Hasura", []string{"x-hasura-role", "hasura", "validation-failed"}, 90},
	{"AWS AppSync", []string{"appsync-api", "x-amzn-requestid", "x-amzn-appsync"}, 95},
	{"graphql-js", []string{"syntax error: expected", "graphqlerror"}, 70},
	{"GraphQL Java", []string{"validationerror", "graphql-java", "invalidsyntax"}, 80},
	{"Sangria (Scala)", []string{"sangria"}, 60},
	{"HotChocolate (.NET)", []string{"hotchocolate", "banana cake pop", "hc0011"}, 75},
	{"NestJS GraphQL", []string{"nestjs", "@nestjs/graphql"}, 60},
	{"Mercurius (Fastify)", []string{"mercurius"}, 65},
	{"graphql-go", []string{"graphql-go", "graph-gophers"}, 60},
	{"gqlgen", []string{"gqlgen", "99designs"}, 70},
	{"GraphQL Yoga", []string{"graphql-yoga", "yoga"}, 70},
}

var knownIssues = map[string][]string{
	"apollo": {
		"CVE-2020-3435: Apollo CSRF",
		"CVE-2021-21295: Apollo introspection bypass",
	},
	"hasura":     {"CVE-2020-17310: JWT bypass"},
	"graphql-js": {"CVE-2019-9196: DoS via deeply nested queries"},
}

var versionPattern = regexp.MustCompile(`\bv?\d+\.\d+\.\d+\b`)

type Fingerprint struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`
	Implementation string            `json:"implementation" yaml:"implementation"`
	Confidence     int               `json:"confidence" yaml:"confidence"`
	Version        string            `json:"version,omitempty" yaml:"version,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Features       []string          `json:"features" yaml:"features"`
	Subprotocol    string            `json:"subprotocol,omitempty" yaml:"subprotocol,omitempty"`
	KnownIssues    []string          `json:"known_issues,omitempty" yaml:"known_issues,omitempty"`
}

func (f *Fingerprint) HasFeature(name string) bool {
	for _, feat := range f.Features {
		if feat == name {
			return true
		}
	}
	return false
}

type Fingerprinter struct {
	client           *Client
	dialer           *websocket.Dialer
	logger           *logger.Logger
	handshakeTimeout time.Duration
}

func NewFingerprinter(client *Client, log *logger.Logger) *Fingerprinter {
	if log == nil {
		log = logger.Nop()
	}
	return &Fingerprinter{
		client: client,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
			Subprotocols:     []string{"graphql-transport-ws", "graphql-ws"},
		},
		logger:           log.WithComponent("fingerprint"),
		handshakeTimeout: 5 * time.Second,
	}
}

// Fingerprint identifies the server implementation and probes optional
// features concurrently. It fails only when the endpoint cannot be reached at all.
func (f *Fingerprinter) Fingerprint(ctx context.Context, endpoint string) (*Fingerprint, error) {
	start := time.Now()
	ctx, span := f.logger.StartOperation(ctx, "graphql.Fingerprint", "endpoint", endpoint)

	fp := &Fingerprint{Endpoint: endpoint, Implementation: "Unknown", Features: []string{}}

	basic, err := f.client.Query(ctx, endpoint, "query { __typename }")
	if err != nil {
		f.logger.FinishOperation(ctx, span, "graphql.Fingerprint", start, err)
		return nil, fmt.Errorf("endpoint unreachable: %w", err)
	}
	fp.Headers = flattenHeaders(basic.Header)

	var mu sync.Mutex
	evidence := []*Response{basic, nil, nil}
	addFeature := func(name string) {
		mu.Lock()
		fp.Features = append(fp.Features, name)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A malformed document makes most servers reveal their parser.
		evidence[1], _ = f.client.Query(gctx, endpoint, "query {")
		return nil
	})
	g.Go(func() error {
		evidence[2], _ = f.client.Query(gctx, endpoint, "query { __schema { types { name } } }")
		return nil
	})
	g.Go(func() error {
		if proto, ok := f.testSubscriptions(gctx, endpoint); ok {
			addFeature(FeatureSubscriptions)
			mu.Lock()
			fp.Subprotocol = proto
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		if f.testBatching(gctx, endpoint) {
			addFeature(FeatureBatching)
		}
		return nil
	})
	g.Go(func() error {
		if f.testDeferStream(gctx, endpoint) {
			addFeature(FeatureDeferStream)
		}
		return nil
	})
	g.Go(func() error {
		if f.testPersistedQueries(gctx, endpoint) {
			addFeature(FeaturePersistedQueries)
		}
		return nil
	})
	_ = g.Wait()
	sort.Strings(fp.Features)

	fp.Implementation, fp.Confidence = detectImplementation(evidence)
	fp.Version = detectVersion(evidence)
	fp.KnownIssues = KnownIssues(fp.Implementation)

	f.logger.FinishOperation(ctx, span, "graphql.Fingerprint", start, nil,
		"implementation", fp.Implementation,
		"confidence", fp.Confidence,
		"features", fp.Features,
	)
	return fp, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func haystack(r *Response) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(string(r.Raw)))
	for k, vs := range r.Header {
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(k))
		for _, v := range vs {
			b.WriteByte(' ')
			b.WriteString(strings.ToLower(v))
		}
	}
	return b.String()
}

// detectImplementation returns the highest-confidence implementation whose
// indicators appear in any response.
func detectImplementation(evidence []*Response) (string, int) {
	var text strings.Builder
	for _, r := range evidence {
		text.WriteString(haystack(r))
		text.WriteByte('\n')
	}
	all := text.String()

	best, conf := "Unknown", 0
	for _, impl := range implementations {
		for _, ind := range impl.indicators {
			if strings.Contains(all, ind) {
				if impl.confidence > conf {
					best, conf = impl.name, impl.confidence
				}
				break
			}
		}
	}
	return best, conf
}

func detectVersion(evidence []*Response) string {
	for _, r := range evidence {
		if r == nil {
			continue
		}
		for _, h := range []string{"Server", "X-Powered-By"} {
			if m := versionPattern.FindString(r.Header.Get(h)); m != "" {
				return m
			}
		}
	}
	for _, r := range evidence {
		if r == nil {
			continue
		}
		if m := versionPattern.Find(r.Raw); m != nil {
			return string(m)
		}
	}
	return ""
}

// KnownIssues maps an implementation name to published issues worth checking.
func KnownIssues(implementation string) []string {
	lower := strings.ToLower(implementation)
	keys := make([]string, 0, len(knownIssues))
	for k := range knownIssues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		if strings.Contains(lower, k) {
			out = append(out, knownIssues[k]...)
		}
	}
	return out
}

// websocketURL maps http(s) to ws(s), keeping host, path and query.
func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// testSubscriptions completes a websocket handshake offering the two common
// GraphQL subprotocols and reports which one the server picked.
func (f *Fingerprinter) testSubscriptions(ctx context.Context, endpoint string) (string, bool) {
	wsURL, err := websocketURL(endpoint)
	if err != nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, f.handshakeTimeout)
	defer cancel()

	header := http.Header{}
	if f.client.cfg.UserAgent != "" {
		header.Set("User-Agent", f.client.cfg.UserAgent)
	}
	conn, resp, err := f.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		f.logger.Debugw("Websocket handshake failed", "url", wsURL, "error", err.Error())
		return "", false
	}
	defer conn.Close()

	proto := conn.Subprotocol()
	if proto == "" {
		return "", false
	}

	// graphql-transport-ws expects connection_init first; the legacy
	// graphql-ws protocol uses the same message type.
	_ = conn.SetWriteDeadline(time.Now().Add(f.handshakeTimeout))
	if err := conn.WriteJSON(map[string]string{"type": "connection_init"}); err != nil {
		return proto, true
	}
	_ = conn.SetReadDeadline(time.Now().Add(f.handshakeTimeout))
	var msg struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&msg); err == nil {
		f.logger.Debugw("Websocket init acknowledged", "subprotocol", proto, "type", msg.Type)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return proto, true
}

func (f *Fingerprinter) testBatching(ctx context.Context, endpoint string) bool {
	body, _ := json.Marshal([]Request{
		{Query: "query { __typename }"},
		{Query: "query { __typename }"},
	})
	resp, err := f.client.Send(ctx, RawRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
	if err != nil || resp.Status != http.StatusOK {
		return false
	}
	var batch []json.RawMessage
	return json.Unmarshal(resp.Raw, &batch) == nil && len(batch) == 2
}

func (f *Fingerprinter) testDeferStream(ctx context.Context, endpoint string) bool {
	resp, err := f.client.Send(ctx, RawRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"multipart/mixed; deferSpec=20220824, application/json"},
		},
		Body: []byte(`{"query":"query { ... @defer { __typename } }"}`),
	})
	if err != nil || resp.Status != http.StatusOK {
		return false
	}
	if strings.HasPrefix(resp.ContentType(), "multipart/") {
		return true
	}
	for _, m := range resp.ErrorMessages() {
		lower := strings.ToLower(m)
		if strings.Contains(lower, "unknown directive") || strings.Contains(lower, "defer") {
			return false
		}
	}
	return resp.HasData()
}

func (f *Fingerprinter) testPersistedQueries(ctx context.Context, endpoint string) bool {
	resp, err := f.client.Send(ctx, RawRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"extensions":{"persistedQuery":{"version":1,"sha256Hash":"deadbeef"}}}`),
	})
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(resp.Raw))
	if strings.Contains(lower, "persistedquerynotsupported") || strings.Contains(lower, "not supported") {
		return false
	}
	return strings.Contains(lower, "persistedquerynotfound") || strings.Contains(lower, "persisted")
}

// Findings reports the identified implementation, enabled features and known issues.
func (fp *Fingerprint) Findings() []types.Finding {
	var findings []types.Finding
	if fp.Implementation != "Unknown" {
		findings = append(findings, types.Finding{
			Tool:           "graphql",
			Type:           "graphql_fingerprint",
			Severity:       types.SeverityInfo,
			Title:          fmt.Sprintf("GraphQL Implementation Identified: %s", fp.Implementation),
			Description:    "The server implementation could be inferred from response bodies and headers.",
			Evidence:       fmt.Sprintf("Confidence %d%%, version hint %q", fp.Confidence, fp.Version),
			Endpoint:       fp.Endpoint,
			Exploitability: types.ExploitHard,
			Exposure:       types.ExposurePublic,
			Confidence:     float64(fp.Confidence) / 100,
		})
	}
	if fp.HasFeature(FeatureBatching) {
		findings = append(findings, types.Finding{
			Tool:     "graphql",
			Type:     "graphql_batching_enabled",
			Severity: types.SeverityMedium,
			Title:    "GraphQL Query Batching Enabled",
			Description: "Array batching lets a single HTTP request carry many operations, which " +
				"defeats per-request rate limits on login or OTP mutations.",
			Solution:       "Disable batching or limit the number of operations per request.",
			Endpoint:       fp.Endpoint,
			Exploitability: types.ExploitEasy,
			Exposure:       types.ExposurePublic,
			Confidence:     0.9,
		})
	}
	if len(fp.KnownIssues) > 0 {
		findings = append(findings, types.Finding{
			Tool:           "graphql",
			Type:           "graphql_known_issues",
			Severity:       types.SeverityLow,
			Title:          "Implementation Has Published Issues",
			Description:    "The identified implementation has published vulnerabilities; confirm the deployed version.",
			Evidence:       strings.Join(fp.KnownIssues, "\n"),
			Endpoint:       fp.Endpoint,
			Exploitability: types.ExploitModerate,
			Exposure:       types.ExposurePublic,
			Confidence:     float64(fp.Confidence) / 100,
			References:     fp.KnownIssues,
		})
	}
	return findings
}
