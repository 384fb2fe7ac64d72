package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Encoding says where a technique puts the query document.
type Encoding string

const (
	EncodeJSON     Encoding = "json"      // JSON object body, query under Param
	EncodeDocument Encoding = "document"  // raw query document as the body
	EncodeForm     Encoding = "form"      // urlencoded body, query under Param
	EncodeURLQuery Encoding = "url_query" // query string parameter, no body
)

// Technique is one transport variation of the same GraphQL request.
type Technique struct {
	Name        string   `json:"name" yaml:"name"`
	Method      string   `json:"method" yaml:"method"`
	ContentType string   `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Encoding    Encoding `json:"encoding" yaml:"encoding"`
	Param       string   `json:"param,omitempty" yaml:"param,omitempty"`
}

func (t Technique) String() string {
	if t.ContentType == "" {
		return fmt.Sprintf("%s %s=", t.Method, t.Param)
	}
	return fmt.Sprintf("%s %s (%s)", t.Method, t.ContentType, t.Encoding)
}

// DefaultTechniques covers content-type, method and parameter-name variants.
func DefaultTechniques() []Technique {
	return []Technique{
		{Name: "post-json", Method: http.MethodPost, ContentType: "application/json", Encoding: EncodeJSON, Param: "query"},
		{Name: "post-graphql", Method: http.MethodPost, ContentType: "application/graphql", Encoding: EncodeDocument},
		{Name: "post-form", Method: http.MethodPost, ContentType: "application/x-www-form-urlencoded", Encoding: EncodeForm, Param: "query"},
		{Name: "post-text-plain", Method: http.MethodPost, ContentType: "text/plain", Encoding: EncodeJSON, Param: "query"},
		{Name: "get-query", Method: http.MethodGet, Encoding: EncodeURLQuery, Param: "query"},
		{Name: "get-q", Method: http.MethodGet, Encoding: EncodeURLQuery, Param: "q"},
		{Name: "get-gql", Method: http.MethodGet, Encoding: EncodeURLQuery, Param: "gql"},
		{Name: "post-json-q", Method: http.MethodPost, ContentType: "application/json", Encoding: EncodeJSON, Param: "q"},
		{Name: "post-json-gql", Method: http.MethodPost, ContentType: "application/json", Encoding: EncodeJSON, Param: "gql"},
	}
}

type Classification string

const (
	ClassData           Classification = "data"
	ClassErrors         Classification = "errors"
	ClassDataWithErrors Classification = "data_with_errors"
	ClassNonGraphQL     Classification = "non_graphql"
	ClassUnreachable    Classification = "unreachable"
)

// ProbeOutcome is the result of one technique. A transport failure is recorded
// in Error with Classification unreachable.
type ProbeOutcome struct {
	Technique      Technique      `json:"technique" yaml:"technique"`
	Status         int            `json:"status" yaml:"status"`
	Classification Classification `json:"classification" yaml:"classification"`
	HasData        bool           `json:"has_data" yaml:"has_data"`
	HasErrors      bool           `json:"has_errors" yaml:"has_errors"`
	ErrorMessages  []string       `json:"error_messages,omitempty" yaml:"error_messages,omitempty"`
	Latency        time.Duration  `json:"latency_ns" yaml:"latency_ns"`
	Authenticated  bool           `json:"authenticated" yaml:"authenticated"`
	Error          string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func (o ProbeOutcome) Reachable() bool { return o.Classification != ClassUnreachable }

// ProbeMetrics receives one call per finished technique.
type ProbeMetrics interface {
	RecordProbe(ctx context.Context, technique string, classification string)
}

type ProbeConfig struct {
	Query          string
	RequestTimeout time.Duration
	Concurrency    int
	Techniques     []Technique
	Metrics        ProbeMetrics
	Logger         *logger.Logger
}

func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Query:          "query { __typename }",
		RequestTimeout: 10 * time.Second,
		Concurrency:    4,
	}
}

// Prober replays one GraphQL query under every configured technique.
type Prober struct {
	client *Client
	cfg    ProbeConfig
	logger *logger.Logger
}

func NewProber(client *Client, cfg ProbeConfig) *Prober {
	def := DefaultProbeConfig()
	if cfg.Query == "" {
		cfg.Query = def.Query
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if len(cfg.Techniques) == 0 {
		cfg.Techniques = DefaultTechniques()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Prober{
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("auth-probe"),
	}
}

func (p *Prober) Techniques() []Technique {
	out := make([]Technique, len(p.cfg.Techniques))
	copy(out, p.cfg.Techniques)
	return out
}

// Probe sends one request per technique and returns one outcome per technique,
// in technique order. token may be nil to probe unauthenticated access.
func (p *Prober) Probe(ctx context.Context, endpoint string, token *jwt.Token) []ProbeOutcome {
	techniques := p.cfg.Techniques
	outcomes := make([]ProbeOutcome, len(techniques))

	ctx, span := p.logger.StartOperation(ctx, "graphql.Probe",
		"endpoint", endpoint,
		"techniques", len(techniques),
		"authenticated", token != nil,
	)
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, tech := range techniques {
		g.Go(func() error {
			outcomes[i] = p.probeOne(ctx, endpoint, tech, token)
			return nil
		})
	}
	_ = g.Wait()

	reachable := 0
	for _, o := range outcomes {
		if o.Reachable() {
			reachable++
		}
	}
	p.logger.FinishOperation(ctx, span, "graphql.Probe", start, nil,
		"reachable", reachable,
	)
	return outcomes
}

func (p *Prober) probeOne(ctx context.Context, endpoint string, tech Technique, token *jwt.Token) ProbeOutcome {
	out := ProbeOutcome{Technique: tech, Authenticated: token != nil}
	defer func() {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordProbe(ctx, tech.Name, string(out.Classification))
		}
	}()

	rr, err := BuildRequest(endpoint, p.cfg.Query, tech)
	if err != nil {
		out.Classification = ClassUnreachable
		out.Error = err.Error()
		return out
	}
	if token != nil {
		rr.Header.Set("Authorization", "Bearer "+token.Raw())
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Send(reqCtx, rr)
	out.Latency = time.Since(start)
	if err != nil {
		out.Classification = ClassUnreachable
		out.Error = err.Error()
		p.logger.Debugw("Probe technique unreachable",
			"technique", tech.Name,
			"error", err.Error(),
		)
		return out
	}

	out.Status = resp.Status
	out.HasData = resp.HasData()
	out.HasErrors = resp.HasErrors()
	out.ErrorMessages = resp.ErrorMessages()
	out.Classification = Classify(resp)
	return out
}

// Classify maps a response onto the outcome classes. A GraphQL envelope with
// neither data nor errors counts as non_graphql.
func Classify(resp *Response) Classification {
	if resp == nil {
		return ClassUnreachable
	}
	if !resp.IsGraphQL() {
		return ClassNonGraphQL
	}
	switch hasData, hasErrs := resp.HasData(), resp.HasErrors(); {
	case hasData && hasErrs:
		return ClassDataWithErrors
	case hasData:
		return ClassData
	case hasErrs:
		return ClassErrors
	default:
		return ClassNonGraphQL
	}
}

// BuildRequest renders query for endpoint according to tech.
func BuildRequest(endpoint, query string, tech Technique) (RawRequest, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return RawRequest{}, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	param := tech.Param
	if param == "" {
		param = "query"
	}
	rr := RawRequest{Method: tech.Method, Header: http.Header{}}
	if tech.ContentType != "" {
		rr.Header.Set("Content-Type", tech.ContentType)
	}

	switch tech.Encoding {
	case EncodeJSON:
		body, err := json.Marshal(map[string]string{param: query})
		if err != nil {
			return RawRequest{}, err
		}
		rr.Body = body
	case EncodeDocument:
		rr.Body = []byte(query)
	case EncodeForm:
		rr.Body = []byte(url.Values{param: []string{query}}.Encode())
	case EncodeURLQuery:
		q := u.Query()
		q.Set(param, query)
		u.RawQuery = q.Encode()
	default:
		return RawRequest{}, fmt.Errorf("unknown technique encoding %q", tech.Encoding)
	}

	rr.URL = u.String()
	return rr, nil
}

var authErrorPatterns = []string{
	"unauthorized", "forbidden", "authentication", "permission",
	"access denied", "not allowed", "login required", "invalid token",
	"unauthenticated", "insufficient privileges", "jwt",
}

func containsAuthError(messages []string) bool {
	for _, m := range messages {
		lower := strings.ToLower(m)
		for _, p := range authErrorPatterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return false
}

// ProbeFindings turns a probe sweep into findings. Data returned without a token
// is unauthenticated access; data returned by an alternate transport while the
// canonical JSON POST was refused is a transport bypass.
func ProbeFindings(endpoint string, outcomes []ProbeOutcome) []types.Finding {
	var findings []types.Finding
	if len(outcomes) == 0 {
		return nil
	}

	var (
		open      []string
		canonical *ProbeOutcome
	)
	for i := range outcomes {
		o := &outcomes[i]
		if o.Technique.Name == "post-json" {
			canonical = o
		}
		if o.HasData && !containsAuthError(o.ErrorMessages) {
			open = append(open, o.Technique.Name)
		}
	}

	if len(open) > 0 && !outcomes[0].Authenticated {
		findings = append(findings, types.Finding{
			Tool:     "graphql",
			Type:     "graphql_unauthenticated_access",
			Severity: types.SeverityHigh,
			Title:    "GraphQL Query Executed Without Authentication",
			Description: "The endpoint returned data for a query sent without any credentials. " +
				"Operations reachable this way are available to anyone who can reach the endpoint.",
			Evidence: fmt.Sprintf("Techniques returning data: %s", strings.Join(open, ", ")),
			Solution: "Require authentication for all non-public operations and enforce " +
				"field-level authorization in resolvers.",
			Endpoint:       endpoint,
			Exploitability: types.ExploitEasy,
			Exposure:       types.ExposurePublic,
			Confidence:     0.8,
			Metadata: map[string]interface{}{
				"techniques": open,
			},
		})
	}

	if canonical != nil && !canonical.HasData {
		var bypass []string
		for _, o := range outcomes {
			if o.Technique.Name != canonical.Technique.Name && o.HasData && !containsAuthError(o.ErrorMessages) {
				bypass = append(bypass, o.Technique.String())
			}
		}
		if len(bypass) > 0 {
			findings = append(findings, types.Finding{
				Tool:     "graphql",
				Type:     "graphql_transport_bypass",
				Severity: types.SeverityHigh,
				Title:    "Access Control Differs Between GraphQL Transports",
				Description: "A JSON POST was refused but the same query returned data over another " +
					"content type, method or parameter name.",
				Evidence: fmt.Sprintf("JSON POST: %s (status %d)\nAccepted: %s",
					canonical.Classification, canonical.Status, strings.Join(bypass, "; ")),
				Solution: "Apply authentication and CSRF checks in one middleware that runs for every " +
					"accepted transport, or disable the transports you do not need.",
				Endpoint:       endpoint,
				Exploitability: types.ExploitEasy,
				Exposure:       types.ExposurePublic,
				Confidence:     0.9,
			})
		}
	}

	return findings
}
