package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
	"golang.org/x/sync/errgroup"
)

var builtinFields = []string{
	"user", "users", "me", "profile", "admin", "auth", "login", "currentUser",
	"resetPassword", "refreshToken", "products", "orders", "customers", "account",
	"team", "members", "organization", "session", "sessions", "roles", "permissions",
	"settings", "config", "posts", "verify",
}

var probeFields = []string{"idontexist123", "fakeQuery", "randomTest"}

var (
	cannotQueryRe = regexp.MustCompile(`Cannot query field "([^"]+)"`)
	didYouMeanRe  = regexp.MustCompile(`Did you mean (.+?)\?`)
	quotedRe      = regexp.MustCompile(`"([_A-Za-z][_0-9A-Za-z]*)"`)
)

// Discovery sources, in increasing confidence.
const (
	SourceSuggestion = "suggestion"
	SourceSpray      = "spray"
	SourceRoot       = "root_type"
)

var sourceConfidence = map[string]int{
	SourceSuggestion: 50,
	SourceSpray:      70,
	SourceRoot:       100,
}

type DiscoveredField struct {
	Confidence int    `json:"confidence" yaml:"confidence"`
	Source     string `json:"source" yaml:"source"`
}

type SensitiveOperation struct {
	Operation string         `json:"operation" yaml:"operation"`
	Risk      string         `json:"risk" yaml:"risk"`
	Severity  types.Severity `json:"severity" yaml:"severity"`
}

type Enumeration struct {
	Endpoint            string                     `json:"endpoint" yaml:"endpoint"`
	RootTypes           map[string]string          `json:"root_types" yaml:"root_types"`
	Queries             map[string]DiscoveredField `json:"queries" yaml:"queries"`
	Mutations           map[string]DiscoveredField `json:"mutations" yaml:"mutations"`
	SensitiveOperations []SensitiveOperation       `json:"sensitive_operations" yaml:"sensitive_operations"`
	Requests            int                        `json:"requests" yaml:"requests"`
	Elapsed             time.Duration              `json:"elapsed_ns" yaml:"elapsed_ns"`

	mu sync.Mutex
}

func (e *Enumeration) addQuery(name, source string) {
	e.add(e.Queries, name, source)
}

func (e *Enumeration) add(m map[string]DiscoveredField, name, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conf := sourceConfidence[source]
	if cur, ok := m[name]; ok && cur.Confidence >= conf {
		return
	}
	m[name] = DiscoveredField{Confidence: conf, Source: source}
}

// QueryNames returns discovered query field names sorted alphabetically.
func (e *Enumeration) QueryNames() []string {
	names := make([]string, 0, len(e.Queries))
	for n := range e.Queries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type EnumeratorConfig struct {
	Concurrency int
	ExtraFields []string
	Logger      *logger.Logger
}

// Enumerator maps a schema without relying on introspection.
type Enumerator struct {
	client *Client
	cfg    EnumeratorConfig
	logger *logger.Logger
}

func NewEnumerator(client *Client, cfg EnumeratorConfig) *Enumerator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Enumerator{client: client, cfg: cfg, logger: log.WithComponent("enumerator")}
}

// Enumerate runs root-type discovery, suggestion harvesting and a field spray
// concurrently. Failed requests reduce what is found; they never fail the run.
func (e *Enumerator) Enumerate(ctx context.Context, endpoint string) (*Enumeration, error) {
	start := time.Now()
	ctx, span := e.logger.StartOperation(ctx, "graphql.Enumerate", "endpoint", endpoint)

	res := &Enumeration{
		Endpoint:  endpoint,
		RootTypes: make(map[string]string),
		Queries:   make(map[string]DiscoveredField),
		Mutations: make(map[string]DiscoveredField),
	}

	var requests atomic.Int64
	query := func(ctx context.Context, q string) (*Response, error) {
		requests.Add(1)
		return e.client.Query(ctx, endpoint, q)
	}

	var g errgroup.Group
	g.Go(func() error {
		e.rootTypes(ctx, query, res)
		return nil
	})
	g.Go(func() error {
		e.suggestions(ctx, query, res)
		return nil
	})
	g.Go(func() error {
		e.spray(ctx, query, res)
		return nil
	})
	_ = g.Wait()

	res.Requests = int(requests.Load())
	res.SensitiveOperations = DetectSensitiveOperations(res)
	res.Elapsed = time.Since(start)

	e.logger.FinishOperation(ctx, span, "graphql.Enumerate", start, ctx.Err(),
		"queries", len(res.Queries),
		"mutations", len(res.Mutations),
		"sensitive", len(res.SensitiveOperations),
	)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

type queryFunc func(ctx context.Context, q string) (*Response, error)

func (e *Enumerator) rootTypes(ctx context.Context, query queryFunc, res *Enumeration) {
	resp, err := query(ctx, "{ __schema { queryType { name } mutationType { name } subscriptionType { name } } }")
	if err != nil || !resp.HasData() {
		return
	}
	var data struct {
		Schema struct {
			QueryType        *NamedType `json:"queryType"`
			MutationType     *NamedType `json:"mutationType"`
			SubscriptionType *NamedType `json:"subscriptionType"`
		} `json:"__schema"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return
	}

	roots := map[string]*NamedType{
		"query":        data.Schema.QueryType,
		"mutation":     data.Schema.MutationType,
		"subscription": data.Schema.SubscriptionType,
	}
	res.mu.Lock()
	for kind, t := range roots {
		if t != nil && t.Name != "" {
			res.RootTypes[kind] = t.Name
		}
	}
	res.mu.Unlock()

	if t := data.Schema.MutationType; t != nil && t.Name != "" {
		e.mutationFields(ctx, query, res, t.Name)
	}
}

// mutationFields lists mutation root fields via __type, which some servers
// still answer with full introspection disabled.
func (e *Enumerator) mutationFields(ctx context.Context, query queryFunc, res *Enumeration, root string) {
	resp, err := query(ctx, fmt.Sprintf(`{ __type(name: %q) { fields { name } } }`, root))
	if err != nil || !resp.HasData() {
		return
	}
	var data struct {
		Type *struct {
			Fields []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"__type"`
	}
	if json.Unmarshal(resp.Data, &data) != nil || data.Type == nil {
		return
	}
	for _, f := range data.Type.Fields {
		res.add(res.Mutations, f.Name, SourceRoot)
	}
}

// suggestions harvests "Did you mean" hints from errors on bogus fields.
func (e *Enumerator) suggestions(ctx context.Context, query queryFunc, res *Enumeration) {
	for _, f := range probeFields {
		resp, err := query(ctx, fmt.Sprintf("query { %s }", f))
		if err != nil {
			continue
		}
		for _, name := range ParseSuggestions(resp.ErrorMessages()) {
			res.addQuery(name, SourceSuggestion)
		}
	}
}

// ParseSuggestions extracts field names from "Did you mean" error text.
func ParseSuggestions(messages []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range messages {
		for _, match := range didYouMeanRe.FindAllStringSubmatch(m, -1) {
			for _, q := range quotedRe.FindAllStringSubmatch(match[1], -1) {
				if !seen[q[1]] {
					seen[q[1]] = true
					out = append(out, q[1])
				}
			}
		}
	}
	return out
}

func (e *Enumerator) spray(ctx context.Context, query queryFunc, res *Enumeration) {
	fields := mergeFields(builtinFields, e.cfg.ExtraFields)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, field := range fields {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			resp, err := query(ctx, fmt.Sprintf("query { %s { __typename } }", field))
			if err != nil {
				return nil
			}
			if FieldExists(resp, field) {
				res.addQuery(field, SourceSpray)
			}
			for _, name := range ParseSuggestions(resp.ErrorMessages()) {
				res.addQuery(name, SourceSuggestion)
			}
			return nil
		})
	}
	_ = g.Wait()
}

var undefinedFieldMarkers = []string{
	"doesn't exist", "does not exist", "fieldundefined", "unknown field", "is not defined",
}

// FieldExists reports whether a probe for field was answered by a GraphQL
// server without an undefined-field validation error naming it.
func FieldExists(resp *Response, field string) bool {
	if !resp.IsGraphQL() {
		return false
	}
	for _, m := range resp.ErrorMessages() {
		for _, match := range cannotQueryRe.FindAllStringSubmatch(m, -1) {
			if match[1] == field {
				return false
			}
		}
		lower := strings.ToLower(m)
		if strings.Contains(lower, strings.ToLower(field)) && containsAny(lower, undefinedFieldMarkers) {
			return false
		}
	}
	return true
}

func mergeFields(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, list := range [][]string{base, extra} {
		for _, f := range list {
			f = strings.TrimSpace(f)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

var sensitiveCategories = []struct {
	risk     string
	severity types.Severity
	keywords []string
}{
	{"dangerous_mutations", types.SeverityCritical, []string{"delete", "drop", "remove", "truncate", "createadmin", "updatepassword"}},
	{"auth", types.SeverityHigh, []string{"auth", "login", "signup", "register", "session", "jwt", "token"}},
	{"info_disclosure", types.SeverityMedium, []string{"user", "email", "password", "admin", "key", "secret", "credential"}},
}

// DetectSensitiveOperations classifies discovered queries and mutations by
// keyword. An operation may appear once per matching category.
func DetectSensitiveOperations(res *Enumeration) []SensitiveOperation {
	names := res.QueryNames()
	for n := range res.Mutations {
		if _, dup := res.Queries[n]; !dup {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var ops []SensitiveOperation
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, cat := range sensitiveCategories {
			if containsAny(lower, cat.keywords) {
				ops = append(ops, SensitiveOperation{Operation: name, Risk: cat.risk, Severity: cat.severity})
			}
		}
	}
	return ops
}

// Findings reports suggestion leakage and sensitive operations.
func (e *Enumeration) Findings() []types.Finding {
	var findings []types.Finding

	var suggested []string
	for _, n := range e.QueryNames() {
		if e.Queries[n].Source == SourceSuggestion {
			suggested = append(suggested, n)
		}
	}
	if len(suggested) > 0 {
		findings = append(findings, types.Finding{
			Tool:     "graphql",
			Type:     "graphql_field_suggestions",
			Severity: types.SeverityLow,
			Title:    "GraphQL Field Suggestions Enabled",
			Description: "Validation errors include \"Did you mean\" suggestions, which leak field names " +
				"even when introspection is disabled.",
			Evidence:       strings.Join(suggested, ", "),
			Solution:       "Disable field suggestions in production.",
			Endpoint:       e.Endpoint,
			Exploitability: types.ExploitEasy,
			Exposure:       types.ExposurePublic,
			Confidence:     0.9,
		})
	}

	for _, op := range e.SensitiveOperations {
		findings = append(findings, types.Finding{
			Tool:           "graphql",
			Type:           "graphql_sensitive_operation",
			Severity:       op.Severity,
			Title:          fmt.Sprintf("Sensitive Operation Reachable: %s", op.Operation),
			Description:    fmt.Sprintf("Operation %q matches the %s category.", op.Operation, op.Risk),
			Endpoint:       e.Endpoint,
			Exploitability: types.ExploitModerate,
			Exposure:       types.ExposurePublic,
			Confidence:     0.5,
			Metadata:       map[string]interface{}{"risk": op.Risk},
		})
	}
	return findings
}
