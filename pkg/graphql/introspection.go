package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

// ErrIntrospectionDisabled is returned when the endpoint answers without a __schema.
var ErrIntrospectionDisabled = errors.New("introspection disabled")

const IntrospectionQuery = `query IntrospectionQuery {
  __schema {
    queryType { name }
    mutationType { name }
    subscriptionType { name }
    types { ...FullType }
    directives {
      name
      description
      locations
      args { ...InputValue }
    }
  }
}

fragment FullType on __Type {
  kind
  name
  description
  fields(includeDeprecated: true) {
    name
    description
    args { ...InputValue }
    type { ...TypeRef }
    isDeprecated
    deprecationReason
  }
  inputFields { ...InputValue }
  interfaces { ...TypeRef }
  enumValues(includeDeprecated: true) {
    name
    description
    isDeprecated
    deprecationReason
  }
  possibleTypes { ...TypeRef }
}

fragment InputValue on __InputValue {
  name
  description
  type { ...TypeRef }
  defaultValue
}

fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType {
          kind
          name
          ofType {
            kind
            name
            ofType {
              kind
              name
            }
          }
        }
      }
    }
  }
}`

type Schema struct {
	QueryType        *NamedType            `json:"queryType"`
	MutationType     *NamedType            `json:"mutationType"`
	SubscriptionType *NamedType            `json:"subscriptionType"`
	Types            []TypeDefinition      `json:"types"`
	Directives       []DirectiveDefinition `json:"directives"`
}

type NamedType struct {
	Name string `json:"name"`
}

type TypeDefinition struct {
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Fields        []FieldDefinition `json:"fields"`
	InputFields   []InputValue      `json:"inputFields"`
	Interfaces    []TypeRef         `json:"interfaces"`
	EnumValues    []EnumValue       `json:"enumValues"`
	PossibleTypes []TypeRef         `json:"possibleTypes"`
}

type FieldDefinition struct {
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	Args              []InputValue `json:"args"`
	Type              TypeRef      `json:"type"`
	IsDeprecated      bool         `json:"isDeprecated"`
	DeprecationReason string       `json:"deprecationReason"`
}

type InputValue struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Type         TypeRef `json:"type"`
	DefaultValue *string `json:"defaultValue"`
}

type TypeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	OfType *TypeRef `json:"ofType"`
}

// String renders the reference in SDL notation, e.g. [String!]!.
func (t TypeRef) String() string {
	switch t.Kind {
	case "NON_NULL":
		if t.OfType != nil {
			return t.OfType.String() + "!"
		}
	case "LIST":
		if t.OfType != nil {
			return "[" + t.OfType.String() + "]"
		}
	}
	return t.Name
}

type EnumValue struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	IsDeprecated      bool   `json:"isDeprecated"`
	DeprecationReason string `json:"deprecationReason"`
}

type DirectiveDefinition struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Locations   []string     `json:"locations"`
	Args        []InputValue `json:"args"`
}

// Type returns the named type definition, or nil.
func (s *Schema) Type(name string) *TypeDefinition {
	for i := range s.Types {
		if s.Types[i].Name == name {
			return &s.Types[i]
		}
	}
	return nil
}

// Introspect runs the full introspection query and decodes the schema.
func (c *Client) Introspect(ctx context.Context, endpoint string) (*Schema, error) {
	resp, err := c.Execute(ctx, endpoint, Request{Query: IntrospectionQuery, OperationName: "IntrospectionQuery"})
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(resp)
}

// SchemaTypesQuery is the smallest document that still reads __schema. It is
// replayed over every technique when the full introspection query is refused.
const SchemaTypesQuery = "{ __schema { types { name } } }"

// ReplayIntrospection sends SchemaTypesQuery to endpoint once per technique and
// returns the techniques whose response carried a __schema. token may be nil.
func (c *Client) ReplayIntrospection(ctx context.Context, endpoint string, techniques []Technique, token *jwt.Token) []Technique {
	var accepted []Technique
	for _, tech := range techniques {
		if ctx.Err() != nil {
			break
		}
		rr, err := BuildRequest(endpoint, SchemaTypesQuery, tech)
		if err != nil {
			continue
		}
		if token != nil {
			rr.Header.Set("Authorization", "Bearer "+token.Raw())
		}
		resp, err := c.Send(ctx, rr)
		if err != nil {
			c.logger.Debugw("Introspection replay failed", "technique", tech.Name, "error", err.Error())
			continue
		}
		if hasSchema(resp) {
			accepted = append(accepted, tech)
		}
	}
	return accepted
}

func hasSchema(resp *Response) bool {
	if !resp.HasData() {
		return false
	}
	var data struct {
		Schema json.RawMessage `json:"__schema"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false
	}
	return len(data.Schema) > 0 && string(data.Schema) != "null"
}

// IntrospectionBypassFindings reports the techniques that returned a schema
// after the full introspection query was refused.
func IntrospectionBypassFindings(endpoint string, accepted []Technique) []types.Finding {
	if len(accepted) == 0 {
		return nil
	}
	names := make([]string, len(accepted))
	for i, tech := range accepted {
		names[i] = tech.String()
	}
	return []types.Finding{{
		Tool:     "graphql",
		Type:     "graphql_introspection_bypass",
		Severity: types.SeverityHigh,
		Title:    "GraphQL Introspection Block Bypassed",
		Description: "The full introspection query was refused, but a reduced __schema query " +
			"returned schema data over another transport or query shape.",
		Evidence: fmt.Sprintf("Query: %s\nAccepted: %s", SchemaTypesQuery, strings.Join(names, "; ")),
		Solution: "Disable introspection in the GraphQL engine itself rather than filtering " +
			"the IntrospectionQuery operation name or one transport.",
		Endpoint:       endpoint,
		Exploitability: types.ExploitEasy,
		Exposure:       types.ExposurePublic,
		Confidence:     0.9,
		Metadata:       map[string]interface{}{"techniques": names},
	}}
}

// ParseIntrospection extracts the schema from an introspection response.
func ParseIntrospection(resp *Response) (*Schema, error) {
	if !resp.HasData() {
		if resp.HasErrors() {
			return nil, fmt.Errorf("%w: %s", ErrIntrospectionDisabled, resp.Errors[0].Message)
		}
		return nil, fmt.Errorf("%w: status %d", ErrIntrospectionDisabled, resp.Status)
	}

	var data struct {
		Schema *Schema `json:"__schema"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode introspection data: %w", err)
	}
	if data.Schema == nil {
		return nil, ErrIntrospectionDisabled
	}
	return data.Schema, nil
}

// SchemaEntry locates one interesting element of a schema.
type SchemaEntry struct {
	Type        string         `json:"type" yaml:"type"`
	Field       string         `json:"field" yaml:"field"`
	Argument    string         `json:"argument,omitempty" yaml:"argument,omitempty"`
	ArgType     string         `json:"arg_type,omitempty" yaml:"arg_type,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Detail      string         `json:"detail,omitempty" yaml:"detail,omitempty"`
	Severity    types.Severity `json:"severity" yaml:"severity"`
}

// Path renders the entry as Type.field or Type.field(arg: Type).
func (e SchemaEntry) Path() string {
	if e.Argument != "" {
		return fmt.Sprintf("%s.%s(%s: %s)", e.Type, e.Field, e.Argument, e.ArgType)
	}
	return e.Type + "." + e.Field
}

type SchemaAnalysis struct {
	QueryType           string         `json:"query_type,omitempty" yaml:"query_type,omitempty"`
	MutationType        string         `json:"mutation_type,omitempty" yaml:"mutation_type,omitempty"`
	SubscriptionType    string         `json:"subscription_type,omitempty" yaml:"subscription_type,omitempty"`
	TypeCount           int            `json:"type_count" yaml:"type_count"`
	KindCounts          map[string]int `json:"kind_counts" yaml:"kind_counts"`
	DirectiveCount      int            `json:"directive_count" yaml:"directive_count"`
	SensitiveFields     []SchemaEntry  `json:"sensitive_fields" yaml:"sensitive_fields"`
	AuthFlows           []SchemaEntry  `json:"auth_flows" yaml:"auth_flows"`
	DangerousMutations  []SchemaEntry  `json:"dangerous_mutations" yaml:"dangerous_mutations"`
	DeprecatedFields    []SchemaEntry  `json:"deprecated_fields" yaml:"deprecated_fields"`
	InjectionCandidates []SchemaEntry  `json:"injection_candidates" yaml:"injection_candidates"`
	DefaultValueLeaks   []SchemaEntry  `json:"default_value_leaks" yaml:"default_value_leaks"`
}

var (
	sensitiveKeywords = []string{
		"user", "admin", "password", "token", "secret", "key", "credential",
		"role", "account", "email", "phone", "ssn", "credit",
	}
	authKeywords = []string{
		"login", "auth", "authenticate", "jwt", "session", "signin", "signup", "register", "oauth",
	}
	dangerousMutations = []string{"delete", "drop", "createadmin", "reset", "truncate", "execute"}
	injectionArgs      = []string{"query", "where", "filter", "search", "command", "expression"}
	injectionTypes     = []string{"String", "ID", "JSON", "Upload"}
	leakKeywords       = []string{"key", "secret", "token"}
)

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// AnalyzeSchema walks every non-introspection type and flags fields worth a
// closer look.
func AnalyzeSchema(s *Schema) *SchemaAnalysis {
	a := &SchemaAnalysis{KindCounts: make(map[string]int)}
	if s == nil {
		return a
	}
	if s.QueryType != nil {
		a.QueryType = s.QueryType.Name
	}
	if s.MutationType != nil {
		a.MutationType = s.MutationType.Name
	}
	if s.SubscriptionType != nil {
		a.SubscriptionType = s.SubscriptionType.Name
	}
	a.TypeCount = len(s.Types)
	a.DirectiveCount = len(s.Directives)

	for _, t := range s.Types {
		a.KindCounts[t.Kind]++
		if strings.HasPrefix(t.Name, "__") {
			continue
		}
		isMutationRoot := t.Kind == "OBJECT" && (t.Name == a.MutationType || strings.Contains(t.Name, "Mutation"))

		for _, f := range t.Fields {
			name := strings.ToLower(f.Name)
			desc := strings.ToLower(f.Description)
			entry := SchemaEntry{Type: t.Name, Field: f.Name, Description: f.Description}

			if containsAny(name, sensitiveKeywords) || containsAny(desc, sensitiveKeywords) {
				e := entry
				e.Severity = types.SeverityHigh
				a.SensitiveFields = append(a.SensitiveFields, e)
			}
			if containsAny(name, authKeywords) || containsAny(desc, authKeywords) {
				e := entry
				e.Severity = types.SeverityHigh
				a.AuthFlows = append(a.AuthFlows, e)
			}
			if isMutationRoot && containsAny(name, dangerousMutations) {
				e := entry
				e.Severity = types.SeverityCritical
				a.DangerousMutations = append(a.DangerousMutations, e)
			}
			if f.IsDeprecated {
				e := entry
				e.Severity = types.SeverityMedium
				e.Detail = f.DeprecationReason
				a.DeprecatedFields = append(a.DeprecatedFields, e)
			}

			for _, arg := range f.Args {
				argType := arg.Type.String()
				if containsAny(strings.ToLower(arg.Name), injectionArgs) && containsAny(argType, injectionTypes) {
					a.InjectionCandidates = append(a.InjectionCandidates, SchemaEntry{
						Type:     t.Name,
						Field:    f.Name,
						Argument: arg.Name,
						ArgType:  argType,
						Severity: types.SeverityMedium,
					})
				}
				if arg.DefaultValue != nil && containsAny(strings.ToLower(*arg.DefaultValue), leakKeywords) {
					a.DefaultValueLeaks = append(a.DefaultValueLeaks, SchemaEntry{
						Type:     t.Name,
						Field:    f.Name,
						Argument: arg.Name,
						ArgType:  argType,
						Detail:   *arg.DefaultValue,
						Severity: types.SeverityHigh,
					})
				}
			}
		}
	}
	return a
}

func entryPaths(entries []SchemaEntry) string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path())
	}
	return strings.Join(paths, "\n")
}

// Findings reports introspection exposure plus one finding per non-empty category.
func (a *SchemaAnalysis) Findings(endpoint string) []types.Finding {
	findings := []types.Finding{{
		Tool:     "graphql",
		Type:     "graphql_introspection_enabled",
		Severity: types.SeverityHigh,
		Title:    "GraphQL Introspection Enabled",
		Description: "The full schema can be retrieved with an introspection query, giving attackers " +
			"a complete map of types, operations and arguments.",
		Evidence: fmt.Sprintf("Types: %d, Query root: %s, Mutation root: %s",
			a.TypeCount, a.QueryType, a.MutationType),
		Solution:       "Disable introspection in production or restrict it to trusted clients.",
		Endpoint:       endpoint,
		Exploitability: types.ExploitTrivial,
		Exposure:       types.ExposurePublic,
		Confidence:     1.0,
	}}

	add := func(kind, title, description string, sev types.Severity, exp types.Exploitability, entries []SchemaEntry) {
		if len(entries) == 0 {
			return
		}
		findings = append(findings, types.Finding{
			Tool:           "graphql",
			Type:           kind,
			Severity:       sev,
			Title:          title,
			Description:    description,
			Evidence:       truncate(entryPaths(entries), 2000),
			Endpoint:       endpoint,
			Exploitability: exp,
			Exposure:       types.ExposurePublic,
			Confidence:     0.6,
			Metadata:       map[string]interface{}{"count": len(entries)},
		})
	}

	add("graphql_dangerous_mutations", "Destructive Mutations Exposed in Schema",
		"Mutations that delete, reset or execute were found on the mutation root.",
		types.SeverityCritical, types.ExploitModerate, a.DangerousMutations)
	add("graphql_default_value_leak", "Secrets in Argument Default Values",
		"Argument default values mention keys, secrets or tokens.",
		types.SeverityHigh, types.ExploitEasy, a.DefaultValueLeaks)
	add("graphql_sensitive_fields", "Sensitive Fields Exposed in Schema",
		"Fields referencing users, credentials or personal data are part of the public schema.",
		types.SeverityMedium, types.ExploitModerate, a.SensitiveFields)
	add("graphql_auth_flows", "Authentication Operations Exposed",
		"Login, session and token operations are reachable and are candidates for credential attacks.",
		types.SeverityMedium, types.ExploitModerate, a.AuthFlows)
	add("graphql_injection_candidates", "Free-form Filter Arguments",
		"String-typed query, filter or search arguments may be passed to a backend query language.",
		types.SeverityMedium, types.ExploitHard, a.InjectionCandidates)
	add("graphql_deprecated_fields", "Deprecated GraphQL Fields Exposed",
		"Deprecated fields are still served and may follow older, less reviewed code paths.",
		types.SeverityLow, types.ExploitHard, a.DeprecatedFields)

	return findings
}
