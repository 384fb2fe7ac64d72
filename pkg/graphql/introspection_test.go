package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) TypeRef { return TypeRef{Kind: "SCALAR", Name: name} }

func nonNull(t TypeRef) TypeRef { return TypeRef{Kind: "NON_NULL", OfType: &t} }

func listOf(t TypeRef) TypeRef { return TypeRef{Kind: "LIST", OfType: &t} }

func strPtr(s string) *string { return &s }

func testSchema() *Schema {
	return &Schema{
		QueryType:    &NamedType{Name: "Query"},
		MutationType: &NamedType{Name: "Mutation"},
		Types: []TypeDefinition{
			{
				Kind: "OBJECT",
				Name: "Query",
				Fields: []FieldDefinition{
					{Name: "me", Type: named("User")},
					{
						Name: "search",
						Type: listOf(named("Result")),
						Args: []InputValue{
							{Name: "filter", Type: nonNull(named("String"))},
							{Name: "limit", Type: named("Int")},
						},
					},
					{
						Name: "report",
						Type: named("String"),
						Args: []InputValue{{Name: "apiKey", Type: named("String"), DefaultValue: strPtr(`"secret-123"`)}},
					},
					{Name: "legacyFeed", Type: named("String"), IsDeprecated: true, DeprecationReason: "use feed"},
				},
			},
			{
				Kind: "OBJECT",
				Name: "Mutation",
				Fields: []FieldDefinition{
					{Name: "login", Type: named("String")},
					{Name: "deletePost", Type: named("Boolean")},
				},
			},
			{Kind: "OBJECT", Name: "User", Fields: []FieldDefinition{{Name: "email", Type: named("String")}}},
			{Kind: "OBJECT", Name: "__Type", Fields: []FieldDefinition{{Name: "userToken", Type: named("String")}}},
			{Kind: "SCALAR", Name: "String"},
		},
		Directives: []DirectiveDefinition{{Name: "deprecated"}},
	}
}

func TestTypeRefString(t *testing.T) {
	assert.Equal(t, "String", named("String").String())
	assert.Equal(t, "String!", nonNull(named("String")).String())
	assert.Equal(t, "[String!]!", nonNull(listOf(nonNull(named("String")))).String())
	assert.Equal(t, "", TypeRef{Kind: "LIST"}.String())
}

func TestAnalyzeSchema(t *testing.T) {
	a := AnalyzeSchema(testSchema())

	assert.Equal(t, "Query", a.QueryType)
	assert.Equal(t, "Mutation", a.MutationType)
	assert.Empty(t, a.SubscriptionType)
	assert.Equal(t, 5, a.TypeCount)
	assert.Equal(t, 4, a.KindCounts["OBJECT"])
	assert.Equal(t, 1, a.DirectiveCount)

	paths := func(entries []SchemaEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Path())
		}
		return out
	}

	assert.Equal(t, []string{"User.email"}, paths(a.SensitiveFields), "introspection types are skipped")
	assert.Equal(t, []string{"Mutation.login"}, paths(a.AuthFlows))
	assert.Equal(t, []string{"Mutation.deletePost"}, paths(a.DangerousMutations))
	assert.Equal(t, types.SeverityCritical, a.DangerousMutations[0].Severity)

	require.Len(t, a.DeprecatedFields, 1)
	assert.Equal(t, "use feed", a.DeprecatedFields[0].Detail)

	assert.Equal(t, []string{"Query.search(filter: String!)"}, paths(a.InjectionCandidates))

	require.Len(t, a.DefaultValueLeaks, 1)
	assert.Equal(t, "apiKey", a.DefaultValueLeaks[0].Argument)
	assert.Equal(t, `"secret-123"`, a.DefaultValueLeaks[0].Detail)
}

func TestAnalyzeSchema_Nil(t *testing.T) {
	a := AnalyzeSchema(nil)
	require.NotNil(t, a)
	assert.Zero(t, a.TypeCount)
	assert.NotNil(t, a.KindCounts)
}

func TestSchemaAnalysisFindings(t *testing.T) {
	findings := AnalyzeSchema(testSchema()).Findings("https://t/graphql")

	var kinds []string
	for _, f := range findings {
		kinds = append(kinds, f.Type)
		assert.Equal(t, "https://t/graphql", f.Endpoint)
	}
	assert.Equal(t, []string{
		"graphql_introspection_enabled",
		"graphql_dangerous_mutations",
		"graphql_default_value_leak",
		"graphql_sensitive_fields",
		"graphql_auth_flows",
		"graphql_injection_candidates",
		"graphql_deprecated_fields",
	}, kinds)
	assert.Equal(t, types.ExploitTrivial, findings[0].Exploitability)

	empty := AnalyzeSchema(&Schema{}).Findings("x")
	require.Len(t, empty, 1)
	assert.Equal(t, "graphql_introspection_enabled", empty[0].Type)
}

func TestClient_Introspect(t *testing.T) {
	schema := testSchema()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "IntrospectionQuery", req.OperationName)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"__schema": schema},
		})
	}))
	defer server.Close()

	got, err := newTestClient(t).Introspect(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Query", got.QueryType.Name)
	require.NotNil(t, got.Type("Mutation"))
	assert.Len(t, got.Type("Mutation").Fields, 2)
	assert.Nil(t, got.Type("Missing"))
	assert.Equal(t, "String!", got.Type("Query").Fields[1].Args[0].Type.String())
}

func TestClient_IntrospectDisabled(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    interface{}
		message string
	}{
		{
			name:    "validation error",
			status:  http.StatusOK,
			body:    map[string]interface{}{"errors": []map[string]string{{"message": "GraphQL introspection is not allowed"}}},
			message: "not allowed",
		},
		{
			name:    "forbidden without envelope",
			status:  http.StatusForbidden,
			body:    map[string]string{"error": "forbidden"},
			message: "status 403",
		},
		{
			name:   "data without schema",
			status: http.StatusOK,
			body:   map[string]interface{}{"data": map[string]interface{}{"other": 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer server.Close()

			_, err := newTestClient(t).Introspect(context.Background(), server.URL)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIntrospectionDisabled))
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

// schemaOnGetServer refuses __schema over POST but answers it over GET.
func schemaOnGetServer(t *testing.T, seenAuth *authLog) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth.add(r.Header.Get("Authorization"))
		query, _ := extractQuery(r)
		switch {
		case !strings.Contains(query, "__schema"):
			writeJSON(w, http.StatusOK, typenameData())
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"__schema": map[string]interface{}{
					"types": []map[string]string{{"name": "Query"}, {"name": "User"}},
				}},
			})
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"errors": []map[string]string{{"message": "GraphQL introspection is not allowed"}},
			})
		}
	}))
}

func TestClient_ReplayIntrospection(t *testing.T) {
	var seenAuth authLog
	server := schemaOnGetServer(t, &seenAuth)
	defer server.Close()

	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Introspect(ctx, server.URL)
	require.ErrorIs(t, err, ErrIntrospectionDisabled)

	accepted := client.ReplayIntrospection(ctx, server.URL, DefaultTechniques(), mustToken(t))
	var names []string
	for _, tech := range accepted {
		names = append(names, tech.Name)
	}
	assert.Equal(t, []string{"get-query", "get-q", "get-gql"}, names)
	require.NotEmpty(t, seenAuth.values)
	assert.True(t, strings.HasPrefix(seenAuth.values[len(seenAuth.values)-1], "Bearer "))

	findings := IntrospectionBypassFindings(server.URL, accepted)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "graphql_introspection_bypass", f.Type)
	assert.Equal(t, types.SeverityHigh, f.Severity)
	assert.Equal(t, server.URL, f.Endpoint)
	assert.Contains(t, f.Evidence, SchemaTypesQuery)
	assert.Contains(t, f.Evidence, "GET query=")
	assert.Len(t, f.Metadata["techniques"], 3)
}

func TestClient_ReplayIntrospection_DataWithoutSchema(t *testing.T) {
	// Answering every document with __typename is not a schema leak.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, typenameData())
	}))
	defer server.Close()

	client := newTestClient(t)
	accepted := client.ReplayIntrospection(context.Background(), server.URL, DefaultTechniques(), nil)
	assert.Empty(t, accepted)
	assert.Nil(t, IntrospectionBypassFindings(server.URL, accepted))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, client.ReplayIntrospection(ctx, server.URL, DefaultTechniques(), nil))
}
