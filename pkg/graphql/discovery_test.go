package graphql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// graphqlAt serves a minimal GraphQL endpoint on each of paths and plain 404s
// everywhere else. extra handles any non-GraphQL path before the 404.
func graphqlAt(paths []string, extra func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	served := make(map[string]bool, len(paths))
	for _, p := range paths {
		served[p] = true
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served[r.URL.Path] {
			query, _ := extractQuery(r)
			if strings.Contains(query, "__typename") {
				writeJSON(w, http.StatusOK, typenameData())
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"errors": []map[string]string{{"message": "Cannot query field \"invalidField\" on type \"Query\"."}},
			})
			return
		}
		if extra != nil && extra(w, r) {
			return
		}
		http.NotFound(w, r)
	}))
}

func endpointsByPath(res *DiscoveryResult) map[string]Endpoint {
	out := make(map[string]Endpoint, len(res.Endpoints))
	for _, e := range res.Endpoints {
		out[e.Path] = e
	}
	return out
}

func TestDiscover_CommonPath(t *testing.T) {
	server := graphqlAt([]string{"/graphql"}, nil)
	defer server.Close()

	d := NewDiscoverer(newTestClient(t), DiscoveryConfig{})
	res, err := d.Discover(context.Background(), server.URL+"/")
	require.NoError(t, err)

	require.Len(t, res.Endpoints, 1)
	ep := res.Endpoints[0]
	assert.Equal(t, server.URL+"/graphql", ep.URL)
	assert.Equal(t, "/graphql", ep.Path)
	assert.Equal(t, "common", ep.Source)
	assert.Equal(t, "envelope", ep.Detection)
	assert.Equal(t, http.StatusOK, ep.Status)

	assert.False(t, res.CatchAll)
	assert.Equal(t, len(CommonPaths()), res.Tested)
	assert.Equal(t, []string{server.URL + "/graphql"}, res.URLs())
	assert.Empty(t, res.Hints)
}

func TestDiscover_HintsFromHomepageAndRobots(t *testing.T) {
	homepage := `<html><head><script>const api = "/app/graphql-gw";</script></head>
<body><a href="/secret/graphql-v9">Console</a><a href="https://elsewhere.test/x">x</a></body></html>`

	server := graphqlAt([]string{"/secret/graphql-v9", "/hidden/graphql", "/app/graphql-gw"},
		func(w http.ResponseWriter, r *http.Request) bool {
			switch r.URL.Path {
			case "/":
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte(homepage))
				return true
			case "/robots.txt":
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("User-agent: *\nDisallow: /hidden/graphql\n"))
				return true
			}
			return false
		})
	defer server.Close()

	d := NewDiscoverer(newTestClient(t), DiscoveryConfig{Hints: true, Concurrency: 4})
	res, err := d.Discover(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Contains(t, res.Hints, "/secret/graphql-v9")
	assert.Contains(t, res.Hints, "/hidden/graphql")
	assert.Contains(t, res.Hints, "/app/graphql-gw")

	found := endpointsByPath(res)
	require.Len(t, found, 3)
	for _, p := range []string{"/secret/graphql-v9", "/hidden/graphql", "/app/graphql-gw"} {
		assert.Equal(t, "hint", found[p].Source, p)
	}
	assert.Greater(t, res.Tested, len(CommonPaths()))
}

func TestDiscover_ExtraPaths(t *testing.T) {
	server := graphqlAt([]string{"/custom-gql", "/graphql"}, nil)
	defer server.Close()

	d := NewDiscoverer(newTestClient(t), DiscoveryConfig{ExtraPaths: []string{"custom-gql", "/graphql", " "}})
	res, err := d.Discover(context.Background(), server.URL)
	require.NoError(t, err)

	found := endpointsByPath(res)
	require.Len(t, found, 2)
	assert.Equal(t, "wordlist", found["/custom-gql"].Source)
	assert.Equal(t, "common", found["/graphql"].Source, "common paths win over duplicates")
	assert.Equal(t, len(CommonPaths())+1, res.Tested)
}

func TestDiscover_RejectsCatchAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"errors": []map[string]string{{"message": "Not found"}},
		})
	}))
	defer server.Close()

	res, err := NewDiscoverer(newTestClient(t), DiscoveryConfig{}).Discover(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, res.CatchAll)
	assert.Empty(t, res.Endpoints)
}

func TestDiscover_InvalidBase(t *testing.T) {
	d := NewDiscoverer(newTestClient(t), DiscoveryConfig{})
	for _, base := range []string{"ftp://example.com", "/relative/path", "http://%zz"} {
		_, err := d.Discover(context.Background(), base)
		assert.Error(t, err, base)
	}
}

func TestDiscover_Cancelled(t *testing.T) {
	server := graphqlAt([]string{"/graphql"}, nil)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewDiscoverer(newTestClient(t), DiscoveryConfig{}).Discover(ctx, server.URL)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Endpoints)
}

func TestExtractHints(t *testing.T) {
	base, _ := url.Parse("https://example.com")

	html := []byte(`<html><body>
<a href="https://example.com/api/v9/graphql">api</a>
<form action="/submit"></form>
<script>fetch("/v2/graphql-gateway", {method: "POST"})</script>
</body></html>`)
	hints := ExtractHints(base, html, "text/html; charset=utf-8")
	assert.Contains(t, hints, "/api/v9/graphql")
	assert.Contains(t, hints, "/v2/graphql-gateway")
	assert.NotContains(t, hints, "/submit")

	robots := []byte("User-agent: *\nDisallow: /private/graphql\nDisallow: /admin\n")
	assert.Equal(t, []string{"/private/graphql"}, ExtractHints(base, robots, "text/plain"))

	assert.Empty(t, ExtractHints(base, []byte("nothing here"), "text/plain"))
}

func TestLooksLikeGraphQL(t *testing.T) {
	tests := []struct {
		name   string
		status int
		ct     string
		body   string
		path   string
		want   string
		wantOK bool
	}{
		{name: "envelope", status: 200, ct: "application/json", body: `{"data":{"__typename":"Query"}}`, want: "envelope", wantOK: true},
		{name: "errors envelope on 400", status: 400, ct: "application/json", body: `{"errors":[{"message":"x"}]}`, want: "envelope", wantOK: true},
		{name: "plain text error", status: 400, ct: "text/plain", body: "Must provide query string.", want: "keyword", wantOK: true},
		{name: "404 mentioning graphql", status: 404, ct: "text/html", body: "<p>graphql not here</p>"},
		{name: "echoed path", status: 500, ct: "text/html", body: "<p>no route for /graphql</p>", path: "/graphql"},
		{name: "errors array outside envelope", status: 200, ct: "application/json", body: `[{"errors": [1]}]`, want: "errors_array", wantOK: true},
		{name: "unrelated json", status: 200, ct: "application/json", body: `{"ok":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{
				Status: tt.status,
				Header: http.Header{"Content-Type": []string{tt.ct}},
				Raw:    []byte(tt.body),
			}
			resp.decodeEnvelope()
			how, ok := looksLikeGraphQL(resp, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, how)
		})
	}
}

func TestMergePaths(t *testing.T) {
	got := mergePaths([]string{"/graphql", "/api"}, []string{"api", "/hidden/graphql"}, []string{"/graphql", "x"})
	var paths, sources []string
	for _, c := range got {
		paths = append(paths, c.path)
		sources = append(sources, c.source)
	}
	assert.Equal(t, []string{"/graphql", "/api", "/hidden/graphql", "/x"}, paths)
	assert.Equal(t, []string{"common", "common", "hint", "wordlist"}, sources)
}

func TestResolvePath(t *testing.T) {
	base, _ := url.Parse("https://example.com/app?x=1")
	assert.Equal(t, "https://example.com/app/graphql", resolvePath(base, "/graphql"))
	assert.Equal(t, "https://example.com/app/graphql/", resolvePath(base, "/graphql/"))
}
