package graphql

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// extractQuery pulls the query document out of r the way a permissive GraphQL
// server would. param reports which key carried it.
func extractQuery(r *http.Request) (query, param string) {
	if r.Method == http.MethodGet {
		for _, p := range []string{"query", "q", "gql"} {
			if v := r.URL.Query().Get(p); v != "" {
				return v, p
			}
		}
		return "", ""
	}

	body, _ := io.ReadAll(r.Body)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/graphql":
		return string(body), "document"
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return "", ""
		}
		return vals.Get("query"), "query"
	default:
		var m map[string]interface{}
		if json.Unmarshal(body, &m) != nil {
			return "", ""
		}
		for _, p := range []string{"query", "q", "gql"} {
			if v, ok := m[p].(string); ok {
				return v, p
			}
		}
	}
	return "", ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func typenameData() map[string]interface{} {
	return map[string]interface{}{"data": map[string]interface{}{"__typename": "Query"}}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(DefaultClientConfig())
	t.Cleanup(c.Close)
	return c
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	require.NotEmpty(t, u)
	return u + "/graphql"
}
