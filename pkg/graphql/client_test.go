package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Execute(t *testing.T) {
	var gotUA, gotCustom, gotCT string
	var gotBody Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Team")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, typenameData())
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.Headers = map[string]string{"X-Team": "red"}
	client := NewClient(cfg)
	defer client.Close()

	resp, err := client.Execute(context.Background(), server.URL, Request{
		Query:         "query Q($id: ID) { __typename }",
		Variables:     map[string]interface{}{"id": "1"},
		OperationName: "Q",
	})
	require.NoError(t, err)

	assert.Equal(t, "gqlcrack/1.0", gotUA)
	assert.Equal(t, "red", gotCustom)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "Q", gotBody.OperationName)
	assert.Equal(t, "1", gotBody.Variables["id"])

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.IsGraphQL())
	assert.True(t, resp.HasData())
	assert.False(t, resp.HasErrors())
	assert.JSONEq(t, `{"__typename":"Query"}`, string(resp.Data))
	assert.Equal(t, "application/json", resp.ContentType())
}

func TestClient_ResponseShapes(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		graphql     bool
		hasData     bool
		errors      []string
	}{
		{name: "data only", contentType: "application/json", body: `{"data":{"a":1}}`, graphql: true, hasData: true},
		{name: "null data with errors", contentType: "application/json", body: `{"data":null,"errors":[{"message":"denied"}]}`, graphql: true, errors: []string{"denied"}},
		{name: "single error object", contentType: "application/json", body: `{"errors":{"message":"boom"}}`, graphql: true, errors: []string{"boom"}},
		{name: "string error", contentType: "application/json", body: `{"errors":"nope"}`, graphql: true, errors: []string{"nope"}},
		{name: "html page", contentType: "text/html", body: `<html><body>hello</body></html>`},
		{name: "json without envelope", contentType: "application/json", body: `{"status":"ok"}`},
		{name: "json array", contentType: "application/json", body: `[{"data":{}}]`},
		{name: "empty body", contentType: "text/plain", body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			resp, err := newTestClient(t).Query(context.Background(), server.URL, "{ a }")
			require.NoError(t, err)
			assert.Equal(t, tt.graphql, resp.IsGraphQL())
			assert.Equal(t, tt.hasData, resp.HasData())
			if tt.errors == nil {
				assert.Empty(t, resp.ErrorMessages())
			} else {
				assert.Equal(t, tt.errors, resp.ErrorMessages())
			}
			assert.Equal(t, tt.body, string(resp.Raw))
		})
	}
}

func TestClient_NonSuccessStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"errors": []map[string]string{{"message": "Unauthorized"}},
		})
	}))
	defer server.Close()

	resp, err := newTestClient(t).Query(context.Background(), server.URL, "{ me { id } }")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, []string{"Unauthorized"}, resp.ErrorMessages())
}

func TestClient_TransportErrors(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Query(context.Background(), closedServerURL(t), "{ a }")
	assert.Error(t, err)

	_, err = client.Query(context.Background(), "ftp://example.com/graphql", "{ a }")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")

	_, err = client.Query(context.Background(), "://bad", "{ a }")
	assert.Error(t, err)
}

func TestClient_RespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient(t).Query(ctx, server.URL, "{ a }")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request cancelled")
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_MaxBodySize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.MaxBodySize = 100
	client := NewClient(cfg)
	defer client.Close()

	// An oversized body is an error, not a truncated non-GraphQL response.
	_, err := client.Query(context.Background(), server.URL, "{ a }")
	require.Error(t, err)
	assert.ErrorIs(t, err, httpclient.ErrBodyTooLarge)

	cfg.MaxBodySize = 4096
	exact := NewClient(cfg)
	defer exact.Close()
	resp, err := exact.Query(context.Background(), server.URL, "{ a }")
	require.NoError(t, err)
	assert.Len(t, resp.Raw, 4096)
}

func TestClient_WithLimiter(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, typenameData())
	}))
	defer server.Close()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: 1000,
		BurstSize:         1,
		MinDelay:          20 * time.Millisecond,
	})
	client := NewClient(DefaultClientConfig(), WithLimiter(limiter))
	defer client.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Query(context.Background(), server.URL, "{ __typename }")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 1, limiter.GetStats().TrackedHosts)
}

func TestClientConfigFrom(t *testing.T) {
	cfg := ClientConfigFrom(config.HTTPConfig{
		Timeout:      3 * time.Second,
		Headers:      map[string]string{"Cookie": "a=b"},
		BlockPrivate: true,
		MaxRedirects: 2,
	})
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, "gqlcrack/1.0", cfg.UserAgent)
	assert.Equal(t, "a=b", cfg.Headers["Cookie"])
	assert.True(t, cfg.BlockPrivate)
	assert.Equal(t, 2, cfg.MaxRedirects)

	empty := ClientConfigFrom(config.HTTPConfig{})
	assert.Equal(t, 10*time.Second, empty.Timeout)
}

func TestClient_BlockPrivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, typenameData())
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.BlockPrivate = true
	client := NewClient(cfg)
	defer client.Close()

	_, err := client.Query(context.Background(), server.URL, "{ __typename }")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private address blocked")
}
