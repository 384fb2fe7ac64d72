package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecureClient(t *testing.T) {
	client := NewSecureClient(DefaultConfig())

	assert.NotNil(t, client)
	assert.Equal(t, 10*time.Second, client.Timeout)
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.HTTPConfig{BlockPrivate: true, MaxRedirects: 2, FollowRedirects: true})

	assert.Equal(t, 10*time.Second, c.Timeout, "zero timeout falls back to the default")
	assert.True(t, c.BlockPrivate)
	assert.Equal(t, 2, c.MaxRedirects)
}

func TestBlockPrivate_BlocksLocalhost(t *testing.T) {
	client := NewSecureClient(SecureClientConfig{
		Timeout:      5 * time.Second,
		BlockPrivate: true,
	})

	req, err := http.NewRequest("GET", "http://localhost:8080/graphql", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected localhost to be blocked")
	}

	assert.Contains(t, err.Error(), "private address blocked")
}

func TestUnsafeClient_AllowsPrivateIP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	client := NewUnsafeClient(5 * time.Second)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoWithContext_RespectsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewUnsafeClient(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := DoWithContext(ctx, client, req)
	duration := time.Since(start)
	CloseBody(resp)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "request cancelled")
	assert.Less(t, duration, time.Second)
}

func TestReadBody_Limit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	resp, err := NewUnsafeClient(5 * time.Second).Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	body, err := ReadBody(resp, 4)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, "0123", string(body))
}

func TestReadBody_ExactlyAtLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	resp, err := NewUnsafeClient(5 * time.Second).Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	body, err := ReadBody(resp, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))

	body, err = ReadBody(nil, 10)
	assert.NoError(t, err)
	assert.Nil(t, body)
}

// endlessBody never reaches EOF and counts what was read from it.
type endlessBody struct {
	read   int64
	closed bool
}

func (b *endlessBody) Read(p []byte) (int, error) {
	b.read += int64(len(p))
	return len(p), nil
}

func (b *endlessBody) Close() error {
	b.closed = true
	return nil
}

func TestCloseBody_BoundedDrain(t *testing.T) {
	body := &endlessBody{}
	CloseBody(&http.Response{Body: body})

	assert.True(t, body.closed)
	assert.LessOrEqual(t, body.read, int64(maxDrain))
	assert.Positive(t, body.read)

	CloseBody(nil)
	CloseBody(&http.Response{})
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
	}

	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		require.NotNil(t, ip, "failed to parse IP: %s", tt.ip)
		assert.Equal(t, tt.expected, isPrivateIP(ip), "IP: %s", tt.ip)
	}
}

func TestValidateURL(t *testing.T) {
	assert.Error(t, validateURL("http://127.0.0.1:9000/graphql"))
	assert.Error(t, validateURL("http:///nohost"))
}

func TestRedirectLimiting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/redirect", http.StatusFound)
	}))
	defer server.Close()

	client := NewSecureClient(SecureClientConfig{
		Timeout:         5 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    3,
	})

	resp, err := client.Get(server.URL)
	CloseBody(resp)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after")
}

func TestNoRedirectFollowing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer server.Close()

	client := NewSecureClient(SecureClientConfig{
		Timeout:         5 * time.Second,
		FollowRedirects: false,
	})

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	assert.Equal(t, http.StatusFound, resp.StatusCode)
}
