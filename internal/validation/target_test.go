package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTarget_Normalizes(t *testing.T) {
	tests := []struct {
		input    string
		wantURL  string
		wantKind string
		wantHost string
	}{
		{"https://api.example.com/graphql", "https://api.example.com/graphql", "url", "api.example.com"},
		{"  http://example.com:8080  ", "http://example.com:8080", "url", "example.com"},
		{"example.com", "https://example.com", "domain", "example.com"},
		{"api.example.com/graphql", "https://api.example.com/graphql", "domain", "api.example.com"},
		{"example.com:8443", "https://example.com:8443", "domain", "example.com"},
		{"8.8.8.8", "https://8.8.8.8", "ip", "8.8.8.8"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			target, err := ValidateTarget(tt.input, true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, target.URL)
			assert.Equal(t, tt.wantKind, target.Kind)
			assert.Equal(t, tt.wantHost, target.Host)
		})
	}
}

func TestValidateTarget_PrivateHosts(t *testing.T) {
	private := []string{
		"localhost",
		"http://localhost:4000/graphql",
		"http://127.0.0.1:8080",
		"10.0.0.1",
		"https://172.16.5.10:8080",
		"http://192.168.0.1/api",
		"http://[::1]:8080",
		"http://0.0.0.0",
		"myserver.local",
		"https://server.internal/graphql",
	}

	for _, target := range private {
		t.Run(target, func(t *testing.T) {
			_, err := ValidateTarget(target, true)
			assert.ErrorIs(t, err, ErrPrivateTarget)

			allowed, err := ValidateTarget(target, false)
			require.NoError(t, err)
			assert.Contains(t, allowed.Warnings, "target is on a private or local network")
		})
	}
}

func TestValidateTarget_Rejects(t *testing.T) {
	_, err := ValidateTarget("   ", false)
	assert.ErrorIs(t, err, ErrEmptyTarget)

	for _, target := range []string{"ftp://example.com", "not a target", "https://", "company"} {
		_, err := ValidateTarget(target, false)
		assert.Error(t, err, target)
	}
}

func TestValidateTarget_SchemeWarning(t *testing.T) {
	target, err := ValidateTarget("example.com", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"no scheme given, assuming https"}, target.Warnings)

	target, err = ValidateTarget("https://example.com", false)
	require.NoError(t, err)
	assert.Empty(t, target.Warnings)
}
