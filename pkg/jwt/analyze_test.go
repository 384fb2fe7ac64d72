package jwt

import (
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weaknessIDs(a *Analysis) []string {
	ids := make([]string, 0, len(a.Weaknesses))
	for _, w := range a.Weaknesses {
		ids = append(ids, w.ID)
	}
	return ids
}

func rawToken(t *testing.T, header, payload string) *Token {
	t.Helper()
	tok, err := Parse(EncodeSegment([]byte(header)) + "." + EncodeSegment([]byte(payload)) + ".")
	require.NoError(t, err)
	return tok
}

func TestAnalyze(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name           string
		header         string
		payload        string
		want           []string
		bruteforceable bool
		expired        bool
	}{
		{
			name:           "hmac with future expiry",
			header:         `{"alg":"HS256","typ":"JWT"}`,
			payload:        `{"sub":"1","exp":9999999999}`,
			want:           []string{"JWT-HMAC-BRUTEFORCE"},
			bruteforceable: true,
		},
		{
			name:    "none algorithm",
			header:  `{"alg":"none"}`,
			payload: `{"exp":9999999999}`,
			want:    []string{"JWT-NONE-ALG"},
		},
		{
			name:    "mixed case none",
			header:  `{"alg":"NoNe"}`,
			payload: `{"exp":9999999999}`,
			want:    []string{"JWT-NONE-ALG"},
		},
		{
			name:    "missing algorithm and expiry",
			header:  `{"typ":"JWT"}`,
			payload: `{"user":"admin"}`,
			want:    []string{"JWT-MISSING-ALG", "JWT-NO-EXPIRY"},
		},
		{
			name:           "expired",
			header:         `{"alg":"HS512"}`,
			payload:        `{"exp":1516239022}`,
			want:           []string{"JWT-HMAC-BRUTEFORCE", "JWT-EXPIRED"},
			bruteforceable: true,
			expired:        true,
		},
		{
			name:    "remote key headers",
			header:  `{"alg":"RS256","jku":"https://evil.example/jwks.json","x5u":"https://evil.example/cert.pem","kid":"../../dev/null"}`,
			payload: `{"exp":9999999999}`,
			want:    []string{"JWT-JKU-HEADER", "JWT-X5U-HEADER", "JWT-KID-INJECTION"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Analyze(rawToken(t, tt.header, tt.payload), now)
			assert.Equal(t, tt.want, weaknessIDs(a))
			assert.Equal(t, tt.bruteforceable, a.Bruteforceable)
			assert.Equal(t, tt.expired, a.Expired)
		})
	}
}

func TestAnalyze_Timestamps(t *testing.T) {
	a := Analyze(rawToken(t, `{"alg":"HS256"}`, `{"iat":1516239022,"exp":1516239022.5}`), time.Unix(0, 0))

	require.NotNil(t, a.IssuedAt)
	require.NotNil(t, a.ExpiresAt)
	assert.Equal(t, int64(1516239022), a.IssuedAt.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(a.ExpiresAt.Nanosecond()))
	assert.False(t, a.Expired)
}

func TestAnalysisFindings(t *testing.T) {
	a := Analyze(rawToken(t, `{"alg":"none"}`, `{"user":"admin"}`), time.Now())
	findings := a.Findings("https://api.example.com/graphql")

	require.Len(t, findings, 2)
	assert.Equal(t, "jwt_none_alg", findings[0].Type)
	assert.Equal(t, types.SeverityCritical, findings[0].Severity)
	assert.Equal(t, types.ExploitTrivial, findings[0].Exploitability)
	assert.Equal(t, "https://api.example.com/graphql", findings[0].Endpoint)
	assert.Equal(t, "jwt_no_expiry", findings[1].Type)
}
