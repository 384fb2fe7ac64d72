package jwt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

type Weakness struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Severity    types.Severity `json:"severity" yaml:"severity"`
	Description string         `json:"description" yaml:"description"`
	Remediation string         `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

type Analysis struct {
	Algorithm      string                 `json:"algorithm" yaml:"algorithm"`
	Type           string                 `json:"type,omitempty" yaml:"type,omitempty"`
	KeyID          string                 `json:"kid,omitempty" yaml:"kid,omitempty"`
	Claims         map[string]interface{} `json:"claims" yaml:"claims"`
	IssuedAt       *time.Time             `json:"issued_at,omitempty" yaml:"issued_at,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Expired        bool                   `json:"expired" yaml:"expired"`
	Bruteforceable bool                   `json:"bruteforceable" yaml:"bruteforceable"`
	Weaknesses     []Weakness             `json:"weaknesses" yaml:"weaknesses"`
}

// Analyze inspects a parsed token for structural weaknesses. It never talks to
// the issuer; now decides expiry.
func Analyze(t *Token, now time.Time) *Analysis {
	h := t.Header()
	a := &Analysis{
		Algorithm:      h.Alg,
		Type:           h.Typ,
		KeyID:          h.Kid,
		Claims:         t.Claims(),
		Bruteforceable: IsBruteforceable(h.Alg),
		Weaknesses:     []Weakness{},
	}

	switch {
	case h.Alg == "":
		a.add(Weakness{
			ID:          "JWT-MISSING-ALG",
			Title:       "Token header has no algorithm",
			Severity:    types.SeverityHigh,
			Description: "The alg header is absent, so the verifier chooses the algorithm. Libraries that default to none accept unsigned tokens.",
			Remediation: "Pin the expected algorithm in the verifier and reject tokens without alg.",
		})
	case strings.EqualFold(h.Alg, string(None)):
		a.add(Weakness{
			ID:          "JWT-NONE-ALG",
			Title:       "Token uses the none algorithm",
			Severity:    types.SeverityCritical,
			Description: "The token is unsigned. Any holder can change its claims if the server accepts alg none.",
			Remediation: "Reject alg none and require a signature on every token.",
		})
	case a.Bruteforceable:
		a.add(Weakness{
			ID:          "JWT-HMAC-BRUTEFORCE",
			Title:       fmt.Sprintf("Token is signed with %s", h.Alg),
			Severity:    types.SeverityMedium,
			Description: "HMAC signatures can be checked offline against candidate secrets. A short or dictionary secret is recoverable.",
			Remediation: "Use a random secret of at least 256 bits or move to an asymmetric algorithm.",
		})
	}

	if h.Jku != "" {
		a.add(Weakness{
			ID:          "JWT-JKU-HEADER",
			Title:       "Token references a remote key set (jku)",
			Severity:    types.SeverityMedium,
			Description: fmt.Sprintf("jku points to %s. Verifiers that fetch it without an allow-list accept attacker-hosted keys.", h.Jku),
			Remediation: "Ignore jku or restrict it to a fixed allow-list of URLs.",
		})
	}
	if h.X5u != "" {
		a.add(Weakness{
			ID:          "JWT-X5U-HEADER",
			Title:       "Token references a remote certificate (x5u)",
			Severity:    types.SeverityMedium,
			Description: fmt.Sprintf("x5u points to %s. Verifiers that fetch it without an allow-list accept attacker-hosted certificates.", h.X5u),
			Remediation: "Ignore x5u or restrict it to a fixed allow-list of URLs.",
		})
	}
	if h.Kid != "" && strings.ContainsAny(h.Kid, "/\\'\";|") {
		a.add(Weakness{
			ID:          "JWT-KID-INJECTION",
			Title:       "Key id contains path or query metacharacters",
			Severity:    types.SeverityLow,
			Description: fmt.Sprintf("kid %q is likely used in a file path or query to look up the key.", h.Kid),
			Remediation: "Treat kid as an opaque identifier and look it up in a fixed key map.",
		})
	}

	if iat, ok := numericDate(a.Claims["iat"]); ok {
		a.IssuedAt = &iat
	}
	if exp, ok := numericDate(a.Claims["exp"]); ok {
		a.ExpiresAt = &exp
		if exp.Before(now) {
			a.Expired = true
			a.add(Weakness{
				ID:          "JWT-EXPIRED",
				Title:       "Token is expired",
				Severity:    types.SeverityInfo,
				Description: fmt.Sprintf("exp is %s. If the server still accepts it, expiry is not enforced.", exp.UTC().Format(time.RFC3339)),
				Remediation: "Validate exp on every request.",
			})
		}
	} else {
		a.add(Weakness{
			ID:          "JWT-NO-EXPIRY",
			Title:       "Token has no expiry",
			Severity:    types.SeverityLow,
			Description: "Without exp a leaked token stays valid until the signing key rotates.",
			Remediation: "Issue short-lived tokens with an exp claim.",
		})
	}

	return a
}

func (a *Analysis) add(w Weakness) {
	a.Weaknesses = append(a.Weaknesses, w)
}

// Findings converts weaknesses into report findings for endpoint.
func (a *Analysis) Findings(endpoint string) []types.Finding {
	findings := make([]types.Finding, 0, len(a.Weaknesses))
	for _, w := range a.Weaknesses {
		exploit := types.ExploitModerate
		switch w.ID {
		case "JWT-NONE-ALG", "JWT-MISSING-ALG":
			exploit = types.ExploitTrivial
		case "JWT-HMAC-BRUTEFORCE":
			exploit = types.ExploitHard
		}
		findings = append(findings, types.Finding{
			ID:             w.ID,
			Tool:           "jwt",
			Type:           "jwt_" + strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(w.ID, "JWT-"), "-", "_")),
			Severity:       w.Severity,
			Title:          w.Title,
			Description:    w.Description,
			Solution:       w.Remediation,
			Endpoint:       endpoint,
			Exploitability: exploit,
			Exposure:       types.ExposureAuthenticated,
			Confidence:     0.9,
			Metadata:       map[string]interface{}{"algorithm": a.Algorithm},
		})
	}
	return findings
}

func numericDate(v interface{}) (time.Time, bool) {
	var secs float64
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case float64:
		secs = n
	case int64:
		secs = float64(n)
	case int:
		secs = float64(n)
	default:
		return time.Time{}, false
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}
