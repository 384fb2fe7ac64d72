package bruteforce

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateFound
	StateExhausted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFound:
		return "found"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s >= StateFound
}

// Result summarizes a finished run. Attempts counts every candidate taken from
// the source, including skipped ones and the match.
type Result struct {
	State             State
	Secret            []byte
	Index             int64
	Attempts          int64
	Skipped           int64
	Elapsed           time.Duration
	AttemptsPerSecond float64
	Algorithm         string
	Concurrency       int
	Error             string
}

// Success is true only for StateFound.
func (r *Result) Success() bool {
	return r.State == StateFound
}

// SecretString returns the recovered secret, or "" when nothing was found.
func (r *Result) SecretString() string {
	return string(r.Secret)
}

type resultView struct {
	State             State    `json:"state" yaml:"state"`
	Success           bool     `json:"success" yaml:"success"`
	Secret            *string  `json:"secret" yaml:"secret"`
	SecretHex         string   `json:"secret_hex,omitempty" yaml:"secret_hex,omitempty"`
	Index             *int64   `json:"index,omitempty" yaml:"index,omitempty"`
	Attempts          int64    `json:"attempts" yaml:"attempts"`
	Skipped           int64    `json:"skipped" yaml:"skipped"`
	Elapsed           float64  `json:"elapsed" yaml:"elapsed"`
	AttemptsPerSecond float64  `json:"attempts_per_second" yaml:"attempts_per_second"`
	Algorithm         string   `json:"algorithm" yaml:"algorithm"`
	Concurrency       int      `json:"concurrency" yaml:"concurrency"`
	Error             string   `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *Result) view() resultView {
	v := resultView{
		State:             r.State,
		Success:           r.Success(),
		Attempts:          r.Attempts,
		Skipped:           r.Skipped,
		Elapsed:           r.Elapsed.Seconds(),
		AttemptsPerSecond: r.AttemptsPerSecond,
		Algorithm:         r.Algorithm,
		Concurrency:       r.Concurrency,
		Error:             r.Error,
	}
	if r.Success() {
		s := string(r.Secret)
		v.Secret = &s
		if !utf8.Valid(r.Secret) {
			v.SecretHex = hex.EncodeToString(r.Secret)
		}
		idx := r.Index
		v.Index = &idx
	}
	return v
}

// MarshalJSON emits elapsed in seconds and secret as null when not found.
// Secrets that are not valid UTF-8 also appear hex-encoded in secret_hex.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.view())
}

func (r *Result) MarshalYAML() (interface{}, error) {
	return r.view(), nil
}

// UnmarshalJSON reverses MarshalJSON so stored reports decode back into a Result.
func (r *Result) UnmarshalJSON(b []byte) error {
	var v resultView
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Result{
		State:             v.State,
		Attempts:          v.Attempts,
		Skipped:           v.Skipped,
		Elapsed:           time.Duration(v.Elapsed * float64(time.Second)),
		AttemptsPerSecond: v.AttemptsPerSecond,
		Algorithm:         v.Algorithm,
		Concurrency:       v.Concurrency,
		Error:             v.Error,
	}
	switch {
	case v.SecretHex != "":
		secret, err := hex.DecodeString(v.SecretHex)
		if err != nil {
			return fmt.Errorf("invalid secret_hex: %w", err)
		}
		r.Secret = secret
	case v.Secret != nil:
		r.Secret = []byte(*v.Secret)
	}
	if v.Index != nil {
		r.Index = *v.Index
	}
	return nil
}

// Findings reports a recovered secret as a critical finding. The secret itself
// is masked; only its length and first character are kept.
func (r *Result) Findings(endpoint string) []types.Finding {
	if !r.Success() {
		return nil
	}
	return []types.Finding{{
		Tool:     "bruteforce",
		Type:     "jwt_weak_secret",
		Severity: types.SeverityCritical,
		Title:    "JWT Signing Secret Recovered",
		Description: fmt.Sprintf("The %s signing secret was recovered after %d candidates. Anyone holding it can mint tokens with arbitrary claims.",
			r.Algorithm, r.Attempts),
		Evidence:       fmt.Sprintf("secret: %s (%d bytes)", maskSecret(r.Secret), len(r.Secret)),
		Solution:       "Rotate the secret to at least 256 bits of random data and invalidate issued tokens.",
		Endpoint:       endpoint,
		Exploitability: types.ExploitTrivial,
		Exposure:       types.ExposurePublic,
		Confidence:     1,
		References:     []string{"https://datatracker.ietf.org/doc/html/rfc8725#section-3.5"},
		Metadata: map[string]interface{}{
			"algorithm": r.Algorithm,
			"attempts":  r.Attempts,
		},
	}}
}

func maskSecret(secret []byte) string {
	if len(secret) == 0 {
		return ""
	}
	if !utf8.Valid(secret) {
		return hex.EncodeToString(secret[:1]) + "..."
	}
	first, _ := utf8.DecodeRune(secret)
	return string(first) + strings.Repeat("*", utf8.RuneCount(secret)-1)
}
