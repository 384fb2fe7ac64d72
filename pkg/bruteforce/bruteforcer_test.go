package bruteforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
)

func adminToken(t *testing.T, alg jwt.Algorithm) *jwt.Token {
	t.Helper()
	compact, err := jwt.Encode(map[string]interface{}{"user": "admin"}, []byte("education"), alg)
	require.NoError(t, err)
	tok, err := jwt.Parse(compact)
	require.NoError(t, err)
	return tok
}

func tokenWithAlg(t *testing.T, alg string) *jwt.Token {
	t.Helper()
	header := jwt.EncodeSegment([]byte(`{"alg":"` + alg + `","typ":"JWT"}`))
	payload := jwt.EncodeSegment([]byte(`{"user":"admin"}`))
	tok, err := jwt.Parse(header + "." + payload + "." + jwt.EncodeSegment([]byte("sig")))
	require.NoError(t, err)
	return tok
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(config.LoggerConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return l
}

// countingSource records how often the wrapped source is read and closed.
type countingSource struct {
	Source
	nexts  atomic.Int64
	closed atomic.Bool
}

func (c *countingSource) Next(ctx context.Context) (Candidate, error) {
	c.nexts.Add(1)
	return c.Source.Next(ctx)
}

func (c *countingSource) Close() error {
	c.closed.Store(true)
	return c.Source.Close()
}

// endlessSource never runs out and never matches.
type endlessSource struct {
	n     int64
	delay time.Duration
}

func (e *endlessSource) Next(ctx context.Context) (Candidate, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return Candidate{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	e.n++
	v := fmt.Sprintf("nope-%d", e.n)
	return Candidate{Value: []byte(v), Raw: v}, nil
}

func (e *endlessSource) Close() error { return nil }

// failingSource yields items and then a read error.
type failingSource struct {
	items []string
	pos   int
}

func (f *failingSource) Next(ctx context.Context) (Candidate, error) {
	if f.pos < len(f.items) {
		f.pos++
		return Candidate{Value: []byte(f.items[f.pos-1])}, nil
	}
	return Candidate{}, errors.New("disk on fire")
}

func (f *failingSource) Close() error { return nil }

type recordingMetrics struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingMetrics) RecordBruteforce(_ context.Context, alg, state string, attempts int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, fmt.Sprintf("%s/%s/%d", alg, state, attempts))
}

func TestRun_FindsSecret(t *testing.T) {
	b := New(WithLogger(testLogger(t)))
	assert.Equal(t, StateIdle, b.State())

	res, err := b.Run(context.Background(), adminToken(t, jwt.HS256),
		NewSliceSource([]string{"secret", "password", "education", "admin"}), 4)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Success())
	assert.Equal(t, StateFound, res.State)
	assert.Equal(t, "education", res.SecretString())
	assert.Equal(t, int64(2), res.Index)
	assert.LessOrEqual(t, res.Attempts, int64(4))
	assert.GreaterOrEqual(t, res.Attempts, int64(3))
	assert.Equal(t, "HS256", res.Algorithm)
	assert.Equal(t, StateFound, b.State())
}

func TestRun_Exhausted(t *testing.T) {
	res, err := New().Run(context.Background(), adminToken(t, jwt.HS256),
		NewSliceSource([]string{"secret", "password", "admin"}), 4)
	require.NoError(t, err)

	assert.False(t, res.Success())
	assert.Equal(t, StateExhausted, res.State)
	assert.Nil(t, res.Secret)
	assert.Equal(t, int64(3), res.Attempts)
	assert.Equal(t, int64(-1), res.Index)
}

func TestRun_EmptySource(t *testing.T) {
	res, err := New().Run(context.Background(), adminToken(t, jwt.HS256), NewSliceSource(nil), 2)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Zero(t, res.Attempts)
}

func TestRun_AllHMACAlgorithms(t *testing.T) {
	for _, alg := range []jwt.Algorithm{jwt.HS256, jwt.HS384, jwt.HS512} {
		t.Run(string(alg), func(t *testing.T) {
			res, err := New().Run(context.Background(), adminToken(t, alg),
				NewSliceSource([]string{"a", "b", "education"}), 3)
			require.NoError(t, err)
			assert.Equal(t, "education", res.SecretString())
			assert.Equal(t, string(alg), res.Algorithm)
		})
	}
}

func TestRun_UnsupportedAlgorithm(t *testing.T) {
	for _, alg := range []string{"none", "RS256", "ES256", ""} {
		t.Run(alg, func(t *testing.T) {
			src := &countingSource{Source: NewSliceSource([]string{"education"})}

			res, err := New().Run(context.Background(), tokenWithAlg(t, alg), src, 4)
			assert.Nil(t, res)
			require.Error(t, err)
			assert.True(t, errors.Is(err, jwt.ErrUnsupportedAlgorithm))
			assert.Zero(t, src.nexts.Load(), "no candidate may be read")
			assert.True(t, src.closed.Load())
		})
	}
}

func TestRun_NilSourceAndToken(t *testing.T) {
	_, err := New().Run(context.Background(), adminToken(t, jwt.HS256), nil, 1)
	assert.ErrorIs(t, err, ErrCandidateSource)

	_, err = New().Run(context.Background(), nil, NewSliceSource(nil), 1)
	assert.ErrorIs(t, err, jwt.ErrMalformedToken)
}

func TestRun_ConcurrencyDoesNotChangeWinner(t *testing.T) {
	words := make([]string, 0, 20001)
	for i := 0; i < 20000; i++ {
		words = append(words, fmt.Sprintf("word-%05d", i))
	}
	words = append(words[:500], append([]string{"education"}, words[500:]...)...)

	tok := adminToken(t, jwt.HS256)
	for _, n := range []int{1, 2, 4, 16, 64} {
		res, err := New().Run(context.Background(), tok, NewSliceSource(words), n)
		require.NoError(t, err)
		assert.Equal(t, "education", res.SecretString(), "concurrency %d", n)
		assert.Equal(t, int64(500), res.Index, "concurrency %d", n)
		assert.GreaterOrEqual(t, res.Attempts, res.Index+1, "every earlier candidate is verified")
		assert.Less(t, res.Attempts, int64(len(words)), "lanes stop before the end of the stream")
	}
}

func TestRun_LowestIndexWinsAmongEquivalentKeys(t *testing.T) {
	// HMAC zero-pads short keys, so a trailing NUL yields the same signature.
	words := []string{"x", "y", "education\x00", "z", "education", "education\x00\x00"}
	tok := adminToken(t, jwt.HS256)

	for i := 0; i < 25; i++ {
		res, err := New().Run(context.Background(), tok, NewSliceSource(words), 16)
		require.NoError(t, err)
		require.Equal(t, StateFound, res.State)
		assert.Equal(t, int64(2), res.Index)
		assert.Equal(t, "education\x00", res.SecretString())
	}
}

func TestRun_DuplicatesAreNotRemoved(t *testing.T) {
	res, err := New().Run(context.Background(), adminToken(t, jwt.HS256),
		NewSliceSource([]string{"admin", "admin", "admin", "education", "education"}), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Index)
	assert.Equal(t, int64(4), res.Attempts)
}

func TestRun_TimeoutCancels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := New().Run(ctx, adminToken(t, jwt.HS256), &endlessSource{}, 4)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, res.State)
	assert.False(t, res.Success())
	assert.Greater(t, res.Attempts, int64(0))
	assert.Greater(t, res.AttemptsPerSecond, 0.0)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New().Run(ctx, adminToken(t, jwt.HS256), NewSliceSource([]string{"education"}), 2)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Zero(t, res.Attempts)
}

func TestRun_SourceFailure(t *testing.T) {
	res, err := New().Run(context.Background(), adminToken(t, jwt.HS256),
		&failingSource{items: []string{"a", "b"}}, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCandidateSource))

	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, int64(2), res.Attempts)
	assert.Contains(t, res.Error, "disk on fire")
}

func TestRun_SourceFailureAfterMatch(t *testing.T) {
	res, err := New().Run(context.Background(), adminToken(t, jwt.HS256),
		&failingSource{items: []string{"education"}}, 1)
	// The match was claimed before the failing read, so it takes precedence.
	require.NoError(t, err)
	assert.Equal(t, StateFound, res.State)
	assert.Equal(t, "education", res.SecretString())
}

func TestRun_SkipsUndecodableCandidates(t *testing.T) {
	enc := &decodingSource{items: []string{"$HEX[zz]", "$HEX[61646d696e]", "$HEX[656475636174696f6e]"}}

	res, err := New(WithLogger(testLogger(t))).Run(context.Background(), adminToken(t, jwt.HS256), enc, 2)
	require.NoError(t, err)
	assert.Equal(t, "education", res.SecretString())
	assert.Equal(t, int64(3), res.Attempts)
	assert.Equal(t, int64(1), res.Skipped)
}

// decodingSource runs items through the hex wordlist decoder.
type decodingSource struct {
	items []string
	pos   int
}

func (d *decodingSource) Next(ctx context.Context) (Candidate, error) {
	if d.pos >= len(d.items) {
		return Candidate{}, io.EOF
	}
	line := d.items[d.pos]
	d.pos++
	v, err := EncodingHex.decode(line)
	return Candidate{Value: v, Raw: line, Err: err}, nil
}

func (d *decodingSource) Close() error { return nil }

func TestRun_ProgressAndMetrics(t *testing.T) {
	var ticks atomic.Int64
	metrics := &recordingMetrics{}

	b := New(
		WithMetrics(metrics),
		WithProgress(10*time.Millisecond, func(p Progress) {
			ticks.Add(1)
			assert.GreaterOrEqual(t, p.Attempts, int64(0))
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	res, err := b.Run(ctx, adminToken(t, jwt.HS256), &endlessSource{delay: time.Millisecond}, 2)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Greater(t, ticks.Load(), int64(0))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Len(t, metrics.records, 1)
	assert.Contains(t, metrics.records[0], "HS256/cancelled/")
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	b := New()
	tok := adminToken(t, jwt.HS256)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Run(ctx, tok, &endlessSource{delay: time.Millisecond}, 1)
	}()

	require.Eventually(t, func() bool { return b.State() == StateRunning }, time.Second, 5*time.Millisecond)

	second := &countingSource{Source: NewSliceSource([]string{"education"})}
	_, err := b.Run(context.Background(), tok, second, 1)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, second.closed.Load())

	cancel()
	<-done
	assert.Equal(t, StateCancelled, b.State())
}

func TestRun_NonPositiveConcurrency(t *testing.T) {
	res, err := New().Run(context.Background(), adminToken(t, jwt.HS256), NewSliceSource([]string{"education"}), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Concurrency)
	assert.True(t, res.Success())
}

func TestResultJSON(t *testing.T) {
	found := &Result{State: StateFound, Secret: []byte("education"), Index: 2, Attempts: 3, Elapsed: 1500 * time.Millisecond, AttemptsPerSecond: 2, Algorithm: "HS256"}
	data, err := json.Marshal(found)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "education", out["secret"])
	assert.Equal(t, "found", out["state"])
	assert.Equal(t, 1.5, out["elapsed"])
	assert.Equal(t, 3.0, out["attempts"])
	assert.Equal(t, 2.0, out["attempts_per_second"])
	assert.NotContains(t, out, "secret_hex")

	exhausted := &Result{State: StateExhausted, Index: -1, Attempts: 3}
	data, err = json.Marshal(exhausted)
	require.NoError(t, err)
	out = nil
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, false, out["success"])
	assert.Nil(t, out["secret"])
	assert.Contains(t, out, "secret")
	assert.NotContains(t, out, "index")

	binary := &Result{State: StateFound, Secret: []byte{0xff, 0x00}}
	data, err = json.Marshal(binary)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"secret_hex":"ff00"`)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCancelled.Terminal())
	text, err := StateFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}

func TestResultJSON_Decode(t *testing.T) {
	for _, in := range []*Result{
		{State: StateFound, Secret: []byte("education"), Index: 2, Attempts: 3, Elapsed: 1500 * time.Millisecond, Algorithm: "HS256", Concurrency: 4},
		{State: StateFound, Secret: []byte{0xff, 0x00}, Index: 7, Attempts: 8},
		{State: StateFailed, Attempts: 1, Error: "read failed"},
	} {
		data, err := json.Marshal(in)
		require.NoError(t, err)

		var out Result
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, in.State, out.State)
		assert.Equal(t, in.Secret, out.Secret)
		assert.Equal(t, in.Index, out.Index)
		assert.Equal(t, in.Attempts, out.Attempts)
		assert.Equal(t, in.Elapsed, out.Elapsed)
		assert.Equal(t, in.Error, out.Error)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}

func TestResultFindings(t *testing.T) {
	assert.Empty(t, (&Result{State: StateExhausted, Attempts: 10}).Findings("https://api.example.com/graphql"))

	found := &Result{State: StateFound, Secret: []byte("education"), Attempts: 4, Algorithm: "HS256"}
	findings := found.Findings("https://api.example.com/graphql")
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "jwt_weak_secret", f.Type)
	assert.Equal(t, "critical", string(f.Severity))
	assert.Equal(t, "https://api.example.com/graphql", f.Endpoint)
	assert.Equal(t, "secret: e******** (9 bytes)", f.Evidence)
	assert.NotContains(t, f.Description, "education")

	binary := (&Result{State: StateFound, Secret: []byte{0xff, 0x01}}).Findings("")
	assert.Equal(t, "secret: ff... (2 bytes)", binary[0].Evidence)
}
