// Package bruteforce recovers HMAC JWT signing secrets from candidate streams.
package bruteforce

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
)

// ErrRunInProgress is returned when Run is called on a Bruteforcer that is
// still running.
var ErrRunInProgress = errors.New("bruteforce run already in progress")

// Metrics receives one record per finished run.
type Metrics interface {
	RecordBruteforce(ctx context.Context, algorithm string, state string, attempts int64, elapsed time.Duration)
}

// Progress is a point-in-time snapshot of a running attack.
type Progress struct {
	Attempts          int64
	Skipped           int64
	Elapsed           time.Duration
	AttemptsPerSecond float64
}

type Option func(*Bruteforcer)

func WithLogger(l *logger.Logger) Option {
	return func(b *Bruteforcer) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(b *Bruteforcer) { b.metrics = m }
}

// WithProgress calls fn every interval while a run is active. fn runs on its
// own goroutine and must not block for long.
func WithProgress(interval time.Duration, fn func(Progress)) Option {
	return func(b *Bruteforcer) {
		b.progressInterval = interval
		b.onProgress = fn
	}
}

type Bruteforcer struct {
	logger           *logger.Logger
	metrics          Metrics
	progressInterval time.Duration
	onProgress       func(Progress)
	state            atomic.Int32
}

func New(opts ...Option) *Bruteforcer {
	b := &Bruteforcer{logger: logger.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the state of the current or most recent run.
func (b *Bruteforcer) State() State {
	return State(b.state.Load())
}

// Run tries every candidate from src against token using concurrency lanes
// and returns at the first match. Run owns src and closes it before returning.
//
// Errors returned before any candidate is read (unsupported algorithm, missing
// source, run in progress) come with a nil Result. A source failure mid-run
// returns a StateFailed Result together with the *CandidateSourceError.
// Cancellation of ctx is not an error: the Result has StateCancelled.
func (b *Bruteforcer) Run(ctx context.Context, token *jwt.Token, src Source, concurrency int) (*Result, error) {
	if src == nil {
		return nil, &CandidateSourceError{Op: "open", Err: errors.New("no candidate source")}
	}
	defer func() {
		if err := src.Close(); err != nil {
			b.logger.Warnw("Failed to close candidate source", "error", err)
		}
	}()

	if token == nil {
		return nil, &jwt.MalformedTokenError{Reason: "no token"}
	}
	matcher, err := jwt.NewMatcher(token)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	cur := b.state.Load()
	if State(cur) == StateRunning || !b.state.CompareAndSwap(cur, int32(StateRunning)) {
		return nil, ErrRunInProgress
	}

	log := b.logger.WithComponent("bruteforce").WithFields(
		"algorithm", string(matcher.Algorithm()),
		"concurrency", concurrency,
	)

	start := time.Now()
	ctx, span := log.StartOperation(ctx, "bruteforce.Run")

	var (
		attempts  atomic.Int64
		skipped   atomic.Int64
		found     atomic.Bool
		exhausted atomic.Bool

		mu         sync.Mutex
		bestIndex  int64 = -1
		bestSecret []byte
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// One producer owns the source; lanes receive over an unbuffered channel,
	// so a send completes only when a lane has claimed the candidate.
	candidates := make(chan Candidate)

	g.Go(func() error {
		defer close(candidates)
		var index int64
		for {
			if found.Load() {
				return nil
			}
			c, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				exhausted.Store(true)
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				var cse *CandidateSourceError
				if !errors.As(err, &cse) {
					err = &CandidateSourceError{Op: "read", Err: err}
				}
				return err
			}
			c.Index = index
			index++

			select {
			case candidates <- c:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for lane := 0; lane < concurrency; lane++ {
		g.Go(func() error {
			for {
				if found.Load() {
					return nil
				}

				var c Candidate
				select {
				case <-gctx.Done():
					return nil
				case next, ok := <-candidates:
					if !ok {
						return nil
					}
					c = next
				}

				// A claimed candidate is always verified, which keeps the
				// lowest-index match deterministic across lane counts.
				attempts.Add(1)
				if c.Err != nil {
					skipped.Add(1)
					log.Debugw("Skipping undecodable candidate",
						"index", c.Index,
						"error", c.Err,
					)
					continue
				}

				if matcher.Matches(c.Value) {
					mu.Lock()
					if bestIndex < 0 || c.Index < bestIndex {
						bestIndex = c.Index
						bestSecret = c.Value
					}
					mu.Unlock()
					found.Store(true)
					cancel()
					return nil
				}
			}
		})
	}

	stopProgress := b.startProgress(start, &attempts, &skipped)
	waitErr := g.Wait()
	stopProgress()

	elapsed := time.Since(start)
	result := &Result{
		Index:       -1,
		Attempts:    attempts.Load(),
		Skipped:     skipped.Load(),
		Elapsed:     elapsed,
		Algorithm:   string(matcher.Algorithm()),
		Concurrency: concurrency,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		result.AttemptsPerSecond = float64(result.Attempts) / secs
	}

	switch {
	case bestIndex >= 0:
		result.State = StateFound
		result.Secret = bestSecret
		result.Index = bestIndex
		waitErr = nil
	case waitErr != nil:
		result.State = StateFailed
		result.Error = waitErr.Error()
	case exhausted.Load():
		result.State = StateExhausted
	default:
		result.State = StateCancelled
	}
	b.state.Store(int32(result.State))

	if b.metrics != nil {
		b.metrics.RecordBruteforce(ctx, result.Algorithm, result.State.String(), result.Attempts, elapsed)
	}

	fields := []interface{}{
		"state", result.State.String(),
		"attempts", result.Attempts,
		"skipped", result.Skipped,
		"attempts_per_second", result.AttemptsPerSecond,
	}
	if result.State == StateFound {
		log.LogSecretRecovered(ctx, result.Algorithm, len(result.Secret), result.Index, result.Attempts)
	}
	log.FinishOperation(ctx, span, "bruteforce.Run", start, waitErr, fields...)

	return result, waitErr
}

func (b *Bruteforcer) startProgress(start time.Time, attempts, skipped *atomic.Int64) func() {
	if b.onProgress == nil || b.progressInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				p := Progress{
					Attempts: attempts.Load(),
					Skipped:  skipped.Load(),
					Elapsed:  elapsed,
				}
				if secs := elapsed.Seconds(); secs > 0 {
					p.AttemptsPerSecond = float64(p.Attempts) / secs
				}
				b.onProgress(p)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
