package bruteforce

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrCandidateSource is matched by every *CandidateSourceError.
var ErrCandidateSource = errors.New("candidate source error")

type CandidateSourceError struct {
	Path string
	Op   string
	Err  error
}

func (e *CandidateSourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("candidate source %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("candidate source %s: %v", e.Op, e.Err)
}

func (e *CandidateSourceError) Unwrap() error { return e.Err }

func (e *CandidateSourceError) Is(target error) bool { return target == ErrCandidateSource }

// Candidate is one secret to try. Err is set when the source could not decode
// the entry; such candidates are counted but never verified.
type Candidate struct {
	Index int64
	Value []byte
	Raw   string
	Err   error
}

// Source yields candidates in a fixed order and returns io.EOF when exhausted.
// A Source is read by a single goroutine.
type Source interface {
	Next(ctx context.Context) (Candidate, error)
	Close() error
}

// Encoding selects how wordlist lines become secret bytes.
type Encoding int

const (
	EncodingPlain Encoding = iota
	// EncodingHex decodes lines of the form $HEX[616263]; other lines are plain.
	EncodingHex
	// EncodingBase64 decodes every line as standard base64.
	EncodingBase64
)

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "plain":
		return EncodingPlain, nil
	case "hex":
		return EncodingHex, nil
	case "base64":
		return EncodingBase64, nil
	}
	return EncodingPlain, fmt.Errorf("unknown wordlist encoding %q", s)
}

func (e Encoding) decode(line string) ([]byte, error) {
	switch e {
	case EncodingHex:
		if strings.HasPrefix(line, "$HEX[") {
			if !strings.HasSuffix(line, "]") {
				return nil, errors.New("unterminated $HEX[] entry")
			}
			return hex.DecodeString(line[len("$HEX[") : len(line)-1])
		}
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(line)
	}
	return []byte(line), nil
}

// WordlistSource streams a newline-delimited file. Blank lines are skipped and
// do not take an index; duplicates are kept.
type WordlistSource struct {
	path     string
	file     *os.File
	reader   *bufio.Reader
	encoding Encoding
	line     int64
}

// OpenWordlist fails before any candidate is produced when the path is missing,
// unreadable or a directory.
func OpenWordlist(path string, enc Encoding) (*WordlistSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &CandidateSourceError{Path: path, Op: "open", Err: err}
	}
	if info.IsDir() {
		return nil, &CandidateSourceError{Path: path, Op: "open", Err: errors.New("is a directory")}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &CandidateSourceError{Path: path, Op: "open", Err: err}
	}

	return &WordlistSource{
		path:     path,
		file:     f,
		reader:   bufio.NewReaderSize(f, 64*1024),
		encoding: enc,
	}, nil
}

func (w *WordlistSource) Next(ctx context.Context) (Candidate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Candidate{}, err
		}

		raw, err := w.reader.ReadBytes('\n')
		if len(raw) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return Candidate{}, io.EOF
			}
			return Candidate{}, &CandidateSourceError{Path: w.path, Op: "read", Err: err}
		}
		w.line++

		line := string(bytes.TrimRight(raw, "\r\n"))
		if line == "" {
			continue
		}

		value, decErr := w.encoding.decode(line)
		if decErr != nil {
			decErr = fmt.Errorf("line %d: %w", w.line, decErr)
		}
		return Candidate{Value: value, Raw: line, Err: decErr}, nil
	}
}

func (w *WordlistSource) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// SliceSource yields an in-memory list in order.
type SliceSource struct {
	items []string
	pos   int
}

func NewSliceSource(items []string) *SliceSource {
	return &SliceSource{items: items}
}

func (s *SliceSource) Next(ctx context.Context) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	if s.pos >= len(s.items) {
		return Candidate{}, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return Candidate{Value: []byte(item), Raw: item}, nil
}

func (s *SliceSource) Close() error { return nil }

// CharsetSource enumerates every string over alphabet with length in
// [minLen, maxLen], shortest first, in lexicographic alphabet order.
type CharsetSource struct {
	alphabet []byte
	maxLen   int
	digits   []int
	done     bool
}

func NewCharsetSource(alphabet string, minLen, maxLen int) (*CharsetSource, error) {
	if alphabet == "" {
		return nil, &CandidateSourceError{Op: "generate", Err: errors.New("empty alphabet")}
	}
	if minLen < 1 || maxLen < minLen {
		return nil, &CandidateSourceError{Op: "generate", Err: fmt.Errorf("invalid length range %d..%d", minLen, maxLen)}
	}
	return &CharsetSource{
		alphabet: []byte(alphabet),
		maxLen:   maxLen,
		digits:   make([]int, minLen),
	}, nil
}

func (c *CharsetSource) Next(ctx context.Context) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	if c.done {
		return Candidate{}, io.EOF
	}

	value := make([]byte, len(c.digits))
	for i, d := range c.digits {
		value[i] = c.alphabet[d]
	}
	c.advance()
	return Candidate{Value: value, Raw: string(value)}, nil
}

// advance increments the odometer, growing the length when it wraps.
func (c *CharsetSource) advance() {
	for i := len(c.digits) - 1; i >= 0; i-- {
		c.digits[i]++
		if c.digits[i] < len(c.alphabet) {
			return
		}
		c.digits[i] = 0
	}
	if len(c.digits) >= c.maxLen {
		c.done = true
		return
	}
	c.digits = make([]int, len(c.digits)+1)
}

func (c *CharsetSource) Close() error { return nil }

type concatSource struct {
	sources []Source
	current int
}

// Concat reads each source to exhaustion in order. Closing it closes all of them.
func Concat(sources ...Source) Source {
	return &concatSource{sources: sources}
}

func (c *concatSource) Next(ctx context.Context) (Candidate, error) {
	for c.current < len(c.sources) {
		cand, err := c.sources[c.current].Next(ctx)
		if errors.Is(err, io.EOF) {
			c.current++
			continue
		}
		return cand, err
	}
	return Candidate{}, io.EOF
}

func (c *concatSource) Close() error {
	var errs []error
	for _, s := range c.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var builtinSecrets = []string{
	"secret", "password", "123456", "changeme", "admin", "jwt", "jwt_secret",
	"jwtsecret", "secretkey", "secret_key", "secret-key", "your-256-bit-secret",
	"your-384-bit-secret", "your-512-bit-secret", "key", "private", "token",
	"test", "testing", "dev", "development", "prod", "production", "default",
	"qwerty", "letmein", "welcome", "supersecret", "mysecret", "s3cr3t",
	"graphql", "apollo", "hasura", "education", "shhhhh", "keyboard cat",
	"HS256", "api", "apikey", "api_key", "auth", "authsecret", "app_secret",
}

// BuiltinSecrets returns a source over well-known default and example secrets.
func BuiltinSecrets() Source {
	items := make([]string, len(builtinSecrets))
	copy(items, builtinSecrets)
	return NewSliceSource(items)
}
