// Package jwt parses compact JWS tokens and checks HMAC signatures against
// candidate secrets.
package jwt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedToken is matched by every *MalformedTokenError.
var ErrMalformedToken = errors.New("malformed token")

type MalformedTokenError struct {
	Reason string
	Err    error
}

func (e *MalformedTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed token: %s: %v", e.Reason, e.Err)
	}
	return "malformed token: " + e.Reason
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

func (e *MalformedTokenError) Is(target error) bool { return target == ErrMalformedToken }

// Header holds the registered JOSE header parameters. Fields keeps every
// parameter as decoded, including the registered ones.
type Header struct {
	Alg    string                 `json:"alg"`
	Typ    string                 `json:"typ,omitempty"`
	Kid    string                 `json:"kid,omitempty"`
	Jku    string                 `json:"jku,omitempty"`
	X5u    string                 `json:"x5u,omitempty"`
	Fields map[string]interface{} `json:"-"`
}

// Token is an immutable parsed compact JWS. The encoded segments are kept
// verbatim so the signing input is exactly what the issuer signed.
type Token struct {
	raw       string
	segments  [3]string
	header    Header
	claims    map[string]interface{}
	signature []byte
}

// Parse splits a compact token and decodes its header, payload and signature.
// Every failure is a *MalformedTokenError.
func Parse(compact string) (*Token, error) {
	compact = strings.TrimSpace(compact)

	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, &MalformedTokenError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}

	headerFields, err := decodeObject(parts[0])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "header", Err: err}
	}

	claims, err := decodeObject(parts[1])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "payload", Err: err}
	}

	sig, err := DecodeSegment(parts[2])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "signature", Err: err}
	}

	return &Token{
		raw:       compact,
		segments:  [3]string{parts[0], parts[1], parts[2]},
		header:    headerFrom(headerFields),
		claims:    claims,
		signature: sig,
	}, nil
}

func decodeObject(segment string) (map[string]interface{}, error) {
	if segment == "" {
		return nil, errors.New("empty segment")
	}
	data, err := DecodeSegment(segment)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return obj, nil
}

func headerFrom(fields map[string]interface{}) Header {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	return Header{
		Alg:    str("alg"),
		Typ:    str("typ"),
		Kid:    str("kid"),
		Jku:    str("jku"),
		X5u:    str("x5u"),
		Fields: fields,
	}
}

// DecodeSegment decodes base64url with or without trailing padding.
func DecodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

// EncodeSegment encodes base64url without padding.
func EncodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Raw returns the compact form the token was parsed from.
func (t *Token) Raw() string { return t.raw }

// Algorithm returns the alg header, empty when absent or not a string.
func (t *Token) Algorithm() string { return t.header.Alg }

// SigningInput returns the first two encoded segments joined by a dot, exactly as
// they appeared in the input.
func (t *Token) SigningInput() []byte {
	return []byte(t.segments[0] + "." + t.segments[1])
}

func (t *Token) Header() Header {
	h := t.header
	h.Fields = copyMap(t.header.Fields)
	return h
}

func (t *Token) Claims() map[string]interface{} {
	return copyMap(t.claims)
}

func (t *Token) Signature() []byte {
	return append([]byte(nil), t.signature...)
}

// Segments returns the three encoded segments.
func (t *Token) Segments() [3]string { return t.segments }

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
