package jwt

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
	None  Algorithm = "none"
)

// ErrUnsupportedAlgorithm is matched by every *UnsupportedAlgorithmError.
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

type UnsupportedAlgorithmError struct {
	Alg string
}

func (e *UnsupportedAlgorithmError) Error() string {
	if e.Alg == "" {
		return "unsupported algorithm: token has no alg header"
	}
	return fmt.Sprintf("unsupported algorithm %q: only HS256, HS384 and HS512 can be brute-forced", e.Alg)
}

func (e *UnsupportedAlgorithmError) Is(target error) bool { return target == ErrUnsupportedAlgorithm }

// hashFor resolves an alg name through the golang-jwt registry. Only HMAC
// methods are accepted; none, RSA, ECDSA, PSS, EdDSA and unknown names fail.
func hashFor(alg string) (func() hash.Hash, error) {
	method, ok := gojwt.GetSigningMethod(alg).(*gojwt.SigningMethodHMAC)
	if !ok {
		return nil, &UnsupportedAlgorithmError{Alg: alg}
	}
	switch method.Hash {
	case crypto.SHA256:
		return sha256.New, nil
	case crypto.SHA384:
		return sha512.New384, nil
	case crypto.SHA512:
		return sha512.New, nil
	}
	return nil, &UnsupportedAlgorithmError{Alg: alg}
}

// IsBruteforceable reports whether alg is one of the HMAC algorithms.
func IsBruteforceable(alg string) bool {
	_, err := hashFor(alg)
	return err == nil
}

// Sign computes the raw HMAC signature of signingInput under secret.
func Sign(signingInput, secret []byte, alg Algorithm) ([]byte, error) {
	newHash, err := hashFor(string(alg))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, secret)
	mac.Write(signingInput)
	return mac.Sum(nil), nil
}

// Verify reports whether secret produces the token's signature. Tokens whose
// algorithm is not HMAC never verify.
func Verify(t *Token, secret []byte) bool {
	if t == nil {
		return false
	}
	sig, err := Sign(t.SigningInput(), secret, Algorithm(t.Algorithm()))
	if err != nil {
		return false
	}
	return hmac.Equal(sig, t.signature)
}

// Matcher checks candidate secrets against one token. The signing input and
// expected signature are computed once; Matches is safe for concurrent use.
type Matcher struct {
	alg     Algorithm
	newHash func() hash.Hash
	input   []byte
	want    []byte
}

func NewMatcher(t *Token) (*Matcher, error) {
	newHash, err := hashFor(t.Algorithm())
	if err != nil {
		return nil, err
	}
	return &Matcher{
		alg:     Algorithm(t.Algorithm()),
		newHash: newHash,
		input:   t.SigningInput(),
		want:    t.Signature(),
	}, nil
}

func (m *Matcher) Algorithm() Algorithm { return m.alg }

func (m *Matcher) Matches(secret []byte) bool {
	mac := hmac.New(m.newHash, secret)
	mac.Write(m.input)
	return hmac.Equal(mac.Sum(nil), m.want)
}
