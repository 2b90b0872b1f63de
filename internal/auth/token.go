// ABOUTME: Bearer token verification for gateway identify frames.
// ABOUTME: Tokens are opaque credentials compared by equality server-side.

package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrInvalidToken indicates the presented token matches no configured credential.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier validates the bearer credential from an identify frame.
type TokenVerifier interface {
	Verify(token string) error
}

// StaticVerifier accepts any token from a fixed set. There is no
// challenge/response at this layer; transport TLS is assumed to be
// provided externally.
type StaticVerifier struct {
	tokens []string
}

// NewStaticVerifier creates a verifier over the configured token set.
func NewStaticVerifier(tokens []string) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

// Verify compares the token against each configured credential in
// constant time per candidate.
func (v *StaticVerifier) Verify(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	for _, candidate := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}
