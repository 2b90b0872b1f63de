// ABOUTME: Tests for static bearer token verification.

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticVerifierAcceptsConfiguredTokens(t *testing.T) {
	v := NewStaticVerifier([]string{"t1", "t2"})

	assert.NoError(t, v.Verify("t1"))
	assert.NoError(t, v.Verify("t2"))
}

func TestStaticVerifierRejectsUnknownToken(t *testing.T) {
	v := NewStaticVerifier([]string{"t1"})

	assert.ErrorIs(t, v.Verify("t3"), ErrInvalidToken)
	assert.ErrorIs(t, v.Verify(""), ErrInvalidToken)
}

func TestStaticVerifierRejectsEverythingWhenEmpty(t *testing.T) {
	v := NewStaticVerifier(nil)
	assert.ErrorIs(t, v.Verify("anything"), ErrInvalidToken)
}
