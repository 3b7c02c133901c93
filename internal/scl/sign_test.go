package scl

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSignVerifyRoundTrip is property P2: sign then verify succeeds for an
// untampered envelope.
func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := sampleEnvelope()
	require.NoError(t, SignEnvelope(priv, env))
	assert.Len(t, env.Sig, SigSize)
	assert.True(t, VerifyEnvelope(pub, env))
}

// TestVerifyDetectsTamper is property P3: any single-bit mutation to a
// signed field invalidates the signature.
func TestVerifyDetectsTamper(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := sampleEnvelope()
	require.NoError(t, SignEnvelope(priv, env))

	env.TsNs++
	assert.False(t, VerifyEnvelope(pub, env))
}

func TestVerifyDetectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := sampleEnvelope()
	require.NoError(t, SignEnvelope(priv, env))
	assert.False(t, VerifyEnvelope(otherPub, env))
}

func TestSignEnvelopeRejectsUnsupportedAlgorithm(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := sampleEnvelope()
	env.SigningAlgorithm = "HMAC-SHA256"
	err = SignEnvelope(priv, env)
	assert.Error(t, err)
}

func TestVerifyEnvelopeFailsClosedOnMalformed(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := sampleEnvelope()
	env.Payload = nil // unknown payload, Canonical errors
	assert.False(t, VerifyEnvelope(pub, env))
}

func TestSignRejectsBadKeySize(t *testing.T) {
	_, err := Sign(ed25519.PrivateKey([]byte{1, 2, 3}), []byte("x"))
	assert.ErrorIs(t, err, ErrBadKeySize)
}

func TestVerifyRejectsBadSigSize(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.False(t, Verify(pub, []byte("x"), []byte{1, 2, 3}))
}
