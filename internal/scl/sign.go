package scl

import (
	"crypto/ed25519"
	"errors"

	"github.com/karasz/telemetry-core/internal/wire"
)

// SigSize is the fixed size in bytes of an Ed25519 detached signature.
const SigSize = ed25519.SignatureSize

// ErrBadKeySize is returned when a caller hands sign/verify a key of the
// wrong length; callers should treat this as a configuration error, not a
// per-message failure.
var ErrBadKeySize = errors.New("scl: bad key size")

// Sign returns a detached Ed25519 signature over canonicalBytes.
func Sign(priv ed25519.PrivateKey, canonicalBytes []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrBadKeySize
	}
	return ed25519.Sign(priv, canonicalBytes), nil
}

// Verify reports whether sig is a valid Ed25519 signature over canonicalBytes
// under pub. It never panics on attacker-controlled input: malformed keys or
// signatures simply verify false. ed25519.Verify's internal comparison is
// constant-time with respect to the signature bytes, so this does not leak
// timing information distinguishing "bad signature" from "bad key" beyond
// the key-length check, which is public configuration, not per-message
// secret state.
func Verify(pub ed25519.PublicKey, canonicalBytes, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(pub, canonicalBytes, sig)
}

// SignEnvelope canonicalizes env and signs it in place, setting env.Sig.
// env.SigningAlgorithm must already be "Ed25519".
func SignEnvelope(priv ed25519.PrivateKey, env *wire.Envelope) error {
	if env.SigningAlgorithm != "Ed25519" {
		return errors.New("scl: unsupported signing_algorithm " + env.SigningAlgorithm)
	}
	cb, err := Canonical(env)
	if err != nil {
		return err
	}
	sig, err := Sign(priv, cb)
	if err != nil {
		return err
	}
	env.Sig = sig
	return nil
}

// VerifyEnvelope recomputes canonical bytes for env and verifies env.Sig
// under pub. It returns false for any malformed envelope rather than
// erroring, matching spec's "fail closed, never raise on attacker-controlled
// bytes" contract.
func VerifyEnvelope(pub ed25519.PublicKey, env *wire.Envelope) bool {
	if env.SigningAlgorithm != "Ed25519" {
		return false
	}
	cb, err := Canonical(env)
	if err != nil {
		return false
	}
	return Verify(pub, cb, env.Sig)
}
