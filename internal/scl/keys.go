package scl

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrKeyFormat is returned when key material cannot be parsed at all (bad PEM
// block, bad ASN.1, wrong algorithm).
var ErrKeyFormat = errors.New("scl: key format invalid")

// ErrKeyLength is returned when parsed key material is the wrong size for
// Ed25519.
var ErrKeyLength = errors.New("scl: key length invalid")

// LoadPrivateKey reads a raw 32-byte Ed25519 seed from path and expands it
// into a full private key. It fails closed: any length mismatch is an error,
// never a truncate-or-pad.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scl: read private key: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrKeyLength, ed25519.SeedSize, len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// LoadPublicKey reads an SPKI-PEM encoded Ed25519 public key from path.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scl: read public key: %w", err)
	}
	return ParsePublicKeyPEM(raw)
}

// ParsePublicKeyPEM decodes a single SPKI-PEM block and asserts it is an
// Ed25519 key. Fails closed on any format or length mismatch; never returns
// a partially-valid key.
func ParsePublicKeyPEM(raw []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrKeyFormat)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrKeyFormat)
	}
	if len(edPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrKeyLength, ed25519.PublicKeySize, len(edPub))
	}
	return edPub, nil
}
