// Package signature provides the integrity schemes that fill the signature
// field of every RDFS block.
//
// A volume uses exactly one scheme, recorded in the high byte of the
// SuperBlock version. The scheme fixes the signature length N:
//
//   - Ed25519 (64 bytes): asymmetric. Nodes that only hold the public key
//     can verify blocks but not forge them.
//   - Keyed BLAKE3 (32 bytes): symmetric MAC for volumes whose nodes share
//     a secret.
//
// Every signature covers all bytes of the encoded block that precede it.
package signature

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Scheme identifies a signature scheme on disk.
type Scheme uint8

const (
	SchemeEd25519 Scheme = 1
	SchemeBLAKE3  Scheme = 2
)

var (
	ErrUnknownScheme = errors.New("signature: unknown scheme")
	ErrInvalidKey    = errors.New("signature: invalid key")
	ErrVerifyOnly    = errors.New("signature: verifier cannot sign")
)

// Size returns the signature length in bytes, or 0 for unknown schemes.
func (s Scheme) Size() int {
	switch s {
	case SchemeEd25519:
		return ed25519.SignatureSize
	case SchemeBLAKE3:
		return blake3KeySize
	default:
		return 0
	}
}

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool { return s.Size() > 0 }

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeBLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseScheme maps a configuration name to a Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch name {
	case "ed25519":
		return SchemeEd25519, nil
	case "blake3":
		return SchemeBLAKE3, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

// Verifier checks signatures of one scheme.
type Verifier interface {
	Scheme() Scheme
	Verify(message, sig []byte) bool
}

// Signer produces signatures and can verify its own.
type Signer interface {
	Verifier
	Sign(message []byte) ([]byte, error)
}

// Ed25519Verifier verifies with a public key only.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier wraps a public key.
func NewEd25519Verifier(pub ed25519.PublicKey) (*Ed25519Verifier, error) { // A
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 public key has %d bytes", ErrInvalidKey, len(pub))
	}
	return &Ed25519Verifier{pub: pub}, nil
}

func (v *Ed25519Verifier) Scheme() Scheme { return SchemeEd25519 }

func (v *Ed25519Verifier) Verify(message, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.pub, message, sig)
}

// Ed25519Signer signs with a private key.
type Ed25519Signer struct {
	Ed25519Verifier
	priv ed25519.PrivateKey
}

// NewEd25519Signer derives the key pair from a 32 byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) { // A
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed has %d bytes", ErrInvalidKey, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		Ed25519Verifier: Ed25519Verifier{pub: priv.Public().(ed25519.PublicKey)},
		priv:            priv,
	}, nil
}

// PublicKey returns the verifying half of the key pair.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

const blake3KeySize = 32

// BLAKE3MAC is a keyed BLAKE3 hash. It both signs and verifies.
type BLAKE3MAC struct {
	key [blake3KeySize]byte
}

// NewBLAKE3MAC wraps a 32 byte key.
func NewBLAKE3MAC(key []byte) (*BLAKE3MAC, error) { // A
	if len(key) != blake3KeySize {
		return nil, fmt.Errorf("%w: blake3 key has %d bytes", ErrInvalidKey, len(key))
	}
	m := &BLAKE3MAC{}
	copy(m.key[:], key)
	return m, nil
}

func (m *BLAKE3MAC) Scheme() Scheme { return SchemeBLAKE3 }

func (m *BLAKE3MAC) Sign(message []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(m.key[:])
	if err != nil {
		return nil, fmt.Errorf("signature: blake3 keyed hasher: %w", err)
	}
	_, _ = h.Write(message)
	return h.Sum(nil), nil
}

func (m *BLAKE3MAC) Verify(message, sig []byte) bool {
	if len(sig) != blake3KeySize {
		return false
	}
	want, err := m.Sign(message)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, sig) == 1
}

// NewSigner builds a signer for scheme from 32 bytes of key material
// (an Ed25519 seed or a BLAKE3 key).
func NewSigner(scheme Scheme, key []byte) (Signer, error) {
	switch scheme {
	case SchemeEd25519:
		s, err := NewEd25519Signer(key)
		if err != nil {
			return nil, err
		}
		return s, nil
	case SchemeBLAKE3:
		m, err := NewBLAKE3MAC(key)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownScheme, uint8(scheme))
	}
}
