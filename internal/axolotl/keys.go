// Package axolotl implements the Signal protocol primitives the OMEMO layer
// encrypts with: X25519/Ed25519 identity material, X3DH key agreement, the
// Double Ratchet, and the two wire message variants (pre-key and regular).
// Session state lives in a caller-provided Store; per-address operations must
// be externally serialized because the ratchet is stateful.
package axolotl

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// DHKeySize is the size of X25519 public and private keys.
	DHKeySize = 32
	// IdentityPublicSize is the serialized identity public key: the X25519
	// exchange key followed by the Ed25519 signing key.
	IdentityPublicSize = 64
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  []byte `json:"pub"`
	Private []byte `json:"priv"`
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, DHKeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("axolotl: generate key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("axolotl: derive public key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// dh computes the X25519 shared secret between priv and pub.
func dh(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("axolotl: dh: %w", err)
	}
	return out, nil
}

// IdentityKeyPair is the long-term identity: an X25519 pair for key agreement
// and an Ed25519 pair for signing pre-keys.
type IdentityKeyPair struct {
	DH         KeyPair `json:"dh"`
	SigningPub []byte  `json:"sigPub"`
	SigningKey []byte  `json:"sigPriv"`
}

// GenerateIdentityKeyPair creates a fresh identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	dhPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("axolotl: generate signing key: %w", err)
	}
	return &IdentityKeyPair{DH: *dhPair, SigningPub: edPub, SigningKey: edPriv}, nil
}

// PublicBytes serializes the identity public key (exchange key || signing key).
func (ik *IdentityKeyPair) PublicBytes() []byte {
	out := make([]byte, 0, IdentityPublicSize)
	out = append(out, ik.DH.Public...)
	return append(out, ik.SigningPub...)
}

// Sign signs data with the identity's Ed25519 signing key.
func (ik *IdentityKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(ik.SigningKey), data)
}

// SplitIdentityPublic splits a serialized identity public key into its X25519
// exchange component and Ed25519 signing component.
func SplitIdentityPublic(pub []byte) (dhPub, sigPub []byte, err error) {
	if len(pub) != IdentityPublicSize {
		return nil, nil, fmt.Errorf("axolotl: identity key is %d bytes, want %d", len(pub), IdentityPublicSize)
	}
	return pub[:DHKeySize], pub[DHKeySize:], nil
}

// VerifySignedPreKey checks the Ed-style signature over a signed pre-key
// public component against a serialized identity public key.
func VerifySignedPreKey(identityPub, spkPub, sig []byte) bool {
	_, sigPub, err := SplitIdentityPublic(identityPub)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(sigPub), spkPub, sig)
}

// PreKeyRecord is one one-time pre-key in the local pool.
type PreKeyRecord struct {
	ID      uint32  `json:"id"`
	KeyPair KeyPair `json:"key"`
}

// SignedPreKeyRecord is the current signed pre-key with its signature and
// creation timestamp (milliseconds since epoch).
type SignedPreKeyRecord struct {
	ID        uint32  `json:"id"`
	KeyPair   KeyPair `json:"key"`
	Signature []byte  `json:"sig"`
	CreatedAt int64   `json:"createdAt"`
}
