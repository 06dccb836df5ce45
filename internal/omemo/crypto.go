package omemo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	contentKeySize = 16
	nonceSize      = 12
	gcmTagSize     = 16
)

// encryptPayload AES-128-GCM-encrypts plaintext under a fresh content key
// and nonce. It returns the ciphertext with the authentication tag split
// off, and the 32-byte key material (content key || tag) that travels
// inside the per-device Signal envelopes.
func encryptPayload(plaintext []byte) (ciphertext, nonce, keyMaterial []byte, err error) {
	key := make([]byte, contentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, nil, fmt.Errorf("omemo: generate content key: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("omemo: generate nonce: %w", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tag := sealed[len(sealed)-gcmTagSize:]
	ciphertext = sealed[:len(sealed)-gcmTagSize]

	keyMaterial = make([]byte, 0, contentKeySize+gcmTagSize)
	keyMaterial = append(keyMaterial, key...)
	keyMaterial = append(keyMaterial, tag...)
	return ciphertext, nonce, keyMaterial, nil
}

// decryptPayload recovers plaintext from recovered key material. The legacy
// dialect packs a 16-byte key and the detached 16-byte tag into 32 bytes of
// material, with the payload carrying ciphertext only; the newer dialect
// uses the whole 32 bytes as the key with the tag appended to the payload.
// A bare 16-byte key also implies an appended tag. Shape is auto-detected.
func decryptPayload(keyMaterial, nonce, payload []byte) ([]byte, error) {
	switch len(keyMaterial) {
	case contentKeySize + gcmTagSize:
		// Legacy shape first: key || detached tag.
		sealed := make([]byte, 0, len(payload)+gcmTagSize)
		sealed = append(sealed, payload...)
		sealed = append(sealed, keyMaterial[contentKeySize:]...)
		if pt, err := openGCM(keyMaterial[:contentKeySize], nonce, sealed); err == nil {
			return pt, nil
		}
		// Newer shape: 32-byte key, tag already on the payload.
		pt, err := openGCM(keyMaterial, nonce, payload)
		if err != nil {
			return nil, ErrAESFailure
		}
		return pt, nil
	case contentKeySize:
		pt, err := openGCM(keyMaterial, nonce, payload)
		if err != nil {
			return nil, ErrAESFailure
		}
		return pt, nil
	default:
		return nil, fmt.Errorf("omemo: key material is %d bytes", len(keyMaterial))
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("omemo: aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("omemo: gcm: %w", err)
	}
	return aead, nil
}

func openGCM(key, nonce, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, sealed)
}
