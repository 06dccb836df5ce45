package axolotl

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrNoSession is returned when a message operation targets an address with
// no established session.
var ErrNoSession = errors.New("axolotl: no session")

// ErrUntrustedIdentity is returned when the store refuses a remote identity.
var ErrUntrustedIdentity = errors.New("axolotl: untrusted identity")

// DecryptionError wraps the failures of both decryption variants.
type DecryptionError struct {
	PreKeyErr  error
	WhisperErr error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("axolotl: decryption failed (pre-key: %v; whisper: %v)", e.PreKeyErr, e.WhisperErr)
}

// Engine runs the Signal protocol against a Store. Operations on the same
// Address must be serialized by the caller; distinct addresses are
// independent.
type Engine struct {
	store Store
	local Address
}

// NewEngine creates an engine over the given store. local names our own
// bare JID and device id; the session to that address is the loopback used
// for room self-echoes and retains its outbound message keys.
func NewEngine(s Store, local Address) *Engine {
	return &Engine{store: s, local: local}
}

// HasSession reports whether a session record exists for the address.
func (e *Engine) HasSession(addr Address) (bool, error) {
	rec, err := e.store.LoadSession(addr)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// BuildSession consumes a fetched bundle and writes an initialized outgoing
// session for the address. A one-time pre-key is chosen uniformly from the
// bundle's pool when one is advertised.
func (e *Engine) BuildSession(addr Address, bundle *Bundle) error {
	if !VerifySignedPreKey(bundle.IdentityKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return fmt.Errorf("axolotl: bundle for %s: bad signed pre-key signature", addr)
	}

	trusted, err := e.store.IsTrustedIdentity(addr, bundle.IdentityKey, DirectionSending)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}

	peerDH, _, err := SplitIdentityPublic(bundle.IdentityKey)
	if err != nil {
		return err
	}

	opk, err := bundle.RandomPreKey()
	if err != nil {
		return err
	}
	var opkPub []byte
	var opkID uint32
	if opk != nil {
		opkPub = opk.Key
		opkID = opk.ID
	}

	ourIdentity, err := e.store.IdentityKeyPair()
	if err != nil {
		return err
	}
	regID, err := e.store.RegistrationID()
	if err != nil {
		return err
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	root, err := initiatorRoot(ourIdentity, ephemeral, peerDH, bundle.SignedPreKey, opkPub)
	if err != nil {
		return err
	}
	st, err := initRatchetInitiator(root, bundle.SignedPreKey)
	if err != nil {
		return err
	}

	rec := &SessionRecord{
		Ratchet:        *st,
		AD:             append(ourIdentity.PublicBytes(), bundle.IdentityKey...),
		RemoteIdentity: bundle.IdentityKey,
		Pending: &PendingPreKey{
			RegistrationID: regID,
			PreKeyID:       opkID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        ephemeral.Public,
		},
	}
	return e.store.StoreSession(addr, rec)
}

// Encrypt encrypts plaintext (in OMEMO use, a 32-byte key-material blob) for
// the address. The returned type is MessageTypePreKey while the outgoing
// session is still in the pre-key phase, MessageTypeWhisper afterwards.
func (e *Engine) Encrypt(addr Address, plaintext []byte) ([]byte, int, error) {
	rec, err := e.store.LoadSession(addr)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoSession, addr)
	}

	h, ct, err := ratchetEncrypt(&rec.Ratchet, rec.AD, plaintext, addr == e.local)
	if err != nil {
		return nil, 0, err
	}
	inner := encodeWhisperMessage(h, ct)

	data := inner
	msgType := MessageTypeWhisper
	if rec.Pending != nil {
		data = encodePreKeyMessage(&preKeyMessage{
			RegistrationID: rec.Pending.RegistrationID,
			PreKeyID:       rec.Pending.PreKeyID,
			SignedPreKeyID: rec.Pending.SignedPreKeyID,
			BaseKey:        rec.Pending.BaseKey,
			IdentityKey:    rec.AD[:IdentityPublicSize],
			Message:        inner,
		})
		msgType = MessageTypePreKey
	}

	if err := e.store.StoreSession(addr, rec); err != nil {
		return nil, 0, err
	}
	return data, msgType, nil
}

// Decrypt recovers the plaintext of an inbound message. The variant hinted
// at by preKeyHint is tried first, then the other; when both fail, the
// returned error is a *DecryptionError. The second return reports whether a
// one-time pre-key was consumed, so callers know to republish the bundle.
func (e *Engine) Decrypt(addr Address, data []byte, preKeyHint bool) ([]byte, bool, error) {
	if preKeyHint {
		pt, consumed, pkErr := e.decryptPreKey(addr, data)
		if pkErr == nil {
			return pt, consumed, nil
		}
		pt, wErr := e.decryptWhisper(addr, data)
		if wErr == nil {
			return pt, false, nil
		}
		return nil, false, &DecryptionError{PreKeyErr: pkErr, WhisperErr: wErr}
	}
	pt, wErr := e.decryptWhisper(addr, data)
	if wErr == nil {
		return pt, false, nil
	}
	pt, consumed, pkErr := e.decryptPreKey(addr, data)
	if pkErr == nil {
		return pt, consumed, nil
	}
	return nil, false, &DecryptionError{PreKeyErr: pkErr, WhisperErr: wErr}
}

// decryptWhisper decrypts an established-session message and persists the
// advanced ratchet. A successful decrypt ends our own pre-key phase: the
// peer demonstrably holds the session now.
func (e *Engine) decryptWhisper(addr Address, data []byte) ([]byte, error) {
	rec, err := e.store.LoadSession(addr)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, addr)
	}

	h, ct, err := decodeWhisperMessage(data)
	if err != nil {
		return nil, err
	}
	pt, err := ratchetDecrypt(&rec.Ratchet, rec.AD, h, ct)
	if err != nil {
		return nil, err
	}
	rec.Pending = nil
	if err := e.store.StoreSession(addr, rec); err != nil {
		return nil, err
	}
	return pt, nil
}

// decryptPreKey processes a pre-key message: it establishes the responder
// session when the base key is new, or reuses the existing session for
// retransmissions carrying the same base key. The consumed one-time pre-key
// is removed before the session is acknowledged; the second return reports
// whether that actually happened.
func (e *Engine) decryptPreKey(addr Address, data []byte) ([]byte, bool, error) {
	pm, err := decodePreKeyMessage(data)
	if err != nil {
		return nil, false, err
	}

	trusted, err := e.store.IsTrustedIdentity(addr, pm.IdentityKey, DirectionReceiving)
	if err != nil {
		return nil, false, err
	}
	if !trusted {
		return nil, false, fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}

	h, ct, err := decodeWhisperMessage(pm.Message)
	if err != nil {
		return nil, false, err
	}

	rec, err := e.store.LoadSession(addr)
	if err != nil {
		return nil, false, err
	}
	if rec != nil && bytes.Equal(rec.RemoteBaseKey, pm.BaseKey) {
		// Retransmission of key-agreement material for the session we
		// already hold; the inner message still advances the ratchet and
		// no further pre-key is consumed.
		pt, err := ratchetDecrypt(&rec.Ratchet, rec.AD, h, ct)
		if err != nil {
			return nil, false, err
		}
		if err := e.store.StoreSession(addr, rec); err != nil {
			return nil, false, err
		}
		return pt, false, nil
	}

	peerDH, _, err := SplitIdentityPublic(pm.IdentityKey)
	if err != nil {
		return nil, false, err
	}
	spk, err := e.store.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return nil, false, err
	}
	if spk == nil {
		return nil, false, fmt.Errorf("axolotl: unknown signed pre-key %d", pm.SignedPreKeyID)
	}

	var opkPair *KeyPair
	if pm.PreKeyID != 0 {
		opk, err := e.store.LoadPreKey(pm.PreKeyID)
		if err != nil {
			return nil, false, err
		}
		if opk == nil {
			return nil, false, fmt.Errorf("axolotl: one-time pre-key %d already consumed", pm.PreKeyID)
		}
		opkPair = &opk.KeyPair
	}

	ourIdentity, err := e.store.IdentityKeyPair()
	if err != nil {
		return nil, false, err
	}
	root, err := responderRoot(ourIdentity, &spk.KeyPair, opkPair, peerDH, pm.BaseKey)
	if err != nil {
		return nil, false, err
	}
	st, err := initRatchetResponder(root, &spk.KeyPair, h.DHPub)
	if err != nil {
		return nil, false, err
	}

	fresh := &SessionRecord{
		Ratchet:        *st,
		AD:             append(append([]byte(nil), pm.IdentityKey...), ourIdentity.PublicBytes()...),
		RemoteIdentity: pm.IdentityKey,
		RemoteBaseKey:  pm.BaseKey,
	}
	pt, err := ratchetDecrypt(&fresh.Ratchet, fresh.AD, h, ct)
	if err != nil {
		return nil, false, err
	}

	consumed := false
	if pm.PreKeyID != 0 {
		if err := e.store.RemovePreKey(pm.PreKeyID); err != nil {
			return nil, false, err
		}
		consumed = true
	}
	if err := e.store.StoreSession(addr, fresh); err != nil {
		return nil, false, err
	}
	return pt, consumed, nil
}
