package axolotl

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const maxSkippedKeys = 512

var errChainUninitialized = errors.New("axolotl: ratchet chain key is uninitialized")

// ratchetState is the Double Ratchet state for one session. All byte fields
// serialize as base64 through encoding/json; skipped message keys are keyed
// by hex(peer ratchet pub || counter) so the map survives JSON round-trips.
type ratchetState struct {
	RootKey   []byte            `json:"rk"`
	DHPriv    []byte            `json:"dhPriv"`
	DHPub     []byte            `json:"dhPub"`
	PeerDHPub []byte            `json:"peerDH"`
	SendCK    []byte            `json:"sendCK,omitempty"`
	RecvCK    []byte            `json:"recvCK,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped,omitempty"`

	// Outbox retains recent outbound message keys for the loopback session
	// to our own device, whose messages come back to us as room reflections.
	// Never populated for real peers, so their forward secrecy is untouched.
	Outbox map[string][]byte `json:"outbox,omitempty"`
}

const maxOutboxKeys = 64

// messageHeader is the ratchet header carried by every message.
type messageHeader struct {
	DHPub []byte
	PN    uint32
	N     uint32
}

// initRatchetInitiator seeds the sending chain from the X3DH root using a
// fresh ratchet key against the peer's signed pre-key.
func initRatchetInitiator(root, peerSPK []byte) (*ratchetState, error) {
	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := dh(pair.Private, peerSPK)
	if err != nil {
		return nil, err
	}
	newRK, sendCK := kdfRK(root, secret)
	return &ratchetState{
		RootKey:   newRK,
		DHPriv:    pair.Private,
		DHPub:     pair.Public,
		PeerDHPub: peerSPK,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// initRatchetResponder seeds the receiving chain from the X3DH root using the
// signed pre-key private and the initiator's first ratchet key.
func initRatchetResponder(root []byte, ourSPK *KeyPair, senderRatchetPub []byte) (*ratchetState, error) {
	secret, err := dh(ourSPK.Private, senderRatchetPub)
	if err != nil {
		return nil, err
	}
	newRK, recvCK := kdfRK(root, secret)
	return &ratchetState{
		RootKey:   newRK,
		DHPriv:    ourSPK.Private,
		DHPub:     ourSPK.Public,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// ratchetEncrypt produces a header and ciphertext, stepping the DH ratchet
// first when the sending chain is not yet seeded (first send after receiving).
// With retainKey set, the derived message key is parked in the outbox so the
// reflected copy of this message can be opened later.
func ratchetEncrypt(st *ratchetState, ad, plaintext []byte, retainKey bool) (messageHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		pair, err := GenerateKeyPair()
		if err != nil {
			return messageHeader{}, nil, err
		}
		secret, err := dh(pair.Private, st.PeerDHPub)
		if err != nil {
			return messageHeader{}, nil, err
		}
		// PN was recorded when the remote key arrived; only the chain is
		// reseeded here.
		newRK, sendCK := kdfRK(st.RootKey, secret)
		st.Ns = 0
		st.RootKey = newRK
		st.DHPriv, st.DHPub = pair.Private, pair.Public
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return messageHeader{}, nil, err
	}
	h := messageHeader{DHPub: st.DHPub, PN: st.PN, N: st.Ns}
	ct, err := seal(mk, h, ad, plaintext)
	if err != nil {
		return messageHeader{}, nil, err
	}
	if retainKey {
		if st.Outbox == nil {
			st.Outbox = make(map[string][]byte)
		}
		if len(st.Outbox) >= maxOutboxKeys {
			for k := range st.Outbox {
				delete(st.Outbox, k)
				break
			}
		}
		st.Outbox[skippedKeyID(st.DHPub, st.Ns)] = mk
	}
	st.Ns++
	return h, ct, nil
}

// ratchetDecrypt handles skipped keys, advances the DH ratchet on a new
// remote key, then opens the message.
func ratchetDecrypt(st *ratchetState, ad []byte, h messageHeader, ciphertext []byte) ([]byte, error) {
	if st.Skipped == nil {
		st.Skipped = make(map[string][]byte)
	}

	// A message carrying our own ratchet key is our own output reflected
	// back (room echo on the loopback session). Only the outbox can open it.
	if bytesEqual(st.DHPub, h.DHPub) {
		id := skippedKeyID(h.DHPub, h.N)
		mk, ok := st.Outbox[id]
		if !ok {
			return nil, errors.New("axolotl: reflected message key not retained")
		}
		pt, err := open(mk, h, ad, ciphertext)
		if err != nil {
			return nil, err
		}
		delete(st.Outbox, id)
		return pt, nil
	}

	// Same remote ratchet key: the message may be one we already derived a
	// key for, or one ahead in the current chain.
	if bytesEqual(st.PeerDHPub, h.DHPub) {
		if h.N < st.Nr {
			id := skippedKeyID(h.DHPub, h.N)
			mk, ok := st.Skipped[id]
			if !ok {
				return nil, errors.New("axolotl: message key already consumed")
			}
			pt, err := open(mk, h, ad, ciphertext)
			if err != nil {
				return nil, err
			}
			delete(st.Skipped, id)
			return pt, nil
		}
		skipUntil(st, h.N)
	} else {
		// New remote ratchet key: close out the old receiving chain, then
		// advance both chains.
		skipUntil(st, h.PN)

		secret, err := dh(st.DHPriv, h.DHPub)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, secret)

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rk2
		st.PeerDHPub = append([]byte(nil), h.DHPub...)
		st.RecvCK = recvCK
		st.SendCK = nil // reseeded with a fresh pair on next send
		skipUntil(st, h.N)
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, h, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

func seal(mk []byte, h messageHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], h.N)
	return aead.Seal(nil, nonce, plaintext, appendHeader(ad, h)), nil
}

func open(mk []byte, h messageHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], h.N)
	return aead.Open(nil, nonce, ciphertext, appendHeader(ad, h))
}

func appendHeader(ad []byte, h messageHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	out = append(out, h.DHPub...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	return binary.BigEndian.AppendUint32(out, h.N)
}

func kdfRK(rk, secret []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, secret, rk, []byte("OMEMO Root Chain"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("OMEMO Message Chain"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *ratchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialized
	}
	next, mk := kdfCK(st.SendCK)
	st.SendCK = next
	return mk, nil
}

func kdfCKRecv(st *ratchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialized
	}
	next, mk := kdfCK(st.RecvCK)
	st.RecvCK = next
	return mk, nil
}

func skippedKeyID(peerPub []byte, n uint32) string {
	b := make([]byte, 0, len(peerPub)+4)
	b = append(b, peerPub...)
	b = binary.BigEndian.AppendUint32(b, n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores message keys up to n, capped so a hostile
// counter cannot balloon the state.
func skipUntil(st *ratchetState, n uint32) {
	for len(st.RecvCK) > 0 && st.Nr < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkippedKeys {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
