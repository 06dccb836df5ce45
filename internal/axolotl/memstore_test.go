package axolotl

import (
	"testing"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	identity     *IdentityKeyPair
	regID        uint32
	signedPreKey *SignedPreKeyRecord
	preKeys      map[uint32]*PreKeyRecord
	sessions     map[string][]byte
	identities   map[string][]byte

	removedPreKeys []uint32
}

func newMemStore(t *testing.T, regID uint32) *memStore {
	t.Helper()
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	spkPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ms := &memStore{
		identity: identity,
		regID:    regID,
		signedPreKey: &SignedPreKeyRecord{
			ID:        1,
			KeyPair:   *spkPair,
			Signature: identity.Sign(spkPair.Public),
		},
		preKeys:    make(map[uint32]*PreKeyRecord),
		sessions:   make(map[string][]byte),
		identities: make(map[string][]byte),
	}
	for id := uint32(100); id < 110; id++ {
		pair, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		ms.preKeys[id] = &PreKeyRecord{ID: id, KeyPair: *pair}
	}
	return ms
}

func (m *memStore) IdentityKeyPair() (*IdentityKeyPair, error) { return m.identity, nil }
func (m *memStore) RegistrationID() (uint32, error)            { return m.regID, nil }

func (m *memStore) LoadSession(addr Address) (*SessionRecord, error) {
	data, ok := m.sessions[addr.Key()]
	if !ok {
		return nil, nil
	}
	return DeserializeSessionRecord(data)
}

func (m *memStore) StoreSession(addr Address, rec *SessionRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return err
	}
	m.sessions[addr.Key()] = data
	return nil
}

func (m *memStore) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	return m.preKeys[id], nil
}

func (m *memStore) RemovePreKey(id uint32) error {
	delete(m.preKeys, id)
	m.removedPreKeys = append(m.removedPreKeys, id)
	return nil
}

func (m *memStore) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	if m.signedPreKey.ID != id {
		return nil, nil
	}
	return m.signedPreKey, nil
}

func (m *memStore) IsTrustedIdentity(addr Address, key []byte, _ Direction) (bool, error) {
	m.identities[addr.Key()] = key
	return true, nil
}

// bundleFor renders the store's public material the way a fetched bundle
// would carry it.
func bundleFor(ms *memStore) *Bundle {
	b := &Bundle{
		IdentityKey:           ms.identity.PublicBytes(),
		SignedPreKeyID:        ms.signedPreKey.ID,
		SignedPreKey:          ms.signedPreKey.KeyPair.Public,
		SignedPreKeySignature: ms.signedPreKey.Signature,
	}
	for id, pk := range ms.preKeys {
		b.PreKeys = append(b.PreKeys, BundlePreKey{ID: id, Key: pk.KeyPair.Public})
	}
	return b
}
