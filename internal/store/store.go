// Package store owns all persistent OMEMO key material for one local
// account: device and registration identifiers, the identity key pair, the
// signed pre-key, the one-time pre-key pool, per-peer-device sessions and
// peer identity keys. Every mutating operation persists a full snapshot
// before reporting success. The surrounding account context serializes
// access; the store itself takes no locks.
package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"omemod/internal/axolotl"
)

const (
	// preKeyLowWater triggers a pool refill when consumption drops the pool
	// below it.
	preKeyLowWater = 20
	// preKeyBatch is how many one-time pre-keys are generated at a time.
	preKeyBatch = 100
)

// ErrNotInitialized is returned by accessors before Initialize has run.
var ErrNotInitialized = errors.New("store: not initialized")

// Persister saves snapshots durably. Save must not return until the snapshot
// is safe on disk. Load returns nil, nil when no snapshot exists yet.
type Persister interface {
	Save(accountID string, snap *Snapshot) error
	Load(accountID string) (*Snapshot, error)
}

// Store holds the account's key material in memory and writes through to a
// Persister on every mutation.
type Store struct {
	accountID string
	persist   Persister

	deviceID       uint32
	registrationID uint32
	identity       *axolotl.IdentityKeyPair
	signedPreKey   *axolotl.SignedPreKeyRecord
	preKeys        map[uint32]*axolotl.PreKeyRecord
	nextPreKeyID   uint32
	sessions       map[string]SessionBlob
	identities     map[string][]byte

	firstInit   bool
	initialized bool
}

var _ axolotl.Store = (*Store)(nil)

// New creates a store bound to an account id and persister. Call Initialize
// before anything else.
func New(accountID string, p Persister) *Store {
	return &Store{
		accountID:  accountID,
		persist:    p,
		preKeys:    make(map[uint32]*axolotl.PreKeyRecord),
		sessions:   make(map[string]SessionBlob),
		identities: make(map[string][]byte),
	}
}

// Initialize restores the account's snapshot when one exists, otherwise
// generates fresh identity material and persists it synchronously.
// Generation failures are fatal; a half-generated identity is never kept.
func (s *Store) Initialize() error {
	snap, err := s.persist.Load(s.accountID)
	if err != nil {
		return fmt.Errorf("store: load snapshot: %w", err)
	}
	if snap != nil {
		if err := s.Restore(snap); err != nil {
			return err
		}
		s.initialized = true
		return nil
	}

	deviceID, err := randomUint31()
	if err != nil {
		return fmt.Errorf("store: generate device id: %w", err)
	}
	regID, err := randomRange(1, 16380)
	if err != nil {
		return fmt.Errorf("store: generate registration id: %w", err)
	}
	identity, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	spkID, err := randomUint24()
	if err != nil {
		return fmt.Errorf("store: generate signed pre-key id: %w", err)
	}
	spkPair, err := axolotl.GenerateKeyPair()
	if err != nil {
		return err
	}
	firstPreKeyID, err := randomUint24()
	if err != nil {
		return fmt.Errorf("store: generate pre-key id: %w", err)
	}

	s.deviceID = deviceID
	s.registrationID = regID
	s.identity = identity
	s.signedPreKey = &axolotl.SignedPreKeyRecord{
		ID:        spkID,
		KeyPair:   *spkPair,
		Signature: identity.Sign(spkPair.Public),
		CreatedAt: time.Now().UnixMilli(),
	}
	s.nextPreKeyID = firstPreKeyID
	if err := s.generatePreKeys(preKeyBatch); err != nil {
		return err
	}

	s.firstInit = true
	s.initialized = true
	if err := s.save(); err != nil {
		s.initialized = false
		return err
	}
	return nil
}

// FirstInitialization reports whether Initialize generated a fresh identity
// rather than restoring one. Device-list publication replaces the server
// list wholesale in that case.
func (s *Store) FirstInitialization() bool { return s.firstInit }

// DeviceID returns the stable local device identifier.
func (s *Store) DeviceID() uint32 { return s.deviceID }

// RegistrationID returns the local registration identifier.
func (s *Store) RegistrationID() (uint32, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	return s.registrationID, nil
}

// IdentityKeyPair returns the local identity key pair.
func (s *Store) IdentityKeyPair() (*axolotl.IdentityKeyPair, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.identity, nil
}

// SignedPreKey returns the current signed pre-key record.
func (s *Store) SignedPreKey() (*axolotl.SignedPreKeyRecord, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.signedPreKey, nil
}

// LoadSignedPreKey returns the signed pre-key if the id matches the current
// one, nil otherwise. The private component is never discarded, so any id we
// ever advertised is the current one.
func (s *Store) LoadSignedPreKey(id uint32) (*axolotl.SignedPreKeyRecord, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if s.signedPreKey == nil || s.signedPreKey.ID != id {
		return nil, nil
	}
	return s.signedPreKey, nil
}

// PreKeys returns the current one-time pre-key pool.
func (s *Store) PreKeys() ([]*axolotl.PreKeyRecord, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]*axolotl.PreKeyRecord, 0, len(s.preKeys))
	for _, pk := range s.preKeys {
		out = append(out, pk)
	}
	return out, nil
}

// LoadPreKey returns the pre-key with the given id, or nil when consumed.
func (s *Store) LoadPreKey(id uint32) (*axolotl.PreKeyRecord, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.preKeys[id], nil
}

// RemovePreKey consumes a one-time pre-key. When the pool drops below the
// low-water mark, a fresh batch is generated before the call returns, so the
// bundle republished afterwards always advertises a full pool.
func (s *Store) RemovePreKey(id uint32) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	delete(s.preKeys, id)
	if len(s.preKeys) < preKeyLowWater {
		if err := s.generatePreKeys(preKeyBatch); err != nil {
			return err
		}
	}
	return s.save()
}

// LoadSession returns the session record for an address, nil when absent.
func (s *Store) LoadSession(addr axolotl.Address) (*axolotl.SessionRecord, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	blob, ok := s.sessions[addr.Key()]
	if !ok || len(blob) == 0 {
		return nil, nil
	}
	return axolotl.DeserializeSessionRecord(blob)
}

// StoreSession writes a session record. Empty or structurally invalid
// records are rejected silently: some session engines emit spurious empty
// writes, and persisting one would corrupt future loads.
func (s *Store) StoreSession(addr axolotl.Address, rec *axolotl.SessionRecord) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if rec == nil {
		return nil
	}
	data, err := rec.Serialize()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := axolotl.DeserializeSessionRecord(data); err != nil {
		return nil
	}
	s.sessions[addr.Key()] = SessionBlob(data)
	return s.save()
}

// HasSession reports whether a session exists for the address.
func (s *Store) HasSession(addr axolotl.Address) bool {
	return len(s.sessions[addr.Key()]) > 0
}

// RemoveSessions drops every session for the given bare JID.
func (s *Store) RemoveSessions(jid string) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	prefix := jid + "."
	for k := range s.sessions {
		if strings.HasPrefix(k, prefix) {
			delete(s.sessions, k)
		}
	}
	return s.save()
}

// SaveIdentity records a peer device's identity key, overwriting any prior
// key without prompting. It reports whether the key changed versus what was
// stored before.
func (s *Store) SaveIdentity(addr axolotl.Address, key []byte) (bool, error) {
	if !s.initialized {
		return false, ErrNotInitialized
	}
	old, had := s.identities[addr.Key()]
	if had && bytes.Equal(old, key) {
		return false, nil
	}
	s.identities[addr.Key()] = append([]byte(nil), key...)
	if err := s.save(); err != nil {
		return false, err
	}
	return had, nil
}

// IsTrustedIdentity accepts any identity key: this is an automated agent
// with nobody to answer a verification prompt, so the trust policy is blind
// trust. The key is recorded as a side effect.
func (s *Store) IsTrustedIdentity(addr axolotl.Address, key []byte, _ axolotl.Direction) (bool, error) {
	if !s.initialized {
		return false, ErrNotInitialized
	}
	if _, err := s.SaveIdentity(addr, key); err != nil {
		return false, err
	}
	return true, nil
}

// PeerIdentity returns the stored identity key for a peer device, nil when
// none has been seen.
func (s *Store) PeerIdentity(addr axolotl.Address) []byte {
	return s.identities[addr.Key()]
}

func (s *Store) generatePreKeys(n int) error {
	for range n {
		pair, err := axolotl.GenerateKeyPair()
		if err != nil {
			return err
		}
		id := s.nextPreKeyID
		s.nextPreKeyID++
		if s.nextPreKeyID == 0 {
			s.nextPreKeyID = 1
		}
		s.preKeys[id] = &axolotl.PreKeyRecord{ID: id, KeyPair: *pair}
	}
	return nil
}

func (s *Store) save() error {
	if err := s.persist.Save(s.accountID, s.Snapshot()); err != nil {
		return fmt.Errorf("store: persist: %w", err)
	}
	return nil
}

func randomUint31() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b[:]) & 0x7fffffff
	if v == 0 {
		v = 1
	}
	return v, nil
}

func randomUint24() (uint32, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	if v == 0 {
		v = 1
	}
	return v, nil
}

func randomRange(lo, hi uint32) (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return lo + binary.BigEndian.Uint32(b[:])%(hi-lo+1), nil
}
