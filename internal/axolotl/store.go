package axolotl

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// Address names one remote device: a bare JID plus the OMEMO device id.
type Address struct {
	JID      string
	DeviceID uint32
}

// Key returns the map key form "jid.deviceID" used by stores and snapshots.
func (a Address) Key() string {
	return a.JID + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

func (a Address) String() string { return a.Key() }

// Direction qualifies a trust decision.
type Direction int

const (
	DirectionSending Direction = iota
	DirectionReceiving
)

// Store is the backing storage the engine operates against. Implementations
// must persist every mutation before returning from the call that made it.
type Store interface {
	IdentityKeyPair() (*IdentityKeyPair, error)
	RegistrationID() (uint32, error)

	// LoadSession returns nil, nil when no session exists for the address.
	LoadSession(addr Address) (*SessionRecord, error)
	StoreSession(addr Address, rec *SessionRecord) error

	// LoadPreKey returns nil, nil when the pre-key is absent (consumed).
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	RemovePreKey(id uint32) error
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)

	// IsTrustedIdentity decides whether to proceed against the given remote
	// identity key, recording the key as a side effect.
	IsTrustedIdentity(addr Address, identityKey []byte, dir Direction) (bool, error)
}

// PendingPreKey is the key-agreement material re-sent with every outgoing
// message while the session is still in the pre-key phase.
type PendingPreKey struct {
	RegistrationID uint32 `json:"regID"`
	PreKeyID       uint32 `json:"preKeyID,omitempty"`
	SignedPreKeyID uint32 `json:"signedPreKeyID"`
	BaseKey        []byte `json:"baseKey"`
}

// SessionRecord is the full per-device session state. It serializes to JSON;
// stores may hold the serialized form as text or bytes.
type SessionRecord struct {
	Ratchet        ratchetState   `json:"ratchet"`
	AD             []byte         `json:"ad"`
	RemoteIdentity []byte         `json:"remoteIdentity"`
	RemoteBaseKey  []byte         `json:"remoteBaseKey,omitempty"`
	Pending        *PendingPreKey `json:"pending,omitempty"`
}

// Serialize renders the record in its storage form.
func (r *SessionRecord) Serialize() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize session: %w", err)
	}
	return data, nil
}

// DeserializeSessionRecord restores a record from its storage form.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	if len(data) == 0 {
		return nil, errors.New("axolotl: empty session record")
	}
	var r SessionRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize session: %w", err)
	}
	return &r, nil
}

// Bundle is the transient public key material fetched from a peer's bundle
// node, consumed once to build a session.
type Bundle struct {
	IdentityKey           []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeys               []BundlePreKey
}

// BundlePreKey is one advertised one-time pre-key.
type BundlePreKey struct {
	ID  uint32
	Key []byte
}

// RandomPreKey picks one pre-key uniformly from the bundle's pool.
// Returns nil when the bundle advertises none.
func (b *Bundle) RandomPreKey() (*BundlePreKey, error) {
	if len(b.PreKeys) == 0 {
		return nil, nil
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(b.PreKeys))))
	if err != nil {
		return nil, fmt.Errorf("axolotl: pick pre-key: %w", err)
	}
	pk := b.PreKeys[idx.Int64()]
	return &pk, nil
}
