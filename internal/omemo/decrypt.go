package omemo

import (
	"fmt"
	"log/slog"

	"omemod/internal/axolotl"
	"omemod/internal/muc"
	"omemod/internal/xmpp"
)

// Result is the outcome of a successful decryption.
type Result struct {
	// Plaintext is nil for key-transport messages.
	Plaintext []byte
	// KeyTransport marks an encrypted envelope with no content payload.
	KeyTransport bool
	// SenderJID is the sender's real bare JID.
	SenderJID string
	// SenderDevice is the sending device id.
	SenderDevice uint32
	// PreKeyConsumed reports that the decryption consumed a one-time
	// pre-key; the caller should republish the bundle.
	PreKeyConsumed bool
}

// Decryptor orchestrates inbound decryption: key-element selection, sender
// resolution for rooms, Signal decryption with variant fallback, and
// payload decryption.
type Decryptor struct {
	deviceID uint32
	engine   *axolotl.Engine
	rooms    *muc.Tracker
	log      *slog.Logger
}

// NewDecryptor wires a decryptor for one account's device.
func NewDecryptor(deviceID uint32, engine *axolotl.Engine, rooms *muc.Tracker, log *slog.Logger) *Decryptor {
	return &Decryptor{
		deviceID: deviceID,
		engine:   engine,
		rooms:    rooms,
		log:      log.With("component", "decrypt"),
	}
}

// Decrypt processes a message stanza. It returns nil, nil when the stanza
// carries no encrypted element; failures are the typed errors of this
// package.
func (d *Decryptor) Decrypt(st *xmpp.Element) (*Result, error) {
	encEl := findEncrypted(st)
	if encEl == nil {
		return nil, nil
	}
	enc, err := parseEncrypted(encEl)
	if err != nil {
		return nil, err
	}

	var ourKey *EncryptedKey
	for i := range enc.Keys {
		if enc.Keys[i].RID == d.deviceID {
			ourKey = &enc.Keys[i]
			break
		}
	}
	if ourKey == nil {
		return nil, ErrNotForUs
	}

	senderJID, err := d.resolveSender(st)
	if err != nil {
		d.log.Warn("dropping encrypted stanza", "from", st.Attr("from"), "err", err)
		return nil, err
	}
	addr := axolotl.Address{JID: senderJID, DeviceID: enc.SID}

	// The explicit pre-key marker is the primary hint; the wire bytes
	// themselves carry a type nibble that serves when the marker is absent.
	hint := ourKey.PreKey || axolotl.MessageTypeHint(ourKey.Data) == axolotl.MessageTypePreKey
	keyMaterial, preKeyConsumed, err := d.engine.Decrypt(addr, ourKey.Data, hint)
	if err != nil {
		return nil, &SignalFailureError{JID: senderJID, DeviceID: enc.SID, Err: err}
	}

	res := &Result{
		SenderJID:      senderJID,
		SenderDevice:   enc.SID,
		PreKeyConsumed: preKeyConsumed,
	}
	if enc.Payload == nil {
		res.KeyTransport = true
		return res, nil
	}

	plaintext, err := decryptPayload(keyMaterial, enc.IV, enc.Payload)
	if err != nil {
		return nil, err
	}
	res.Plaintext = plaintext
	return res, nil
}

// resolveSender determines the sender's real bare JID. Direct messages use
// the stanza's from; group-chat messages resolve room/nick through the
// occupant tracker.
func (d *Decryptor) resolveSender(st *xmpp.Element) (string, error) {
	from := st.Attr("from")
	if st.Attr("type") != "groupchat" {
		return xmpp.Bare(from), nil
	}
	room := xmpp.Bare(from)
	nick := xmpp.Resource(from)
	real := d.rooms.OccupantRealJIDByNick(room, nick)
	if real == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownSender, room, nick)
	}
	return real, nil
}
