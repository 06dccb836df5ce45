package omemo

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"omemod/internal/axolotl"
	"omemod/internal/muc"
	"omemod/internal/xmpp"
)

// fallbackBody is the plaintext notice carried alongside every encrypted
// payload for clients that cannot decrypt it.
const fallbackBody = "I sent you an OMEMO encrypted message but your client doesn't seem to support that."

// warningBody is sent instead of plaintext when mandated encryption fails.
// The original plaintext is never transmitted.
const warningBody = "[omemod] Encrypted delivery failed; message not sent."

// Encryptor orchestrates outbound encryption: recipient resolution,
// payload encryption, per-device Signal wrapping with on-demand session
// builds, and the mandatory-encryption fallback policy. It is the only
// component that turns encryption failures into user-visible warnings.
type Encryptor struct {
	account  string // local bare JID
	deviceID uint32
	engine   *axolotl.Engine
	devices  *DeviceListManager
	bundles  *BundleManager
	rooms    *muc.Tracker
	wire     xmpp.Wire
	log      *slog.Logger
}

// NewEncryptor wires an encryptor for one account.
func NewEncryptor(account string, deviceID uint32, engine *axolotl.Engine, devices *DeviceListManager, bundles *BundleManager, rooms *muc.Tracker, wire xmpp.Wire, log *slog.Logger) *Encryptor {
	return &Encryptor{
		account:  account,
		deviceID: deviceID,
		engine:   engine,
		devices:  devices,
		bundles:  bundles,
		rooms:    rooms,
		wire:     wire,
		log:      log.With("component", "encrypt"),
	}
}

// target is one (jid, device) pair in the fan-out set.
type target struct {
	jid      string
	deviceID uint32
}

// EncryptDirect encrypts plaintext for a direct chat: all the recipient's
// devices plus our other own devices. Our own current device is excluded;
// the server does not reflect direct messages back to us.
func (e *Encryptor) EncryptDirect(ctx context.Context, recipientJID string, plaintext []byte) (*xmpp.Element, error) {
	return e.encryptDirect(ctx, recipientJID, plaintext, false)
}

func (e *Encryptor) encryptDirect(ctx context.Context, recipientJID string, plaintext []byte, forceRefresh bool) (*xmpp.Element, error) {
	recipientJID = xmpp.Bare(recipientJID)

	peerDevices, err := e.devices.Get(ctx, recipientJID, forceRefresh)
	if err != nil {
		return nil, err
	}
	if len(peerDevices) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, recipientJID)
	}

	targets := make([]target, 0, len(peerDevices)+2)
	for _, d := range peerDevices {
		targets = append(targets, target{recipientJID, d.ID})
	}
	targets = append(targets, e.ownTargets(ctx, forceRefresh, false)...)

	return e.encryptTo(ctx, targets, plaintext)
}

// EncryptRoom encrypts plaintext for a non-anonymous room: every device of
// every occupant with a known real JID, plus all of our own devices. Our
// current device is included because the server reflects room messages back
// and the local device must decrypt its own echo.
func (e *Encryptor) EncryptRoom(ctx context.Context, roomJID string, plaintext []byte) (*xmpp.Element, error) {
	return e.encryptRoom(ctx, roomJID, plaintext, false)
}

func (e *Encryptor) encryptRoom(ctx context.Context, roomJID string, plaintext []byte, forceRefresh bool) (*xmpp.Element, error) {
	roomJID = xmpp.Bare(roomJID)
	if !e.rooms.OMEMOCapable(roomJID) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotCapable, roomJID)
	}

	var targets []target
	for _, occupant := range e.rooms.OccupantRealJIDs(roomJID, true) {
		occDevices, err := e.devices.Get(ctx, occupant, forceRefresh)
		if err != nil {
			e.log.Warn("skipping occupant without device list", "room", roomJID, "occupant", occupant, "err", err)
			continue
		}
		for _, d := range occDevices {
			targets = append(targets, target{occupant, d.ID})
		}
	}
	targets = append(targets, e.ownTargets(ctx, forceRefresh, true)...)

	return e.encryptTo(ctx, targets, plaintext)
}

// EncryptKeyTransport builds an encrypted element with no payload, carrying
// only fresh key material to the recipient's devices. Used to establish or
// heal sessions without sending content.
func (e *Encryptor) EncryptKeyTransport(ctx context.Context, recipientJID string) (*xmpp.Element, error) {
	recipientJID = xmpp.Bare(recipientJID)
	peerDevices, err := e.devices.Get(ctx, recipientJID, false)
	if err != nil {
		return nil, err
	}
	if len(peerDevices) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, recipientJID)
	}

	keyMaterial := make([]byte, contentKeySize+gcmTagSize)
	if _, err := rand.Read(keyMaterial); err != nil {
		return nil, fmt.Errorf("omemo: generate key material: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("omemo: generate nonce: %w", err)
	}

	targets := make([]target, 0, len(peerDevices))
	for _, d := range peerDevices {
		targets = append(targets, target{recipientJID, d.ID})
	}
	keys, err := e.wrapKeyMaterial(ctx, targets, keyMaterial)
	if err != nil {
		return nil, err
	}
	return encryptedElement(&EncryptedElement{SID: e.deviceID, IV: nonce, Keys: keys}), nil
}

// ownTargets resolves our own device list. With includeLocal unset, the
// local device is excluded (direct-chat policy); room fan-out includes it.
// A missing own list is not fatal: single-device accounts often have no
// list published yet when the first message goes out.
func (e *Encryptor) ownTargets(ctx context.Context, forceRefresh, includeLocal bool) []target {
	ownDevices, err := e.devices.Get(ctx, e.account, forceRefresh)
	if err != nil {
		e.log.Warn("own device list unavailable", "err", err)
		if includeLocal {
			return []target{{e.account, e.deviceID}}
		}
		return nil
	}
	var targets []target
	sawLocal := false
	for _, d := range ownDevices {
		if d.ID == e.deviceID {
			sawLocal = true
			if !includeLocal {
				continue
			}
		}
		targets = append(targets, target{e.account, d.ID})
	}
	if includeLocal && !sawLocal {
		targets = append(targets, target{e.account, e.deviceID})
	}
	return targets
}

func (e *Encryptor) encryptTo(ctx context.Context, targets []target, plaintext []byte) (*xmpp.Element, error) {
	ciphertext, nonce, keyMaterial, err := encryptPayload(plaintext)
	if err != nil {
		return nil, err
	}
	keys, err := e.wrapKeyMaterial(ctx, targets, keyMaterial)
	if err != nil {
		return nil, err
	}
	return encryptedElement(&EncryptedElement{
		SID:     e.deviceID,
		IV:      nonce,
		Keys:    keys,
		Payload: ciphertext,
	}), nil
}

// wrapKeyMaterial Signal-encrypts the key material for every target,
// building sessions on demand from freshly fetched bundles. Individual
// device failures are skipped; zero successes fail the attempt.
func (e *Encryptor) wrapKeyMaterial(ctx context.Context, targets []target, keyMaterial []byte) ([]EncryptedKey, error) {
	seen := make(map[axolotl.Address]bool)
	var keys []EncryptedKey
	for _, t := range targets {
		addr := axolotl.Address{JID: t.jid, DeviceID: t.deviceID}
		if seen[addr] {
			continue
		}
		seen[addr] = true

		if err := e.ensureSession(ctx, addr); err != nil {
			e.log.Warn("skipping device", "target", addr, "err", err)
			continue
		}
		data, msgType, err := e.engine.Encrypt(addr, keyMaterial)
		if err != nil {
			e.log.Warn("encryption to device failed", "target", addr, "err", err)
			continue
		}
		keys = append(keys, EncryptedKey{
			RID:    t.deviceID,
			PreKey: msgType == axolotl.MessageTypePreKey,
			Data:   data,
		})
	}
	if len(keys) == 0 {
		return nil, ErrNoEncryptableDevices
	}
	return keys, nil
}

// ensureSession builds a session from a freshly fetched bundle when none
// exists yet for the address.
func (e *Encryptor) ensureSession(ctx context.Context, addr axolotl.Address) error {
	has, err := e.engine.HasSession(addr)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	bundle, err := e.bundles.Fetch(ctx, addr.JID, addr.DeviceID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return &BundleUnavailableError{JID: addr.JID, DeviceID: addr.DeviceID}
	}
	return e.engine.BuildSession(addr, bundle)
}

// EncryptOrWarn enforces the mandatory-encryption contract: it attempts
// encryption, retries once with refreshed device lists, and on final
// failure sends a short plaintext warning stanza in place of the message.
// The original plaintext never reaches the wire.
func (e *Encryptor) EncryptOrWarn(ctx context.Context, to string, plaintext []byte, groupChat bool) (*xmpp.Element, error) {
	encrypt := e.encryptDirect
	if groupChat {
		encrypt = e.encryptRoom
	}

	el, err := encrypt(ctx, to, plaintext, false)
	if err == nil {
		return el, nil
	}
	if !errors.Is(err, ErrRoomNotCapable) {
		e.log.Warn("encryption failed, retrying with refreshed device lists", "to", to, "err", err)
		if el, retryErr := encrypt(ctx, to, plaintext, true); retryErr == nil {
			return el, nil
		}
	}

	e.log.Warn("encryption failed, sending warning instead", "to", to, "err", err)
	if werr := e.sendWarning(ctx, to, groupChat); werr != nil {
		e.log.Error("sending encryption warning failed", "to", to, "err", werr)
	}
	return nil, err
}

// sendWarning emits the fixed plaintext failure notice.
func (e *Encryptor) sendWarning(ctx context.Context, to string, groupChat bool) error {
	msgType := "chat"
	if groupChat {
		msgType = "groupchat"
	}
	msg := xmpp.NewElement("message", "jabber:client")
	msg.SetAttr("to", to)
	msg.SetAttr("type", msgType)
	msg.SetAttr("id", uuid.NewString())
	msg.AddText("body", "jabber:client", warningBody)
	return e.wire.SendMessage(ctx, msg)
}

// WrapAsStanza wraps an encrypted element into a full message stanza with
// the encryption-method advertisement, a storage hint, and the fallback
// body.
func WrapAsStanza(to string, enc *xmpp.Element, groupChat bool) *xmpp.Element {
	msgType := "chat"
	if groupChat {
		msgType = "groupchat"
	}
	msg := xmpp.NewElement("message", "jabber:client")
	msg.SetAttr("to", to)
	msg.SetAttr("type", msgType)
	msg.SetAttr("id", uuid.NewString())
	msg.AddChild(enc)

	eme := xmpp.NewElement("encryption", nsEME)
	eme.SetAttr("namespace", NSLegacy)
	eme.SetAttr("name", "OMEMO")
	msg.AddChild(eme)

	msg.AddChild(xmpp.NewElement("store", nsHints))
	msg.AddText("body", "jabber:client", fallbackBody)
	return msg
}
