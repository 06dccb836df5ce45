// Package omemod provides an OMEMO-encrypting XMPP client core: identity
// and pre-key lifecycle, device-list and bundle exchange over the server's
// publish-subscribe layer, per-device Signal sessions, and room-aware
// fan-out encryption. The surrounding runtime supplies the wire (see
// internal/xmppws for the WebSocket transport) and consumes decrypted
// plaintext.
package omemod

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"omemod/internal/axolotl"
	"omemod/internal/muc"
	"omemod/internal/omemo"
	"omemod/internal/pubsub"
	"omemod/internal/store"
	"omemod/internal/xmpp"
)

// Result re-exports the decryption outcome type.
type Result = omemo.Result

// nsMUC is the multi-user chat join namespace.
const nsMUC = "http://jabber.org/protocol/muc"

// defaultCache is the process-wide device-list cache shared by all accounts.
var defaultCache = omemo.NewDeviceListCache()

// Client is one local account's OMEMO state machine. All stanza processing,
// session mutation, and persistence for the account run under a single lock,
// the cooperative processing context of this account: a ratchet step never
// interleaves with another.
type Client struct {
	jid          string
	wire         xmpp.Wire
	logger       *slog.Logger
	persister    store.Persister
	cache        *omemo.DeviceListCache
	registry     *store.Registry
	encryptionOn bool

	mu       sync.Mutex
	store    *store.Store
	engine   *axolotl.Engine
	ps       *pubsub.Client
	devices  *omemo.DeviceListManager
	bundles  *omemo.BundleManager
	rooms    *muc.Tracker
	enc      *omemo.Encryptor
	dec      *omemo.Decryptor
	shutdown bool

	pushHandlers []func(peerJID string)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPersister overrides snapshot persistence. Defaults to JSON files in
// the default config directory.
func WithPersister(p store.Persister) Option {
	return func(c *Client) { c.persister = p }
}

// WithDataDir stores the snapshot under the given directory.
func WithDataDir(dir string) Option {
	return func(c *Client) { c.persister = store.NewFilePersister(dir) }
}

// WithDeviceListCache substitutes the process-wide device-list cache,
// used by tests to isolate accounts.
func WithDeviceListCache(cache *omemo.DeviceListCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithRegistry attaches a persistent device registry.
func WithRegistry(r *store.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithEncryptionRequired toggles the mandatory-encryption policy.
// On by default.
func WithEncryptionRequired(on bool) Option {
	return func(c *Client) { c.encryptionOn = on }
}

// NewClient creates a client for the given bare JID over the given wire.
// Call Initialize before any other operation.
func NewClient(jid string, wire xmpp.Wire, opts ...Option) *Client {
	c := &Client{
		jid:          xmpp.Bare(jid),
		wire:         wire,
		logger:       slog.Default(),
		cache:        defaultCache,
		encryptionOn: true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.persister == nil {
		c.persister = store.NewFilePersister("")
	}
	return c
}

// Initialize loads or generates the account's identity material, publishes
// the device list and bundle, and wires the processing pipeline. On the
// account's first initialization the server's device list is replaced
// wholesale; on subsequent starts our device is merged into it.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return omemo.ErrShutdown
	}

	c.store = store.New(c.jid, c.persister)
	if err := c.store.Initialize(); err != nil {
		return fmt.Errorf("omemod: initialize %s: %w", c.jid, err)
	}

	local := axolotl.Address{JID: c.jid, DeviceID: c.store.DeviceID()}
	c.engine = axolotl.NewEngine(c.store, local)
	c.ps = pubsub.New(c.wire)
	c.rooms = muc.NewTracker()

	var registry omemo.DeviceRegistry
	if c.registry != nil {
		registry = c.registry
	}
	c.devices = omemo.NewDeviceListManager(c.jid, c.store.DeviceID(), c.ps, c.cache, registry, c.logger)
	c.bundles = omemo.NewBundleManager(c.store, c.ps, c.logger)
	c.enc = omemo.NewEncryptor(c.jid, c.store.DeviceID(), c.engine, c.devices, c.bundles, c.rooms, c.wire, c.logger)
	c.dec = omemo.NewDecryptor(c.store.DeviceID(), c.engine, c.rooms, c.logger)

	if err := c.devices.PublishOwnDevice(ctx, c.store.FirstInitialization()); err != nil {
		return err
	}
	if err := c.bundles.Publish(ctx); err != nil {
		return err
	}

	c.logger.Info("account initialized", "jid", c.jid, "device", c.store.DeviceID(),
		"fresh", c.store.FirstInitialization())
	return nil
}

// DeviceID returns the local device identifier.
func (c *Client) DeviceID() uint32 {
	return c.store.DeviceID()
}

// JID returns the account's bare JID.
func (c *Client) JID() string { return c.jid }

// Fingerprint returns the hex rendering of the local identity public key.
func (c *Client) Fingerprint() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return "", store.ErrNotInitialized
	}
	identity, err := c.store.IdentityKeyPair()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(identity.PublicBytes()), nil
}

// OnDeviceListPush registers a handler invoked (under the account lock)
// whenever a device-list push notification for a peer is applied.
func (c *Client) OnDeviceListPush(fn func(peerJID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushHandlers = append(c.pushHandlers, fn)
}

// HandleStanza feeds one inbound stanza through the account's state
// machinery: room presence updates the occupant tracker, publish-subscribe
// events refresh the device-list cache. Message stanzas are left to Decrypt.
func (c *Client) HandleStanza(st *xmpp.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || c.dec == nil {
		return
	}

	if st.Name() == "presence" {
		c.rooms.HandlePresence(st)
		return
	}
	if ev := pubsub.ParseEvent(st); ev != nil {
		if c.devices.HandleEvent(ev) {
			for _, fn := range c.pushHandlers {
				fn(ev.From)
			}
		}
		return
	}
}

// Decrypt processes an inbound message stanza. It returns nil, nil when the
// stanza carries no encrypted element. When a one-time pre-key was consumed
// the bundle is republished so the advertised pool stays current.
func (c *Client) Decrypt(ctx context.Context, st *xmpp.Element) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, omemo.ErrShutdown
	}
	if c.dec == nil {
		return nil, store.ErrNotInitialized
	}

	res, err := c.dec.Decrypt(st)
	if err != nil {
		return nil, err
	}
	if res != nil && res.PreKeyConsumed {
		if perr := c.bundles.Publish(ctx); perr != nil {
			c.logger.Warn("bundle republish after pre-key use failed", "err", perr)
		}
	}
	return res, nil
}

// EncryptDirect encrypts plaintext for a direct chat and returns the
// encrypted element. See Send for the full mandatory-encryption path.
func (c *Client) EncryptDirect(ctx context.Context, to string, plaintext []byte) (*xmpp.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, omemo.ErrShutdown
	}
	if c.enc == nil {
		return nil, store.ErrNotInitialized
	}
	return c.enc.EncryptDirect(ctx, to, plaintext)
}

// EncryptRoom encrypts plaintext for a non-anonymous room.
func (c *Client) EncryptRoom(ctx context.Context, room string, plaintext []byte) (*xmpp.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, omemo.ErrShutdown
	}
	if c.enc == nil {
		return nil, store.ErrNotInitialized
	}
	return c.enc.EncryptRoom(ctx, room, plaintext)
}

// WrapAsStanza wraps an encrypted element into a sendable message stanza
// with the encryption-method hint, storage hint, and fallback body.
func (c *Client) WrapAsStanza(to string, enc *xmpp.Element, groupChat bool) *xmpp.Element {
	return omemo.WrapAsStanza(to, enc, groupChat)
}

// Send delivers text to a recipient or room. With encryption enabled this
// is the mandatory-encryption path: on failure the encryptor retries once
// with refreshed device lists and otherwise sends a fixed warning notice;
// the plaintext never reaches the wire. With encryption disabled the text
// is sent as a plain body.
func (c *Client) Send(ctx context.Context, to, text string, groupChat bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return omemo.ErrShutdown
	}
	if c.enc == nil {
		return store.ErrNotInitialized
	}

	if !c.encryptionOn {
		return c.sendPlain(ctx, to, text, groupChat)
	}

	el, err := c.enc.EncryptOrWarn(ctx, to, []byte(text), groupChat)
	if err != nil {
		return err
	}
	return c.wire.SendMessage(ctx, omemo.WrapAsStanza(to, el, groupChat))
}

// sendPlain sends an unencrypted body. Only reachable when the
// mandatory-encryption policy is disabled for the account.
func (c *Client) sendPlain(ctx context.Context, to, text string, groupChat bool) error {
	msgType := "chat"
	if groupChat {
		msgType = "groupchat"
	}
	msg := xmpp.NewElement("message", "jabber:client")
	msg.SetAttr("to", to)
	msg.SetAttr("type", msgType)
	msg.SetAttr("id", uuid.NewString())
	msg.AddText("body", "jabber:client", text)
	return c.wire.SendMessage(ctx, msg)
}

// SendKeyTransport sends a content-less encrypted envelope to all of the
// recipient's devices, establishing or healing sessions.
func (c *Client) SendKeyTransport(ctx context.Context, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return omemo.ErrShutdown
	}
	if c.enc == nil {
		return store.ErrNotInitialized
	}
	el, err := c.enc.EncryptKeyTransport(ctx, to)
	if err != nil {
		return err
	}
	msg := xmpp.NewElement("message", "jabber:client")
	msg.SetAttr("to", to)
	msg.SetAttr("type", "chat")
	msg.SetAttr("id", uuid.NewString())
	msg.AddChild(el)
	return c.wire.SendMessage(ctx, msg)
}

// SubscribeDeviceList subscribes to a peer's device-list node so pushes
// arrive without presence-based auto-subscription.
func (c *Client) SubscribeDeviceList(ctx context.Context, peerJID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return omemo.ErrShutdown
	}
	if c.ps == nil {
		return store.ErrNotInitialized
	}
	return c.ps.Subscribe(ctx, xmpp.Bare(peerJID), omemo.NodeDeviceList, c.jid)
}

// JoinRoom sends directed presence to join a room under the given nickname.
// Occupant state accumulates as the room's presence arrives.
func (c *Client) JoinRoom(ctx context.Context, roomJID, nick string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return omemo.ErrShutdown
	}
	pres := xmpp.NewElement("presence", "jabber:client")
	pres.SetAttr("to", roomJID+"/"+nick)
	pres.SetAttr("id", uuid.NewString())
	pres.AddChild(xmpp.NewElement("x", nsMUC))
	return c.wire.SendMessage(ctx, pres)
}

// LeaveRoom sends unavailable presence to the room and discards its state.
func (c *Client) LeaveRoom(ctx context.Context, roomJID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return omemo.ErrShutdown
	}
	nick := c.rooms.OwnNickname(roomJID)
	pres := xmpp.NewElement("presence", "jabber:client")
	if nick != "" {
		pres.SetAttr("to", roomJID+"/"+nick)
	} else {
		pres.SetAttr("to", roomJID)
	}
	pres.SetAttr("type", "unavailable")
	err := c.wire.SendMessage(ctx, pres)
	c.rooms.Leave(roomJID)
	return err
}

// Shutdown tears the account down. In-flight queries complete or time out;
// new operations refuse with a shutdown error.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	if c.rooms != nil {
		c.rooms.Reset()
	}
	var err error
	if c.registry != nil {
		err = c.registry.Close()
	}
	c.logger.Info("account shut down", "jid", c.jid)
	return err
}
