package omemod

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"omemod/internal/axolotl"
	"omemod/internal/omemo"
	"omemod/internal/pubsub"
	"omemod/internal/store"
	"omemod/internal/xmpp"
)

// fakeServer emulates the server's publish-subscribe storage: one current
// item per (account, node). Wires created from it share the same node space.
type fakeServer struct {
	mu    sync.Mutex
	nodes map[string]map[string]*xmpp.Element
}

func newFakeServer() *fakeServer {
	return &fakeServer{nodes: make(map[string]map[string]*xmpp.Element)}
}

func (s *fakeServer) setNode(jid, node string, payload *xmpp.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[jid] == nil {
		s.nodes[jid] = make(map[string]*xmpp.Element)
	}
	s.nodes[jid][node] = payload
}

func (s *fakeServer) deleteNode(jid, node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes[jid], node)
}

func (s *fakeServer) wire(jid string) *serverWire {
	return &serverWire{srv: s, jid: jid}
}

// serverWire is one account's connection to the fake server.
type serverWire struct {
	srv *fakeServer
	jid string

	mu   sync.Mutex
	sent []*xmpp.Element
}

func (w *serverWire) SendIQ(ctx context.Context, iq *xmpp.Element) (*xmpp.Element, error) {
	ps := iq.ChildNS("pubsub", pubsub.NS)
	if ps == nil {
		return nil, fmt.Errorf("fake server: unsupported iq")
	}
	reply := xmpp.NewElement("iq", "jabber:client")
	reply.SetAttr("type", "result")
	reply.SetAttr("id", iq.Attr("id"))

	if publish := ps.Child("publish"); publish != nil {
		item := publish.Child("item")
		if item == nil || len(item.Children) == 0 {
			return nil, fmt.Errorf("fake server: publish without item")
		}
		w.srv.setNode(w.jid, publish.Attr("node"), &item.Children[0])
		return reply, nil
	}
	if items := ps.Child("items"); items != nil {
		target := iq.Attr("to")
		if target == "" {
			target = w.jid
		}
		w.srv.mu.Lock()
		payload := w.srv.nodes[target][items.Attr("node")]
		w.srv.mu.Unlock()

		psOut := xmpp.NewElement("pubsub", pubsub.NS)
		itemsOut := xmpp.NewElement("items", pubsub.NS)
		itemsOut.SetAttr("node", items.Attr("node"))
		if payload != nil {
			item := xmpp.NewElement("item", pubsub.NS)
			item.SetAttr("id", "current")
			item.AddChild(payload)
			itemsOut.AddChild(item)
		}
		psOut.AddChild(itemsOut)
		reply.AddChild(psOut)
		return reply, nil
	}
	if ps.Child("subscribe") != nil {
		return reply, nil
	}
	return nil, fmt.Errorf("fake server: unsupported pubsub op")
}

func (w *serverWire) SendMessage(ctx context.Context, msg *xmpp.Element) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, msg)
	return nil
}

func (w *serverWire) sentStanzas() []*xmpp.Element {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*xmpp.Element(nil), w.sent...)
}

// newTestClient builds and initializes a client on the fake server.
func newTestClient(t *testing.T, srv *fakeServer, jid string) (*Client, *serverWire) {
	t.Helper()
	w := srv.wire(jid)
	c := NewClient(jid, w,
		WithPersister(store.NewMemoryPersister()),
		WithDeviceListCache(omemo.NewDeviceListCache()),
	)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize %s: %v", jid, err)
	}
	return c, w
}

// deviceListPayload renders a device-list payload for direct node seeding.
func deviceListPayload(ids ...uint32) *xmpp.Element {
	list := xmpp.NewElement("list", omemo.NSLegacy)
	for _, id := range ids {
		dev := xmpp.NewElement("device", omemo.NSLegacy)
		dev.SetAttr("id", strconv.FormatUint(uint64(id), 10))
		list.AddChild(dev)
	}
	return list
}

// deviceListPush feeds a device-list push notification into a client.
func deviceListPush(c *Client, from string, ids ...uint32) {
	msg := xmpp.NewElement("message", "jabber:client")
	msg.SetAttr("from", from)
	event := xmpp.NewElement("event", pubsub.NSEvent)
	items := xmpp.NewElement("items", pubsub.NSEvent)
	items.SetAttr("node", omemo.NodeDeviceList)
	item := xmpp.NewElement("item", pubsub.NSEvent)
	item.SetAttr("id", "current")
	item.AddChild(deviceListPayload(ids...))
	items.AddChild(item)
	event.AddChild(items)
	msg.AddChild(event)
	c.HandleStanza(msg)
}

// asInbound stamps an outbound stanza with its sender, as the server would.
func asInbound(st *xmpp.Element, from string) *xmpp.Element {
	st.SetAttr("from", from)
	return st
}

// headerRIDs collects the rid attributes of an encrypted element.
func headerRIDs(t *testing.T, el *xmpp.Element) map[uint32]*xmpp.Element {
	t.Helper()
	header := el.Child("header")
	if header == nil {
		t.Fatal("encrypted element without header")
	}
	out := make(map[uint32]*xmpp.Element)
	for _, key := range header.FindChildren("key") {
		rid, err := strconv.ParseUint(key.Attr("rid"), 10, 32)
		if err != nil {
			t.Fatalf("bad rid %q", key.Attr("rid"))
		}
		out[uint32(rid)] = key
	}
	return out
}

// roomPresence announces an occupant to a client's tracker.
func roomPresence(c *Client, room, nick, realJID string, self bool) {
	const nsMUCUser = "http://jabber.org/protocol/muc#user"
	pres := xmpp.NewElement("presence", "jabber:client")
	pres.SetAttr("from", room+"/"+nick)
	x := xmpp.NewElement("x", nsMUCUser)
	item := xmpp.NewElement("item", nsMUCUser)
	item.SetAttr("affiliation", "member")
	item.SetAttr("role", "participant")
	item.SetAttr("jid", realJID)
	x.AddChild(item)
	status := xmpp.NewElement("status", nsMUCUser)
	status.SetAttr("code", "100")
	x.AddChild(status)
	if self {
		own := xmpp.NewElement("status", nsMUCUser)
		own.SetAttr("code", "110")
		x.AddChild(own)
	}
	pres.AddChild(x)
	c.HandleStanza(pres)
}

func TestFirstHandshakeDirectChat(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	peer, _ := newTestClient(t, srv, "p@example.org")
	local, _ := newTestClient(t, srv, "l@example.org")

	el, err := local.EncryptDirect(ctx, "p@example.org", []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}

	header := el.Child("header")
	if got := header.Attr("sid"); got != strconv.FormatUint(uint64(local.DeviceID()), 10) {
		t.Fatalf("sid: got %s, want %d", got, local.DeviceID())
	}
	keys := headerRIDs(t, el)
	if len(keys) != 1 {
		t.Fatalf("key children: got %d, want exactly one", len(keys))
	}
	key, ok := keys[peer.DeviceID()]
	if !ok {
		t.Fatalf("no key for peer device %d", peer.DeviceID())
	}
	if key.Attr("prekey") != "true" {
		t.Fatal("first message must carry the pre-key marker")
	}
	iv, err := decodeB64Attr(header.Child("iv").Text)
	if err != nil || len(iv) != 12 {
		t.Fatalf("iv: %d bytes, err=%v", len(iv), err)
	}

	// Session for the peer device exists after the operation.
	if !local.store.HasSession(addrOf("p@example.org", peer.DeviceID())) {
		t.Fatal("no session stored for peer device")
	}

	// The peer's stack decrypts the payload.
	stanza := asInbound(local.WrapAsStanza("p@example.org", el, false), "l@example.org/bridge")
	res, err := peer.Decrypt(ctx, stanza)
	if err != nil {
		t.Fatalf("peer Decrypt: %v", err)
	}
	if string(res.Plaintext) != "hello" {
		t.Fatalf("plaintext: got %q", res.Plaintext)
	}
	if res.SenderJID != "l@example.org" || res.SenderDevice != local.DeviceID() {
		t.Fatalf("sender: %s:%d", res.SenderJID, res.SenderDevice)
	}

	// Reply flows back over the established session and ends the pre-key
	// phase on both sides.
	replyEl, err := peer.EncryptDirect(ctx, "l@example.org", []byte("hi back"))
	if err != nil {
		t.Fatalf("peer EncryptDirect: %v", err)
	}
	replyStanza := asInbound(peer.WrapAsStanza("l@example.org", replyEl, false), "p@example.org/phone")
	replyRes, err := local.Decrypt(ctx, replyStanza)
	if err != nil {
		t.Fatalf("local Decrypt: %v", err)
	}
	if string(replyRes.Plaintext) != "hi back" {
		t.Fatalf("reply plaintext: got %q", replyRes.Plaintext)
	}

	el2, err := local.EncryptDirect(ctx, "p@example.org", []byte("again"))
	if err != nil {
		t.Fatalf("EncryptDirect after reply: %v", err)
	}
	if key := headerRIDs(t, el2)[peer.DeviceID()]; key.Attr("prekey") != "" {
		t.Fatal("established session still emits pre-key messages")
	}
}

func TestOwnDeviceFanOutDirectChat(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	peer, _ := newTestClient(t, srv, "p@example.org")
	local, _ := newTestClient(t, srv, "l@example.org")
	localSecond, _ := newTestClient(t, srv, "l@example.org")

	// The server's list now carries both of our devices; a push tells the
	// first device about the second.
	srv.setNode("l@example.org", omemo.NodeDeviceList, deviceListPayload(local.DeviceID(), localSecond.DeviceID()))
	deviceListPush(local, "l@example.org", local.DeviceID(), localSecond.DeviceID())

	el, err := local.EncryptDirect(ctx, "p@example.org", []byte("x"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	keys := headerRIDs(t, el)
	if len(keys) != 2 {
		t.Fatalf("key children: got %d, want 2", len(keys))
	}
	if _, ok := keys[peer.DeviceID()]; !ok {
		t.Fatal("peer device missing from fan-out")
	}
	if _, ok := keys[localSecond.DeviceID()]; !ok {
		t.Fatal("our other device missing from fan-out")
	}
	if _, ok := keys[local.DeviceID()]; ok {
		t.Fatal("direct chat must not address our own sending device")
	}

	// Our other device can decrypt the carbon copy.
	stanza := asInbound(local.WrapAsStanza("p@example.org", el, false), "l@example.org/bridge")
	res, err := localSecond.Decrypt(ctx, stanza)
	if err != nil {
		t.Fatalf("second device Decrypt: %v", err)
	}
	if string(res.Plaintext) != "x" {
		t.Fatalf("plaintext: got %q", res.Plaintext)
	}
}

func TestRoomFanOutWithSelfEcho(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	const room = "r@muc.example.org"

	u1a, _ := newTestClient(t, srv, "u1@example.org")
	u1b, _ := newTestClient(t, srv, "u1@example.org")
	u2, _ := newTestClient(t, srv, "u2@example.org")
	local, _ := newTestClient(t, srv, "l@example.org")
	localSecond, _ := newTestClient(t, srv, "l@example.org")

	srv.setNode("u1@example.org", omemo.NodeDeviceList, deviceListPayload(u1a.DeviceID(), u1b.DeviceID()))
	srv.setNode("l@example.org", omemo.NodeDeviceList, deviceListPayload(local.DeviceID(), localSecond.DeviceID()))
	deviceListPush(local, "l@example.org", local.DeviceID(), localSecond.DeviceID())

	for _, c := range []*Client{u1a, u1b, u2, local, localSecond} {
		roomPresence(c, room, "u1", "u1@example.org", false)
		roomPresence(c, room, "u2", "u2@example.org", false)
		roomPresence(c, room, "l", "l@example.org", c == local || c == localSecond)
	}

	el, err := local.EncryptRoom(ctx, room, []byte("y"))
	if err != nil {
		t.Fatalf("EncryptRoom: %v", err)
	}
	keys := headerRIDs(t, el)
	want := []uint32{u1a.DeviceID(), u1b.DeviceID(), u2.DeviceID(), local.DeviceID(), localSecond.DeviceID()}
	if len(keys) != len(want) {
		t.Fatalf("key children: got %d, want %d", len(keys), len(want))
	}
	for _, id := range want {
		if _, ok := keys[id]; !ok {
			t.Fatalf("device %d missing from room fan-out", id)
		}
	}

	// Everyone — including the sender's own device via the server's
	// reflection — decrypts the same payload.
	for name, c := range map[string]*Client{
		"u1a": u1a, "u1b": u1b, "u2": u2, "sender": local, "second": localSecond,
	} {
		stanza := asInbound(local.WrapAsStanza(room, el, true), room+"/l")
		res, err := c.Decrypt(ctx, stanza)
		if err != nil {
			t.Fatalf("%s Decrypt: %v", name, err)
		}
		if string(res.Plaintext) != "y" {
			t.Fatalf("%s plaintext: got %q", name, res.Plaintext)
		}
	}
}

func TestRoomNotCapable(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	local, _ := newTestClient(t, srv, "l@example.org")

	_, err := local.EncryptRoom(ctx, "r@muc.example.org", []byte("y"))
	if !errors.Is(err, omemo.ErrRoomNotCapable) {
		t.Fatalf("error: got %v, want ErrRoomNotCapable", err)
	}
}

func TestMandatoryEncryptionNeverLeaksPlaintext(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	peer, _ := newTestClient(t, srv, "p@example.org")
	local, localWire := newTestClient(t, srv, "l@example.org")

	// The peer advertises a device but no bundle: every per-device
	// encryption fails.
	srv.deleteNode("p@example.org", omemo.BundleNode(peer.DeviceID()))

	err := local.Send(ctx, "p@example.org", "secret", false)
	if err == nil {
		t.Fatal("Send succeeded without any encryptable device")
	}
	if !errors.Is(err, omemo.ErrNoEncryptableDevices) && !errors.Is(err, omemo.ErrNoDevices) {
		t.Fatalf("error: got %v", err)
	}

	stanzas := localWire.sentStanzas()
	if len(stanzas) == 0 {
		t.Fatal("no warning stanza emitted")
	}
	sawWarning := false
	for _, st := range stanzas {
		rendered := st.String()
		if strings.Contains(rendered, "secret") {
			t.Fatalf("plaintext leaked to the wire: %s", rendered)
		}
		if strings.Contains(rendered, "Encrypted delivery failed") {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Fatal("warning stanza missing")
	}
}

func TestDecryptNotForUsIsSilentlyTyped(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	peer, _ := newTestClient(t, srv, "p@example.org")
	local, _ := newTestClient(t, srv, "l@example.org")
	bystander, _ := newTestClient(t, srv, "b@example.org")

	el, err := local.EncryptDirect(ctx, "p@example.org", []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	_ = peer

	stanza := asInbound(local.WrapAsStanza("p@example.org", el, false), "l@example.org/bridge")
	_, err = bystander.Decrypt(ctx, stanza)
	if !errors.Is(err, omemo.ErrNotForUs) {
		t.Fatalf("error: got %v, want ErrNotForUs", err)
	}
}

func TestDeviceIDStableAcrossClientRestart(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	p := store.NewMemoryPersister()

	c1 := NewClient("l@example.org", srv.wire("l@example.org"),
		WithPersister(p), WithDeviceListCache(omemo.NewDeviceListCache()))
	if err := c1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := c1.DeviceID()
	if err := c1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	c2 := NewClient("l@example.org", srv.wire("l@example.org"),
		WithPersister(p), WithDeviceListCache(omemo.NewDeviceListCache()))
	if err := c2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize after restart: %v", err)
	}
	if c2.DeviceID() != want {
		t.Fatalf("device id: got %d, want %d", c2.DeviceID(), want)
	}
}

func TestShutdownRefusesOperations(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	local, _ := newTestClient(t, srv, "l@example.org")

	if err := local.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := local.EncryptDirect(ctx, "p@example.org", []byte("x")); !errors.Is(err, omemo.ErrShutdown) {
		t.Fatalf("EncryptDirect after shutdown: %v", err)
	}
	if err := local.Send(ctx, "p@example.org", "x", false); !errors.Is(err, omemo.ErrShutdown) {
		t.Fatalf("Send after shutdown: %v", err)
	}
}

func TestKeyTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	peer, _ := newTestClient(t, srv, "p@example.org")
	local, localWire := newTestClient(t, srv, "l@example.org")

	if err := local.SendKeyTransport(ctx, "p@example.org"); err != nil {
		t.Fatalf("SendKeyTransport: %v", err)
	}
	stanzas := localWire.sentStanzas()
	if len(stanzas) != 1 {
		t.Fatalf("sent stanzas: got %d", len(stanzas))
	}

	res, err := peer.Decrypt(ctx, asInbound(stanzas[0], "l@example.org/bridge"))
	if err != nil {
		t.Fatalf("Decrypt key transport: %v", err)
	}
	if !res.KeyTransport || res.Plaintext != nil {
		t.Fatalf("result: %+v, want key-transport marker", res)
	}
	// The session established by key transport carries real traffic now.
	el, err := peer.EncryptDirect(ctx, "l@example.org", []byte("after transport"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	res2, err := local.Decrypt(ctx, asInbound(peer.WrapAsStanza("l@example.org", el, false), "p@example.org/x"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(res2.Plaintext) != "after transport" {
		t.Fatalf("plaintext: %q", res2.Plaintext)
	}
}

func TestPreKeyConsumedPerInboundSession(t *testing.T) {
	// Scenario: several fresh peers initiate sessions with us; each consumes
	// one one-time pre-key. The pool stays above the refill threshold, so it
	// shrinks by exactly one key per session.
	ctx := context.Background()
	srv := newFakeServer()
	local, _ := newTestClient(t, srv, "l@example.org")

	before, err := local.store.PreKeys()
	if err != nil {
		t.Fatalf("PreKeys: %v", err)
	}
	if len(before) != 100 {
		t.Fatalf("initial pool: %d", len(before))
	}

	for i := range 3 {
		peer, _ := newTestClient(t, srv, fmt.Sprintf("peer%d@example.org", i))
		el, err := peer.EncryptDirect(ctx, "l@example.org", []byte("hi"))
		if err != nil {
			t.Fatalf("peer %d EncryptDirect: %v", i, err)
		}
		stanza := asInbound(peer.WrapAsStanza("l@example.org", el, false), fmt.Sprintf("peer%d@example.org/x", i))
		if _, err := local.Decrypt(ctx, stanza); err != nil {
			t.Fatalf("Decrypt from peer %d: %v", i, err)
		}
	}

	after, err := local.store.PreKeys()
	if err != nil {
		t.Fatalf("PreKeys: %v", err)
	}
	if len(after) != 97 {
		t.Fatalf("pool after three sessions: got %d, want 97", len(after))
	}
}

func addrOf(jid string, deviceID uint32) axolotl.Address {
	return axolotl.Address{JID: jid, DeviceID: deviceID}
}

func decodeB64Attr(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
