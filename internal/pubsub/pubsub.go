// Package pubsub implements the generic client side of the server's
// user-centric publish-subscribe layer: publishing items with access-model
// options, fetching items from a (jid, node) pair, subscribing for push
// notifications, owner operations, and parsing inbound event stanzas.
package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"omemod/internal/xmpp"
)

// Wire namespaces.
const (
	NS      = "http://jabber.org/protocol/pubsub"
	NSEvent = "http://jabber.org/protocol/pubsub#event"
	NSOwner = "http://jabber.org/protocol/pubsub#owner"

	nsData           = "jabber:x:data"
	nsPublishOptions = "http://jabber.org/protocol/pubsub#publish-options"
)

const (
	// requestTimeout bounds every query round-trip.
	requestTimeout = 30 * time.Second
	// fetchTimeout bounds discovery-type fetches, which callers block on
	// during message encryption.
	fetchTimeout = 10 * time.Second
)

// AccessModel controls who may read a published node.
type AccessModel string

// Access models defined by the publish-subscribe layer.
const (
	AccessOpen      AccessModel = "open"
	AccessPresence  AccessModel = "presence"
	AccessWhitelist AccessModel = "whitelist"
	AccessRoster    AccessModel = "roster"
)

// PublishOptions are serialized as a standard data form alongside the
// publish request.
type PublishOptions struct {
	AccessModel  AccessModel
	PersistItems bool
	MaxItems     int
}

// Item is one published item.
type Item struct {
	ID      string
	Payload *xmpp.Element
}

// Event is a parsed inbound publish-subscribe notification.
type Event struct {
	From      string
	Node      string
	Items     []Item
	Retracted []string
}

// Client issues publish-subscribe queries over a Wire on behalf of one
// account. Request ids are unique per client instance.
type Client struct {
	wire    xmpp.Wire
	counter atomic.Uint64
}

// New creates a publish-subscribe client over the given wire.
func New(wire xmpp.Wire) *Client {
	return &Client{wire: wire}
}

// nextID builds a request id: prefix, monotonic counter, random suffix.
func (c *Client) nextID() string {
	return fmt.Sprintf("pubsub-%d-%s", c.counter.Add(1), uuid.NewString()[:8])
}

// Publish publishes a payload as an item on a node of our own account,
// with optional publish options.
func (c *Client) Publish(ctx context.Context, node, itemID string, payload *xmpp.Element, opts *PublishOptions) error {
	ps := xmpp.NewElement("pubsub", NS)
	publish := xmpp.NewElement("publish", NS)
	publish.SetAttr("node", node)
	item := xmpp.NewElement("item", NS)
	if itemID != "" {
		item.SetAttr("id", itemID)
	}
	item.AddChild(payload)
	publish.AddChild(item)
	ps.AddChild(publish)
	if opts != nil {
		ps.AddChild(publishOptionsForm(opts))
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reply, err := c.wire.SendIQ(ctx, xmpp.NewIQ("set", "", c.nextID(), ps))
	if err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", node, err)
	}
	if err := xmpp.CheckIQResult(reply); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", node, err)
	}
	return nil
}

// Fetch retrieves items from a node of the given JID. With no item ids, the
// node's current items are returned.
func (c *Client) Fetch(ctx context.Context, jid, node string, itemIDs ...string) ([]Item, error) {
	ps := xmpp.NewElement("pubsub", NS)
	items := xmpp.NewElement("items", NS)
	items.SetAttr("node", node)
	for _, id := range itemIDs {
		it := xmpp.NewElement("item", NS)
		it.SetAttr("id", id)
		items.AddChild(it)
	}
	ps.AddChild(items)

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	reply, err := c.wire.SendIQ(ctx, xmpp.NewIQ("get", jid, c.nextID(), ps))
	if err != nil {
		return nil, fmt.Errorf("pubsub: fetch %s from %s: %w", node, jid, err)
	}
	if err := xmpp.CheckIQResult(reply); err != nil {
		return nil, fmt.Errorf("pubsub: fetch %s from %s: %w", node, jid, err)
	}

	psReply := reply.ChildNS("pubsub", NS)
	if psReply == nil {
		return nil, nil
	}
	itemsReply := psReply.Child("items")
	if itemsReply == nil {
		return nil, nil
	}
	var out []Item
	for _, it := range itemsReply.FindChildren("item") {
		item := Item{ID: it.Attr("id")}
		if len(it.Children) > 0 {
			item.Payload = &it.Children[0]
		}
		out = append(out, item)
	}
	return out, nil
}

// Subscribe registers our bare JID for notifications on a node of the given
// JID. Delivered notifications arrive as event messages; route them through
// ParseEvent.
func (c *Client) Subscribe(ctx context.Context, jid, node, ourJID string) error {
	ps := xmpp.NewElement("pubsub", NS)
	sub := xmpp.NewElement("subscribe", NS)
	sub.SetAttr("node", node)
	sub.SetAttr("jid", xmpp.Bare(ourJID))
	ps.AddChild(sub)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reply, err := c.wire.SendIQ(ctx, xmpp.NewIQ("set", jid, c.nextID(), ps))
	if err != nil {
		return fmt.Errorf("pubsub: subscribe %s at %s: %w", node, jid, err)
	}
	if err := xmpp.CheckIQResult(reply); err != nil {
		return fmt.Errorf("pubsub: subscribe %s at %s: %w", node, jid, err)
	}
	return nil
}

// Retract removes an item from a node we own.
func (c *Client) Retract(ctx context.Context, node, itemID string) error {
	ps := xmpp.NewElement("pubsub", NS)
	retract := xmpp.NewElement("retract", NS)
	retract.SetAttr("node", node)
	it := xmpp.NewElement("item", NS)
	it.SetAttr("id", itemID)
	retract.AddChild(it)
	ps.AddChild(retract)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reply, err := c.wire.SendIQ(ctx, xmpp.NewIQ("set", "", c.nextID(), ps))
	if err != nil {
		return fmt.Errorf("pubsub: retract %s from %s: %w", itemID, node, err)
	}
	if err := xmpp.CheckIQResult(reply); err != nil {
		return fmt.Errorf("pubsub: retract %s from %s: %w", itemID, node, err)
	}
	return nil
}

// DeleteNode deletes a node we own.
func (c *Client) DeleteNode(ctx context.Context, node string) error {
	ps := xmpp.NewElement("pubsub", NSOwner)
	del := xmpp.NewElement("delete", NSOwner)
	del.SetAttr("node", node)
	ps.AddChild(del)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reply, err := c.wire.SendIQ(ctx, xmpp.NewIQ("set", "", c.nextID(), ps))
	if err != nil {
		return fmt.Errorf("pubsub: delete node %s: %w", node, err)
	}
	if err := xmpp.CheckIQResult(reply); err != nil {
		return fmt.Errorf("pubsub: delete node %s: %w", node, err)
	}
	return nil
}

// GetNodeConfig fetches the owner configuration form for a node we own.
func (c *Client) GetNodeConfig(ctx context.Context, node string) (*xmpp.Element, error) {
	ps := xmpp.NewElement("pubsub", NSOwner)
	cfg := xmpp.NewElement("configure", NSOwner)
	cfg.SetAttr("node", node)
	ps.AddChild(cfg)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reply, err := c.wire.SendIQ(ctx, xmpp.NewIQ("get", "", c.nextID(), ps))
	if err != nil {
		return nil, fmt.Errorf("pubsub: get node config %s: %w", node, err)
	}
	if err := xmpp.CheckIQResult(reply); err != nil {
		return nil, fmt.Errorf("pubsub: get node config %s: %w", node, err)
	}
	psReply := reply.ChildNS("pubsub", NSOwner)
	if psReply == nil {
		return nil, fmt.Errorf("pubsub: node config %s: malformed reply", node)
	}
	cfgReply := psReply.Child("configure")
	if cfgReply == nil {
		return nil, fmt.Errorf("pubsub: node config %s: malformed reply", node)
	}
	return cfgReply.ChildNS("x", nsData), nil
}

// ParseEvent recognizes a publish-subscribe event stanza and extracts its
// content. Returns nil for any other stanza.
func ParseEvent(st *xmpp.Element) *Event {
	if st.Name() != "message" {
		return nil
	}
	event := st.ChildNS("event", NSEvent)
	if event == nil {
		return nil
	}
	items := event.Child("items")
	if items == nil {
		return nil
	}
	ev := &Event{
		From: xmpp.Bare(st.Attr("from")),
		Node: items.Attr("node"),
	}
	for _, it := range items.FindChildren("item") {
		item := Item{ID: it.Attr("id")}
		if len(it.Children) > 0 {
			item.Payload = &it.Children[0]
		}
		ev.Items = append(ev.Items, item)
	}
	for _, rt := range items.FindChildren("retract") {
		ev.Retracted = append(ev.Retracted, rt.Attr("id"))
	}
	return ev
}

// publishOptionsForm renders options as a submitted data form.
func publishOptionsForm(opts *PublishOptions) *xmpp.Element {
	x := xmpp.NewElement("x", nsData)
	x.SetAttr("type", "submit")
	addField := func(name, value string) {
		f := xmpp.NewElement("field", nsData)
		f.SetAttr("var", name)
		f.AddText("value", nsData, value)
		x.AddChild(f)
	}
	f := xmpp.NewElement("field", nsData)
	f.SetAttr("var", "FORM_TYPE")
	f.SetAttr("type", "hidden")
	f.AddText("value", nsData, nsPublishOptions)
	x.AddChild(f)

	if opts.AccessModel != "" {
		addField("pubsub#access_model", string(opts.AccessModel))
	}
	if opts.PersistItems {
		addField("pubsub#persist_items", "true")
	}
	if opts.MaxItems > 0 {
		addField("pubsub#max_items", fmt.Sprintf("%d", opts.MaxItems))
	}

	po := xmpp.NewElement("publish-options", NS)
	po.AddChild(x)
	return po
}
