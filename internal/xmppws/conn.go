// Package xmppws carries XMPP stanzas over a WebSocket (RFC 7395 framing):
// one complete XML element per text frame. Stream negotiation beyond the
// framing handshake — TLS, SASL, resource binding — is the deployment's
// concern; this package surfaces message, presence, and iq elements and
// skips framing noise.
package xmppws

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"omemod/internal/xmpp"
)

const nsFraming = "urn:ietf:params:xml:ns:xmpp-framing"

// Conn is a single WebSocket connection speaking the xmpp subprotocol.
type Conn struct {
	ws     *websocket.Conn
	domain string
}

// Dial connects, negotiates the xmpp subprotocol, and opens the stream for
// the given domain.
func Dial(ctx context.Context, url, domain string, headers http.Header) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"xmpp"},
		HTTPHeader:   headers,
	})
	if err != nil {
		return nil, fmt.Errorf("xmppws: dial %s: %w", url, err)
	}
	// Stanza-sized frames; bundles with a full pre-key pool run large.
	ws.SetReadLimit(1 << 21)

	c := &Conn{ws: ws, domain: domain}
	open := xmpp.NewElement("open", nsFraming)
	open.SetAttr("to", domain)
	open.SetAttr("version", "1.0")
	if err := c.WriteStanza(ctx, open); err != nil {
		ws.Close(websocket.StatusProtocolError, "open failed")
		return nil, err
	}
	return c, nil
}

// WriteStanza sends one element as a text frame.
func (c *Conn) WriteStanza(ctx context.Context, st *xmpp.Element) error {
	data, err := xml.Marshal(st)
	if err != nil {
		return fmt.Errorf("xmppws: marshal stanza: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("xmppws: write: %w", err)
	}
	return nil
}

// ReadStanza returns the next message, presence, or iq element, skipping
// framing and negotiation elements.
func (c *Conn) ReadStanza(ctx context.Context) (*xmpp.Element, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("xmppws: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		st, err := xmpp.Parse(data)
		if err != nil {
			return nil, err
		}
		switch st.Name() {
		case "message", "presence", "iq":
			return st, nil
		case "close":
			return nil, fmt.Errorf("xmppws: stream closed by server")
		default:
			// open, features, and other negotiation traffic.
			continue
		}
	}
}

// Ping sends a WebSocket-level ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close closes the stream and the socket.
func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = c.WriteStanza(ctx, xmpp.NewElement("close", nsFraming))
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow tears the socket down without a closing handshake.
func (c *Conn) CloseNow() {
	_ = c.ws.CloseNow()
}
