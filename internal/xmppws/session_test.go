package xmppws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"omemod/internal/xmpp"
)

// testServer runs a handler against an accepted xmpp-subprotocol socket.
func testServer(t *testing.T, handle func(ctx context.Context, ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"xmpp"},
		})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		handle(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialHandshakeAndRead(t *testing.T) {
	url := testServer(t, func(ctx context.Context, ws *websocket.Conn) {
		// Expect the client's open frame.
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Errorf("read open: %v", err)
			return
		}
		if !strings.Contains(string(data), "urn:ietf:params:xml:ns:xmpp-framing") {
			t.Errorf("open frame: %s", data)
		}
		// Reply with server open, then a message stanza.
		_ = ws.Write(ctx, websocket.MessageText,
			[]byte(`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" version="1.0"/>`))
		_ = ws.Write(ctx, websocket.MessageText,
			[]byte(`<message xmlns="jabber:client" from="peer@example.org"><body>hi</body></message>`))
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, "example.org", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// The open reply is skipped; the message surfaces.
	st, err := conn.ReadStanza(ctx)
	if err != nil {
		t.Fatalf("ReadStanza: %v", err)
	}
	if st.Name() != "message" || st.Attr("from") != "peer@example.org" {
		t.Fatalf("stanza: %s from=%s", st.Name(), st.Attr("from"))
	}
}

func TestSessionIQRoundTrip(t *testing.T) {
	url := testServer(t, func(ctx context.Context, ws *websocket.Conn) {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			frame := string(data)
			if !strings.Contains(frame, "<iq") {
				continue // open frame
			}
			st, err := xmpp.Parse(data)
			if err != nil {
				t.Errorf("parse iq: %v", err)
				return
			}
			reply := xmpp.NewElement("iq", "jabber:client")
			reply.SetAttr("type", "result")
			reply.SetAttr("id", st.Attr("id"))
			_ = ws.Write(ctx, websocket.MessageText, []byte(reply.String()))
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, url, "example.org")
	if err != nil {
		t.Fatalf("DialPersistent: %v", err)
	}
	defer pc.Close()

	session := NewSession(pc)
	go session.Run(ctx)

	iq := xmpp.NewIQ("get", "", "req-1", xmpp.NewElement("query", "urn:example:q"))
	reply, err := session.SendIQ(ctx, iq)
	if err != nil {
		t.Fatalf("SendIQ: %v", err)
	}
	if reply.Attr("type") != "result" || reply.Attr("id") != "req-1" {
		t.Fatalf("reply: type=%s id=%s", reply.Attr("type"), reply.Attr("id"))
	}
}

func TestSessionRoutesUnsolicitedStanzas(t *testing.T) {
	url := testServer(t, func(ctx context.Context, ws *websocket.Conn) {
		_ = ws.Write(ctx, websocket.MessageText,
			[]byte(`<presence xmlns="jabber:client" from="room@muc.example/alice"/>`))
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, url, "example.org")
	if err != nil {
		t.Fatalf("DialPersistent: %v", err)
	}
	defer pc.Close()

	got := make(chan *xmpp.Element, 1)
	session := NewSession(pc)
	session.OnStanza(func(st *xmpp.Element) {
		select {
		case got <- st:
		default:
		}
	})
	go session.Run(ctx)

	select {
	case st := <-got:
		if st.Name() != "presence" {
			t.Fatalf("stanza: %s", st.Name())
		}
	case <-ctx.Done():
		t.Fatal("presence never routed to handler")
	}
}
