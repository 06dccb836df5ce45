package xmpp

import (
	"context"
	"errors"
	"fmt"
)

// Wire is the transport the OMEMO core runs against. The daemon provides an
// XMPP-over-WebSocket implementation; tests provide in-memory fakes. The core
// never sees stream negotiation, TLS, or SASL.
type Wire interface {
	// SendIQ sends an info-query stanza and blocks until the reply with the
	// matching id arrives or ctx expires.
	SendIQ(ctx context.Context, iq *Element) (*Element, error)

	// SendMessage sends a message stanza. Fire and forget.
	SendMessage(ctx context.Context, msg *Element) error
}

// Handler consumes an inbound stanza. Handlers run on the account's
// processing context; they must not block on the wire.
type Handler func(st *Element)

// ErrIQError is returned when an IQ reply has type "error".
var ErrIQError = errors.New("xmpp: iq error reply")

// NewIQ builds an iq stanza of the given type ("get" or "set") with the
// payload as its only child. An empty to targets the local server/account.
func NewIQ(iqType, to, id string, payload *Element) *Element {
	iq := NewElement("iq", "jabber:client")
	iq.SetAttr("type", iqType)
	iq.SetAttr("id", id)
	if to != "" {
		iq.SetAttr("to", to)
	}
	if payload != nil {
		iq.AddChild(payload)
	}
	return iq
}

// CheckIQResult validates an IQ reply: a nil reply or type "error" fails.
func CheckIQResult(reply *Element) error {
	if reply == nil {
		return fmt.Errorf("xmpp: empty iq reply")
	}
	if t := reply.Attr("type"); t != "result" {
		if errEl := reply.Child("error"); errEl != nil {
			cond := "undefined-condition"
			if len(errEl.Children) > 0 {
				cond = errEl.Children[0].XMLName.Local
			}
			return fmt.Errorf("%w: %s", ErrIQError, cond)
		}
		return fmt.Errorf("%w: type=%q", ErrIQError, t)
	}
	return nil
}
