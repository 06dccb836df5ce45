package xmppws

import (
	"context"
	"fmt"
	"sync"

	"omemod/internal/xmpp"
)

// Session multiplexes a PersistentConn into the xmpp.Wire contract:
// IQ round-trips correlated by id, fire-and-forget messages, and a handler
// for everything else. Run drives the read side.
type Session struct {
	pc *PersistentConn

	mu      sync.Mutex
	pending map[string]chan *xmpp.Element
	handler xmpp.Handler
}

var _ xmpp.Wire = (*Session)(nil)

// NewSession wraps a persistent connection.
func NewSession(pc *PersistentConn) *Session {
	return &Session{pc: pc, pending: make(map[string]chan *xmpp.Element)}
}

// OnStanza sets the handler invoked for every non-reply inbound stanza.
// Must be called before Run.
func (s *Session) OnStanza(h xmpp.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SendIQ sends an iq stanza and waits for the reply with the matching id.
func (s *Session) SendIQ(ctx context.Context, iq *xmpp.Element) (*xmpp.Element, error) {
	id := iq.Attr("id")
	if id == "" {
		return nil, fmt.Errorf("xmppws: iq without id")
	}
	ch := make(chan *xmpp.Element, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.pc.WriteStanza(ctx, iq); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("xmppws: iq %s: %w", id, ctx.Err())
	}
}

// SendMessage sends a message stanza.
func (s *Session) SendMessage(ctx context.Context, msg *xmpp.Element) error {
	return s.pc.WriteStanza(ctx, msg)
}

// Run reads stanzas until ctx is cancelled or the connection dies for good,
// routing IQ replies to their waiters and everything else to the handler.
func (s *Session) Run(ctx context.Context) error {
	for {
		st, err := s.pc.ReadStanza(ctx)
		if err != nil {
			return err
		}
		if st.Name() == "iq" {
			t := st.Attr("type")
			if t == "result" || t == "error" {
				s.mu.Lock()
				ch := s.pending[st.Attr("id")]
				s.mu.Unlock()
				if ch != nil {
					ch <- st
					continue
				}
			}
		}
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(st)
		}
	}
}
