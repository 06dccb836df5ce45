// Package muc tracks multi-user chat room occupancy from presence traffic:
// per-occupant real-JID mappings where the room discloses them, anonymity
// classification, and the local account's own nickname. The encryption
// paths consult it to resolve room fan-out targets and inbound senders.
package muc

import (
	"sync"
	"time"

	"omemod/internal/xmpp"
)

// nsMUCUser is the multi-user-chat user-information namespace.
const nsMUCUser = "http://jabber.org/protocol/muc#user"

// Anonymity classifies whether a room discloses occupant real JIDs.
type Anonymity int

// Room anonymity states.
const (
	AnonymityUnknown Anonymity = iota
	NonAnonymous
	SemiAnonymous
)

// Occupant is one room occupant keyed by nickname.
type Occupant struct {
	FullJID     string // room@service/nick
	RealJID     string // bare, empty when the room withholds it
	Affiliation string
	Role        string
}

// Room is the tracked state of one joined room.
type Room struct {
	JID         string
	Anonymity   Anonymity
	Occupants   map[string]Occupant // keyed by nickname
	OwnNickname string
	UpdatedAt   time.Time
}

// Tracker consumes presence stanzas for one account and answers occupancy
// queries. The presence handler is the single writer; encryption paths read
// concurrently.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]*Room)}
}

// HandlePresence processes one presence stanza. Non-room presence is
// ignored. It reports whether the stanza updated room state.
func (t *Tracker) HandlePresence(st *xmpp.Element) bool {
	if st.Name() != "presence" {
		return false
	}
	from := st.Attr("from")
	nick := xmpp.Resource(from)
	if nick == "" {
		return false
	}
	x := st.ChildNS("x", nsMUCUser)
	if x == nil {
		return false
	}
	roomJID := xmpp.Bare(from)

	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[roomJID]
	if room == nil {
		room = &Room{JID: roomJID, Occupants: make(map[string]Occupant)}
		t.rooms[roomJID] = room
	}
	room.UpdatedAt = time.Now()

	selfPresence := false
	for _, status := range x.FindChildren("status") {
		switch status.Attr("code") {
		case "100", "172":
			room.Anonymity = NonAnonymous
		case "110":
			selfPresence = true
		}
	}
	if selfPresence {
		room.OwnNickname = nick
	}

	if st.Attr("type") == "unavailable" {
		delete(room.Occupants, nick)
		return true
	}

	occ := Occupant{FullJID: from}
	if item := x.Child("item"); item != nil {
		occ.Affiliation = item.Attr("affiliation")
		occ.Role = item.Attr("role")
		if real := item.Attr("jid"); real != "" {
			occ.RealJID = xmpp.Bare(real)
		}
	}
	room.Occupants[nick] = occ
	return true
}

// Leave discards all state for a room.
func (t *Tracker) Leave(roomJID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomJID)
}

// Reset discards all room state, used at account shutdown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms = make(map[string]*Room)
}

// OwnNickname returns our nickname in the room, "" when unknown.
func (t *Tracker) OwnNickname(roomJID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if room := t.rooms[roomJID]; room != nil {
		return room.OwnNickname
	}
	return ""
}

// OccupantRealJIDs returns the de-duplicated real bare JIDs currently
// tracked for the room. It returns nil when the room is not classified
// non-anonymous or no occupant discloses a real JID. With excludeSelf set,
// our own nickname's entry is left out.
func (t *Tracker) OccupantRealJIDs(roomJID string, excludeSelf bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	room := t.rooms[roomJID]
	if room == nil || room.Anonymity != NonAnonymous {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for nick, occ := range room.Occupants {
		if excludeSelf && nick == room.OwnNickname {
			continue
		}
		if occ.RealJID == "" || seen[occ.RealJID] {
			continue
		}
		seen[occ.RealJID] = true
		out = append(out, occ.RealJID)
	}
	return out
}

// OccupantRealJIDByNick resolves a nickname to its real bare JID, "" when
// the room withholds it or the nickname is unknown.
func (t *Tracker) OccupantRealJIDByNick(roomJID, nick string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomJID]
	if room == nil {
		return ""
	}
	return room.Occupants[nick].RealJID
}

// OMEMOCapable reports whether the room can carry encrypted traffic: it is
// classified non-anonymous and has at least one tracked occupant.
func (t *Tracker) OMEMOCapable(roomJID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomJID]
	return room != nil && room.Anonymity == NonAnonymous && len(room.Occupants) > 0
}
