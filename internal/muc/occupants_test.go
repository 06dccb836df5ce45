package muc

import (
	"slices"
	"testing"

	"omemod/internal/xmpp"
)

// presence builds a room presence stanza.
func presence(t *testing.T, from, realJID, presenceType string, codes ...string) *xmpp.Element {
	t.Helper()
	pres := xmpp.NewElement("presence", "jabber:client")
	pres.SetAttr("from", from)
	if presenceType != "" {
		pres.SetAttr("type", presenceType)
	}
	x := xmpp.NewElement("x", nsMUCUser)
	item := xmpp.NewElement("item", nsMUCUser)
	item.SetAttr("affiliation", "member")
	item.SetAttr("role", "participant")
	if realJID != "" {
		item.SetAttr("jid", realJID)
	}
	x.AddChild(item)
	for _, code := range codes {
		status := xmpp.NewElement("status", nsMUCUser)
		status.SetAttr("code", code)
		x.AddChild(status)
	}
	pres.AddChild(x)
	return pres
}

const room = "room@muc.example.org"

func TestNonRoomPresenceIgnored(t *testing.T) {
	tr := NewTracker()

	bare := xmpp.NewElement("presence", "jabber:client")
	bare.SetAttr("from", "someone@example.org")
	if tr.HandlePresence(bare) {
		t.Fatal("bare-JID presence should be ignored")
	}

	noX := xmpp.NewElement("presence", "jabber:client")
	noX.SetAttr("from", "someone@example.org/desktop")
	if tr.HandlePresence(noX) {
		t.Fatal("presence without room extension should be ignored")
	}
}

func TestAnonymityClassification(t *testing.T) {
	tr := NewTracker()

	tr.HandlePresence(presence(t, room+"/alice", "alice@example.org/x", ""))
	if tr.OMEMOCapable(room) {
		t.Fatal("unclassified room must not be capable")
	}

	tr.HandlePresence(presence(t, room+"/bob", "bob@example.org", "", "100"))
	if !tr.OMEMOCapable(room) {
		t.Fatal("non-anonymous populated room must be capable")
	}
}

func TestOccupantQueries(t *testing.T) {
	tr := NewTracker()
	tr.HandlePresence(presence(t, room+"/alice", "alice@example.org/phone", "", "100"))
	tr.HandlePresence(presence(t, room+"/bob", "bob@example.org", ""))
	// Alice's second client in the same room under another nick.
	tr.HandlePresence(presence(t, room+"/alice2", "alice@example.org/desk", ""))
	// Self-presence.
	tr.HandlePresence(presence(t, room+"/me", "bot@example.org", "", "110"))

	if got := tr.OwnNickname(room); got != "me" {
		t.Fatalf("own nickname: got %q, want me", got)
	}
	if got := tr.OccupantRealJIDByNick(room, "alice"); got != "alice@example.org" {
		t.Fatalf("real jid by nick: got %q", got)
	}

	jids := tr.OccupantRealJIDs(room, true)
	slices.Sort(jids)
	want := []string{"alice@example.org", "bob@example.org"}
	if !slices.Equal(jids, want) {
		t.Fatalf("real jids: got %v, want %v", jids, want)
	}

	// Without self-exclusion, our own JID is listed too.
	jids = tr.OccupantRealJIDs(room, false)
	if !slices.Contains(jids, "bot@example.org") {
		t.Fatalf("real jids without exclusion: got %v", jids)
	}
}

func TestUnavailableRemovesOccupant(t *testing.T) {
	tr := NewTracker()
	tr.HandlePresence(presence(t, room+"/alice", "alice@example.org", "", "100"))
	tr.HandlePresence(presence(t, room+"/alice", "alice@example.org", "unavailable"))

	if jids := tr.OccupantRealJIDs(room, false); len(jids) != 0 {
		t.Fatalf("occupants after leave: got %v", jids)
	}
	if tr.OMEMOCapable(room) {
		t.Fatal("empty room must not be capable")
	}
}

func TestAnonymousRoomYieldsNoJIDs(t *testing.T) {
	tr := NewTracker()
	// Occupants known, but the room never disclosed status 100/172.
	tr.HandlePresence(presence(t, room+"/alice", "alice@example.org", ""))

	if jids := tr.OccupantRealJIDs(room, false); jids != nil {
		t.Fatalf("anonymous room real jids: got %v, want none", jids)
	}
}

func TestLeaveDiscardsRoom(t *testing.T) {
	tr := NewTracker()
	tr.HandlePresence(presence(t, room+"/alice", "alice@example.org", "", "100"))
	tr.Leave(room)
	if tr.OMEMOCapable(room) {
		t.Fatal("left room still tracked")
	}
}
