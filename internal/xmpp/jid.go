package xmpp

import (
	"strings"

	"github.com/meszmate/xmpp-go/jid"
)

// Bare strips the resource portion of a JID: "room@muc.example/nick" becomes
// "room@muc.example". A bare JID passes through unchanged. Addresses that do
// not parse (room nicknames can carry almost anything) fall back to a raw
// split on the first slash.
func Bare(address string) string {
	parsed, err := jid.Parse(address)
	if err != nil {
		if i := strings.IndexByte(address, '/'); i >= 0 {
			return address[:i]
		}
		return address
	}
	return parsed.Bare().String()
}

// Resource returns the resource portion of a JID, or "" for a bare JID.
func Resource(address string) string {
	parsed, err := jid.Parse(address)
	if err == nil {
		full := parsed.String()
		bare := parsed.Bare().String()
		if strings.HasPrefix(full, bare+"/") {
			return full[len(bare)+1:]
		}
		return ""
	}
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[i+1:]
	}
	return ""
}

// Domain returns the domain part of a JID.
func Domain(address string) string {
	parsed, err := jid.Parse(address)
	if err == nil {
		return parsed.Domain()
	}
	bare := Bare(address)
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[i+1:]
	}
	return bare
}
