package omemo

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"omemod/internal/axolotl"
	"omemod/internal/xmpp"
)

func nodeForDevice(prefix string, deviceID uint32) string {
	return prefix + ":" + strconv.FormatUint(uint64(deviceID), 10)
}

// Device is one entry of a published device list.
type Device struct {
	ID    uint32
	Label string
}

// deviceListElement renders a device list in the legacy dialect.
func deviceListElement(devices []Device) *xmpp.Element {
	list := xmpp.NewElement("list", NSLegacy)
	for _, d := range devices {
		dev := xmpp.NewElement("device", NSLegacy)
		dev.SetAttr("id", strconv.FormatUint(uint64(d.ID), 10))
		if d.Label != "" {
			dev.SetAttr("label", d.Label)
		}
		list.AddChild(dev)
	}
	return list
}

// parseDeviceList extracts device entries from a published payload in
// either dialect. Children named device with a positive integer id count;
// everything else is ignored.
func parseDeviceList(payload *xmpp.Element) []Device {
	if payload == nil {
		return nil
	}
	var out []Device
	for _, dev := range payload.FindChildren("device") {
		id, err := strconv.ParseUint(dev.Attr("id"), 10, 32)
		if err != nil || id == 0 {
			continue
		}
		out = append(out, Device{ID: uint32(id), Label: dev.Attr("label")})
	}
	return out
}

// bundleElement renders our bundle in the legacy dialect: signed pre-key
// public with id, its signature, the identity public key, and the one-time
// pre-key pool.
func bundleElement(identityPub []byte, spk *axolotl.SignedPreKeyRecord, preKeys []*axolotl.PreKeyRecord) *xmpp.Element {
	b64 := base64.StdEncoding.EncodeToString

	bundle := xmpp.NewElement("bundle", NSLegacy)

	spkEl := xmpp.NewElement("signedPreKeyPublic", NSLegacy)
	spkEl.SetAttr("signedPreKeyId", strconv.FormatUint(uint64(spk.ID), 10))
	spkEl.Text = b64(spk.KeyPair.Public)
	bundle.AddChild(spkEl)

	bundle.AddText("signedPreKeySignature", NSLegacy, b64(spk.Signature))
	bundle.AddText("identityKey", NSLegacy, b64(identityPub))

	pre := xmpp.NewElement("prekeys", NSLegacy)
	for _, pk := range preKeys {
		pkEl := xmpp.NewElement("preKeyPublic", NSLegacy)
		pkEl.SetAttr("preKeyId", strconv.FormatUint(uint64(pk.ID), 10))
		pkEl.Text = b64(pk.KeyPair.Public)
		pre.AddChild(pkEl)
	}
	bundle.AddChild(pre)
	return bundle
}

// parseBundle accepts both the legacy element names (signedPreKeyPublic,
// signedPreKeySignature, identityKey, preKeyPublic) and the newer ones
// (spk, spks, ik, pk). Returns nil when required material is missing.
func parseBundle(payload *xmpp.Element) (*axolotl.Bundle, error) {
	if payload == nil || payload.Name() != "bundle" {
		return nil, nil
	}

	spkEl := firstChild(payload, "signedPreKeyPublic", "spk")
	spksEl := firstChild(payload, "signedPreKeySignature", "spks")
	ikEl := firstChild(payload, "identityKey", "ik")
	if spkEl == nil || spksEl == nil || ikEl == nil {
		return nil, nil
	}

	spkID, err := parseKeyID(spkEl, "signedPreKeyId")
	if err != nil {
		return nil, fmt.Errorf("omemo: bundle signed pre-key id: %w", err)
	}
	spk, err := decodeB64(spkEl.Text)
	if err != nil {
		return nil, fmt.Errorf("omemo: bundle signed pre-key: %w", err)
	}
	sig, err := decodeB64(spksEl.Text)
	if err != nil {
		return nil, fmt.Errorf("omemo: bundle signature: %w", err)
	}
	ik, err := decodeB64(ikEl.Text)
	if err != nil {
		return nil, fmt.Errorf("omemo: bundle identity key: %w", err)
	}

	bundle := &axolotl.Bundle{
		IdentityKey:           ik,
		SignedPreKeyID:        spkID,
		SignedPreKey:          spk,
		SignedPreKeySignature: sig,
	}

	if pre := payload.Child("prekeys"); pre != nil {
		for i := range pre.Children {
			pkEl := &pre.Children[i]
			if pkEl.Name() != "preKeyPublic" && pkEl.Name() != "pk" {
				continue
			}
			id, err := parseKeyID(pkEl, "preKeyId")
			if err != nil {
				continue
			}
			key, err := decodeB64(pkEl.Text)
			if err != nil {
				continue
			}
			bundle.PreKeys = append(bundle.PreKeys, axolotl.BundlePreKey{ID: id, Key: key})
		}
	}
	return bundle, nil
}

// firstChild returns the first child matching any of the names.
func firstChild(e *xmpp.Element, names ...string) *xmpp.Element {
	for _, n := range names {
		if c := e.Child(n); c != nil {
			return c
		}
	}
	return nil
}

// parseKeyID reads the key id from the dialect-specific attribute or the
// generic id attribute.
func parseKeyID(e *xmpp.Element, legacyAttr string) (uint32, error) {
	raw := e.Attr(legacyAttr)
	if raw == "" {
		raw = e.Attr("id")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// EncryptedKey is one key child of an encrypted header.
type EncryptedKey struct {
	RID    uint32
	PreKey bool
	Data   []byte
}

// EncryptedElement is the parsed form of an encrypted element in either
// dialect.
type EncryptedElement struct {
	SID     uint32
	IV      []byte
	Keys    []EncryptedKey
	Payload []byte // nil for key-transport messages
}

// encryptedElement renders an encrypted element in the legacy dialect.
func encryptedElement(enc *EncryptedElement) *xmpp.Element {
	b64 := base64.StdEncoding.EncodeToString

	el := xmpp.NewElement("encrypted", NSLegacy)
	header := xmpp.NewElement("header", NSLegacy)
	header.SetAttr("sid", strconv.FormatUint(uint64(enc.SID), 10))
	for _, k := range enc.Keys {
		key := xmpp.NewElement("key", NSLegacy)
		key.SetAttr("rid", strconv.FormatUint(uint64(k.RID), 10))
		if k.PreKey {
			key.SetAttr("prekey", "true")
		}
		key.Text = b64(k.Data)
		header.AddChild(key)
	}
	header.AddText("iv", NSLegacy, b64(enc.IV))
	el.AddChild(header)
	if enc.Payload != nil {
		el.AddText("payload", NSLegacy, b64(enc.Payload))
	}
	return el
}

// findEncrypted locates an encrypted child under either supported
// namespace. Returns nil when the stanza carries none.
func findEncrypted(st *xmpp.Element) *xmpp.Element {
	return st.ChildAnyNS("encrypted", NSLegacy, NSV2)
}

// parseEncrypted decodes an encrypted element. The pre-key marker accepts
// prekey="true|1" (legacy) and kex="true|1" (newer).
func parseEncrypted(el *xmpp.Element) (*EncryptedElement, error) {
	header := el.Child("header")
	if header == nil {
		return nil, fmt.Errorf("omemo: encrypted element without header")
	}
	sid, err := strconv.ParseUint(header.Attr("sid"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("omemo: encrypted header sid: %w", err)
	}
	ivEl := header.Child("iv")
	if ivEl == nil {
		return nil, fmt.Errorf("omemo: encrypted header without iv")
	}
	iv, err := decodeB64(ivEl.Text)
	if err != nil {
		return nil, fmt.Errorf("omemo: encrypted iv: %w", err)
	}

	enc := &EncryptedElement{SID: uint32(sid), IV: iv}
	for _, keyEl := range header.FindChildren("key") {
		rid, err := strconv.ParseUint(keyEl.Attr("rid"), 10, 32)
		if err != nil {
			continue
		}
		data, err := decodeB64(keyEl.Text)
		if err != nil {
			continue
		}
		enc.Keys = append(enc.Keys, EncryptedKey{
			RID:    uint32(rid),
			PreKey: isTrueAttr(keyEl.Attr("prekey")) || isTrueAttr(keyEl.Attr("kex")),
			Data:   data,
		})
	}

	if payloadEl := el.Child("payload"); payloadEl != nil {
		payload, err := decodeB64(payloadEl.Text)
		if err != nil {
			return nil, fmt.Errorf("omemo: encrypted payload: %w", err)
		}
		enc.Payload = payload
	}
	return enc, nil
}

func isTrueAttr(v string) bool {
	return v == "true" || v == "1"
}
