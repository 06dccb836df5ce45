package axolotl

import (
	"bytes"
	"testing"
)

func TestWhisperMessageRoundTrip(t *testing.T) {
	h := messageHeader{DHPub: bytes.Repeat([]byte{0xaa}, DHKeySize), PN: 7, N: 42}
	ct := []byte("ciphertext bytes")

	data := encodeWhisperMessage(h, ct)
	if data[0] != 0x32 {
		t.Fatalf("version byte: got %#x, want 0x32", data[0])
	}
	gotH, gotCT, err := decodeWhisperMessage(data)
	if err != nil {
		t.Fatalf("decodeWhisperMessage: %v", err)
	}
	if !bytes.Equal(gotH.DHPub, h.DHPub) || gotH.PN != h.PN || gotH.N != h.N {
		t.Fatalf("header mismatch: %+v", gotH)
	}
	if !bytes.Equal(gotCT, ct) {
		t.Fatalf("ciphertext mismatch")
	}
}

func TestPreKeyMessageRoundTrip(t *testing.T) {
	inner := encodeWhisperMessage(messageHeader{DHPub: make([]byte, DHKeySize)}, []byte("x"))
	pm := &preKeyMessage{
		RegistrationID: 1234,
		PreKeyID:       100,
		SignedPreKeyID: 7,
		BaseKey:        bytes.Repeat([]byte{0x01}, DHKeySize),
		IdentityKey:    bytes.Repeat([]byte{0x02}, IdentityPublicSize),
		Message:        inner,
	}
	data := encodePreKeyMessage(pm)
	if data[0] != 0x33 {
		t.Fatalf("version byte: got %#x, want 0x33", data[0])
	}
	got, err := decodePreKeyMessage(data)
	if err != nil {
		t.Fatalf("decodePreKeyMessage: %v", err)
	}
	if got.RegistrationID != pm.RegistrationID || got.PreKeyID != pm.PreKeyID ||
		got.SignedPreKeyID != pm.SignedPreKeyID {
		t.Fatalf("ids mismatch: %+v", got)
	}
	if !bytes.Equal(got.BaseKey, pm.BaseKey) || !bytes.Equal(got.IdentityKey, pm.IdentityKey) ||
		!bytes.Equal(got.Message, pm.Message) {
		t.Fatalf("key material mismatch")
	}
}

func TestPreKeyMessageWithoutOneTimeKey(t *testing.T) {
	inner := encodeWhisperMessage(messageHeader{DHPub: make([]byte, DHKeySize)}, []byte("x"))
	pm := &preKeyMessage{
		RegistrationID: 1,
		SignedPreKeyID: 7,
		BaseKey:        make([]byte, DHKeySize),
		IdentityKey:    make([]byte, IdentityPublicSize),
		Message:        inner,
	}
	got, err := decodePreKeyMessage(encodePreKeyMessage(pm))
	if err != nil {
		t.Fatalf("decodePreKeyMessage: %v", err)
	}
	if got.PreKeyID != 0 {
		t.Fatalf("pre-key id: got %d, want 0 (absent)", got.PreKeyID)
	}
}

func TestMessageTypeHint(t *testing.T) {
	if MessageTypeHint([]byte{0x33}) != MessageTypePreKey {
		t.Fatal("0x33 should hint pre-key")
	}
	if MessageTypeHint([]byte{0x32}) != MessageTypeWhisper {
		t.Fatal("0x32 should hint whisper")
	}
	if MessageTypeHint(nil) != MessageTypeWhisper {
		t.Fatal("empty input should default to whisper")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	if _, _, err := decodeWhisperMessage([]byte{0x42, 0x00}); err == nil {
		t.Fatal("version 4 accepted")
	}
	if _, err := decodePreKeyMessage([]byte{0x13, 0x00}); err == nil {
		t.Fatal("version 1 accepted")
	}
}
