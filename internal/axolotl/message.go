package axolotl

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ciphertext message types, matching the Signal numbering: 2 for an
// established-session (whisper) message, 3 for a pre-key message.
const (
	MessageTypeWhisper = 2
	MessageTypePreKey  = 3
)

const protocolVersion = 3

// ErrInvalidMessage is returned when wire bytes cannot be decoded as the
// requested message variant.
var ErrInvalidMessage = errors.New("axolotl: invalid message")

// versionByte packs the protocol version in the high nibble and the message
// type in the low nibble, so receivers can cheaply guess the variant from the
// first byte.
func versionByte(msgType int) byte {
	return byte(protocolVersion<<4 | msgType)
}

// MessageTypeHint inspects the first byte of wire bytes and reports the
// probable message type. The low four bits carry the type nibble.
func MessageTypeHint(data []byte) int {
	if len(data) == 0 {
		return MessageTypeWhisper
	}
	if int(data[0]&0x0f) == MessageTypePreKey {
		return MessageTypePreKey
	}
	return MessageTypeWhisper
}

// whisper message field numbers.
const (
	wmFieldRatchetKey      = 1
	wmFieldCounter         = 2
	wmFieldPreviousCounter = 3
	wmFieldCiphertext      = 4
)

// encodeWhisperMessage serializes a ratchet header and ciphertext: one
// version byte followed by a protobuf body.
func encodeWhisperMessage(h messageHeader, ciphertext []byte) []byte {
	b := []byte{versionByte(MessageTypeWhisper)}
	b = protowire.AppendTag(b, wmFieldRatchetKey, protowire.BytesType)
	b = protowire.AppendBytes(b, h.DHPub)
	b = protowire.AppendTag(b, wmFieldCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.N))
	b = protowire.AppendTag(b, wmFieldPreviousCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.PN))
	b = protowire.AppendTag(b, wmFieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, ciphertext)
	return b
}

func decodeWhisperMessage(data []byte) (messageHeader, []byte, error) {
	var h messageHeader
	var ct []byte
	if len(data) < 2 {
		return h, nil, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	if data[0]>>4 != protocolVersion {
		return h, nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, data[0]>>4)
	}
	body := data[1:]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return h, nil, fmt.Errorf("%w: bad tag", ErrInvalidMessage)
		}
		body = body[n:]
		switch {
		case num == wmFieldRatchetKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return h, nil, fmt.Errorf("%w: ratchet key", ErrInvalidMessage)
			}
			h.DHPub = append([]byte(nil), v...)
			body = body[n:]
		case num == wmFieldCounter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return h, nil, fmt.Errorf("%w: counter", ErrInvalidMessage)
			}
			h.N = uint32(v)
			body = body[n:]
		case num == wmFieldPreviousCounter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return h, nil, fmt.Errorf("%w: previous counter", ErrInvalidMessage)
			}
			h.PN = uint32(v)
			body = body[n:]
		case num == wmFieldCiphertext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return h, nil, fmt.Errorf("%w: ciphertext", ErrInvalidMessage)
			}
			ct = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return h, nil, fmt.Errorf("%w: field %d", ErrInvalidMessage, num)
			}
			body = body[n:]
		}
	}
	if len(h.DHPub) != DHKeySize || ct == nil {
		return h, nil, fmt.Errorf("%w: missing fields", ErrInvalidMessage)
	}
	return h, ct, nil
}

// pre-key message field numbers.
const (
	pkmFieldRegistrationID = 1
	pkmFieldPreKeyID       = 2
	pkmFieldSignedPreKeyID = 3
	pkmFieldBaseKey        = 4
	pkmFieldIdentityKey    = 5
	pkmFieldMessage        = 6
)

// preKeyMessage carries the key-agreement material alongside the first
// whisper message(s) of a session. PreKeyID zero means no one-time pre-key
// was consumed.
type preKeyMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        []byte
	IdentityKey    []byte
	Message        []byte
}

func encodePreKeyMessage(pm *preKeyMessage) []byte {
	b := []byte{versionByte(MessageTypePreKey)}
	b = protowire.AppendTag(b, pkmFieldRegistrationID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pm.RegistrationID))
	if pm.PreKeyID != 0 {
		b = protowire.AppendTag(b, pkmFieldPreKeyID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(pm.PreKeyID))
	}
	b = protowire.AppendTag(b, pkmFieldSignedPreKeyID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pm.SignedPreKeyID))
	b = protowire.AppendTag(b, pkmFieldBaseKey, protowire.BytesType)
	b = protowire.AppendBytes(b, pm.BaseKey)
	b = protowire.AppendTag(b, pkmFieldIdentityKey, protowire.BytesType)
	b = protowire.AppendBytes(b, pm.IdentityKey)
	b = protowire.AppendTag(b, pkmFieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, pm.Message)
	return b
}

func decodePreKeyMessage(data []byte) (*preKeyMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	if data[0]>>4 != protocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, data[0]>>4)
	}
	pm := &preKeyMessage{}
	body := data[1:]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrInvalidMessage)
		}
		body = body[n:]
		switch {
		case num == pkmFieldRegistrationID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: registration id", ErrInvalidMessage)
			}
			pm.RegistrationID = uint32(v)
			body = body[n:]
		case num == pkmFieldPreKeyID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: pre-key id", ErrInvalidMessage)
			}
			pm.PreKeyID = uint32(v)
			body = body[n:]
		case num == pkmFieldSignedPreKeyID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: signed pre-key id", ErrInvalidMessage)
			}
			pm.SignedPreKeyID = uint32(v)
			body = body[n:]
		case num == pkmFieldBaseKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: base key", ErrInvalidMessage)
			}
			pm.BaseKey = append([]byte(nil), v...)
			body = body[n:]
		case num == pkmFieldIdentityKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: identity key", ErrInvalidMessage)
			}
			pm.IdentityKey = append([]byte(nil), v...)
			body = body[n:]
		case num == pkmFieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: inner message", ErrInvalidMessage)
			}
			pm.Message = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrInvalidMessage, num)
			}
			body = body[n:]
		}
	}
	if len(pm.BaseKey) != DHKeySize || len(pm.IdentityKey) != IdentityPublicSize || len(pm.Message) == 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrInvalidMessage)
	}
	return pm, nil
}
