package omemo

import (
	"errors"
	"fmt"
)

// Typed failures of the encryption and decryption orchestrators. The
// encryptor is the only component that turns these into user-visible
// warnings; everything else propagates them as values.
var (
	// ErrNoDevices: the recipient advertises no devices at all.
	ErrNoDevices = errors.New("omemo: recipient has no devices")
	// ErrNoEncryptableDevices: every per-device encryption failed.
	ErrNoEncryptableDevices = errors.New("omemo: no encryptable devices")
	// ErrRoomNotCapable: the room is anonymous or empty.
	ErrRoomNotCapable = errors.New("omemo: room cannot carry encrypted traffic")
	// ErrNotForUs: an inbound encrypted stanza has no key for our device.
	// Silent: multi-device peers routinely address subsets.
	ErrNotForUs = errors.New("omemo: no key addressed to this device")
	// ErrUnknownSender: a room stanza from a nick with no resolvable JID.
	ErrUnknownSender = errors.New("omemo: cannot resolve sender real jid")
	// ErrAESFailure: payload decryption failed authentication.
	ErrAESFailure = errors.New("omemo: payload authentication failed")
	// ErrShutdown: the account is tearing down.
	ErrShutdown = errors.New("omemo: shutdown in progress")
)

// BundleUnavailableError reports a missing bundle for one device; the
// device is skipped in the fan-out.
type BundleUnavailableError struct {
	JID      string
	DeviceID uint32
}

func (e *BundleUnavailableError) Error() string {
	return fmt.Sprintf("omemo: no bundle available for %s:%d", e.JID, e.DeviceID)
}

// DeviceListUnavailableError reports that a peer's device list could not be
// fetched; fatal to the encryption attempt that needed it.
type DeviceListUnavailableError struct {
	JID string
	Err error
}

func (e *DeviceListUnavailableError) Error() string {
	return fmt.Sprintf("omemo: device list unavailable for %s: %v", e.JID, e.Err)
}

func (e *DeviceListUnavailableError) Unwrap() error { return e.Err }

// SignalFailureError reports that both decryption variants failed for a
// sender device.
type SignalFailureError struct {
	JID      string
	DeviceID uint32
	Err      error
}

func (e *SignalFailureError) Error() string {
	return fmt.Sprintf("omemo: signal decryption failed for %s:%d: %v", e.JID, e.DeviceID, e.Err)
}

func (e *SignalFailureError) Unwrap() error { return e.Err }
