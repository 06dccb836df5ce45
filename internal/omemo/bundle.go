package omemo

import (
	"context"
	"fmt"
	"log/slog"

	"omemod/internal/axolotl"
	"omemod/internal/pubsub"
	"omemod/internal/store"
)

// BundleManager publishes our key bundle and fetches remote bundles on
// demand. Bundles are never cached: a fresh fetch per session build draws
// the random one-time pre-key from the currently advertised set, so rapid
// session builds do not keep selecting a stale pool.
type BundleManager struct {
	store *store.Store
	ps    *pubsub.Client
	log   *slog.Logger
}

// NewBundleManager wires a bundle manager for one account.
func NewBundleManager(st *store.Store, ps *pubsub.Client, log *slog.Logger) *BundleManager {
	return &BundleManager{store: st, ps: ps, log: log.With("component", "bundle")}
}

// Publish pushes the current bundle onto our device-specific bundle node.
// Called after identity initialization and again after any pre-key pool
// mutation so the advertised pool tracks the stored one.
func (m *BundleManager) Publish(ctx context.Context) error {
	identity, err := m.store.IdentityKeyPair()
	if err != nil {
		return err
	}
	spk, err := m.store.SignedPreKey()
	if err != nil {
		return err
	}
	preKeys, err := m.store.PreKeys()
	if err != nil {
		return err
	}

	payload := bundleElement(identity.PublicBytes(), spk, preKeys)
	node := BundleNode(m.store.DeviceID())
	err = m.ps.Publish(ctx, node, "current", payload, &pubsub.PublishOptions{
		AccessModel:  pubsub.AccessOpen,
		PersistItems: true,
		MaxItems:     1,
	})
	if err != nil {
		return fmt.Errorf("omemo: publish bundle: %w", err)
	}
	m.log.Debug("bundle published", "node", node, "preKeys", len(preKeys))
	return nil
}

// Fetch retrieves and parses one peer device's bundle, trying the legacy
// node first and falling back to the newer node when it comes back empty —
// reception accepts either dialect. Returns nil without error when the peer
// advertises none; the caller skips the device.
func (m *BundleManager) Fetch(ctx context.Context, peerJID string, deviceID uint32) (*axolotl.Bundle, error) {
	bundle, legacyErr := m.fetchNode(ctx, peerJID, BundleNode(deviceID))
	if legacyErr == nil && bundle != nil {
		return bundle, nil
	}
	v2Bundle, v2Err := m.fetchNode(ctx, peerJID, BundleNodeV2(deviceID))
	if v2Err == nil && v2Bundle != nil {
		return v2Bundle, nil
	}
	if legacyErr != nil {
		return nil, fmt.Errorf("omemo: fetch bundle %s:%d: %w", peerJID, deviceID, legacyErr)
	}
	return nil, nil
}

func (m *BundleManager) fetchNode(ctx context.Context, peerJID, node string) (*axolotl.Bundle, error) {
	items, err := m.ps.Fetch(ctx, peerJID, node)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		bundle, err := parseBundle(item.Payload)
		if err != nil {
			return nil, err
		}
		if bundle != nil {
			return bundle, nil
		}
	}
	return nil, nil
}
