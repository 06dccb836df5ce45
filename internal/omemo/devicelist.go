package omemo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omemod/internal/pubsub"
	"omemod/internal/xmpp"
)

const (
	// deviceListTTL is how long a cache entry is authoritative.
	deviceListTTL = 5 * time.Minute
	// deviceListHardExpiry is the age past which an entry is treated as
	// absent even when a caller bypassed the soft TTL.
	deviceListHardExpiry = 15 * time.Minute
)

// DeviceListCache is the process-wide device-list cache, keyed by
// (local account, peer bare JID). One writer per account; readers are every
// encryption path.
type DeviceListCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

type cacheKey struct {
	account string
	jid     string
}

type cacheEntry struct {
	devices   []Device
	fetchedAt time.Time
}

// NewDeviceListCache creates an empty cache.
func NewDeviceListCache() *DeviceListCache {
	return &DeviceListCache{entries: make(map[cacheKey]*cacheEntry)}
}

// get returns the cached devices and whether the entry is within the soft
// TTL. Entries past the hard expiry are treated as absent and purged.
func (c *DeviceListCache) get(account, jid string) (devices []Device, fresh, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[cacheKey{account, jid}]
	if e == nil {
		return nil, false, false
	}
	age := time.Since(e.fetchedAt)
	if age > deviceListHardExpiry {
		delete(c.entries, cacheKey{account, jid})
		return nil, false, false
	}
	return e.devices, age <= deviceListTTL, true
}

// put overwrites the entry and resets its timestamp. Last writer wins.
func (c *DeviceListCache) put(account, jid string, devices []Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{account, jid}] = &cacheEntry{devices: devices, fetchedAt: time.Now()}
}

// invalidate purges the entry.
func (c *DeviceListCache) invalidate(account, jid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{account, jid})
}

// DeviceRegistry is the persistent sighting log the manager writes through
// to; consulted as a fallback hint when the server cannot be reached.
type DeviceRegistry interface {
	RecordDevices(account, jid string, ids []uint32, labels map[uint32]string) error
	Devices(account, jid string) ([]uint32, error)
}

// DeviceListManager publishes our device id, fetches and caches remote
// device lists, and applies push notifications for one account.
type DeviceListManager struct {
	account  string // local bare JID
	deviceID uint32
	ps       *pubsub.Client
	cache    *DeviceListCache
	registry DeviceRegistry // optional
	log      *slog.Logger
}

// NewDeviceListManager wires a manager for one account. registry may be nil.
func NewDeviceListManager(account string, deviceID uint32, ps *pubsub.Client, cache *DeviceListCache, registry DeviceRegistry, log *slog.Logger) *DeviceListManager {
	return &DeviceListManager{
		account:  account,
		deviceID: deviceID,
		ps:       ps,
		cache:    cache,
		registry: registry,
		log:      log.With("component", "devicelist"),
	}
}

// PublishOwnDevice announces our device id on the well-known device-list
// node. On the account's first initialization the server's list is replaced
// wholesale, dropping stale identifiers from prior incarnations; on
// subsequent starts the published set is the union of our device and the
// server's current list.
func (m *DeviceListManager) PublishOwnDevice(ctx context.Context, replace bool) error {
	devices := []Device{{ID: m.deviceID}}
	if !replace {
		current, err := m.fetch(ctx, m.account)
		if err != nil {
			m.log.Warn("reading back own device list failed, publishing ours alone", "err", err)
		}
		for _, d := range current {
			if d.ID != m.deviceID {
				devices = append(devices, d)
			}
		}
	}

	err := m.ps.Publish(ctx, NodeDeviceList, "current", deviceListElement(devices), &pubsub.PublishOptions{
		AccessModel:  pubsub.AccessOpen,
		PersistItems: true,
		MaxItems:     1,
	})
	if err != nil {
		return fmt.Errorf("omemo: publish device list: %w", err)
	}
	m.cache.put(m.account, m.account, devices)
	m.recordSightings(m.account, devices)
	return nil
}

// Get returns the peer's device list, consulting the cache first. A forced
// refresh or a stale entry triggers a network fetch; fetch failures fall
// back to a still-valid stale entry, then, unless the refresh was forced, to
// the persistent registry.
func (m *DeviceListManager) Get(ctx context.Context, peerJID string, forceRefresh bool) ([]Device, error) {
	peerJID = xmpp.Bare(peerJID)

	cached, fresh, ok := m.cache.get(m.account, peerJID)
	if ok && fresh && !forceRefresh {
		return cached, nil
	}

	devices, err := m.fetch(ctx, peerJID)
	if err != nil {
		if ok && !forceRefresh {
			m.log.Debug("device list fetch failed, serving stale cache", "peer", peerJID, "err", err)
			return cached, nil
		}
		if m.registry != nil && !forceRefresh {
			if ids, rerr := m.registry.Devices(m.account, peerJID); rerr == nil && len(ids) > 0 {
				m.log.Debug("device list fetch failed, serving registry", "peer", peerJID, "err", err)
				out := make([]Device, len(ids))
				for i, id := range ids {
					out[i] = Device{ID: id}
				}
				return out, nil
			}
		}
		return nil, &DeviceListUnavailableError{JID: peerJID, Err: err}
	}

	m.cache.put(m.account, peerJID, devices)
	m.recordSightings(peerJID, devices)
	return devices, nil
}

// HandleEvent applies a push notification for a device-list node, eagerly
// overwriting the cache. It reports whether the event was consumed.
func (m *DeviceListManager) HandleEvent(ev *pubsub.Event) bool {
	if ev == nil || (ev.Node != NodeDeviceList && ev.Node != NodeDeviceListV2) {
		return false
	}
	peer := xmpp.Bare(ev.From)
	for _, item := range ev.Items {
		devices := parseDeviceList(item.Payload)
		m.cache.put(m.account, peer, devices)
		m.recordSightings(peer, devices)
		m.log.Debug("device list push applied", "peer", peer, "devices", len(devices))
	}
	if len(ev.Items) == 0 && len(ev.Retracted) > 0 {
		m.cache.invalidate(m.account, peer)
	}
	return true
}

// Invalidate purges the cache entry for a peer.
func (m *DeviceListManager) Invalidate(peerJID string) {
	m.cache.invalidate(m.account, xmpp.Bare(peerJID))
}

// fetch queries the peer's device-list node. Publication here uses the
// legacy node, but reception accepts either dialect: a peer publishing only
// under the newer node is found by falling back to it when the legacy node
// comes back empty.
func (m *DeviceListManager) fetch(ctx context.Context, peerJID string) ([]Device, error) {
	devices, legacyErr := m.fetchNode(ctx, peerJID, NodeDeviceList)
	if legacyErr == nil && len(devices) > 0 {
		return devices, nil
	}
	v2Devices, v2Err := m.fetchNode(ctx, peerJID, NodeDeviceListV2)
	if v2Err == nil && len(v2Devices) > 0 {
		return v2Devices, nil
	}
	if legacyErr != nil {
		return nil, legacyErr
	}
	return devices, nil
}

func (m *DeviceListManager) fetchNode(ctx context.Context, peerJID, node string) ([]Device, error) {
	items, err := m.ps.Fetch(ctx, peerJID, node)
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, item := range items {
		devices = append(devices, parseDeviceList(item.Payload)...)
	}
	return devices, nil
}

func (m *DeviceListManager) recordSightings(jid string, devices []Device) {
	if m.registry == nil || len(devices) == 0 {
		return
	}
	ids := make([]uint32, len(devices))
	labels := make(map[uint32]string)
	for i, d := range devices {
		ids[i] = d.ID
		if d.Label != "" {
			labels[d.ID] = d.Label
		}
	}
	if err := m.registry.RecordDevices(m.account, jid, ids, labels); err != nil {
		m.log.Warn("recording device sightings failed", "peer", jid, "err", err)
	}
}
