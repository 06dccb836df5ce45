// Package omemo implements the OMEMO layer over the publish-subscribe
// client and the axolotl engine: device-list and bundle publication and
// retrieval, the wire XML codec for both namespace dialects, and the
// outbound/inbound message orchestrators.
package omemo

// The two OMEMO namespace dialects. Publication uses the legacy namespace
// for maximum interoperability; reception accepts either.
const (
	NSLegacy = "eu.siacs.conversations.axolotl"
	NSV2     = "urn:xmpp:omemo:2"

	NodeDeviceList   = NSLegacy + ".devicelist"
	NodeBundlePrefix = NSLegacy + ".bundles"

	NodeDeviceListV2   = NSV2 + ":devices"
	NodeBundlePrefixV2 = NSV2 + ":bundles"
)

// Sibling hint namespaces on outbound encrypted stanzas.
const (
	nsEME   = "urn:xmpp:eme:0"
	nsHints = "urn:xmpp:hints"
)

// BundleNode returns the device-specific bundle node name for the legacy
// dialect: the bundle-node prefix, a colon, and the decimal device id.
func BundleNode(deviceID uint32) string {
	return nodeForDevice(NodeBundlePrefix, deviceID)
}

// BundleNodeV2 is the newer-dialect equivalent of BundleNode.
func BundleNodeV2(deviceID uint32) string {
	return nodeForDevice(NodeBundlePrefixV2, deviceID)
}
