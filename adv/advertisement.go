// Package adv implements the Advertisement Model and DiscoveredDevice
// entities (spec §3, §4.3): structured advertisement records and the
// scan-session merge rule that folds repeated advertisements for the same
// device into one view. Grounded on the field set exposed by
// github.com/go-ble/ble's Advertisement interface (as consumed in the
// teacher's pkg/device/ble_device.go) generalized to a backend-neutral
// struct instead of an interface wrapper, since every backend in this
// module produces the same struct rather than its own OS-specific type.
package adv

// AddressType distinguishes a public from a random Bluetooth device
// address; meaningless for Apple's per-host identity UUIDs (spec §3).
type AddressType int

const (
	AddressUnknown AddressType = iota
	AddressPublic
	AddressRandom
)

// Identity is a backend-neutral device identity (spec §3 DeviceIdentity).
// On BlueZ/Windows this is a 48-bit Bluetooth address; on Apple platforms
// it is a platform-assigned UUID stable only for the current host. Per
// Open Question §9.1, Identity is opaque: Equal compares Canonical only and
// carries no notion of backend or host, so a comparison is only meaningful
// between identities produced by the same backend on the same host.
type Identity struct {
	// Canonical is the string form backends and users compare by
	// (a MAC address on BlueZ/Windows, a host-scoped UUID on Apple).
	Canonical string
	// AddressType is only meaningful when Raw is a real Bluetooth address.
	AddressType AddressType
	// Raw holds the original address bytes where the backend has them
	// (6 bytes for BlueZ/Windows); nil on platforms with opaque UUIDs.
	Raw []byte
}

func (id Identity) String() string { return id.Canonical }

// Equal compares identities by canonical string only; Raw/AddressType are
// metadata, not part of identity per spec §3.
func (id Identity) Equal(other Identity) bool { return id.Canonical == other.Canonical }

// ServiceData pairs a service UUID with its advertised payload.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is the structured advertisement record (spec §3).
// ManufacturerData and ServiceData are owned snapshots: callers receiving
// an Advertisement from a callback or stream must not mutate them, since
// the merge step (§4.3) retains references into the maps it built.
type Advertisement struct {
	LocalName        string
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	TxPower          *int8
	RSSI             int16
	// PlatformData is an opaque, backend-specific payload (spec §3); the
	// core never interprets it.
	PlatformData any
}

// HasServiceUUID reports whether uuid (already normalized by the caller)
// is present in ServiceUUIDs.
func (a *Advertisement) HasServiceUUID(uuid string) bool {
	for _, u := range a.ServiceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

// clone returns a deep-enough copy for safe merging: map/slice fields are
// copied, scalar/pointer fields are shared (TxPower is replaced wholesale
// on merge, never mutated in place).
func (a *Advertisement) clone() *Advertisement {
	out := &Advertisement{
		LocalName:        a.LocalName,
		TxPower:          a.TxPower,
		RSSI:             a.RSSI,
		PlatformData:     a.PlatformData,
		ManufacturerData: make(map[uint16][]byte, len(a.ManufacturerData)),
		ServiceData:      make(map[string][]byte, len(a.ServiceData)),
	}
	out.ServiceUUIDs = append([]string(nil), a.ServiceUUIDs...)
	for k, v := range a.ManufacturerData {
		out.ManufacturerData[k] = v
	}
	for k, v := range a.ServiceData {
		out.ServiceData[k] = v
	}
	return out
}
