// Package bluez implements backend.Backend directly against BlueZ's D-Bus
// GATT object tree (org.bluez.Adapter1/Device1/GattService1/
// GattCharacteristic1/GattDescriptor1) over github.com/godbus/dbus/v5,
// Linux-only. Grounded on arnnvv-bluetalk's bluez package (adapter.go,
// client.go, scan.go), which drives the same interfaces through the real
// godbus/dbus/v5 library rather than a hand-rolled wrapper; generalized
// from that file's fixed chat-service UUIDs and single RX/TX characteristic
// pair to an arbitrary discovered attribute table, and extended with the
// InProgress-retry-with-backoff behavior and real Device1.Pair support
// neither bluetalk nor the other two backends in this module need.
package bluez

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezDest     = "org.bluez"
	bluezRoot     = dbus.ObjectPath("/")
	adapterPrefix = "/org/bluez/"

	ifaceAdapter = "org.bluez.Adapter1"
	ifaceDevice  = "org.bluez.Device1"
	ifaceService = "org.bluez.GattService1"
	ifaceChar    = "org.bluez.GattCharacteristic1"
	ifaceDesc    = "org.bluez.GattDescriptor1"
	ifaceProps   = "org.freedesktop.DBus.Properties"
	ifaceObjMgr  = "org.freedesktop.DBus.ObjectManager"
)

// uuidToStr renders a canonical 128-bit UUID (as produced by uuid.Normalize)
// in BlueZ's own dashed-lowercase textual form, which is already that
// format; kept as a named conversion so call sites read like the teacher's
// UUIDToStr rather than a bare string() cast.
func uuidToStr(id string) string { return strings.ToLower(id) }

// addrFromPath extracts a MAC address from a BlueZ device object path
// (.../dev_AA_BB_CC_DD_EE_FF -> AA:BB:CC:DD:EE:FF), following
// bluez.AddrFromPath in arnnvv-bluetalk.
func addrFromPath(path dbus.ObjectPath) string {
	p := string(path)
	i := strings.LastIndex(p, "/dev_")
	if i < 0 {
		return ""
	}
	raw := p[i+len("/dev_"):]
	parts := strings.Split(raw, "_")
	if len(parts) != 6 {
		return ""
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}

// pathFromAddr is the inverse of addrFromPath, following
// bluez.PathFromAddr in arnnvv-bluetalk.
func pathFromAddr(adapterPath dbus.ObjectPath, addr string) dbus.ObjectPath {
	parts := strings.Split(addr, ":")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + strings.Join(parts, "_"))
}

func getProp(conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := conn.Object(bluezDest, path).Call(ifaceProps+".Get", 0, iface, name).Store(&v)
	return v, err
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

// isInProgress reports whether err is BlueZ's org.bluez.Error.InProgress,
// which is transient and retryable (spec §5/§7: a pending discovery or
// connect attempt on the same object causes every concurrent caller to see
// InProgress until the first one completes).
func isInProgress(err error) bool {
	if err == nil {
		return false
	}
	de, ok := err.(dbus.Error)
	if !ok {
		return false
	}
	return de.Name == "org.bluez.Error.InProgress"
}

func dbusErrorName(err error) string {
	if de, ok := err.(dbus.Error); ok {
		return de.Name
	}
	return ""
}

// parseATTErrorCode extracts a raw ATT error code from BlueZ's
// org.bluez.Error.Failed detail string when it embeds one (BlueZ reports
// protocol-level ATT errors as "Failed" with a message like "ATT error:
// 0x0e"), so callers still observe gatterr.FromATT rather than an opaque
// BackendError for these.
func parseATTErrorCode(msg string) (uint8, bool) {
	i := strings.LastIndex(msg, "0x")
	if i < 0 {
		return 0, false
	}
	end := i + 2
	for end < len(msg) && isHexDigit(msg[end]) {
		end++
	}
	if end == i+2 {
		return 0, false
	}
	n, err := strconv.ParseUint(msg[i+2:end], 16, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}
