// Package att implements the immutable Attribute Model (spec §3 "Attribute
// Table", §4.2): the Service/Characteristic/Descriptor tree built once per
// connection after discovery, keyed by attribute handle. Grounded on the
// service/characteristic/property types in the teacher's internal/device
// package (service.go, property.go), generalized from per-backend wrapper
// types to one backend-neutral model every adapter populates identically.
package att

import "github.com/srgg/gocentral/uuid"

// Property is the GATT characteristic property bitset (spec §3).
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
)

// Has reports whether p includes flag.
func (p Property) Has(flag Property) bool { return p&flag != 0 }

var propertyNames = []struct {
	flag Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticated-signed-writes"},
	{PropExtendedProperties, "extended-properties"},
}

// String lists the set flags, comma-separated, in spec §3 declaration order.
func (p Property) String() string {
	out := ""
	for _, pn := range propertyNames {
		if p.Has(pn.flag) {
			if out != "" {
				out += ","
			}
			out += pn.name
		}
	}
	if out == "" {
		return "(none)"
	}
	return out
}

// Descriptor is metadata attached to a characteristic (spec GLOSSARY).
type Descriptor struct {
	Handle uint16
	UUID   uuid.UUID
}

// Characteristic is an attribute with a value, properties, and optional
// descriptors (spec GLOSSARY). ServiceHandle is an index into the owning
// AttributeTable rather than a back-pointer, per the "arena + handle"
// design note in spec §9: characteristics never hold a pointer back to
// their service, avoiding a reference cycle the table would have to break
// on rebuild.
type Characteristic struct {
	Handle        uint16 // declaration handle
	ValueHandle   uint16 // handle read/write operations target
	UUID          uuid.UUID
	Properties    Property
	Descriptors   []*Descriptor
	ServiceHandle uint16
}

// MaxWriteWithoutResponseSize computes MTU-3 (spec §4.2): ATT opcode (1
// byte) plus handle (2 bytes) overhead on every write-without-response PDU.
func (c *Characteristic) MaxWriteWithoutResponseSize(mtu uint16) int {
	n := int(mtu) - 3
	if n < 0 {
		return 0
	}
	return n
}

// Service is a primary GATT service and its ordered characteristics.
type Service struct {
	Handle          uint16
	UUID            uuid.UUID
	Characteristics []*Characteristic
}
