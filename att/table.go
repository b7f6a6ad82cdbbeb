package att

import (
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AttributeTable is the immutable, post-discovery attribute database for
// one peripheral connection (spec §3). It is built once by a Builder and
// never mutated afterward; handles are unique within one table, UUIDs are
// not. Services() is ordered through the teacher's go-ordered-map usage
// (internal/lua/lua_api_suite.go), and each Service's Characteristics slice
// is appended in discovery order, so that discovery order, not Go's
// randomized map order, is what callers observe.
type AttributeTable struct {
	generation uint64
	services   *orderedmap.OrderedMap[uint16, *Service]
	chars      map[uint16]*Characteristic
	descs      map[uint16]*Descriptor
	// charIdentity supports ByObject resolution and stale-handle detection:
	// a *Characteristic pointer from a previous AttributeTable generation
	// is never a key in this map, so ResolveCharacteristic(ByObject(...))
	// naturally fails with a stale-handle error after reconnect/rebuild.
	charIdentity map[*Characteristic]uint16
}

// Generation identifies the discovery pass that produced this table; it
// increments on every successful (re)connect (spec §3: "dereferencing
// [handles] after the AttributeTable is rebuilt fails with a stale handle
// error").
func (t *AttributeTable) Generation() uint64 { return t.generation }

// Services returns services in discovery order.
func (t *AttributeTable) Services() []*Service {
	out := make([]*Service, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ServiceSpec selects a service by UUID or by handle (spec §4.2
// get_service(uuid_or_handle)).
type ServiceSpec struct {
	byHandle bool
	handle   uint16
	id       uuid.UUID
}

// ServiceByUUID builds a ServiceSpec matching the first service with uuid.
func ServiceByUUID(id uuid.UUID) ServiceSpec { return ServiceSpec{id: id} }

// ServiceByHandle builds a ServiceSpec matching exactly handle.
func ServiceByHandle(handle uint16) ServiceSpec { return ServiceSpec{byHandle: true, handle: handle} }

// GetService resolves spec against the table (spec §4.2). By-UUID lookup
// returns the first match in discovery order; it never reports Ambiguous
// for services, since §4.2 only documents that failure mode for
// characteristics.
func (t *AttributeTable) GetService(spec ServiceSpec) (*Service, error) {
	if spec.byHandle {
		svc, ok := t.services.Get(spec.handle)
		if !ok {
			return nil, gatterr.NotFound("service", handleStr(spec.handle))
		}
		return svc, nil
	}
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.UUID == spec.id {
			return pair.Value, nil
		}
	}
	return nil, gatterr.NotFound("service", string(spec.id))
}

// CharSpec is the tagged-variant lookup key for characteristics (spec §9):
// ByUuid(UUID) | ByHandle(u16) | ByObject(&Characteristic).
type CharSpec struct {
	kind   charSpecKind
	id     uuid.UUID
	handle uint16
	obj    *Characteristic
}

type charSpecKind int

const (
	charByUUID charSpecKind = iota
	charByHandle
	charByObject
)

// CharByUUID builds a CharSpec matching a characteristic UUID; resolution
// fails with Ambiguous if more than one characteristic shares the UUID.
func CharByUUID(id uuid.UUID) CharSpec { return CharSpec{kind: charByUUID, id: id} }

// CharByHandle builds a CharSpec matching an exact value handle.
func CharByHandle(handle uint16) CharSpec { return CharSpec{kind: charByHandle, handle: handle} }

// CharByObject builds a CharSpec from a previously resolved *Characteristic.
// It fails with AttributeNotFound if c did not come from this table's
// current generation (the stale-handle case in spec §3).
func CharByObject(c *Characteristic) CharSpec { return CharSpec{kind: charByObject, obj: c} }

// ResolveCharacteristic resolves spec against the table (spec §4.2/§4.4).
func (t *AttributeTable) ResolveCharacteristic(spec CharSpec) (*Characteristic, error) {
	switch spec.kind {
	case charByHandle:
		c, ok := t.chars[spec.handle]
		if !ok {
			return nil, gatterr.NotFound("characteristic", handleStr(spec.handle))
		}
		return c, nil
	case charByObject:
		if spec.obj == nil {
			return nil, gatterr.New(gatterr.InvalidArgument, "nil characteristic object")
		}
		if _, ok := t.charIdentity[spec.obj]; !ok {
			return nil, &gatterr.Error{Kind: gatterr.AttributeNotFound, Resource: "characteristic", Message: "stale handle: characteristic belongs to a previous connection"}
		}
		return spec.obj, nil
	default: // charByUUID
		var found *Characteristic
		ambiguous := false
		for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
			for _, c := range pair.Value.Characteristics {
				if c.UUID == spec.id {
					if found != nil {
						ambiguous = true
						break
					}
					found = c
				}
			}
			if ambiguous {
				break
			}
		}
		if ambiguous {
			return nil, gatterr.AmbiguousLookup("characteristic", string(spec.id))
		}
		if found == nil {
			return nil, gatterr.NotFound("characteristic", string(spec.id))
		}
		return found, nil
	}
}

// GetDescriptor resolves an exact descriptor handle (spec §4.2
// get_descriptor(handle) — exact, no UUID form).
func (t *AttributeTable) GetDescriptor(handle uint16) (*Descriptor, error) {
	d, ok := t.descs[handle]
	if !ok {
		return nil, gatterr.NotFound("descriptor", handleStr(handle))
	}
	return d, nil
}

// ServiceOf returns the service owning characteristic c, resolved by
// ServiceHandle (spec §9 arena+handle design: no back-pointer is stored on
// Characteristic itself).
func (t *AttributeTable) ServiceOf(c *Characteristic) (*Service, error) {
	svc, ok := t.services.Get(c.ServiceHandle)
	if !ok {
		return nil, gatterr.NotFound("service", handleStr(c.ServiceHandle))
	}
	return svc, nil
}

func handleStr(h uint16) string {
	const hex = "0123456789abcdef"
	b := [6]byte{'0', 'x', hex[(h>>12)&0xf], hex[(h>>8)&0xf], hex[(h>>4)&0xf], hex[h&0xf]}
	return string(b[:])
}

// Builder constructs an AttributeTable from discovery results. It is not
// safe for concurrent use; a single goroutine drives discovery for one
// connection.
type Builder struct {
	services     *orderedmap.OrderedMap[uint16, *Service]
	chars        map[uint16]*Characteristic
	descs        map[uint16]*Descriptor
	charIdentity map[*Characteristic]uint16
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		services:     orderedmap.New[uint16, *Service](),
		chars:        make(map[uint16]*Characteristic),
		descs:        make(map[uint16]*Descriptor),
		charIdentity: make(map[*Characteristic]uint16),
	}
}

// AddService registers a service at handle in discovery order.
func (b *Builder) AddService(handle uint16, id uuid.UUID) *Service {
	svc := &Service{Handle: handle, UUID: id}
	b.services.Set(handle, svc)
	return svc
}

// AddCharacteristic registers a characteristic under svc.
func (b *Builder) AddCharacteristic(svc *Service, declHandle, valueHandle uint16, id uuid.UUID, props Property) *Characteristic {
	c := &Characteristic{
		Handle:        declHandle,
		ValueHandle:   valueHandle,
		UUID:          id,
		Properties:    props,
		ServiceHandle: svc.Handle,
	}
	svc.Characteristics = append(svc.Characteristics, c)
	b.chars[valueHandle] = c
	b.charIdentity[c] = valueHandle
	return c
}

// AddDescriptor registers a descriptor under characteristic c.
func (b *Builder) AddDescriptor(c *Characteristic, handle uint16, id uuid.UUID) *Descriptor {
	d := &Descriptor{Handle: handle, UUID: id}
	c.Descriptors = append(c.Descriptors, d)
	b.descs[handle] = d
	return d
}

// Build finalizes the table, stamping it with generation (spec §3 stale
// handle invariant: each successful discovery bumps the generation so
// handles/objects from a previous connection are recognizably stale).
func (b *Builder) Build(generation uint64) *AttributeTable {
	return &AttributeTable{
		generation:   generation,
		services:     b.services,
		chars:        b.chars,
		descs:        b.descs,
		charIdentity: b.charIdentity,
	}
}
