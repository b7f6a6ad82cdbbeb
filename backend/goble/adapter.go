// Package goble implements backend.Backend over github.com/go-ble/ble, the
// teacher's own cross-platform (darwin/linux) BLE library. Grounded on
// internal/device/go-ble/{connection,scanner,advertisement,property}.go:
// the Dial/DiscoverProfile/Subscribe/ReadCharacteristic/WriteCharacteristic
// call sequence is unchanged, generalized from the teacher's
// device.Connection/device.Characteristic wrapper types to the
// backend-neutral att.AttributeTable this module builds once per connect.
package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/internal/gname"
	"github.com/srgg/gocentral/uuid"
)

var tableGeneration uint64

func nextGeneration() uint64 { return atomic.AddUint64(&tableGeneration, 1) }

// Backend implements backend.Backend over a go-ble device.
type Backend struct {
	mu         sync.Mutex
	scanning   bool
	cancelScan context.CancelFunc
}

// New returns a Backend that lazily creates its go-ble device on first use.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "goble" }

// ScanStart begins scanning (spec §4.5). allowDup mirrors ScanActive: an
// active scan asks go-ble to report every advertisement including repeats
// of devices already seen in this session, matching the "continuous
// discovery, not one-shot" semantics Scanner Core expects.
func (b *Backend) ScanStart(ctx context.Context, filters backend.ScanFilters, callback func(backend.AdvEvent)) error {
	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return fmt.Errorf("goble: scan already started")
	}
	b.mu.Unlock()

	dev, err := newDevice()
	if err != nil {
		return gatterr.Wrap(gatterr.BackendError, err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.scanning = true
	b.cancelScan = cancel
	b.mu.Unlock()

	allowDup := filters.Mode == backend.ScanActive

	gname.Go(scanCtx, "goble-scan", func(ctx context.Context) {
		_ = dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
			callback(toAdvEvent(a))
		})
		b.mu.Lock()
		b.scanning = false
		b.cancelScan = nil
		b.mu.Unlock()
	})
	return nil
}

// ScanStop stops a running scan. Idempotent.
func (b *Backend) ScanStop() error {
	b.mu.Lock()
	cancel := b.cancelScan
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func toAdvEvent(a ble.Advertisement) backend.AdvEvent {
	svcUUIDs := make([]string, 0, len(a.Services()))
	for _, u := range a.Services() {
		svcUUIDs = append(svcUUIDs, u.String())
	}
	svcData := make(map[string][]byte)
	for _, sd := range a.ServiceData() {
		svcData[sd.UUID.String()] = sd.Data
	}
	var txPower *int8
	if tp := int8(a.TxPowerLevel()); tp != 0 {
		txPower = &tp
	}
	return backend.AdvEvent{
		Identity: adv.Identity{Canonical: a.Addr().String(), AddressType: adv.AddressUnknown},
		Advertisement: adv.Advertisement{
			LocalName:        a.LocalName(),
			ServiceUUIDs:     svcUUIDs,
			ServiceData:      svcData,
			ManufacturerData: splitManufacturerData(a.ManufacturerData()),
			TxPower:          txPower,
			RSSI:             int16(a.RSSI()),
		},
	}
}

// splitManufacturerData decodes go-ble's single concatenated manufacturer
// data blob into the {company ID -> payload} form spec §3 requires; the
// Bluetooth Core Spec always leads manufacturer data with a little-endian
// 16-bit company identifier.
func splitManufacturerData(raw []byte) map[uint16][]byte {
	if len(raw) < 2 {
		return nil
	}
	id := uint16(raw[0]) | uint16(raw[1])<<8
	return map[uint16][]byte{id: raw[2:]}
}

// Connect dials identity (spec §4.4/§4.5). identity.Canonical must be a
// go-ble-parseable address string (e.g. "AA:BB:CC:DD:EE:FF" or a platform
// UUID on Darwin), as ble.NewAddr expects.
func (b *Backend) Connect(ctx context.Context, identity adv.Identity, timeout time.Duration) (backend.Connection, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, gatterr.Wrap(gatterr.BackendError, err)
	}
	ble.SetDefaultDevice(dev)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(dialCtx, ble.NewAddr(identity.Canonical))
	if err != nil {
		return nil, classify(err)
	}
	return &Connection{
		client:            client,
		mtu:               23,
		charsByHandle:     make(map[uint16]*ble.Characteristic),
		descsByHandle:     make(map[uint16]*ble.Descriptor),
		subscribedIndicate: make(map[uint16]bool),
	}, nil
}

// Connection implements backend.Connection over one ble.Client.
type Connection struct {
	mu     sync.RWMutex
	client ble.Client
	mtu    uint16

	charsByHandle      map[uint16]*ble.Characteristic
	descsByHandle      map[uint16]*ble.Descriptor
	subscribedIndicate map[uint16]bool

	disconnectOnce sync.Once
	disconnectedCB func(error)
}

// DiscoverServices resolves the attribute table (spec §4.4 step 3). go-ble
// has no separate cached/live discovery knob (unlike BlueZ's persistent
// attribute cache); useCached is honored only as "don't force a fresh GATT
// walk", passed through to DiscoverProfile's force parameter.
func (c *Connection) DiscoverServices(ctx context.Context, useCached bool) (*att.AttributeTable, error) {
	profile, err := c.client.DiscoverProfile(!useCached)
	if err != nil {
		return nil, classify(err)
	}

	builder := att.NewBuilder()
	chars := make(map[uint16]*ble.Characteristic)
	descs := make(map[uint16]*ble.Descriptor)

	for _, svc := range profile.Services {
		sid, err := uuid.Normalize(svc.UUID.String())
		if err != nil {
			continue
		}
		s := builder.AddService(uint16(svc.Handle), sid)
		for _, ch := range svc.Characteristics {
			cid, err := uuid.Normalize(ch.UUID.String())
			if err != nil {
				continue
			}
			cc := builder.AddCharacteristic(s, uint16(ch.Handle), uint16(ch.ValueHandle), cid, translateProperty(ch.Property))
			chars[uint16(ch.ValueHandle)] = ch
			for _, d := range ch.Descriptors {
				did, err := uuid.Normalize(d.UUID.String())
				if err != nil {
					continue
				}
				builder.AddDescriptor(cc, uint16(d.Handle), did)
				descs[uint16(d.Handle)] = d
			}
		}
	}

	if txMTU, err := c.client.ExchangeMTU(517); err == nil && txMTU > 0 {
		c.mu.Lock()
		c.mtu = uint16(txMTU)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.charsByHandle = chars
	c.descsByHandle = descs
	c.mu.Unlock()

	return builder.Build(nextGeneration()), nil
}

func translateProperty(p ble.Property) att.Property {
	var out att.Property
	if p&ble.CharBroadcast != 0 {
		out |= att.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= att.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= att.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= att.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= att.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= att.PropIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		out |= att.PropAuthenticatedSignedWrites
	}
	if p&ble.CharExtended != 0 {
		out |= att.PropExtendedProperties
	}
	return out
}

func (c *Connection) lookupChar(handle uint16) (*ble.Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.charsByHandle[handle]
	if !ok {
		return nil, gatterr.NotFound("characteristic", fmt.Sprintf("0x%04x", handle))
	}
	return ch, nil
}

func (c *Connection) lookupDesc(handle uint16) (*ble.Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descsByHandle[handle]
	if !ok {
		return nil, gatterr.NotFound("descriptor", fmt.Sprintf("0x%04x", handle))
	}
	return d, nil
}

func (c *Connection) Read(ctx context.Context, valueHandle uint16) ([]byte, error) {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadCharacteristic(ch)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (c *Connection) Write(ctx context.Context, valueHandle uint16, data []byte, withResponse bool) error {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if err := c.client.WriteCharacteristic(ch, data, !withResponse); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connection) Subscribe(ctx context.Context, valueHandle uint16, indicate bool, callback func(uint16, []byte)) error {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if err := c.client.Subscribe(ch, indicate, func(req []byte) {
		callback(valueHandle, req)
	}); err != nil {
		return classify(err)
	}
	c.mu.Lock()
	c.subscribedIndicate[valueHandle] = indicate
	c.mu.Unlock()
	return nil
}

func (c *Connection) Unsubscribe(ctx context.Context, valueHandle uint16) error {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	indicate := c.subscribedIndicate[valueHandle]
	delete(c.subscribedIndicate, valueHandle)
	c.mu.Unlock()
	if err := c.client.Unsubscribe(ch, indicate); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connection) ReadDescriptor(ctx context.Context, handle uint16) ([]byte, error) {
	d, err := c.lookupDesc(handle)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadDescriptor(d)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (c *Connection) WriteDescriptor(ctx context.Context, handle uint16, data []byte) error {
	d, err := c.lookupDesc(handle)
	if err != nil {
		return err
	}
	if err := c.client.WriteDescriptor(d, data); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connection) MTU() (uint16, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mtu, nil
}

// Pair is not exposed by go-ble: pairing is driven by the host OS's own
// Bluetooth stack the moment an encrypted characteristic is accessed, not
// through an explicit API call (spec §4.4 note: "on backends without an
// explicit pairing primitive, return NotSupported").
func (c *Connection) Pair(ctx context.Context) error {
	return gatterr.New(gatterr.NotSupported, "go-ble has no explicit pairing API; pairing is OS-driven")
}

func (c *Connection) Unpair(ctx context.Context) error {
	return gatterr.New(gatterr.NotSupported, "go-ble has no explicit unpairing API")
}

func (c *Connection) Disconnect(ctx context.Context) error {
	err := c.client.CancelConnection()
	c.fireDisconnected(nil)
	if err != nil {
		return classify(err)
	}
	return nil
}

// SetDisconnectedCallback wires cb and, on platforms where the underlying
// ble.Client exposes a Disconnected() channel (Darwin/CoreBluetooth),
// starts a monitor goroutine — grounded on the equivalent check in the
// teacher's BLEConnection.Connect (internal/device/go-ble/connection.go).
func (c *Connection) SetDisconnectedCallback(cb func(error)) {
	c.mu.Lock()
	c.disconnectedCB = cb
	c.mu.Unlock()

	if notifier, ok := c.client.(interface{ Disconnected() <-chan struct{} }); ok {
		gname.Go(context.Background(), "goble-disconnect-monitor", func(context.Context) {
			<-notifier.Disconnected()
			c.fireDisconnected(gatterr.ErrNotConnected)
		})
	}
}

func (c *Connection) fireDisconnected(cause error) {
	c.disconnectOnce.Do(func() {
		c.mu.RLock()
		cb := c.disconnectedCB
		c.mu.RUnlock()
		if cb != nil {
			cb(cause)
		}
	})
}
