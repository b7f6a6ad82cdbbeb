// Package tinygoble implements backend.Backend over tinygo.org/x/bluetooth,
// the one dependency in the example pack that is genuinely cross-platform
// on its own (linux/darwin/windows, via its internal godbus/cbgo/winrt-go
// wiring) rather than needing a per-OS build file here. Grounded on the
// BLEManager.Start/resumeDiscovery/SendRaw flow in arnnvv-bluetalk's
// bluetooth.go: Adapter.Enable -> Adapter.Scan -> Adapter.Connect ->
// Device.DiscoverServices -> DeviceService.DiscoverCharacteristics ->
// DeviceCharacteristic.{Read,Write,WriteWithoutResponse,EnableNotifications},
// generalized from that file's fixed chat-service UUIDs to an arbitrary
// discovered attribute table.
package tinygoble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/internal/gname"
	"github.com/srgg/gocentral/uuid"
	tgbt "tinygo.org/x/bluetooth"
)

var tableGeneration uint64

func nextGeneration() uint64 { return atomic.AddUint64(&tableGeneration, 1) }

// Backend implements backend.Backend over tgbt.DefaultAdapter.
type Backend struct {
	adapter *tgbt.Adapter

	mu       sync.Mutex
	scanning bool

	connHandlerOnce sync.Once
	live            map[string]*Connection
}

// New returns a Backend bound to the process-wide default adapter, the only
// adapter handle tinygo.org/x/bluetooth exposes.
func New() *Backend { return &Backend{adapter: tgbt.DefaultAdapter, live: make(map[string]*Connection)} }

// ensureConnectHandler installs this Backend's single Adapter.SetConnectHandler
// the first time it's needed. tgbt.Adapter only allows one connect handler
// for the whole process, keyed by device address rather than per-Device
// callback (arnnvv-bluetalk's bluetooth.go:52), so Backend tracks live
// Connections by address and fans the peripheral-initiated "disconnected"
// event out to whichever one matches.
func (b *Backend) ensureConnectHandler() {
	b.connHandlerOnce.Do(func() {
		b.adapter.SetConnectHandler(func(device tgbt.Device, connected bool) {
			if connected {
				return
			}
			addr := device.Address.String()
			b.mu.Lock()
			conn := b.live[addr]
			delete(b.live, addr)
			b.mu.Unlock()
			if conn != nil {
				conn.fireDisconnected(nil)
			}
		})
	})
}

func (b *Backend) Name() string { return "tinygoble" }

func (b *Backend) ScanStart(ctx context.Context, filters backend.ScanFilters, callback func(backend.AdvEvent)) error {
	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return fmt.Errorf("tinygoble: scan already started")
	}
	b.scanning = true
	b.mu.Unlock()

	if err := b.adapter.Enable(); err != nil {
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
		return gatterr.Wrap(gatterr.BluetoothOff, err)
	}

	gname.Go(ctx, "tinygoble-scan", func(ctx context.Context) {
		err := b.adapter.Scan(func(a *tgbt.Adapter, result tgbt.ScanResult) {
			callback(toAdvEvent(result))
		})
		if err != nil {
			// Scan returning with an error is treated like ScanStop: the
			// caller observes no further events and can retry Start.
		}
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
	})

	// Scan blocks the calling goroutine in tinygo.org/x/bluetooth until
	// StopScan is called, unlike go-ble's context-cancellable form; honor
	// ctx cancellation here too so callers get the same behavior from
	// either backend.
	gname.Go(ctx, "tinygoble-scan-ctx-watch", func(context.Context) {
		<-ctx.Done()
		_ = b.adapter.StopScan()
	})
	return nil
}

func (b *Backend) ScanStop() error {
	b.mu.Lock()
	scanning := b.scanning
	b.mu.Unlock()
	if !scanning {
		return nil
	}
	return b.adapter.StopScan()
}

func toAdvEvent(result tgbt.ScanResult) backend.AdvEvent {
	return backend.AdvEvent{
		Identity: adv.Identity{Canonical: result.Address.String(), AddressType: adv.AddressUnknown},
		Advertisement: adv.Advertisement{
			LocalName: result.LocalName(),
			RSSI:      result.RSSI,
		},
	}
}

func (b *Backend) Connect(ctx context.Context, identity adv.Identity, timeout time.Duration) (backend.Connection, error) {
	addr, err := parseAddress(identity.Canonical)
	if err != nil {
		return nil, gatterr.New(gatterr.InvalidArgument, err.Error())
	}
	b.ensureConnectHandler()

	type result struct {
		dev tgbt.Device
		err error
	}
	done := make(chan result, 1)
	gname.Go(ctx, "tinygoble-connect", func(context.Context) {
		dev, err := b.adapter.Connect(addr, tgbt.ConnectionParams{})
		done <- result{dev, err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err)
		}
		conn := &Connection{backend: b, addr: addr.String(), device: r.dev, mtu: 23, charsByHandle: make(map[uint16]tgbt.DeviceCharacteristic)}
		b.mu.Lock()
		b.live[conn.addr] = conn
		b.mu.Unlock()
		return conn, nil
	case <-time.After(timeout):
		return nil, gatterr.ErrTimeout
	case <-ctx.Done():
		return nil, gatterr.Wrap(gatterr.Cancelled, ctx.Err())
	}
}

// parseAddress builds a tgbt.Address from identity.Canonical. Non-Linux
// backends address devices by platform UUID rather than MAC, which
// tgbt.Address also supports via its UUID field; callers on those
// platforms should always connect via a DiscoveredDevice obtained from a
// Scanner rather than a hand-typed address string (spec §4.4 step 1).
func parseAddress(canonical string) (tgbt.Address, error) {
	var addr tgbt.Address
	mac, err := tgbt.ParseMAC(canonical)
	if err != nil {
		return addr, fmt.Errorf("tinygoble: %q is not a parseable address: %w", canonical, err)
	}
	addr.MACAddress = tgbt.MACAddress{MAC: mac}
	return addr, nil
}

// Connection implements backend.Connection over one tgbt.Device.
type Connection struct {
	backend *Backend
	addr    string

	mu     sync.RWMutex
	device tgbt.Device
	mtu    uint16

	charsByHandle map[uint16]tgbt.DeviceCharacteristic

	disconnectOnce sync.Once
	disconnectedCB func(error)
}

func (c *Connection) DiscoverServices(ctx context.Context, useCached bool) (*att.AttributeTable, error) {
	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, classify(err)
	}

	builder := att.NewBuilder()
	chars := make(map[uint16]tgbt.DeviceCharacteristic)
	var handle uint16 = 1

	for _, svc := range services {
		sid, err := uuid.Normalize(svc.UUID().String())
		if err != nil {
			continue
		}
		handle++
		s := builder.AddService(handle, sid)

		discovered, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, ch := range discovered {
			cid, err := uuid.Normalize(ch.UUID().String())
			if err != nil {
				continue
			}
			handle++
			valueHandle := handle
			// tinygo.org/x/bluetooth's central role does not uniformly
			// expose remote property flags across its darwin/linux/windows
			// backends; every discovered characteristic is treated as
			// read/write/notify-capable and the operation itself surfaces
			// ATTError if the peripheral actually rejects it.
			props := att.PropRead | att.PropWrite | att.PropWriteWithoutResponse | att.PropNotify | att.PropIndicate
			builder.AddCharacteristic(s, handle, valueHandle, cid, props)
			chars[valueHandle] = ch
		}
	}

	c.mu.Lock()
	c.charsByHandle = chars
	c.mu.Unlock()

	return builder.Build(nextGeneration()), nil
}

func (c *Connection) lookupChar(handle uint16) (tgbt.DeviceCharacteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.charsByHandle[handle]
	if !ok {
		return tgbt.DeviceCharacteristic{}, gatterr.NotFound("characteristic", fmt.Sprintf("0x%04x", handle))
	}
	return ch, nil
}

func (c *Connection) Read(ctx context.Context, valueHandle uint16) ([]byte, error) {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, classify(err)
	}
	return buf[:n], nil
}

// Write always issues a write-without-response PDU: the central-role
// DeviceCharacteristic in tinygo.org/x/bluetooth exposes only
// WriteWithoutResponse, not a with-response variant (unlike go-ble/ble's
// Client.WriteCharacteristic, which takes an explicit noRsp flag).
func (c *Connection) Write(ctx context.Context, valueHandle uint16, data []byte, withResponse bool) error {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connection) Subscribe(ctx context.Context, valueHandle uint16, indicate bool, callback func(uint16, []byte)) error {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if err := ch.EnableNotifications(func(value []byte) {
		callback(valueHandle, value)
	}); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connection) Unsubscribe(ctx context.Context, valueHandle uint16) error {
	ch, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if err := ch.EnableNotifications(nil); err != nil {
		return classify(err)
	}
	return nil
}

// ReadDescriptor/WriteDescriptor: tinygo.org/x/bluetooth's central role does
// not expose descriptor-level access at all (no DiscoverDescriptors on
// DeviceCharacteristic); callers needing raw descriptor access should use
// backend/goble or backend/bluez instead.
func (c *Connection) ReadDescriptor(ctx context.Context, handle uint16) ([]byte, error) {
	return nil, gatterr.New(gatterr.NotSupported, "tinygoble: descriptor access is not exposed by this backend")
}

func (c *Connection) WriteDescriptor(ctx context.Context, handle uint16, data []byte) error {
	return gatterr.New(gatterr.NotSupported, "tinygoble: descriptor access is not exposed by this backend")
}

func (c *Connection) MTU() (uint16, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mtu, nil
}

func (c *Connection) Pair(ctx context.Context) error {
	return gatterr.New(gatterr.NotSupported, "tinygoble has no explicit pairing API; pairing is OS-driven")
}

func (c *Connection) Unpair(ctx context.Context) error {
	return gatterr.New(gatterr.NotSupported, "tinygoble has no explicit unpairing API")
}

func (c *Connection) Disconnect(ctx context.Context) error {
	err := c.device.Disconnect()
	c.backend.mu.Lock()
	delete(c.backend.live, c.addr)
	c.backend.mu.Unlock()
	c.fireDisconnected(nil)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connection) SetDisconnectedCallback(cb func(error)) {
	c.mu.Lock()
	c.disconnectedCB = cb
	c.mu.Unlock()
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
