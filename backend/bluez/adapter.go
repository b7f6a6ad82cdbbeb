package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/internal/gname"
	"github.com/srgg/gocentral/uuid"
)

var tableGeneration uint64

func nextGeneration() uint64 { return atomic.AddUint64(&tableGeneration, 1) }

// Backend implements backend.Backend directly over one system-bus
// connection and one BlueZ adapter object (e.g. /org/bluez/hci0).
type Backend struct {
	conn         *dbus.Conn
	adapterPath  dbus.ObjectPath
	ownsSysConn  bool

	mu         sync.Mutex
	scanning   bool
	cancelScan context.CancelFunc
}

// New opens the system D-Bus and binds the first BlueZ adapter found,
// following bluez.DefaultAdapter in arnnvv-bluetalk.
func New() (*Backend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, gatterr.FromBackend("bluez", 0, fmt.Sprintf("connect system bus: %v", err))
	}
	b, err := NewWithConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.ownsSysConn = true
	return b, nil
}

// NewWithConn binds to the first BlueZ adapter reachable over an
// already-open connection, letting callers share one system bus connection
// across several purposes.
func NewWithConn(conn *dbus.Conn) (*Backend, error) {
	path, err := findAdapter(conn)
	if err != nil {
		return nil, err
	}
	return &Backend{conn: conn, adapterPath: path}, nil
}

func findAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	var out map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := conn.Object(bluezDest, bluezRoot).Call(ifaceObjMgr+".GetManagedObjects", 0).Store(&out)
	if err != nil {
		return "", gatterr.FromBackend("bluez", 0, fmt.Sprintf("GetManagedObjects: %v", err))
	}
	for path, ifaces := range out {
		if _, ok := ifaces[ifaceAdapter]; !ok {
			continue
		}
		p := string(path)
		if strings.HasPrefix(p, adapterPrefix) && strings.Count(p, "/") == 2 {
			return path, nil
		}
	}
	return "", gatterr.Wrap(gatterr.BluetoothOff, fmt.Errorf("bluez: no adapter found"))
}

func (b *Backend) Name() string { return "bluez" }

// Close releases the system bus connection if this Backend opened it via
// New; a Backend built with NewWithConn leaves the shared connection open
// for its other owners.
func (b *Backend) Close() error {
	if b.ownsSysConn {
		return b.conn.Close()
	}
	return nil
}

// callRetryInProgress retries fn while BlueZ reports InProgress (spec §5/§7:
// a second discovery/connect attempt on an object another caller is
// already driving fails transiently and must be retried with backoff
// rather than surfaced to the caller as a hard error).
func callRetryInProgress(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isInProgress(err) || attempt >= 5 {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (b *Backend) ScanStart(ctx context.Context, filters backend.ScanFilters, callback func(backend.AdvEvent)) error {
	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return fmt.Errorf("bluez: scan already started")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	b.scanning = true
	b.cancelScan = cancel
	b.mu.Unlock()

	if err := b.setDiscoveryFilter(filters); err != nil {
		// Non-fatal: if BlueZ rejects the filter, the scan runs with only
		// the LE transport filter and delivers every advertisement.
		_ = b.setDiscoveryFilter(backend.ScanFilters{})
	}

	adapterObj := b.conn.Object(bluezDest, b.adapterPath)
	err := callRetryInProgress(scanCtx, func() error {
		return adapterObj.Call(ifaceAdapter+".StartDiscovery", 0).Err
	})
	if err != nil {
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
		cancel()
		return classify(err)
	}

	sigCh := make(chan *dbus.Signal, 32)
	b.conn.Signal(sigCh)
	addMatch := func(member string) {
		rule := fmt.Sprintf("type='signal',interface='%s',member='%s'", ifaceObjMgr, member)
		b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	}
	addMatch("InterfacesAdded")
	propsRule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged'", ifaceProps)
	b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, propsRule)

	gname.Go(scanCtx, "bluez-scan-dispatch", func(context.Context) {
		defer func() {
			_ = adapterObj.Call(ifaceAdapter+".StopDiscovery", 0)
			b.mu.Lock()
			b.scanning = false
			b.mu.Unlock()
		}()
		for {
			select {
			case <-scanCtx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if ev, matched := b.toAdvEventFromSignal(sig); matched {
					callback(ev)
				}
			}
		}
	})
	return nil
}

func (b *Backend) setDiscoveryFilter(filters backend.ScanFilters) error {
	f := map[string]any{"Transport": "le"}
	if len(filters.ServiceUUIDs) > 0 {
		uuids := make([]string, len(filters.ServiceUUIDs))
		for i, u := range filters.ServiceUUIDs {
			uuids[i] = uuidToStr(u)
		}
		f["UUIDs"] = uuids
	}
	return b.conn.Object(bluezDest, b.adapterPath).Call(ifaceAdapter+".SetDiscoveryFilter", 0, f).Err
}

// toAdvEventFromSignal turns an InterfacesAdded or PropertiesChanged signal
// concerning a device under our adapter into a backend.AdvEvent,
// generalizing the single-purpose InterfacesAdded handling in
// bluez.Scan (arnnvv-bluetalk) to also observe the PropertiesChanged
// updates BlueZ emits for RSSI/ManufacturerData changes on devices it has
// already announced once.
func (b *Backend) toAdvEventFromSignal(sig *dbus.Signal) (backend.AdvEvent, bool) {
	switch sig.Name {
	case ifaceObjMgr + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return backend.AdvEvent{}, false
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || !strings.HasPrefix(string(path), adapterPrefix) {
			return backend.AdvEvent{}, false
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return backend.AdvEvent{}, false
		}
		dev, ok := ifaces[ifaceDevice]
		if !ok {
			return backend.AdvEvent{}, false
		}
		return deviceEventFromProps(path, dev), true
	case ifaceProps + ".PropertiesChanged":
		if sig.Path == "" || len(sig.Body) < 2 {
			return backend.AdvEvent{}, false
		}
		iface, _ := sig.Body[0].(string)
		if iface != ifaceDevice {
			return backend.AdvEvent{}, false
		}
		if !strings.HasPrefix(string(sig.Path), adapterPrefix) {
			return backend.AdvEvent{}, false
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return backend.AdvEvent{}, false
		}
		return deviceEventFromProps(sig.Path, changed), true
	default:
		return backend.AdvEvent{}, false
	}
}

func deviceEventFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) backend.AdvEvent {
	addr := addrFromPath(path)
	event := backend.AdvEvent{
		Identity: adv.Identity{Canonical: addr, AddressType: adv.AddressPublic},
	}
	a := &event.Advertisement
	if v, ok := props["Alias"]; ok {
		a.LocalName = variantString(v)
	} else if v, ok := props["Name"]; ok {
		a.LocalName = variantString(v)
	}
	if v, ok := props["RSSI"]; ok {
		if n, ok2 := v.Value().(int16); ok2 {
			a.RSSI = n
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if ss, ok2 := v.Value().([]string); ok2 {
			a.ServiceUUIDs = append(a.ServiceUUIDs, ss...)
		}
	}
	if v, ok := props["ManufacturerData"]; ok {
		if m, ok2 := v.Value().(map[uint16]dbus.Variant); ok2 {
			a.ManufacturerData = make(map[uint16][]byte, len(m))
			for cid, data := range m {
				if b, ok3 := data.Value().([]byte); ok3 {
					a.ManufacturerData[cid] = b
				}
			}
		}
	}
	if v, ok := props["ServiceData"]; ok {
		if m, ok2 := v.Value().(map[string]dbus.Variant); ok2 {
			a.ServiceData = make(map[string][]byte, len(m))
			for svc, data := range m {
				if b, ok3 := data.Value().([]byte); ok3 {
					a.ServiceData[svc] = b
				}
			}
		}
	}
	return event
}

func (b *Backend) ScanStop() error {
	b.mu.Lock()
	cancel := b.cancelScan
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return nil
}

func (b *Backend) Connect(ctx context.Context, identity adv.Identity, timeout time.Duration) (backend.Connection, error) {
	devicePath := pathFromAddr(b.adapterPath, identity.Canonical)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devObj := b.conn.Object(bluezDest, devicePath)
	err := callRetryInProgress(dialCtx, func() error {
		return devObj.Call(ifaceDevice+".Connect", 0).Err
	})
	if err != nil {
		return nil, classify(err)
	}

	if err := waitServicesResolved(dialCtx, b.conn, devicePath); err != nil {
		_ = devObj.Call(ifaceDevice+".Disconnect", 0)
		return nil, classify(err)
	}

	return &Connection{
		conn:          b.conn,
		devicePath:    devicePath,
		charsByHandle: make(map[uint16]dbus.ObjectPath),
		descsByHandle: make(map[uint16]dbus.ObjectPath),
		mtu:           23,
	}, nil
}

func waitServicesResolved(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v, err := getProp(conn, devicePath, ifaceDevice, "ServicesResolved")
		if err == nil && variantBool(v) {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connection implements backend.Connection over one BlueZ device object
// and its resolved GATT subtree.
type Connection struct {
	conn       *dbus.Conn
	devicePath dbus.ObjectPath

	mu            sync.RWMutex
	mtu           uint16
	charsByHandle map[uint16]dbus.ObjectPath
	descsByHandle map[uint16]dbus.ObjectPath

	notifyMu  sync.Mutex
	notifying map[uint16]context.CancelFunc

	disconnectOnce sync.Once
	disconnectedCB func(error)
	watchOnce      sync.Once
}

func (c *Connection) DiscoverServices(ctx context.Context, useCached bool) (*att.AttributeTable, error) {
	var out map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.conn.Object(bluezDest, bluezRoot).Call(ifaceObjMgr+".GetManagedObjects", 0).Store(&out)
	if err != nil {
		return nil, gatterr.FromBackend("bluez", 0, fmt.Sprintf("GetManagedObjects: %v", err))
	}

	devPrefix := string(c.devicePath) + "/"
	builder := att.NewBuilder()
	chars := make(map[uint16]dbus.ObjectPath)
	descs := make(map[uint16]dbus.ObjectPath)
	var handle uint16 = 1

	servicePaths := make([]dbus.ObjectPath, 0)
	for path, ifaces := range out {
		p := string(path)
		if !strings.HasPrefix(p, devPrefix) {
			continue
		}
		if _, ok := ifaces[ifaceService]; ok {
			servicePaths = append(servicePaths, path)
		}
	}

	for _, svcPath := range servicePaths {
		svcIface := out[svcPath][ifaceService]
		sid, err := uuid.Normalize(variantString(svcIface["UUID"]))
		if err != nil {
			continue
		}
		handle++
		svc := builder.AddService(handle, sid)

		svcPrefix := string(svcPath) + "/"
		for charPath, ifaces := range out {
			p := string(charPath)
			if !strings.HasPrefix(p, svcPrefix) {
				continue
			}
			charIface, ok := ifaces[ifaceChar]
			if !ok {
				continue
			}
			cid, err := uuid.Normalize(variantString(charIface["UUID"]))
			if err != nil {
				continue
			}
			handle++
			valueHandle := handle
			props := translateFlags(charIface["Flags"])
			c2 := builder.AddCharacteristic(svc, handle, valueHandle, cid, props)
			chars[valueHandle] = charPath

			charPrefix := p + "/"
			for descPath, descIfaces := range out {
				dp := string(descPath)
				if !strings.HasPrefix(dp, charPrefix) {
					continue
				}
				descIface, ok := descIfaces[ifaceDesc]
				if !ok {
					continue
				}
				did, err := uuid.Normalize(variantString(descIface["UUID"]))
				if err != nil {
					continue
				}
				handle++
				builder.AddDescriptor(c2, handle, did)
				descs[handle] = descPath
			}
		}
	}

	c.mu.Lock()
	c.charsByHandle = chars
	c.descsByHandle = descs
	c.mu.Unlock()

	return builder.Build(nextGeneration()), nil
}

// translateFlags maps BlueZ's GattCharacteristic1.Flags string array to the
// backend-neutral att.Property bitset (spec §3), following the same
// per-backend translation role as backend/goble's translateProperty.
func translateFlags(v dbus.Variant) att.Property {
	flags, _ := v.Value().([]string)
	var props att.Property
	for _, f := range flags {
		switch f {
		case "broadcast":
			props |= att.PropBroadcast
		case "read", "encrypt-read", "encrypt-authenticated-read":
			props |= att.PropRead
		case "write-without-response":
			props |= att.PropWriteWithoutResponse
		case "write", "encrypt-write", "encrypt-authenticated-write", "reliable-write":
			props |= att.PropWrite
		case "notify":
			props |= att.PropNotify
		case "indicate":
			props |= att.PropIndicate
		case "authenticated-signed-writes":
			props |= att.PropAuthenticatedSignedWrites
		}
	}
	return props
}

func (c *Connection) lookupChar(handle uint16) (dbus.ObjectPath, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.charsByHandle[handle]
	if !ok {
		return "", gatterr.NotFound("characteristic", fmt.Sprintf("0x%04x", handle))
	}
	return p, nil
}

func (c *Connection) lookupDesc(handle uint16) (dbus.ObjectPath, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.descsByHandle[handle]
	if !ok {
		return "", gatterr.NotFound("descriptor", fmt.Sprintf("0x%04x", handle))
	}
	return p, nil
}

func (c *Connection) Read(ctx context.Context, valueHandle uint16) ([]byte, error) {
	path, err := c.lookupChar(valueHandle)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = callRetryInProgress(ctx, func() error {
		return c.conn.Object(bluezDest, path).Call(ifaceChar+".ReadValue", 0, map[string]any{}).Store(&data)
	})
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (c *Connection) Write(ctx context.Context, valueHandle uint16, data []byte, withResponse bool) error {
	path, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	writeType := "command"
	if withResponse {
		writeType = "request"
	}
	opts := map[string]any{"type": writeType}
	err = callRetryInProgress(ctx, func() error {
		return c.conn.Object(bluezDest, path).Call(ifaceChar+".WriteValue", 0, data, opts).Err
	})
	return classify(err)
}

func (c *Connection) Subscribe(ctx context.Context, valueHandle uint16, indicate bool, callback func(uint16, []byte)) error {
	path, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if err := c.conn.Object(bluezDest, path).Call(ifaceChar+".StartNotify", 0).Err; err != nil {
		return classify(err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	c.conn.Signal(sigCh)
	rule := fmt.Sprintf("type='signal',path='%s',interface='%s',member='PropertiesChanged'", path, ifaceProps)
	c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)

	notifyCtx, cancel := context.WithCancel(context.Background())
	c.notifyMu.Lock()
	if c.notifying == nil {
		c.notifying = make(map[uint16]context.CancelFunc)
	}
	c.notifying[valueHandle] = cancel
	c.notifyMu.Unlock()

	gname.Go(notifyCtx, fmt.Sprintf("bluez-notify-%d", valueHandle), func(context.Context) {
		for {
			select {
			case <-notifyCtx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != path || len(sig.Body) < 2 {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				v, ok := changed["Value"]
				if !ok {
					continue
				}
				b, ok := v.Value().([]byte)
				if !ok {
					continue
				}
				callback(valueHandle, append([]byte(nil), b...))
			}
		}
	})
	return nil
}

func (c *Connection) Unsubscribe(ctx context.Context, valueHandle uint16) error {
	path, err := c.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	c.notifyMu.Lock()
	cancel, ok := c.notifying[valueHandle]
	if ok {
		delete(c.notifying, valueHandle)
	}
	c.notifyMu.Unlock()
	if ok {
		cancel()
	}
	return classify(c.conn.Object(bluezDest, path).Call(ifaceChar+".StopNotify", 0).Err)
}

func (c *Connection) ReadDescriptor(ctx context.Context, handle uint16) ([]byte, error) {
	path, err := c.lookupDesc(handle)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = c.conn.Object(bluezDest, path).Call(ifaceDesc+".ReadValue", 0, map[string]any{}).Store(&data)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (c *Connection) WriteDescriptor(ctx context.Context, handle uint16, data []byte) error {
	path, err := c.lookupDesc(handle)
	if err != nil {
		return err
	}
	return classify(c.conn.Object(bluezDest, path).Call(ifaceDesc+".WriteValue", 0, data, map[string]any{}).Err)
}

func (c *Connection) MTU() (uint16, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mtu, nil
}

// Pair performs real pairing via org.bluez.Device1.Pair, the one backend in
// this module where pairing is not OS-driven and out of reach (go-ble has
// no pairing API at all; tinygo.org/x/bluetooth likewise).
func (c *Connection) Pair(ctx context.Context) error {
	err := callRetryInProgress(ctx, func() error {
		return c.conn.Object(bluezDest, c.devicePath).Call(ifaceDevice+".Pair", 0).Err
	})
	return classify(err)
}

// Unpair removes the device object from the adapter via Adapter1.RemoveDevice,
// BlueZ's way of discarding a stored pairing key; there is no
// Device1.Unpair method.
func (c *Connection) Unpair(ctx context.Context) error {
	adapterPath := dbus.ObjectPath(c.devicePath[:strings.LastIndex(string(c.devicePath), "/")])
	err := c.conn.Object(bluezDest, adapterPath).Call(ifaceAdapter+".RemoveDevice", 0, c.devicePath).Err
	return classify(err)
}

func (c *Connection) Disconnect(ctx context.Context) error {
	err := c.conn.Object(bluezDest, c.devicePath).Call(ifaceDevice+".Disconnect", 0).Err
	c.fireDisconnected(nil)
	return classify(err)
}

func (c *Connection) SetDisconnectedCallback(cb func(error)) {
	c.mu.Lock()
	c.disconnectedCB = cb
	c.mu.Unlock()

	c.watchOnce.Do(func() {
		sigCh := make(chan *dbus.Signal, 8)
		c.conn.Signal(sigCh)
		rule := fmt.Sprintf("type='signal',path='%s',interface='%s',member='PropertiesChanged'", c.devicePath, ifaceProps)
		c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
		gname.Go(nil, "bluez-disconnect-watch", func(context.Context) {
			for sig := range sigCh {
				if sig.Path != c.devicePath || len(sig.Body) < 2 {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				if v, has := changed["Connected"]; has && !variantBool(v) {
					c.fireDisconnected(nil)
					return
				}
			}
		})
	})
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
