// Package fake is an in-memory backend.Backend used by central package
// tests (and available to any caller's tests) standing in for a live OS
// adapter, following the role the teacher's internal/testutils mock
// peripheral builder plays for go-ble-backed tests — but implemented
// directly against backend.Backend instead of against go-ble's types, so
// it exercises the exact same interface the real per-OS backends do.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/internal/gname"
)

// Backend is a scriptable fake implementing backend.Backend.
type Backend struct {
	mu          sync.Mutex
	scanning    bool
	queued      []backend.AdvEvent
	ConnectFunc func(ctx context.Context, identity adv.Identity, timeout time.Duration) (backend.Connection, error)
	ScanStartErr error
}

// New returns an empty fake Backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "fake" }

// QueueAdvertisement schedules ev to be delivered shortly after the next
// ScanStart call.
func (b *Backend) QueueAdvertisement(ev backend.AdvEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, ev)
}

func (b *Backend) ScanStart(ctx context.Context, filters backend.ScanFilters, callback func(backend.AdvEvent)) error {
	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return fmt.Errorf("fake: scan already started")
	}
	if b.ScanStartErr != nil {
		err := b.ScanStartErr
		b.mu.Unlock()
		return err
	}
	b.scanning = true
	queued := append([]backend.AdvEvent(nil), b.queued...)
	b.mu.Unlock()

	gname.Go(ctx, "fake-backend-emit", func(ctx context.Context) {
		for _, ev := range queued {
			b.mu.Lock()
			stillScanning := b.scanning
			b.mu.Unlock()
			if !stillScanning {
				return
			}
			callback(ev)
		}
	})
	return nil
}

func (b *Backend) ScanStop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanning = false
	return nil
}

func (b *Backend) Connect(ctx context.Context, identity adv.Identity, timeout time.Duration) (backend.Connection, error) {
	if b.ConnectFunc != nil {
		return b.ConnectFunc(ctx, identity, timeout)
	}
	return NewConnection(), nil
}

// Connection is a scriptable fake implementing backend.Connection: an
// in-memory peripheral with a fixed attribute table and value store.
type Connection struct {
	mu             sync.Mutex
	table          *att.AttributeTable
	values         map[uint16][]byte
	subscriptions  map[uint16]func(uint16, []byte)
	mtu            uint16
	disconnectedCB func(error)
	disconnected   bool
	PairErr        error
	ReadErr        map[uint16]error
	WriteErr       map[uint16]error
}

// NewConnection returns an empty Connection with no services; use
// WithTable to populate one before returning it from a ConnectFunc.
func NewConnection() *Connection {
	return &Connection{
		values:        make(map[uint16][]byte),
		subscriptions: make(map[uint16]func(uint16, []byte)),
		mtu:           23,
	}
}

// WithTable installs table as this connection's discovery result.
func (c *Connection) WithTable(table *att.AttributeTable) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
	return c
}

// WithMTU overrides the negotiated MTU (default 23, the unnegotiated ATT default).
func (c *Connection) WithMTU(mtu uint16) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = mtu
	return c
}

// SeedValue pre-populates the value a Read(handle) returns.
func (c *Connection) SeedValue(handle uint16, data []byte) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[handle] = data
	return c
}

func (c *Connection) DiscoverServices(ctx context.Context, useCached bool) (*att.AttributeTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil {
		return att.NewBuilder().Build(1), nil
	}
	return c.table, nil
}

func (c *Connection) Read(ctx context.Context, handle uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil, gatterr.ErrNotConnected
	}
	if err, ok := c.ReadErr[handle]; ok {
		return nil, err
	}
	return append([]byte(nil), c.values[handle]...), nil
}

func (c *Connection) Write(ctx context.Context, handle uint16, data []byte, withResponse bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return gatterr.ErrNotConnected
	}
	if err, ok := c.WriteErr[handle]; ok {
		return err
	}
	c.values[handle] = append([]byte(nil), data...)
	return nil
}

func (c *Connection) Subscribe(ctx context.Context, handle uint16, indicate bool, callback func(uint16, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[handle] = callback
	return nil
}

func (c *Connection) Unsubscribe(ctx context.Context, handle uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, handle)
	return nil
}

func (c *Connection) ReadDescriptor(ctx context.Context, handle uint16) ([]byte, error) {
	return c.Read(ctx, handle)
}

func (c *Connection) WriteDescriptor(ctx context.Context, handle uint16, data []byte) error {
	return c.Write(ctx, handle, data, true)
}

func (c *Connection) MTU() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu, nil
}

func (c *Connection) Pair(ctx context.Context) error   { return c.PairErr }
func (c *Connection) Unpair(ctx context.Context) error { return c.PairErr }

func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	already := c.disconnected
	c.disconnected = true
	cb := c.disconnectedCB
	c.mu.Unlock()
	if !already && cb != nil {
		cb(nil)
	}
	return nil
}

func (c *Connection) SetDisconnectedCallback(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectedCB = cb
}

// SimulateNotify delivers data for handle to whatever subscriber is
// currently registered, as if the OS pushed a notification. It is a no-op
// if nothing is subscribed.
func (c *Connection) SimulateNotify(handle uint16, data []byte) {
	c.mu.Lock()
	cb := c.subscriptions[handle]
	c.mu.Unlock()
	if cb != nil {
		cb(handle, data)
	}
}

// SimulateDisconnect drops the link as if the peripheral had initiated it.
func (c *Connection) SimulateDisconnect(cause error) {
	c.mu.Lock()
	already := c.disconnected
	c.disconnected = true
	cb := c.disconnectedCB
	c.mu.Unlock()
	if !already && cb != nil {
		cb(cause)
	}
}
