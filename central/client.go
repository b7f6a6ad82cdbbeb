package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/internal/gname"
	"github.com/srgg/gocentral/uuid"
)

// ConnState is one of the four states in the Client connection lifecycle
// (spec §3, §4.4).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ConnectOptions configures one Connect call (spec §4.4).
type ConnectOptions struct {
	// Timeout bounds the low-level connect call; zero uses Config.ConnectTimeout.
	Timeout time.Duration
	// DangerousUseBleakCache permits returning the OS-cached attribute
	// table without re-resolving services (spec §4.4 step 3). The name
	// matches the advisory option in the distilled spec verbatim so a
	// caller grepping for the staleness warning finds it.
	DangerousUseBleakCache bool
	// ScanTimeout bounds the internal scan Connect performs when given a
	// raw identity string instead of a DiscoveredDevice (spec §4.4 step 1).
	ScanTimeout time.Duration
}

// Client is the Client Core (spec §4.4): the GATT operation state machine
// for one peripheral connection, written only against backend.Backend.
// One Client owns one OS-level connection to one peripheral (spec §5).
type Client struct {
	backend backend.Backend
	cfg     *Config
	log     *logrus.Entry

	mu         sync.Mutex
	state      ConnState
	conn       backend.Connection
	table      *att.AttributeTable
	generation uint64
	identity   adv.Identity

	connCtx    context.Context
	connCancel context.CancelFunc

	disconnectedCallback func(error)
	disconnectFired       bool

	subs   map[uint16]*subscription
	subsMu sync.Mutex

	charLocksMu sync.Mutex
	charLocks   map[uint16]*sync.Mutex
}

// NewClient builds a Client over b. cfg may be nil (DefaultConfig() is used).
func NewClient(b backend.Backend, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		backend:   b,
		cfg:       cfg,
		log:       cfg.logger().WithField("component", "client").WithField("backend", b.Name()),
		state:     Disconnected,
		subs:      make(map[uint16]*subscription),
		charLocks: make(map[uint16]*sync.Mutex),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetDisconnectedCallback registers the callback fired exactly once on any
// transition into Disconnected from Connected or Disconnecting (spec §7).
func (c *Client) SetDisconnectedCallback(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectedCallback = cb
}

// Connect dials device (spec §4.4 algorithm, steps 2-4; step 1's internal
// scan for a raw identity string is ConnectByAddress below).
func (c *Client) Connect(ctx context.Context, device adv.DiscoveredDevice, opts ConnectOptions) error {
	return c.connect(ctx, device.Identity, opts)
}

// ConnectByAddress performs the bounded internal scan in spec §4.4 step 1
// to resolve a raw identity string to a DiscoveredDevice (mandatory on
// Apple platforms to obtain the platform UUID) before connecting.
func (c *Client) ConnectByAddress(ctx context.Context, raw string, opts ConnectOptions) error {
	scanTimeout := opts.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = c.cfg.ScanTimeout
	}
	scanner := NewScanner(c.backend, c.cfg)
	found, err := scanner.FindDeviceBy(ctx, func(d adv.DiscoveredDevice, _ adv.Advertisement) bool {
		return d.Identity.Canonical == raw
	}, scanTimeout)
	if err != nil {
		return err
	}
	if found == nil {
		return gatterr.Wrap(gatterr.DeviceNotFound, fmt.Errorf("no advertisement seen for %q within %s", raw, scanTimeout))
	}
	return c.connect(ctx, found.Identity, opts)
}

func (c *Client) connect(ctx context.Context, identity adv.Identity, opts ConnectOptions) error {
	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return gatterr.New(gatterr.InvalidArgument, fmt.Sprintf("connect called while state is %s", st))
	}
	c.state = Connecting
	c.disconnectFired = false
	c.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}

	c.log.WithField("identity", identity.Canonical).Debug("connecting")
	conn, err := c.backend.Connect(ctx, identity, timeout)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}

	table, err := conn.DiscoverServices(ctx, opts.DangerousUseBleakCache)
	if err != nil {
		if opts.DangerousUseBleakCache {
			c.log.Warn("dangerous_use_bleak_cache requested but discovery still failed")
		}
		_ = conn.Disconnect(ctx)
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}
	if opts.DangerousUseBleakCache {
		c.log.Warn("using possibly-stale cached attribute table (dangerous_use_bleak_cache)")
	}

	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.table = table
	c.generation = table.Generation()
	c.identity = identity
	c.connCtx = connCtx
	c.connCancel = cancel
	c.state = Connected
	c.mu.Unlock()

	conn.SetDisconnectedCallback(func(cause error) {
		gname.Go(nil, "gocentral-client-disconnect", func(context.Context) {
			c.handleBackendDisconnect(cause)
		})
	})

	return nil
}

// handleBackendDisconnect runs the Connected/Disconnecting → Disconnected
// transition shared by Disconnect() and a peripheral-initiated drop,
// firing the user callback exactly once (spec §3 ConnectionState, §7).
func (c *Client) handleBackendDisconnect(cause error) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	if c.connCancel != nil {
		c.connCancel()
	}
	already := c.disconnectFired
	c.disconnectFired = true
	cb := c.disconnectedCallback
	c.mu.Unlock()

	c.teardownSubscriptions()

	if !already && cb != nil {
		cb(cause)
	}
}

// Disconnect closes the connection. Idempotent; bounded by
// Config.DisconnectTimeout (spec §4.4 "Disconnect").
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.state = Disconnecting
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DisconnectTimeout)
	defer cancel()

	err := conn.Disconnect(dctx)
	// conn's SetDisconnectedCallback fires handleBackendDisconnect, which
	// performs the Disconnecting -> Disconnected transition and the
	// exactly-once callback; a backend that does not invoke its own
	// callback on a caller-initiated Disconnect still needs the transition
	// driven here.
	c.handleBackendDisconnect(nil)
	return err
}

func (c *Client) teardownSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for h, s := range c.subs {
		s.close()
		delete(c.subs, h)
	}
}

func (c *Client) requireConnected() (backend.Connection, *att.AttributeTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil, nil, gatterr.ErrNotConnected
	}
	return c.conn, c.table, nil
}

// charLock returns the per-characteristic mutex serializing operations on
// valueHandle (spec §5 "Per-characteristic" ordering guarantee).
func (c *Client) charLock(handle uint16) *sync.Mutex {
	c.charLocksMu.Lock()
	defer c.charLocksMu.Unlock()
	m, ok := c.charLocks[handle]
	if !ok {
		m = &sync.Mutex{}
		c.charLocks[handle] = m
	}
	return m
}

// Services returns the discovered attribute table's services, or
// NotConnected if the client is not Connected.
func (c *Client) Services() ([]*att.Service, error) {
	_, table, err := c.requireConnected()
	if err != nil {
		return nil, err
	}
	return table.Services(), nil
}

// MTUSize returns the negotiated ATT MTU (spec §4.4 operation table).
func (c *Client) MTUSize() (uint16, error) {
	conn, _, err := c.requireConnected()
	if err != nil {
		return 0, err
	}
	return conn.MTU()
}

// resolveChar resolves spec against the current table and validates it was
// not captured from a previous generation (ByObject staleness, spec §3).
func (c *Client) resolveChar(table *att.AttributeTable, spec att.CharSpec) (*att.Characteristic, error) {
	return table.ResolveCharacteristic(spec)
}

// ReadGATTChar reads a characteristic's value (spec §4.4 operation table).
func (c *Client) ReadGATTChar(ctx context.Context, spec att.CharSpec) ([]byte, error) {
	conn, table, err := c.requireConnected()
	if err != nil {
		return nil, err
	}
	ch, err := c.resolveChar(table, spec)
	if err != nil {
		return nil, err
	}
	if !ch.Properties.Has(att.PropRead) {
		return nil, gatterr.New(gatterr.NotSupported, fmt.Sprintf("characteristic %s is not readable", ch.UUID))
	}

	lock := c.charLock(ch.ValueHandle)
	lock.Lock()
	defer lock.Unlock()

	opCtx := c.mergeWithConnCtx(ctx)
	c.log.WithField("handle", ch.ValueHandle).Debug("read_gatt_char")
	return conn.Read(opCtx, ch.ValueHandle)
}

// WriteGATTChar writes data to a characteristic (spec §4.4 operation
// table, "Write semantics"). If the characteristic supports only one of
// with/without-response, that one is used regardless of the response flag
// requested, with an advisory warning.
func (c *Client) WriteGATTChar(ctx context.Context, spec att.CharSpec, data []byte, response bool) error {
	conn, table, err := c.requireConnected()
	if err != nil {
		return err
	}
	ch, err := c.resolveChar(table, spec)
	if err != nil {
		return err
	}

	canResponse := ch.Properties.Has(att.PropWrite)
	canNoResponse := ch.Properties.Has(att.PropWriteWithoutResponse)
	if !canResponse && !canNoResponse {
		return gatterr.New(gatterr.NotSupported, fmt.Sprintf("characteristic %s is not writable", ch.UUID))
	}

	useResponse := response
	if response && !canResponse && canNoResponse {
		c.log.Warnf("characteristic %s only supports write-without-response; ignoring response=true", ch.UUID)
		useResponse = false
	} else if !response && !canNoResponse && canResponse {
		c.log.Warnf("characteristic %s only supports write-with-response; ignoring response=false", ch.UUID)
		useResponse = true
	}

	if !useResponse {
		maxLen, err := conn.MTU()
		if err != nil {
			return err
		}
		if len(data) > ch.MaxWriteWithoutResponseSize(maxLen) {
			return gatterr.New(gatterr.InvalidArgument, "DataTooLong")
		}
	}

	lock := c.charLock(ch.ValueHandle)
	lock.Lock()
	defer lock.Unlock()

	opCtx := c.mergeWithConnCtx(ctx)
	c.log.WithField("handle", ch.ValueHandle).WithField("response", useResponse).Debug("write_gatt_char")
	return conn.Write(opCtx, ch.ValueHandle, data, useResponse)
}

// StartNotify enables notify (or indicate, when indicate is true) delivery
// for a characteristic and registers callback as its NotificationSubscription
// (spec §3, §4.4). One active subscription is permitted per characteristic
// value handle; calling StartNotify again for the same characteristic
// without an intervening StopNotify is an error.
func (c *Client) StartNotify(ctx context.Context, spec att.CharSpec, indicate bool, callback func(valueHandle uint16, data []byte)) error {
	conn, table, err := c.requireConnected()
	if err != nil {
		return err
	}
	ch, err := c.resolveChar(table, spec)
	if err != nil {
		return err
	}
	want := att.PropNotify
	if indicate {
		want = att.PropIndicate
	}
	if !ch.Properties.Has(want) {
		return gatterr.New(gatterr.NotSupported, fmt.Sprintf("characteristic %s does not support notify/indicate", ch.UUID))
	}

	c.subsMu.Lock()
	if _, exists := c.subs[ch.ValueHandle]; exists {
		c.subsMu.Unlock()
		return gatterr.New(gatterr.InvalidArgument, fmt.Sprintf("characteristic %s already has an active subscription", ch.UUID))
	}
	sub := newSubscription(ch.ValueHandle, indicate, callback)
	c.subs[ch.ValueHandle] = sub
	c.subsMu.Unlock()

	handle := ch.ValueHandle
	err = conn.Subscribe(c.mergeWithConnCtx(ctx), handle, indicate, func(h uint16, data []byte) {
		c.subsMu.Lock()
		s := c.subs[h]
		c.subsMu.Unlock()
		if s != nil {
			s.deliver(data)
		}
	})
	if err != nil {
		c.subsMu.Lock()
		delete(c.subs, handle)
		c.subsMu.Unlock()
		sub.close()
		return err
	}
	return nil
}

// StopNotify disables notify/indicate delivery for a characteristic and
// tears down its NotificationSubscription. Idempotent: stopping a
// characteristic with no active subscription is a no-op (mirrors Stop's
// idempotence on the Scanner Core, spec §8 invariant 6).
func (c *Client) StopNotify(ctx context.Context, spec att.CharSpec) error {
	conn, table, err := c.requireConnected()
	if err != nil {
		return err
	}
	ch, err := c.resolveChar(table, spec)
	if err != nil {
		return err
	}

	c.subsMu.Lock()
	sub, ok := c.subs[ch.ValueHandle]
	if ok {
		delete(c.subs, ch.ValueHandle)
	}
	c.subsMu.Unlock()
	if !ok {
		return nil
	}
	sub.close()
	return conn.Unsubscribe(c.mergeWithConnCtx(ctx), ch.ValueHandle)
}

// ReadGATTDescriptor reads a descriptor's value by exact handle (spec §4.4).
func (c *Client) ReadGATTDescriptor(ctx context.Context, handle uint16) ([]byte, error) {
	conn, table, err := c.requireConnected()
	if err != nil {
		return nil, err
	}
	if _, err := table.GetDescriptor(handle); err != nil {
		return nil, err
	}
	opCtx := c.mergeWithConnCtx(ctx)
	return conn.ReadDescriptor(opCtx, handle)
}

// WriteGATTDescriptor writes a descriptor's value by exact handle. Per
// Open Question §9.2, this never toggles NotificationSubscription
// bookkeeping — start_notify/stop_notify are the sole API for that.
func (c *Client) WriteGATTDescriptor(ctx context.Context, handle uint16, data []byte) error {
	conn, table, err := c.requireConnected()
	if err != nil {
		return err
	}
	if _, err := table.GetDescriptor(handle); err != nil {
		return err
	}
	opCtx := c.mergeWithConnCtx(ctx)
	return conn.WriteDescriptor(opCtx, handle, data)
}

// Pair requests OS-level pairing (spec §4.4 operation table).
func (c *Client) Pair(ctx context.Context) error {
	conn, _, err := c.requireConnected()
	if err != nil {
		return err
	}
	return conn.Pair(c.mergeWithConnCtx(ctx))
}

// Unpair requests OS-level unpairing.
func (c *Client) Unpair(ctx context.Context) error {
	conn, _, err := c.requireConnected()
	if err != nil {
		return err
	}
	return conn.Unpair(c.mergeWithConnCtx(ctx))
}

// mergeWithConnCtx derives a context cancelled when either ctx or the
// connection's own lifetime context is done, so an in-flight operation is
// cancelled by both caller cancellation and a disconnect. The operation's
// error is passed through unchanged: an operation cut short by a disconnect
// returns whatever its backend reports for the cancelled context, which is
// not translated to NotConnected.
func (c *Client) mergeWithConnCtx(ctx context.Context) context.Context {
	c.mu.Lock()
	connCtx := c.connCtx
	c.mu.Unlock()
	if connCtx == nil {
		return ctx
	}
	merged, cancel := context.WithCancel(ctx)
	gname.Go(nil, "gocentral-ctx-merge", func(context.Context) {
		select {
		case <-connCtx.Done():
			cancel()
		case <-merged.Done():
		}
	})
	return merged
}

// UUIDFromString is a convenience for building att.CharSpec values from
// plain UUID text without importing the uuid package directly.
func UUIDFromString(s string) (uuid.UUID, error) { return uuid.Normalize(s) }
