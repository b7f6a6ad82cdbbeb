// Package backend defines the minimal contract every OS adapter satisfies
// (spec §4.5). Higher layers (central.Scanner, central.Client) are written
// only against these interfaces; per-OS packages under backend/ implement
// them by translating calls into native OS calls and native callbacks back
// into these types.
//
// Backends invoke their callbacks on whatever goroutine the OS or the
// backend's own signal loop delivers on; central.Scanner and central.Client
// queue those events and run user callbacks on their own dispatch
// goroutines. Backends never hold locks across a callback invocation, surface OS
// errors as *gatterr.Error (never an opaque string), and must not perform
// advertisement merging, cross-connection service caching, or silent
// transport-error retries — those are Scanner/Client-core responsibilities
// (spec §4.5 "Backends must not").
package backend

import (
	"context"
	"time"

	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
)

// ScanningMode selects active (with scan-response requests) or passive
// scanning (spec §4.3 config option `scanning_mode`).
type ScanningMode int

const (
	ScanActive ScanningMode = iota
	ScanPassive
)

// ScanFilters carries the Scanner's request down to the backend (spec
// §4.3). A backend passes ServiceUUIDs through where the OS supports
// filtering and otherwise ignores them, returning every advertisement it
// sees; Scanner Core applies no ServiceUUIDs filtering of its own.
type ScanFilters struct {
	ServiceUUIDs     []string
	Mode             ScanningMode
	PlatformSpecific any
}

// AdvEvent is one raw advertisement observation delivered by a backend.
type AdvEvent struct {
	Identity      adv.Identity
	Advertisement adv.Advertisement
}

// Backend is the top-level per-OS adapter: it can scan and it can dial
// connections. A single Backend instance owns one scan session at a time
// but may back many concurrent Connections (spec §5 "Shared resources").
type Backend interface {
	// Name identifies the backend for BackendError{platform, ...} (spec §4.6).
	Name() string

	// ScanStart begins delivering every observed advertisement to callback,
	// on a goroutine owned by the backend, until ScanStop is called.
	// Starting twice without an intervening ScanStop is an error.
	ScanStart(ctx context.Context, filters ScanFilters, callback func(AdvEvent)) error

	// ScanStop stops a running scan. Idempotent (spec §4.3 invariant 6).
	ScanStop() error

	// Connect dials identity, returning once the low-level OS connection is
	// up (service discovery is a separate Connection.DiscoverServices call,
	// per the Connecting→Connected algorithm in spec §4.4).
	Connect(ctx context.Context, identity adv.Identity, timeout time.Duration) (Connection, error)
}

// Connection is a live OS-level link to one peripheral (spec §4.5).
type Connection interface {
	// DiscoverServices resolves the full services/characteristics/
	// descriptors tree. If useCached is true and the OS maintains a
	// persistent attribute cache (BlueZ), the backend may return that
	// cached tree instead of re-resolving — the `dangerous_use_bleak_cache`
	// advisory option in spec §4.4 step 3.
	DiscoverServices(ctx context.Context, useCached bool) (*att.AttributeTable, error)

	Read(ctx context.Context, valueHandle uint16) ([]byte, error)
	Write(ctx context.Context, valueHandle uint16, data []byte, withResponse bool) error

	// Subscribe enables notify or indicate delivery for valueHandle.
	// callback is invoked by the backend on whatever thread the OS
	// delivers on; the central package — not the backend — is responsible
	// for marshalling it onto the caller's scheduler.
	Subscribe(ctx context.Context, valueHandle uint16, indicate bool, callback func(valueHandle uint16, data []byte)) error
	Unsubscribe(ctx context.Context, valueHandle uint16) error

	ReadDescriptor(ctx context.Context, handle uint16) ([]byte, error)
	WriteDescriptor(ctx context.Context, handle uint16, data []byte) error

	MTU() (uint16, error)

	Pair(ctx context.Context) error
	Unpair(ctx context.Context) error

	// Disconnect is idempotent and must complete within a bounded timeout
	// enforced by the caller (spec §4.4 "Disconnect").
	Disconnect(ctx context.Context) error

	// SetDisconnectedCallback registers the callback invoked exactly once
	// when the link drops for any reason, including a caller-initiated
	// Disconnect. err is nil for a clean caller-initiated disconnect.
	SetDisconnectedCallback(cb func(err error))
}
