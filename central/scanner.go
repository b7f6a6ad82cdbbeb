package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/internal/evq"
	"github.com/srgg/gocentral/internal/gname"
)

// DeviceAdvertisement is one published scan-stream entry (spec §4.3
// `advertisements() → stream<(DiscoveredDevice, Advertisement)>`):
// Advertisement is the just-received event, Device is the merged device
// after folding it in.
type DeviceAdvertisement struct {
	Device        adv.DiscoveredDevice
	Advertisement adv.Advertisement
}

// ScanOptions configures one Start call (spec §4.3 config table).
type ScanOptions struct {
	ServiceUUIDs []string
	Mode         backend.ScanningMode
	// DetectionCallback, if set, is invoked for every advertisement event,
	// without deduplication, with the just-received advertisement; it runs
	// after that event has been merged into the device table (spec §4.3).
	DetectionCallback func(adv.Identity, adv.Advertisement)
	PlatformSpecific  any
}

// Scanner is the Scanner Core (spec §4.3), written only against
// backend.Backend. Multiple Scanners may coexist in one process (spec §5).
type Scanner struct {
	backend backend.Backend
	cfg     *Config
	log     *logrus.Entry

	mu       sync.Mutex
	scanning bool
	opts     ScanOptions

	devices *hashmap.Map[string, *deviceEntry]

	queue      *evq.Queue[backend.AdvEvent]
	streamOut  chan DeviceAdvertisement
	dispatchWG sync.WaitGroup
}

// deviceEntry pairs a discovered device with the lock that serializes its
// own in-place Merge against concurrent snapshot reads (Devices,
// FindDeviceBy's predicate callback); hashmap.Map only guarantees safe
// concurrent access to the map structure itself, not to the mutable value
// a key resolves to.
type deviceEntry struct {
	mu     sync.Mutex
	device adv.DiscoveredDevice
}

func (e *deviceEntry) snapshot() adv.DiscoveredDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// NewScanner builds a Scanner over b. cfg may be nil (DefaultConfig() is
// used).
func NewScanner(b backend.Backend, cfg *Config) *Scanner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scanner{
		backend:   b,
		cfg:       cfg,
		log:       cfg.logger().WithField("component", "scanner").WithField("backend", b.Name()),
		devices:   hashmap.New[string, *deviceEntry](),
		queue:     evq.New[backend.AdvEvent](),
		streamOut: make(chan DeviceAdvertisement, 256),
	}
}

// Start begins scanning (spec §4.3). Double-start on one instance without
// an intervening Stop is an error; a Scanner is otherwise restartable.
func (s *Scanner) Start(ctx context.Context, opts ScanOptions) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return fmt.Errorf("gocentral: scanner already started")
	}
	s.scanning = true
	s.opts = opts
	var stale []string
	s.devices.Range(func(k string, _ *deviceEntry) bool {
		stale = append(stale, k)
		return true
	})
	for _, k := range stale {
		s.devices.Del(k)
	}
	s.mu.Unlock()

	filters := backend.ScanFilters{ServiceUUIDs: opts.ServiceUUIDs, Mode: opts.Mode, PlatformSpecific: opts.PlatformSpecific}

	s.dispatchWG.Add(1)
	gname.Go(ctx, "gocentral-scanner-dispatch", func(ctx context.Context) {
		defer s.dispatchWG.Done()
		s.dispatchLoop()
	})

	s.log.WithField("service_uuids", opts.ServiceUUIDs).Debug("starting scan")
	if err := s.backend.ScanStart(ctx, filters, func(ev backend.AdvEvent) { s.queue.Push(ev) }); err != nil {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		s.queue.Close()
		s.dispatchWG.Wait()
		s.queue = evq.New[backend.AdvEvent]()
		return err
	}
	return nil
}

// dispatchLoop drains backend events in arrival order onto this Scanner's
// own goroutine, applying the merge rule (spec §4.3) before publishing —
// never on the backend's native callback thread (spec §4.5/§5).
func (s *Scanner) dispatchLoop() {
	for {
		ev, ok := s.queue.Pop()
		if !ok {
			return
		}
		s.handleEvent(ev)
	}
}

func (s *Scanner) handleEvent(ev backend.AdvEvent) {
	now := time.Now()
	entry, _ := s.devices.GetOrInsert(ev.Identity.Canonical, &deviceEntry{device: adv.DiscoveredDevice{Identity: ev.Identity}})
	entry.mu.Lock()
	entry.device.Merge(&ev.Advertisement, now)
	snapshot := entry.device
	entry.mu.Unlock()

	s.mu.Lock()
	cb := s.opts.DetectionCallback
	s.mu.Unlock()

	// Step 4 (spec §4.3): the detection callback receives the just-received
	// advertisement, not the merged one, but fires only after the merge
	// (steps 1-3) so a find_device_by predicate observing device state
	// through the same callback sees this event already folded in.
	if cb != nil {
		cb(ev.Identity, ev.Advertisement)
	}

	select {
	case s.streamOut <- DeviceAdvertisement{Device: snapshot, Advertisement: ev.Advertisement}:
	default:
		s.log.Warn("advertisement stream consumer too slow, dropping oldest")
		select {
		case <-s.streamOut:
		default:
		}
		select {
		case s.streamOut <- DeviceAdvertisement{Device: snapshot, Advertisement: ev.Advertisement}:
		default:
		}
	}
}

// Stop stops an active scan. Idempotent (spec §4.3 invariant 6, §8
// invariant 6).
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.scanning = false
	s.mu.Unlock()

	err := s.backend.ScanStop()
	s.queue.Close()
	s.dispatchWG.Wait()
	s.queue = evq.New[backend.AdvEvent]()
	return err
}

// Close stops scanning if running; callers should defer Close() so a
// dropped Scanner does not leak a running OS scan (spec §4.3 "Dropping a
// running Scanner must stop scanning").
func (s *Scanner) Close() error { return s.Stop() }

// Advertisements returns the async stream of merged devices (spec §4.3).
func (s *Scanner) Advertisements() <-chan DeviceAdvertisement { return s.streamOut }

// Devices returns a snapshot of every device discovered in the current
// scan session.
func (s *Scanner) Devices() []adv.DiscoveredDevice {
	out := make([]adv.DiscoveredDevice, 0, s.devices.Len())
	s.devices.Range(func(_ string, entry *deviceEntry) bool {
		out = append(out, entry.snapshot())
		return true
	})
	return out
}

// Discover starts a scan, collects devices for timeout, stops, and returns
// them (spec §4.3 `discover(timeout)`).
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]adv.DiscoveredDevice, error) {
	if timeout <= 0 {
		timeout = s.cfg.ScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Start(scanCtx, ScanOptions{}); err != nil {
		return nil, err
	}
	<-scanCtx.Done()
	if err := s.Stop(); err != nil {
		return nil, err
	}
	return s.Devices(), nil
}

// FindDeviceBy starts a scan, returns the first device/advertisement pair
// satisfying predicate, and stops the scan — guaranteed even on timeout or
// predicate panic (spec §4.3 `find_device_by`); a panic in predicate is
// re-raised on the caller's goroutine after the scan has been stopped.
// Returns (nil, nil) on timeout, never an error.
func (s *Scanner) FindDeviceBy(ctx context.Context, predicate func(adv.DiscoveredDevice, adv.Advertisement) bool, timeout time.Duration) (*adv.DiscoveredDevice, error) {
	if timeout <= 0 {
		timeout = s.cfg.ScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan adv.DiscoveredDevice, 1)
	panicked := make(chan any, 1)
	err := s.Start(scanCtx, ScanOptions{
		DetectionCallback: func(id adv.Identity, raw adv.Advertisement) {
			defer func() {
				if r := recover(); r != nil {
					select {
					case panicked <- r:
					default:
					}
				}
			}()
			var snap adv.DiscoveredDevice
			if entry, ok := s.devices.Get(id.Canonical); ok {
				snap = entry.snapshot()
			} else {
				snap = adv.DiscoveredDevice{Identity: id, Advertisement: raw}
			}
			if predicate(snap, raw) {
				select {
				case found <- snap:
				default:
				}
			}
		},
	})
	defer func() { _ = s.Stop() }()
	if err != nil {
		return nil, err
	}

	select {
	case d := <-found:
		return &d, nil
	case r := <-panicked:
		panic(r)
	case <-scanCtx.Done():
		return nil, nil
	}
}
