package central

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/backend/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(addr string) adv.Identity { return adv.Identity{Canonical: addr} }

func TestScannerDiscoverReturnsSeenDevices(t *testing.T) {
	fb := fake.New()
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("24:71:89:CC:09:05"),
		Advertisement: adv.Advertisement{LocalName: "CC2650 SensorTag", RSSI: -55},
	})

	s := NewScanner(fb, DefaultConfig())
	devices, err := s.Discover(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "CC2650 SensorTag", devices[0].Advertisement.LocalName)
}

func TestScannerStopIsIdempotent(t *testing.T) {
	fb := fake.New()
	s := NewScanner(fb, DefaultConfig())
	require.NoError(t, s.Start(context.Background(), ScanOptions{}))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop must be idempotent (spec invariant 6)")
}

func TestScannerDoubleStartErrors(t *testing.T) {
	fb := fake.New()
	s := NewScanner(fb, DefaultConfig())
	require.NoError(t, s.Start(context.Background(), ScanOptions{}))
	defer s.Stop()
	err := s.Start(context.Background(), ScanOptions{})
	assert.Error(t, err)
}

func TestScannerIsRestartable(t *testing.T) {
	fb := fake.New()
	s := NewScanner(fb, DefaultConfig())
	require.NoError(t, s.Start(context.Background(), ScanOptions{}))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background(), ScanOptions{}))
	require.NoError(t, s.Stop())
}

func TestFindDeviceByMatchesPredicate(t *testing.T) {
	fb := fake.New()
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("AA:BB:CC:DD:EE:FF"),
		Advertisement: adv.Advertisement{LocalName: "Target"},
	})
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("11:22:33:44:55:66"),
		Advertisement: adv.Advertisement{LocalName: "Other"},
	})

	s := NewScanner(fb, DefaultConfig())
	d, err := s.FindDeviceBy(context.Background(), func(dd adv.DiscoveredDevice, raw adv.Advertisement) bool {
		return dd.Advertisement.LocalName == "Target"
	}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.Identity.Canonical)
}

// TestFindDeviceByTimeoutReturnsNil covers the boundary case in spec §8:
// a never-matching predicate returns (nil, nil) after the timeout, and
// leaves no scan running.
func TestFindDeviceByTimeoutReturnsNil(t *testing.T) {
	fb := fake.New()
	s := NewScanner(fb, DefaultConfig())
	d, err := s.FindDeviceBy(context.Background(), func(adv.DiscoveredDevice, adv.Advertisement) bool {
		return false
	}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)

	s.mu.Lock()
	scanning := s.scanning
	s.mu.Unlock()
	assert.False(t, scanning, "find_device_by must stop the scan on timeout")
}

// TestAdvertisementMergeAcrossEvents covers invariant 5 / scenario S5.
func TestAdvertisementMergeAcrossEvents(t *testing.T) {
	fb := fake.New()
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("AA:BB:CC:DD:EE:FF"),
		Advertisement: adv.Advertisement{ManufacturerData: map[uint16][]byte{0x004C: {0x10, 0x05}}},
	})
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("AA:BB:CC:DD:EE:FF"),
		Advertisement: adv.Advertisement{ServiceUUIDs: []string{"u1"}},
	})

	s := NewScanner(fb, DefaultConfig())
	devices, err := s.Discover(context.Background(), 80*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Contains(t, devices[0].Advertisement.ManufacturerData, uint16(0x004C))
	assert.Contains(t, devices[0].Advertisement.ServiceUUIDs, "u1")
}

func TestDetectionCallbackSeesRawAdvertisement(t *testing.T) {
	fb := fake.New()
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("AA:BB:CC:DD:EE:FF"),
		Advertisement: adv.Advertisement{ManufacturerData: map[uint16][]byte{1: {9}}},
	})
	fb.QueueAdvertisement(backend.AdvEvent{
		Identity:      identity("AA:BB:CC:DD:EE:FF"),
		Advertisement: adv.Advertisement{ServiceUUIDs: []string{"svc"}},
	})

	var seenRaw []adv.Advertisement
	var mu sync.Mutex
	s := NewScanner(fb, DefaultConfig())
	require.NoError(t, s.Start(context.Background(), ScanOptions{
		DetectionCallback: func(id adv.Identity, raw adv.Advertisement) {
			mu.Lock()
			seenRaw = append(seenRaw, raw)
			mu.Unlock()
		},
	}))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, s.Stop())

	require.Len(t, seenRaw, 2)
	assert.Empty(t, seenRaw[1].ManufacturerData, "callback sees the just-received event, not the merged device")
	assert.Equal(t, []string{"svc"}, seenRaw[1].ServiceUUIDs)
}
