package adv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeFirstEventSeeds(t *testing.T) {
	var d DiscoveredDevice
	now := time.Unix(1000, 0)
	d.Merge(&Advertisement{LocalName: "Sensor", RSSI: -40}, now)

	assert.Equal(t, "Sensor", d.Advertisement.LocalName)
	assert.Equal(t, now, d.FirstSeenTS)
	assert.Equal(t, now, d.LastSeenTS)
	assert.EqualValues(t, -40, d.RSSI)
}

// TestMergeUnionsManufacturerAndServiceData covers invariant 5 and scenario
// S5 from spec §8: two events for one identity, the union of their
// manufacturer_data/service_uuids survives in the merged device.
func TestMergeUnionsManufacturerAndServiceData(t *testing.T) {
	var d DiscoveredDevice
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(1001, 0)

	d.Merge(&Advertisement{
		ManufacturerData: map[uint16][]byte{0x004C: {0x10, 0x05}},
	}, t0)

	d.Merge(&Advertisement{
		ServiceUUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
	}, t1)

	require.Contains(t, d.Advertisement.ManufacturerData, uint16(0x004C))
	assert.Equal(t, []byte{0x10, 0x05}, d.Advertisement.ManufacturerData[0x004C])
	assert.Contains(t, d.Advertisement.ServiceUUIDs, "0000180d-0000-1000-8000-00805f9b34fb")
	assert.Equal(t, t1, d.LastSeenTS)
}

func TestMergeServiceDataLastWriteWinsPerKey(t *testing.T) {
	var d DiscoveredDevice
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(1001, 0)

	uuid := "0000180d-0000-1000-8000-00805f9b34fb"
	d.Merge(&Advertisement{ServiceData: map[string][]byte{uuid: {1, 2, 3}}}, t0)
	d.Merge(&Advertisement{ServiceData: map[string][]byte{uuid: {9, 9}}}, t1)

	assert.Equal(t, []byte{9, 9}, d.Advertisement.ServiceData[uuid])
}

func TestMergeRSSIAndLastSeenAlwaysUpdated(t *testing.T) {
	var d DiscoveredDevice
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(2000, 0)

	d.Merge(&Advertisement{RSSI: -50}, t0)
	d.Merge(&Advertisement{RSSI: -65}, t1)

	assert.EqualValues(t, -65, d.RSSI)
	assert.Equal(t, t1, d.LastSeenTS)
	assert.Equal(t, t0, d.FirstSeenTS, "first-seen is never overwritten")
}

func TestMergeEmptyLocalNameDoesNotOverwrite(t *testing.T) {
	var d DiscoveredDevice
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(1001, 0)

	d.Merge(&Advertisement{LocalName: "CC2650 SensorTag"}, t0)
	d.Merge(&Advertisement{LocalName: ""}, t1)

	assert.Equal(t, "CC2650 SensorTag", d.Advertisement.LocalName)
}
