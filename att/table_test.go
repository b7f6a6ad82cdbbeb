package att

import (
	"testing"

	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAmbiguousTable() *AttributeTable {
	b := NewBuilder()
	u := uuid.MustNormalize("2a37")
	svc1 := b.AddService(1, uuid.MustNormalize("180d"))
	b.AddCharacteristic(svc1, 11, 12, u, PropRead)
	svc2 := b.AddService(20, uuid.MustNormalize("180d"))
	b.AddCharacteristic(svc2, 24, 25, u, PropRead)
	return b.Build(1)
}

// TestAmbiguousUUIDResolution covers S3 from spec §8.
func TestAmbiguousUUIDResolution(t *testing.T) {
	table := buildAmbiguousTable()
	u := uuid.MustNormalize("2a37")

	_, err := table.ResolveCharacteristic(CharByUUID(u))
	require.Error(t, err)
	assert.True(t, gatterr.Is(err, gatterr.Ambiguous))

	c, err := table.ResolveCharacteristic(CharByHandle(12))
	require.NoError(t, err)
	assert.Equal(t, uint16(12), c.ValueHandle)

	c2, err := table.ResolveCharacteristic(CharByHandle(25))
	require.NoError(t, err)
	assert.Equal(t, uint16(25), c2.ValueHandle)
}

func TestResolveCharacteristicNotFound(t *testing.T) {
	table := buildAmbiguousTable()
	_, err := table.ResolveCharacteristic(CharByHandle(999))
	require.Error(t, err)
	assert.True(t, gatterr.Is(err, gatterr.AttributeNotFound))
}

func TestResolveByObjectAcrossGenerationsIsStale(t *testing.T) {
	first := buildAmbiguousTable()
	c, err := first.ResolveCharacteristic(CharByHandle(12))
	require.NoError(t, err)

	second := buildAmbiguousTable() // simulates a fresh discovery after reconnect
	_, err = second.ResolveCharacteristic(CharByObject(c))
	require.Error(t, err)
	assert.True(t, gatterr.Is(err, gatterr.AttributeNotFound))

	// Same object against its own table still resolves.
	got, err := first.ResolveCharacteristic(CharByObject(c))
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestServicesOrderedByDiscovery(t *testing.T) {
	b := NewBuilder()
	b.AddService(5, uuid.MustNormalize("180f"))
	b.AddService(1, uuid.MustNormalize("1800"))
	b.AddService(3, uuid.MustNormalize("1801"))
	table := b.Build(1)

	var handles []uint16
	for _, s := range table.Services() {
		handles = append(handles, s.Handle)
	}
	assert.Equal(t, []uint16{5, 1, 3}, handles, "discovery order, not handle order")
}

func TestMaxWriteWithoutResponseSize(t *testing.T) {
	c := &Characteristic{Properties: PropWriteWithoutResponse}
	assert.Equal(t, 20, c.MaxWriteWithoutResponseSize(23))
	assert.Equal(t, 0, c.MaxWriteWithoutResponseSize(2))
}

func TestGetServiceByHandleAndUUID(t *testing.T) {
	table := buildAmbiguousTable()

	svc, err := table.GetService(ServiceByHandle(1))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), svc.Handle)

	svc2, err := table.GetService(ServiceByUUID(uuid.MustNormalize("180d")))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), svc2.Handle, "by-UUID returns first match in discovery order")
}

func TestPropertyString(t *testing.T) {
	p := PropRead | PropNotify
	assert.Equal(t, "read,notify", p.String())
}
