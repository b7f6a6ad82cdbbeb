package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize16Bit(t *testing.T) {
	got, err := Normalize("2A00")
	require.NoError(t, err)
	assert.Equal(t, UUID("00002a00-0000-1000-8000-00805f9b34fb"), got)
}

func TestNormalize32Bit(t *testing.T) {
	got, err := Normalize("12345678")
	require.NoError(t, err)
	assert.Equal(t, UUID("12345678-0000-1000-8000-00805f9b34fb"), got)
}

func TestNormalize128BitIsIdempotent(t *testing.T) {
	full := "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	got, err := Normalize(full)
	require.NoError(t, err)
	assert.Equal(t, UUID(full), got, "normalize(u) == u for canonical 128-bit input")
}

func TestNormalizeCaseInsensitive(t *testing.T) {
	got, err := Normalize("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	require.NoError(t, err)
	assert.Equal(t, UUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), got)
}

func TestNormalizeInvalid(t *testing.T) {
	_, err := Normalize("not-a-uuid")
	assert.Error(t, err)
}

func TestEqualityByCanonicalValue(t *testing.T) {
	a, _ := Normalize("2A00")
	b, _ := Normalize("00002a00-0000-1000-8000-00805F9B34FB")
	assert.Equal(t, a, b)
}

func TestDescriptionKnownUUID(t *testing.T) {
	id := MustNormalize("2a00")
	name, ok := Description(id)
	require.True(t, ok)
	assert.Equal(t, "Device Name", name)
}

func TestRegisterRoundTrip(t *testing.T) {
	r := NewRegistry()
	id := MustNormalize("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, r.RegisterString("6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "Nordic UART RX"))
	name, ok := r.Description(id)
	require.True(t, ok)
	assert.Equal(t, "Nordic UART RX", name)
}

func TestDescriptionUnknownUUID(t *testing.T) {
	id := MustNormalize("ffffffff-ffff-ffff-ffff-ffffffffffff")
	_, ok := Description(id)
	assert.False(t, ok)
}
