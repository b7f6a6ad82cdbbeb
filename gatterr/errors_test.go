package gatterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundMessageSingleUUID(t *testing.T) {
	err := NotFound("service", "180d")
	assert.Equal(t, `service "180d" not found`, err.Error())
}

func TestNotFoundMessageNested(t *testing.T) {
	err := NotFound("characteristic", "180d", "2a37")
	assert.Equal(t, `characteristic "2a37" not found in service "180d"`, err.Error())
}

func TestAmbiguousMessage(t *testing.T) {
	err := AmbiguousLookup("characteristic", "2a37")
	assert.Equal(t, `characteristic "2a37" is ambiguous`, err.Error())
}

func TestIsByKind(t *testing.T) {
	err := Wrap(NotConnected, errors.New("underlying"))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestIsHelper(t *testing.T) {
	err := NotFound("descriptor", "2902")
	assert.True(t, Is(err, AttributeNotFound))
	assert.False(t, Is(err, Ambiguous))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dbus: timeout")
	err := Wrap(Timeout, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestFromBackendMessage(t *testing.T) {
	err := FromBackend("bluez", 5, "org.bluez.Error.InProgress")
	assert.Contains(t, err.Error(), "bluez")
	assert.Contains(t, err.Error(), "org.bluez.Error.InProgress")
}
