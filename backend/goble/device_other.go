//go:build !darwin && !linux

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("goble: no device implementation for this platform, use backend/tinygoble instead")
}
