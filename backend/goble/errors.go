package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srgg/gocentral/gatterr"
)

// classify maps go-ble's opaque error strings/sentinels to the structured
// taxonomy every backend must return (spec §4.5/§4.6), following the
// NormalizeError switch in the teacher's internal/device/go-ble/error.go —
// generalized from device.Err* sentinels to gatterr.Error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return gatterr.Wrap(gatterr.Timeout, err)
	case errors.Is(err, context.Canceled):
		return gatterr.Wrap(gatterr.Cancelled, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "invalid state: have=4 want=5"):
		return gatterr.Wrap(gatterr.BluetoothOff, err)
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return gatterr.Wrap(gatterr.NotConnected, err)
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not authorized"):
		return gatterr.Wrap(gatterr.PermissionDenied, err)
	default:
		return gatterr.FromBackend("goble", 0, err.Error())
	}
}
