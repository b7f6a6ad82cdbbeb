package bluez

import (
	"context"
	"errors"
	"strings"

	"github.com/srgg/gocentral/gatterr"
)

// classify maps BlueZ's named D-Bus errors (org.bluez.Error.*) and generic
// godbus errors to the structured taxonomy every backend must return (spec
// §4.5/§4.6), following the same classify-by-string strategy as
// backend/goble and backend/tinygoble, generalized here to also switch on
// the D-Bus error Name where BlueZ gives us one instead of just the
// message text.
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

	if name := dbusErrorName(err); name != "" {
		switch name {
		case "org.bluez.Error.Failed":
			if code, ok := parseATTErrorCode(err.Error()); ok {
				return gatterr.FromATT(code)
			}
		case "org.bluez.Error.NotConnected":
			return gatterr.Wrap(gatterr.NotConnected, err)
		case "org.bluez.Error.DoesNotExist", "org.bluez.Error.NotFound":
			return gatterr.Wrap(gatterr.AttributeNotFound, err)
		case "org.bluez.Error.NotPermitted", "org.bluez.Error.NotAuthorized":
			return gatterr.Wrap(gatterr.PermissionDenied, err)
		case "org.bluez.Error.AuthenticationFailed", "org.bluez.Error.AuthenticationCanceled",
			"org.bluez.Error.AuthenticationRejected", "org.bluez.Error.AuthenticationTimeout":
			return gatterr.Wrap(gatterr.PairingFailed, err)
		case "org.bluez.Error.InProgress":
			return gatterr.Wrap(gatterr.BackendError, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no bluez adapter found"), strings.Contains(msg, "powered off"):
		return gatterr.Wrap(gatterr.BluetoothOff, err)
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return gatterr.Wrap(gatterr.NotConnected, err)
	case strings.Contains(msg, "not found"):
		return gatterr.Wrap(gatterr.AttributeNotFound, err)
	default:
		return gatterr.FromBackend("bluez", 0, err.Error())
	}
}
