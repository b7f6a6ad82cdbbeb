package tinygoble

import (
	"context"
	"errors"
	"strings"

	"github.com/srgg/gocentral/gatterr"
)

// classify maps tinygo.org/x/bluetooth's error values to the structured
// taxonomy every backend must return (spec §4.5/§4.6), following the same
// string-matching strategy as backend/goble's classify, since the
// underlying library surfaces platform errors as plain fmt.Errorf values
// with no exported sentinel set of its own.
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
	case strings.Contains(msg, "not enabled"), strings.Contains(msg, "powered off"):
		return gatterr.Wrap(gatterr.BluetoothOff, err)
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return gatterr.Wrap(gatterr.NotConnected, err)
	case strings.Contains(msg, "not found"):
		return gatterr.Wrap(gatterr.AttributeNotFound, err)
	default:
		return gatterr.FromBackend("tinygoble", 0, err.Error())
	}
}
