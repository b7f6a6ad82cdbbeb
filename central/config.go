// Package central implements the Scanner Core and Client Core (spec §4.3,
// §4.4): the GATT operation state machine and scan-session management that
// sit between the public API and a backend.Backend. Grounded on the
// teacher's pkg/config.Config (logger construction) and pkg/ble.Scanner /
// pkg/connection.Connection (state-machine shape), generalized from a
// single go-ble-specific implementation to one written only against the
// backend.Backend trait.
package central

import (
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Config carries ambient settings shared by every Scanner/Client created
// from one backend.Backend, following pkg/config.Config.
type Config struct {
	// Logger defaults to a fresh logrus.Logger at Info level; set
	// BLEAK_LOGGING=1 (spec §6) to default it to Debug instead.
	Logger *logrus.Logger

	// ConnectTimeout is the default passed to Client.Connect when the
	// caller does not override it (spec §4.4 step 2, default 10s).
	ConnectTimeout time.Duration

	// DisconnectTimeout bounds Client.Disconnect (spec §4.4 "Disconnect").
	// DefaultConfig sets 120s on Windows and 10s elsewhere; backends apply
	// no platform-specific adjustment of their own.
	DisconnectTimeout time.Duration

	// ScanTimeout is the default duration for Scanner.Discover when the
	// caller passes zero.
	ScanTimeout time.Duration
}

// DefaultConfig returns the spec's documented defaults (connect timeout
// 10s, §4.4; disconnect timeout 120s on Windows and 10s elsewhere, §4.4).
func DefaultConfig() *Config {
	disconnectTimeout := 10 * time.Second
	if runtime.GOOS == "windows" {
		disconnectTimeout = 120 * time.Second
	}

	logger := logrus.New()
	if os.Getenv("BLEAK_LOGGING") == "1" {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})

	return &Config{
		Logger:            logger,
		ConnectTimeout:    10 * time.Second,
		DisconnectTimeout: disconnectTimeout,
		ScanTimeout:       10 * time.Second,
	}
}

func (c *Config) logger() *logrus.Logger {
	if c == nil || c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
