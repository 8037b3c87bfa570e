package nbdclient

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// DriverConfig holds the tunables this driver reads once at Open time. The
// C original compiled these in as fixed constants; exposing them here lets
// an embedder override any of them from a config file without touching
// code.
type DriverConfig struct {
	// PoolSize is the number of request slots kept in the arena (§3): the
	// maximum number of NBD requests this connection can have in flight.
	PoolSize int

	// HandshakeTimeout bounds each blocking read performed during the
	// initial magic/option exchange (§4.4), mirroring the C driver's
	// bounded select() loop.
	HandshakeTimeout time.Duration

	// ExportName is sent with NBD_OPT_EXPORT_NAME during new-style
	// negotiation. The empty string requests the server's default export.
	ExportName string

	// FDReceiverSocket is the path of the control socket an embedder
	// starts a Receiver on, when Open is asked to resolve a name by
	// fd-receiver id rather than dialing directly.
	FDReceiverSocket string
}

// DefaultConfig returns the configuration this driver uses when no
// override is loaded: a 32-slot request pool, a 5-second bound on each
// handshake read, the server's default export, and a fixed fd-receiver
// socket path.
func DefaultConfig() DriverConfig {
	return DriverConfig{
		PoolSize:         32,
		HandshakeTimeout: 5 * time.Second,
		ExportName:       "",
		FDReceiverSocket: "/var/run/nbdclient/fd-receiver.sock",
	}
}

// LoadINI reads an .ini-formatted config file and overlays it onto
// DefaultConfig, the same library (and the same load-then-overlay shape)
// the object-dictionary parser this module was adapted from uses to read
// its own .eds files. A single [driver] section is recognized:
//
//	[driver]
//	pool_size = 128
//	handshake_timeout = 10s
//	export_name = disk0
//	fd_receiver_socket = /run/nbdclient.sock
func LoadINI(path string) (DriverConfig, error) {
	cfg := DefaultConfig()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("nbdclient: loading config %s: %w", path, err)
	}

	section := f.Section("driver")

	if key := section.Key("pool_size"); key.String() != "" {
		n, err := key.Int()
		if err != nil {
			return cfg, fmt.Errorf("nbdclient: parsing pool_size: %w", err)
		}
		cfg.PoolSize = n
	}

	if key := section.Key("handshake_timeout"); key.String() != "" {
		d, err := time.ParseDuration(key.String())
		if err != nil {
			return cfg, fmt.Errorf("nbdclient: parsing handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}

	if key := section.Key("export_name"); key.String() != "" {
		cfg.ExportName = key.String()
	}

	if key := section.Key("fd_receiver_socket"); key.String() != "" {
		cfg.FDReceiverSocket = key.String()
	}

	return cfg, nil
}
