package client

import "time"

// Options configures the client facade and everything it constructs. There
// is deliberately no flags/viper layer here: the command-line driver that
// would parse such flags is explicitly out of scope (spec §1); callers
// construct Options directly or via a thin wrapper of their own.
type Options struct {
	// ConnectionsPerServer is the number of PerConnectionClient instances
	// a PerServerPool maintains for one server address. Default 1.
	ConnectionsPerServer int

	// ReadTimeout is the per-request deadline: an add or read still
	// outstanding this long after dispatch is failed with ServerUnavailable
	// by the next timeout scan. The scan runs every TickDuration; it is not
	// triggered by connection idleness. Default 5s.
	ReadTimeout time.Duration

	// AuthTimeout bounds how long the authentication handshake may take
	// before AUTHENTICATING fails with AuthTimeout. Default 10s.
	AuthTimeout time.Duration

	// TCPNoDelay disables Nagle's algorithm on client sockets. Default true.
	TCPNoDelay bool

	// TickDuration is the period of the periodic timeout-scan tick.
	// Default 100ms.
	TickDuration time.Duration

	// TickCount is the number of ticks a hashed-wheel timer would use. This
	// client uses a plain ticker rather than a wheel and does not read
	// TickCount; the key is retained for compatibility with spec §6's
	// enumerated keys. Default 1024.
	TickCount int

	// MaxFrameLength bounds the declared length of an inbound frame.
	// Default protocol.MaxFrameLength (~110MiB).
	MaxFrameLength int

	// MasterKeyLength is the fixed width, in bytes, of the opaque master
	// key token. Default 20 (matches BookKeeper's digest-manager default).
	// The client does not read it: master keys are sent as given, without
	// checking or padding them to this width.
	MasterKeyLength int
}

// DefaultOptions returns an Options populated with spec §6's defaults.
func DefaultOptions() Options {
	return Options{
		ConnectionsPerServer: 1,
		ReadTimeout:          5 * time.Second,
		AuthTimeout:          10 * time.Second,
		TCPNoDelay:           true,
		TickDuration:         100 * time.Millisecond,
		TickCount:            1024,
		MaxFrameLength:       110 * 1024 * 1024,
		MasterKeyLength:      20,
	}
}

func (o Options) withDefaults() Options {
	var d = DefaultOptions()
	if o.ConnectionsPerServer <= 0 {
		o.ConnectionsPerServer = d.ConnectionsPerServer
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	if o.TickDuration <= 0 {
		o.TickDuration = d.TickDuration
	}
	if o.TickCount <= 0 {
		o.TickCount = d.TickCount
	}
	if o.MaxFrameLength <= 0 {
		o.MaxFrameLength = d.MaxFrameLength
	}
	if o.MasterKeyLength <= 0 {
		o.MasterKeyLength = d.MasterKeyLength
	}
	return o
}
