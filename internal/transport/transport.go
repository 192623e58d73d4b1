// Package transport abstracts the wire between the daemon and a debug
// probe. Every backend connects to a target, starts RTT (or equivalent
// streaming), and exposes non-blocking byte I/O on numbered channels plus
// register memory access and reset control. Ported from the capability
// surface of original_source's rtt_transport.py RTTTransport base class,
// expressed as a Go interface rather than an abstract base class, in the
// style of the multi-backend device abstraction in
// internal/driver/device/controller.go of the teacher repo.
package transport

import (
	"context"
	"time"
)

// Interface selects the debug probe's physical link.
type Interface string

const (
	SWD  Interface = "SWD"
	JTAG Interface = "JTAG"
)

// ConnectOptions parameterizes Connect across backends.
type ConnectOptions struct {
	Device    string // chip/device identifier, e.g. "NRF5340_XXAA_APP"
	Interface Interface
	SpeedKHz  int
}

// Transport is the capability surface every probe backend implements.
// Read is always non-blocking: it returns immediately with whatever bytes
// are currently available, possibly none.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error

	// StartStream begins the target's streaming channel mechanism
	// (RTT control-block search or equivalent). blockAddr, if non-zero,
	// skips the search and attaches at a known address. Returns the
	// number of host-bound channels discovered.
	StartStream(ctx context.Context, blockAddr uint32) (channels int, err error)
	StopStream(ctx context.Context) error

	// Read returns up to maxBytes currently buffered on the given
	// up-channel, or zero bytes if none are available.
	Read(ctx context.Context, channel int, maxBytes int) ([]byte, error)
	// Write sends data on the given down-channel, returning the number
	// of bytes actually accepted.
	Write(ctx context.Context, channel int, data []byte) (int, error)

	// ReadMemory reads size bytes from target address addr.
	ReadMemory(ctx context.Context, addr uint32, size int) ([]byte, error)
	// WriteMemory writes data to target address addr.
	WriteMemory(ctx context.Context, addr uint32, data []byte) error

	Reset(ctx context.Context, halt bool) error
	Disconnect(ctx context.Context) error
}

// State is the connection lifecycle, driven by Reconnector.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Backend names a concrete Transport implementation, used in daemon
// configuration and logs.
type Backend string

const (
	BackendNativeUSB  Backend = "native-usb"
	BackendSerial     Backend = "serial"
	BackendSubprocess Backend = "subprocess"
	BackendScripting  Backend = "scripting"
)

// defaultReadPoll is the idle sleep a backend's caller uses between
// non-blocking Read attempts when no data was returned, mirroring
// rtt_binary.py's poll_interval default.
const defaultReadPoll = 10 * time.Millisecond
