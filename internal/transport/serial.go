// Serial transport for probes (or direct UART bridges) that expose a plain
// serial port instead of a structured USB protocol. Grounded on the
// go.bug.st/serial usage pattern in the example toolchain's Arduino driver:
// open with an explicit Mode, poll with a read timeout rather than blocking
// forever, and retry on EINTR rather than treating it as a real error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"ebridge/internal/ebridgeerr"
)

const serialReadTimeout = 50 * time.Millisecond

// SerialTransport implements Transport over a plain serial port: Read and
// Write pass raw bytes through unchanged on its single logical channel (the
// channel argument is ignored), memory access is unsupported, and Reset
// drops DTR. It suits bring-up boards without a debug probe attached.
type SerialTransport struct {
	portName string
	baud     int

	mu   sync.Mutex
	port serial.Port
}

func NewSerialTransport(portName string, baud int) *SerialTransport {
	return &SerialTransport{portName: portName, baud: baud}
}

func (t *SerialTransport) Connect(_ context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: t.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.portName, mode)
	if err != nil {
		return ebridgeerr.New("transport.SerialTransport.Connect", ebridgeerr.TransportUnavailable, err)
	}
	port.SetReadTimeout(serialReadTimeout)
	t.port = port
	_ = opts
	return nil
}

func (t *SerialTransport) StartStream(context.Context, uint32) (int, error) {
	return 1, nil // a plain UART bridge exposes exactly one logical channel
}

func (t *SerialTransport) StopStream(context.Context) error {
	return nil
}

func (t *SerialTransport) Read(_ context.Context, channel int, maxBytes int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ebridgeerr.New("transport.SerialTransport.Read", ebridgeerr.ConnectionLost, nil)
	}
	buf := make([]byte, maxBytes)
	n, err := t.readRetryEINTR(buf)
	if err != nil {
		return nil, ebridgeerr.New("transport.SerialTransport.Read", ebridgeerr.ConnectionLost, err)
	}
	_ = channel
	return buf[:n], nil
}

// readRetryEINTR loops on EINTR, which a goroutine-scheduled runtime
// delivers far more often than a single-threaded process would see.
func (t *SerialTransport) readRetryEINTR(buf []byte) (int, error) {
	for {
		n, err := t.port.Read(buf)
		if isRetryableSyscallError(err) {
			continue
		}
		return n, err
	}
}

func isRetryableSyscallError(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

func (t *SerialTransport) Write(_ context.Context, channel int, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return 0, ebridgeerr.New("transport.SerialTransport.Write", ebridgeerr.ConnectionLost, nil)
	}
	_ = channel
	n, err := t.port.Write(data)
	if err != nil {
		return 0, ebridgeerr.New("transport.SerialTransport.Write", ebridgeerr.ConnectionLost, err)
	}
	return n, nil
}

func (t *SerialTransport) ReadMemory(context.Context, uint32, int) ([]byte, error) {
	return nil, ebridgeerr.New("transport.SerialTransport.ReadMemory", ebridgeerr.Unsupported,
		fmt.Errorf("serial bridge does not expose memory access"))
}

func (t *SerialTransport) WriteMemory(context.Context, uint32, []byte) error {
	return ebridgeerr.New("transport.SerialTransport.WriteMemory", ebridgeerr.Unsupported,
		fmt.Errorf("serial bridge does not expose memory access"))
}

func (t *SerialTransport) Reset(_ context.Context, halt bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return ebridgeerr.New("transport.SerialTransport.Reset", ebridgeerr.ConnectionLost, nil)
	}
	if halt {
		return ebridgeerr.New("transport.SerialTransport.Reset", ebridgeerr.Unsupported,
			fmt.Errorf("serial bridge cannot halt on reset"))
	}
	return t.port.SetDTR(false)
}

func (t *SerialTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}
