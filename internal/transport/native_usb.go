//go:build !mips && !mipsle
// +build !mips,!mipsle

// Native USB transport, talking directly to a CMSIS-DAP/J-Link-class probe
// over bulk endpoints without going through the vendor's CLI or shared
// library. Excluded on MIPS builds, same constraint as the teacher's gousb
// usage, since gousb's libusb binding doesn't build there.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"ebridge/internal/ebridgeerr"
)

// ProbeID identifies one USB debug probe by vendor/product ID.
type ProbeID struct {
	VendorID  gousb.ID
	ProductID gousb.ID
}

var KnownProbes = map[string]ProbeID{
	"jlink":     {VendorID: 0x1366, ProductID: 0x0101},
	"cmsis-dap": {VendorID: 0xC251, ProductID: 0xF001},
}

const (
	usbEndpointOut = 0x02
	usbEndpointIn  = 0x82
)

// USBTransport implements Transport over a direct USB bulk connection.
type USBTransport struct {
	probe ProbeID

	mu     sync.Mutex
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	streamStarted bool
	blockAddr     uint32
}

func NewUSBTransport(probe ProbeID) *USBTransport {
	return &USBTransport{probe: probe}
}

func (t *USBTransport) Connect(_ context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(t.probe.VendorID, t.probe.ProductID)
	if err != nil {
		ctx.Close()
		return ebridgeerr.New("transport.USBTransport.Connect", ebridgeerr.TransportUnavailable, err)
	}
	if dev == nil {
		ctx.Close()
		return ebridgeerr.New("transport.USBTransport.Connect", ebridgeerr.TransportUnavailable,
			fmt.Errorf("probe not found (VID:0x%04x PID:0x%04x)", t.probe.VendorID, t.probe.ProductID))
	}

	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return ebridgeerr.New("transport.USBTransport.Connect", ebridgeerr.TransportUnavailable, err)
	}
	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		dev.Close()
		ctx.Close()
		return ebridgeerr.New("transport.USBTransport.Connect", ebridgeerr.TransportUnavailable, err)
	}
	epOut, err := intf.OutEndpoint(usbEndpointOut)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return ebridgeerr.New("transport.USBTransport.Connect", ebridgeerr.TransportUnavailable, err)
	}
	epIn, err := intf.InEndpoint(usbEndpointIn)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return ebridgeerr.New("transport.USBTransport.Connect", ebridgeerr.TransportUnavailable, err)
	}

	t.ctx, t.dev, t.config, t.intf, t.epOut, t.epIn = ctx, dev, config, intf, epOut, epIn
	_ = opts
	return nil
}

func (t *USBTransport) StartStream(_ context.Context, blockAddr uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epOut == nil {
		return 0, ebridgeerr.New("transport.USBTransport.StartStream", ebridgeerr.ConnectionLost, nil)
	}
	cmd := make([]byte, 9)
	cmd[0] = cmdStartStream
	binary.LittleEndian.PutUint32(cmd[1:5], blockAddr)
	if _, err := t.epOut.Write(cmd); err != nil {
		return 0, ebridgeerr.New("transport.USBTransport.StartStream", ebridgeerr.ConnectionLost, err)
	}
	resp := make([]byte, 16)
	n, err := t.epIn.Read(resp)
	if err != nil {
		return 0, ebridgeerr.New("transport.USBTransport.StartStream", ebridgeerr.ConnectionLost, err)
	}
	if n < 1 {
		return 0, ebridgeerr.New("transport.USBTransport.StartStream", ebridgeerr.FormatInvalid, fmt.Errorf("empty response"))
	}
	t.streamStarted = true
	t.blockAddr = blockAddr
	return int(resp[0]), nil
}

func (t *USBTransport) StopStream(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamStarted = false
	if t.epOut == nil {
		return nil
	}
	_, err := t.epOut.Write([]byte{cmdStopStream})
	return err
}

func (t *USBTransport) Read(ctx context.Context, channel int, maxBytes int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epIn == nil {
		return nil, ebridgeerr.New("transport.USBTransport.Read", ebridgeerr.ConnectionLost, nil)
	}
	req := []byte{cmdReadChannel, byte(channel)}
	if _, err := t.epOut.Write(req); err != nil {
		return nil, ebridgeerr.New("transport.USBTransport.Read", ebridgeerr.ConnectionLost, err)
	}
	if maxBytes > 65535 {
		maxBytes = 65535
	}
	buf := make([]byte, maxBytes)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, ebridgeerr.New("transport.USBTransport.Read", ebridgeerr.ConnectionLost, err)
	}
	return buf[:n], nil
}

func (t *USBTransport) Write(_ context.Context, channel int, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epOut == nil {
		return 0, ebridgeerr.New("transport.USBTransport.Write", ebridgeerr.ConnectionLost, nil)
	}
	header := []byte{cmdWriteChannel, byte(channel)}
	n, err := t.epOut.Write(append(header, data...))
	if err != nil {
		return 0, ebridgeerr.New("transport.USBTransport.Write", ebridgeerr.ConnectionLost, err)
	}
	written := n - len(header)
	if written < 0 {
		written = 0
	}
	return written, nil
}

func (t *USBTransport) ReadMemory(_ context.Context, addr uint32, size int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epOut == nil {
		return nil, ebridgeerr.New("transport.USBTransport.ReadMemory", ebridgeerr.ConnectionLost, nil)
	}
	req := make([]byte, 7)
	req[0] = cmdReadMem
	binary.LittleEndian.PutUint32(req[1:5], addr)
	binary.LittleEndian.PutUint16(req[5:7], uint16(size))
	if _, err := t.epOut.Write(req); err != nil {
		return nil, ebridgeerr.New("transport.USBTransport.ReadMemory", ebridgeerr.ConnectionLost, err)
	}
	buf := make([]byte, size)
	n, err := t.epIn.Read(buf)
	if err != nil {
		return nil, ebridgeerr.New("transport.USBTransport.ReadMemory", ebridgeerr.ConnectionLost, err)
	}
	return buf[:n], nil
}

func (t *USBTransport) WriteMemory(_ context.Context, addr uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epOut == nil {
		return ebridgeerr.New("transport.USBTransport.WriteMemory", ebridgeerr.ConnectionLost, nil)
	}
	header := make([]byte, 5)
	header[0] = cmdWriteMem
	binary.LittleEndian.PutUint32(header[1:5], addr)
	_, err := t.epOut.Write(append(header, data...))
	if err != nil {
		return ebridgeerr.New("transport.USBTransport.WriteMemory", ebridgeerr.ConnectionLost, err)
	}
	return nil
}

func (t *USBTransport) Reset(_ context.Context, halt bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epOut == nil {
		return ebridgeerr.New("transport.USBTransport.Reset", ebridgeerr.ConnectionLost, nil)
	}
	cmd := byte(cmdResetRun)
	if halt {
		cmd = cmdResetHalt
	}
	_, err := t.epOut.Write([]byte{cmd})
	return err
}

func (t *USBTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	t.ctx, t.dev, t.config, t.intf, t.epOut, t.epIn = nil, nil, nil, nil, nil, nil
	return nil
}

// Command byte values for the probe's bulk protocol framing.
const (
	cmdStartStream  byte = 0x01
	cmdStopStream   byte = 0x02
	cmdReadChannel  byte = 0x03
	cmdWriteChannel byte = 0x04
	cmdReadMem      byte = 0x05
	cmdWriteMem     byte = 0x06
	cmdResetRun     byte = 0x07
	cmdResetHalt    byte = 0x08
)
