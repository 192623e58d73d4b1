// Subprocess transport: shells out to a vendor CLI tool (probe-rs, OpenOCD,
// J-Link Commander) once per operation rather than linking against a
// library or speaking a persistent wire protocol. Grounded on the
// OpenOCD-over-subprocess pattern in original_source's apptrace_transport.py
// (os/exec.LookPath equivalent, subprocess start/stop, board-config
// lookup table) and the teacher's os/exec diagnostics in
// internal/driver/device/controller.go's CheckDeviceState.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"ebridge/internal/ebridgeerr"
)

// CLITool names an external probe CLI this backend knows how to drive.
type CLITool string

const (
	ToolProbeRS  CLITool = "probe-rs"
	ToolOpenOCD  CLITool = "openocd"
	ToolJLinkExe CLITool = "JLinkExe"
)

// SubprocessTransport runs one short-lived CLI invocation per operation.
// Non-blocking Read is approximated by running a bounded "dump available
// bytes" subcommand; callers needing true streaming should prefer
// ScriptingTransport or a native backend instead.
type SubprocessTransport struct {
	tool   CLITool
	binary string // resolved absolute path, set on Connect
	device string

	mu        sync.Mutex
	connected bool
}

func NewSubprocessTransport(tool CLITool) *SubprocessTransport {
	return &SubprocessTransport{tool: tool}
}

func (t *SubprocessTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	path, err := exec.LookPath(string(t.tool))
	if err != nil {
		return ebridgeerr.New("transport.SubprocessTransport.Connect", ebridgeerr.ExternalToolMissing, err)
	}
	t.mu.Lock()
	t.binary = path
	t.device = opts.Device
	t.connected = true
	t.mu.Unlock()

	out, err := t.run(ctx, "info")
	if err != nil {
		return ebridgeerr.New("transport.SubprocessTransport.Connect", ebridgeerr.TransportUnavailable,
			fmt.Errorf("probe check failed: %w (%s)", err, out))
	}
	return nil
}

func (t *SubprocessTransport) run(ctx context.Context, args ...string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stderr.String(), err
	}
	return stdout.String(), nil
}

func (t *SubprocessTransport) StartStream(ctx context.Context, blockAddr uint32) (int, error) {
	args := []string{"rtt", "start", "--chip", t.device}
	if blockAddr != 0 {
		args = append(args, "--control-block-address", strconv.FormatUint(uint64(blockAddr), 16))
	}
	out, err := t.run(ctx, args...)
	if err != nil {
		return 0, ebridgeerr.New("transport.SubprocessTransport.StartStream", ebridgeerr.TransportUnavailable, err)
	}
	return strings.Count(out, "up-channel"), nil
}

func (t *SubprocessTransport) StopStream(ctx context.Context) error {
	_, err := t.run(ctx, "rtt", "stop")
	return err
}

func (t *SubprocessTransport) Read(ctx context.Context, channel int, maxBytes int) ([]byte, error) {
	out, err := t.run(ctx, "rtt", "read", "--channel", strconv.Itoa(channel),
		"--max-bytes", strconv.Itoa(maxBytes))
	if err != nil {
		return nil, ebridgeerr.New("transport.SubprocessTransport.Read", ebridgeerr.ConnectionLost, err)
	}
	return []byte(out), nil
}

func (t *SubprocessTransport) Write(ctx context.Context, channel int, data []byte) (int, error) {
	_, err := t.run(ctx, "rtt", "write", "--channel", strconv.Itoa(channel), "--data", string(data))
	if err != nil {
		return 0, ebridgeerr.New("transport.SubprocessTransport.Write", ebridgeerr.ConnectionLost, err)
	}
	return len(data), nil
}

func (t *SubprocessTransport) ReadMemory(ctx context.Context, addr uint32, size int) ([]byte, error) {
	out, err := t.run(ctx, "read-memory", "--chip", t.device,
		fmt.Sprintf("0x%x", addr), strconv.Itoa(size))
	if err != nil {
		return nil, ebridgeerr.New("transport.SubprocessTransport.ReadMemory", ebridgeerr.ConnectionLost, err)
	}
	return parseHexDump(out, size)
}

func (t *SubprocessTransport) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	_, err := t.run(ctx, "write-memory", "--chip", t.device,
		fmt.Sprintf("0x%x", addr), fmt.Sprintf("%x", data))
	if err != nil {
		return ebridgeerr.New("transport.SubprocessTransport.WriteMemory", ebridgeerr.ConnectionLost, err)
	}
	return nil
}

func (t *SubprocessTransport) Reset(ctx context.Context, halt bool) error {
	args := []string{"reset", "--chip", t.device}
	if halt {
		args = append(args, "--halt")
	}
	_, err := t.run(ctx, args...)
	return err
}

func (t *SubprocessTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

// parseHexDump parses whitespace-separated hex byte pairs from a CLI's
// textual memory dump into raw bytes.
func parseHexDump(out string, size int) ([]byte, error) {
	fields := strings.Fields(out)
	data := make([]byte, 0, size)
	for _, f := range fields {
		f = strings.TrimPrefix(f, "0x")
		if len(f) != 2 {
			continue
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			continue
		}
		data = append(data, byte(b))
	}
	if len(data) < size {
		return nil, fmt.Errorf("expected %d bytes, parsed %d from output", size, len(data))
	}
	return data[:size], nil
}
