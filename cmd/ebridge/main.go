// Command ebridge is the stateless CLI client: start spawns ebridged,
// stop signals it, status/pause/resume read or write control files,
// capture/watch/regs open their own transport connection rather than
// routing through a running ebridged, and convert/trace work on files
// only. It never holds daemon state across invocations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"ebridge/internal/capture"
	"ebridge/internal/config"
	"ebridge/internal/daemon"
	"ebridge/internal/ebridgeerr"
	"ebridge/internal/faultdecode"
	"ebridge/internal/regmap"
	"ebridge/internal/trace"
	"ebridge/internal/trace/converters"
	"ebridge/internal/transport"
	"ebridge/internal/watchpoint"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("config load failed: %v", err)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	var runErr error
	switch sub {
	case "start":
		runErr = cmdStart(cfg, args)
	case "stop":
		runErr = cmdStop(cfg, args)
	case "status":
		runErr = cmdStatus(cfg, args)
	case "pause":
		runErr = cmdPause(cfg, args)
	case "resume":
		runErr = cmdResume(cfg, args)
	case "capture":
		runErr = cmdCapture(args)
	case "convert":
		runErr = cmdConvert(args)
	case "watch":
		runErr = cmdWatch(args)
	case "regs":
		runErr = cmdRegs(args)
	case "trace":
		runErr = cmdTrace(args)
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		printJSON(map[string]any{"ok": false, "error": runErr.Error(), "kind": string(ebridgeerr.KindOf(runErr))})
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ebridge <start|stop|status|pause|resume|capture|convert|watch|regs|trace> [flags]")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ebridge: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ebridge: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func deviceBaseDir(cfg *config.Config, deviceName string) string {
	return filepath.Join(cfg.BaseDir, "devices", deviceName)
}

// cmdStart spawns ebridged detached and polls status.json until it
// reports something other than "starting" or a timeout elapses. Per
// spec, clients never talk to the daemon directly except through the
// control-file protocol.
func cmdStart(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	device := fs.String("device", "", "device name")
	port := fs.String("port", "", "serial port or probe selector")
	backend := fs.String("backend", "native-usb", "transport backend")
	baud := fs.Int("baud", 0, "baud/speed (0 = config default)")
	force := fs.Bool("force", false, "take over an existing lock holder")
	fs.Parse(args)

	if *device == "" || *port == "" {
		return fmt.Errorf("-device and -port are required")
	}

	baseDir := deviceBaseDir(cfg, *device)
	binary, err := exec.LookPath("ebridged")
	if err != nil {
		binary = filepath.Join(filepath.Dir(mustExecutable()), "ebridged")
	}

	cmdArgs := []string{
		"-device", *device, "-port", *port, "-backend", *backend,
		"-baud", strconv.Itoa(*baud),
	}
	if *force {
		cmdArgs = append(cmdArgs, "-force")
	}

	cmd := exec.Command(binary, cmdArgs...)
	detachProcess(cmd)
	if err := cmd.Start(); err != nil {
		return ebridgeerr.New("ebridge.start", ebridgeerr.TransportUnavailable, err)
	}
	releaseProcess(cmd)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := daemon.ReadStatus(baseDir); err == nil && snap.Health.Status != "starting" {
			printJSON(map[string]any{"started": true, "pid": snap.PID, "health": snap.Health.Status})
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	printJSON(map[string]any{"started": true, "pid": cmd.Process.Pid, "health": "starting"})
	return nil
}

func cmdStop(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	device := fs.String("device", "", "device name")
	fs.Parse(args)
	if *device == "" {
		return fmt.Errorf("-device is required")
	}
	baseDir := deviceBaseDir(cfg, *device)

	pid, alive := daemon.IsHolderAlive(baseDir)
	if !alive {
		printJSON(map[string]any{"stopped": true, "was_running": false})
		return nil
	}
	proc, err := os.FindProcess(int(pid))
	if err == nil {
		proc.Signal(os.Interrupt)
	}
	printJSON(map[string]any{"stopped": true, "was_running": true, "pid": pid})
	return nil
}

func cmdStatus(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	device := fs.String("device", "", "device name")
	fs.Parse(args)
	if *device == "" {
		return fmt.Errorf("-device is required")
	}
	snap, err := daemon.ReadStatus(deviceBaseDir(cfg, *device))
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

func cmdPause(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	device := fs.String("device", "", "device name")
	seconds := fs.Int("seconds", 60, "pause duration in seconds")
	fs.Parse(args)
	if *device == "" {
		return fmt.Errorf("-device is required")
	}
	deadline := time.Now().Add(time.Duration(*seconds) * time.Second)
	if err := daemon.WritePause(deviceBaseDir(cfg, *device), deadline); err != nil {
		return err
	}
	printJSON(map[string]any{"paused_until": deadline.Unix()})
	return nil
}

func cmdResume(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	device := fs.String("device", "", "device name")
	fs.Parse(args)
	if *device == "" {
		return fmt.Errorf("-device is required")
	}
	if err := daemon.ResumeNow(deviceBaseDir(cfg, *device)); err != nil {
		return err
	}
	printJSON(map[string]any{"resumed": true})
	return nil
}

// cmdCapture connects its own transport (independent of any running
// daemon) and streams channels to a .rttbin file until interrupted.
func cmdCapture(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	backend := fs.String("backend", "native-usb", "transport backend")
	port := fs.String("port", "", "serial port or probe selector")
	out := fs.String("out", "capture.rttbin", "output .rttbin path")
	channels := fs.Int("channels", 1, "number of channels starting at 0")
	sampleWidth := fs.Int("sample-width", 1, "sample width in bytes: 1, 2, or 4")
	duration := fs.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	fs.Parse(args)

	tr, err := newTransport(*backend, *port, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Connect(ctx, transport.ConnectOptions{Device: *port}); err != nil {
		return ebridgeerr.New("ebridge.capture", ebridgeerr.TransportUnavailable, err)
	}
	defer tr.Disconnect(ctx)

	chans := make([]int, *channels)
	for i := range chans {
		chans[i] = i
	}
	writer, err := capture.CreateFile(*out, capture.WriterOptions{
		Channels:    chans,
		SampleWidth: uint8(*sampleWidth),
		StartTimeUS: uint64(time.Now().UnixMicro()),
	})
	if err != nil {
		return err
	}

	engine := capture.NewEngine(tr, capture.EngineOptions{Channels: chans, SampleWidth: uint8(*sampleWidth)})
	if err := engine.Start(ctx, writer, time.Now()); err != nil {
		return err
	}

	if *duration > 0 {
		time.Sleep(*duration)
	} else {
		waitForInterrupt()
	}

	summary := engine.Stop(2 * time.Second)
	printJSON(map[string]any{
		"output":       *out,
		"total_bytes":  summary.TotalBytes,
		"total_frames": summary.TotalFrames,
	})
	return nil
}

func cmdConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", ".rttbin input path")
	out := fs.String("out", "", "output path")
	format := fs.String("format", "csv", "csv, wav, or perfetto")
	fs.Parse(args)
	if *in == "" || *out == "" {
		return fmt.Errorf("-in and -out are required")
	}

	var err error
	switch *format {
	case "csv":
		err = capture.ToCSV(*in, *out)
	case "wav":
		err = capture.ToWAV(*in, *out, capture.ToWAVOptions{})
	case "perfetto":
		var summary trace.RTTBinSummary
		summary, err = trace.RTTBinToPerfetto(*in, *out)
		if err == nil {
			printJSON(summary)
			return nil
		}
	default:
		return fmt.Errorf("unknown convert format %q", *format)
	}
	if err != nil {
		return err
	}
	printJSON(map[string]any{"output": *out})
	return nil
}

func cmdTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	in := fs.String("in", "", "input trace file or directory")
	out := fs.String("out", "trace.json", "output Perfetto JSON path")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	switch trace.DetectFormat(*in) {
	case trace.FormatRTTBin:
		summary, err := trace.RTTBinToPerfetto(*in, *out)
		if err != nil {
			return err
		}
		printJSON(summary)
	case trace.FormatSystemView:
		summary, err := converters.ExportSystemViewToPerfetto(ctx, *in, *out)
		if err != nil {
			return err
		}
		printJSON(summary)
	case trace.FormatCTF:
		summary, err := converters.ExportCTFToPerfetto(ctx, *in, *out)
		if err != nil {
			return err
		}
		printJSON(summary)
	default:
		return ebridgeerr.New("ebridge.trace", ebridgeerr.FormatInvalid, fmt.Errorf("unrecognized trace format for %s", *in))
	}
	return nil
}

// cmdWatch allocates one DWT comparator, polls it, and appends hit events
// to a JSONL file until interrupted.
func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	backend := fs.String("backend", "native-usb", "transport backend")
	port := fs.String("port", "", "serial port or probe selector")
	addr := fs.String("addr", "", "watch address, hex (0x...)")
	mode := fs.String("mode", "rw", "read, write, or rw")
	size := fs.Int("size", 4, "watch size in bytes, power of two <= 4")
	label := fs.String("label", "watch0", "label for the watchpoint event")
	pollHz := fs.Int("poll-hz", 100, "poll rate in Hz")
	out := fs.String("out", "watch.jsonl", "output JSONL path")
	fs.Parse(args)

	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}
	watchAddr, err := parseHexUint32(*addr)
	if err != nil {
		return ebridgeerr.New("ebridge.watch", ebridgeerr.InvalidArgument, err)
	}
	if watchpoint.HighPollRateWarning(*pollHz) {
		fmt.Fprintf(os.Stderr, "warning: -poll-hz %d is above 500 Hz and puts heavy SWD traffic on the probe link\n", *pollHz)
	}

	tr, err := newTransport(*backend, *port, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Connect(ctx, transport.ConnectOptions{Device: *port}); err != nil {
		return ebridgeerr.New("ebridge.watch", ebridgeerr.TransportUnavailable, err)
	}
	defer tr.Disconnect(ctx)

	alloc, err := watchpoint.NewComparatorAllocator(ctx, tr)
	if err != nil {
		return err
	}
	comp, err := alloc.Allocate(ctx, watchAddr, *label, watchpoint.Mode(*mode), *size)
	if err != nil {
		return err
	}
	defer alloc.Release(ctx, comp.Index)

	f, err := os.Create(*out)
	if err != nil {
		return ebridgeerr.New("ebridge.watch", ebridgeerr.InvalidArgument, err)
	}
	defer f.Close()

	poller := watchpoint.NewPoller(tr, comp, watchpoint.PollerOptions{PollHz: *pollHz}, f, func() uint64 {
		return uint64(time.Now().UnixMicro())
	})
	if err := poller.Start(ctx); err != nil {
		return err
	}

	waitForInterrupt()
	hits := poller.Stop(2 * time.Second)
	printJSON(map[string]any{"output": *out, "hit_count": hits})
	return nil
}

// cmdRegs decodes a register group (or runs a fault decoder) against a
// live connection and prints the decoded registers as JSON.
func cmdRegs(args []string) error {
	fs := flag.NewFlagSet("regs", flag.ExitOnError)
	backend := fs.String("backend", "native-usb", "transport backend")
	port := fs.String("port", "", "serial port or probe selector")
	chipMapPath := fs.String("chip-map", "", "path to the chip's regmap JSON file")
	group := fs.String("group", "", "register group name (empty = fault decoder)")
	arch := fs.String("arch", "cortex-m", "cortex-m or c2000, used when -group is empty")
	fs.Parse(args)

	if *chipMapPath == "" || *port == "" {
		return fmt.Errorf("-chip-map and -port are required")
	}
	chipMap, err := regmap.LoadFile(*chipMapPath)
	if err != nil {
		return err
	}

	tr, err := newTransport(*backend, *port, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, transport.ConnectOptions{Device: *port}); err != nil {
		return ebridgeerr.New("ebridge.regs", ebridgeerr.TransportUnavailable, err)
	}
	defer tr.Disconnect(ctx)

	if *group != "" {
		decoded, err := regmap.DecodeGroup(chipMap.Groups[*group], func(addr uint32, size int) ([]byte, error) {
			return tr.ReadMemory(ctx, addr, size)
		})
		if err != nil {
			return err
		}
		printJSON(decoded)
		return nil
	}

	read := func(ctx context.Context, addr uint32, size int) ([]byte, error) {
		return tr.ReadMemory(ctx, addr, size)
	}
	var report faultdecode.Report
	switch *arch {
	case "c2000":
		report, err = faultdecode.NewC2000Decoder(chipMap, read).Analyze(ctx)
	default:
		report, err = faultdecode.NewCortexMDecoder(chipMap, read).Analyze(ctx)
	}
	if err != nil {
		return err
	}
	printJSON(faultdecode.ToJSON(report))
	return nil
}

func newTransport(backend, port string, baud int) (transport.Transport, error) {
	switch backend {
	case "native-usb":
		probe, ok := transport.KnownProbes[port]
		if !ok {
			return nil, fmt.Errorf("unknown probe %q (known: jlink, cmsis-dap)", port)
		}
		return transport.NewUSBTransport(probe), nil
	case "serial":
		if baud == 0 {
			baud = 115200
		}
		return transport.NewSerialTransport(port, baud), nil
	case "subprocess":
		return transport.NewSubprocessTransport(transport.ToolProbeRS), nil
	case "scripting":
		return transport.NewScriptingTransport(port), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func parseHexUint32(s string) (uint32, error) {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func mustExecutable() string {
	p, err := os.Executable()
	if err != nil {
		return "ebridge"
	}
	return p
}
