// Command ebridged is the session daemon: it owns one device's transport
// connection, classifies chip health, and publishes the control-file
// protocol that cmd/ebridge reads and writes. One ebridged process runs
// per connected device; the singleton lock in internal/daemon enforces
// that.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ebridge/internal/config"
	"ebridge/internal/daemon"
	"ebridge/internal/ebridgeerr"
	"ebridge/internal/health"
	"ebridge/internal/transport"
)

var (
	deviceName = flag.String("device", "", "device name (used to namespace the base directory)")
	port       = flag.String("port", "", "serial port, probe name, or script binary path, depending on -backend")
	backend    = flag.String("backend", "native-usb", "transport backend: native-usb, serial, subprocess, scripting")
	baud       = flag.Int("baud", 0, "baud rate (serial backend) or probe speed in kHz (0 = config default)")
	cliTool    = flag.String("cli-tool", "probe-rs", "CLI tool for the subprocess backend: probe-rs, openocd, JLinkExe")
	force      = flag.Bool("force", false, "terminate an existing daemon holding the device lock before starting")
)

func main() {
	flag.Parse()

	if *deviceName == "" || *port == "" {
		fmt.Fprintln(os.Stderr, "ebridged: -device and -port are required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ebridged: config load failed: %v", err)
	}

	baseDir := filepath.Join(cfg.BaseDir, "devices", *deviceName)
	locksDir := filepath.Join(cfg.BaseDir, "locks")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		log.Fatalf("ebridged: cannot create base directory %s: %v", baseDir, err)
	}

	logger := log.New(os.Stdout, "[ebridged] ", log.LstdFlags)

	speed := *baud
	if speed == 0 {
		speed = cfg.DefaultBaud
	}

	tr, err := buildTransport(*backend, *port, *cliTool, speed)
	if err != nil {
		log.Fatalf("ebridged: %v", err)
	}

	var resetFn health.ResetFunc = func(kind health.ResetKind) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		halt := kind == health.ResetBootloader
		return tr.Reset(ctx, halt)
	}
	recovery := health.NewRecovery(health.Config{
		BootLoopThreshold:   cfg.BootLoopThreshold,
		StuckTimeout:        cfg.StuckTimeout,
		CrashRecoveryDelay:  cfg.CrashRecoveryDelay,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		ActivityWindow:      cfg.ActivityWindow,
		ActivityThreshold:   cfg.ActivityThreshold,
	}, resetFn, logger, nil)

	d := daemon.New(daemon.Options{
		BaseDir:         baseDir,
		LocksDir:        locksDir,
		DeviceName:      *deviceName,
		Port:            *port,
		BaudOrKHz:       speed,
		StatusInterval:  cfg.StatusPollInterval,
		Force:           *force,
		Logger:          logger,
	}, tr, recovery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		if ebridgeerr.KindOf(err) == ebridgeerr.ResourceBusy {
			log.Fatalf("ebridged: %v (use -force to take over)", err)
		}
		log.Fatalf("ebridged: start failed: %v", err)
	}
	logger.Printf("connected to %s over %s at %d", *port, *backend, speed)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Printf("stop error: %v", err)
	}
	logger.Printf("stopped")
}

func buildTransport(kind, port string, cliTool string, speed int) (transport.Transport, error) {
	switch kind {
	case "native-usb":
		probe, ok := transport.KnownProbes[port]
		if !ok {
			return nil, fmt.Errorf("ebridged: unknown probe %q (known: jlink, cmsis-dap)", port)
		}
		return transport.NewUSBTransport(probe), nil
	case "serial":
		return transport.NewSerialTransport(port, speed), nil
	case "subprocess":
		return transport.NewSubprocessTransport(transport.CLITool(cliTool)), nil
	case "scripting":
		return transport.NewScriptingTransport(port), nil
	default:
		return nil, fmt.Errorf("ebridged: unknown backend %q", kind)
	}
}
