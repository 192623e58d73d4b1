package daemon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"ebridge/internal/capture"
	"ebridge/internal/ebridgeerr"
	"ebridge/internal/health"
	"ebridge/internal/transport"
)

// Options configures one daemon run against one connected device. Zero
// values for the duration/size fields fall back to the same defaults as
// serial_daemon.py's SerialMonitorDaemon.
type Options struct {
	BaseDir    string
	LocksDir   string
	DeviceName string
	Port       string
	BaudOrKHz  int

	// Channel is the transport channel carrying line-oriented console
	// text; usually 0.
	Channel int

	ReadPoll        time.Duration
	StatusInterval  time.Duration
	CmdPollInterval time.Duration
	MaxReadBytes    int

	Force bool

	Logger *log.Logger
	Now    func() time.Time
}

func (o *Options) applyDefaults() {
	if o.ReadPoll == 0 {
		o.ReadPoll = 10 * time.Millisecond
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = time.Second
	}
	if o.CmdPollInterval == 0 {
		o.CmdPollInterval = 200 * time.Millisecond
	}
	if o.MaxReadBytes == 0 {
		o.MaxReadBytes = 4096
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Daemon is the long-running process that owns one device's transport
// connection: a single reader loop pulls bytes, timestamps each complete
// line, and fans it out to the session log, the alerts/events writer, the
// chip-health classifier, and (if enabled) a capture sink; separate
// goroutines publish status on a ticker and drain the command/pause
// control files. Ported from serial_daemon.py's SerialMonitorDaemon run
// loop and generalized from a fixed serial port to any transport.Transport.
type Daemon struct {
	opts     Options
	tr       transport.Transport
	recovery *health.Recovery

	singleton *Singleton
	session   *Session

	captureEngine *capture.Engine
	captureWriter *captureStarter

	lineBuf []byte

	wg     sync.WaitGroup
	stopCh chan struct{}

	mu         sync.Mutex
	running    bool
	connStatus string
}

// captureStarter defers handing the capture engine its writer until
// Start, since the writer (and the file it owns) should only be created
// once the daemon is actually running.
type captureStarter struct {
	start func(ctx context.Context, startedAt time.Time) error
}

// New constructs a Daemon. recovery's ResetFunc should already be bound to
// tr.Reset by the caller.
func New(opts Options, tr transport.Transport, recovery *health.Recovery) *Daemon {
	opts.applyDefaults()
	return &Daemon{opts: opts, tr: tr, recovery: recovery, connStatus: "disconnected"}
}

// EnableCapture attaches a capture engine that mirrors every byte read
// from opts.Channel into a .rttbin file, started alongside the reader
// loop. Must be called before Start.
func (d *Daemon) EnableCapture(engine *capture.Engine, start func(ctx context.Context, startedAt time.Time) error) {
	d.captureEngine = engine
	d.captureWriter = &captureStarter{start: start}
}

func (d *Daemon) logf(format string, args ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Printf("[daemon] "+format, args...)
	}
}

// Start acquires the singleton lock, clears stale session files, connects
// the transport, opens a session log, and launches the reader/status/
// command goroutines. It returns once the device is connected and the
// goroutines are running; call Stop to shut down.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ebridgeerr.New("daemon.Daemon.Start", ebridgeerr.ResourceBusy, nil)
	}
	d.mu.Unlock()

	singleton, err := AcquireSingleton(d.opts.BaseDir, d.opts.LocksDir, d.opts.Port, d.opts.Force)
	if err != nil {
		return err
	}
	d.singleton = singleton

	if err := ClearStaleSessionFiles(d.opts.BaseDir); err != nil {
		singleton.Release()
		return err
	}

	now := d.opts.Now()
	d.publishStatus(now)

	session, err := NewSession(d.opts.BaseDir, d.opts.Port, d.opts.BaudOrKHz, now)
	if err != nil {
		singleton.Release()
		return err
	}
	d.session = session

	d.recovery.SetCallbacks(
		func(old, new health.State) {
			d.appendEvent("state_change", map[string]any{"old": string(old), "new": string(new)})
		},
		func(line string) {
			d.session.RecordAlert()
			d.appendAlert("crash detected: " + line)
		},
		func() {
			d.appendEvent("recovery_needed", nil)
		},
	)

	d.setConnStatus("connecting")
	if err := d.tr.Connect(ctx, transport.ConnectOptions{Device: d.opts.Port, SpeedKHz: d.opts.BaudOrKHz}); err != nil {
		d.setConnStatus("error")
		session.Close(d.opts.Now())
		singleton.Release()
		return ebridgeerr.New("daemon.Daemon.Start", ebridgeerr.TransportUnavailable, err)
	}
	d.setConnStatus("connected")

	if d.captureWriter != nil {
		if err := d.captureWriter.start(ctx, now); err != nil {
			d.logf("capture start failed: %v", err)
		}
	}

	d.mu.Lock()
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(3)
	go d.readerLoop(ctx)
	go d.statusLoop(ctx)
	go d.commandLoop(ctx)

	d.appendEvent("session_started", map[string]any{"session_id": session.ID, "port": d.opts.Port})
	return nil
}

// Stop signals all goroutines, waits for them to exit, closes the session
// log, disconnects the transport, and releases the singleton lock.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	if d.captureEngine != nil && d.captureEngine.IsRunning() {
		d.captureEngine.Stop(2 * time.Second)
	}

	now := d.opts.Now()
	d.appendEvent("session_stopped", nil)
	if d.session != nil {
		d.session.Close(now)
	}

	d.setConnStatus("disconnected")
	d.publishStatus(now)

	err := d.tr.Disconnect(ctx)
	if relErr := d.singleton.Release(); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

func (d *Daemon) setConnStatus(status string) {
	d.mu.Lock()
	d.connStatus = status
	d.mu.Unlock()
}

// readerLoop pulls bytes from the transport channel, reassembles complete
// lines across read boundaries, and fans each line out to the session
// log, the health classifier, and the alerts path. Cooperative-stop via
// stopCh, matching the concurrency model used by capture.Engine and
// watchpoint.Poller.
func (d *Daemon) readerLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		data, err := d.tr.Read(ctx, d.opts.Channel, d.opts.MaxReadBytes)
		if err != nil {
			d.session.errorsIncrement()
			select {
			case <-time.After(d.opts.ReadPoll):
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(data) == 0 {
			select {
			case <-time.After(d.opts.ReadPoll):
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, line := range d.feedLines(data) {
			d.handleLine(line)
		}
	}
}

// feedLines splits data on newlines, carrying any trailing partial line
// across calls in d.lineBuf.
func (d *Daemon) feedLines(data []byte) []string {
	var lines []string
	d.lineBuf = append(d.lineBuf, data...)
	start := 0
	for i, b := range d.lineBuf {
		if b == '\n' {
			line := string(d.lineBuf[start:i])
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	d.lineBuf = append([]byte(nil), d.lineBuf[start:]...)
	return lines
}

func (d *Daemon) handleLine(line string) {
	now := d.opts.Now()
	d.session.LogLine(line, now)
	d.recovery.ProcessLine(line)
}

// statusLoop publishes a StatusSnapshot on a fixed interval, matching the
// control-file protocol's expectation that status.json reflects the
// daemon's state within one poll tick.
func (d *Daemon) statusLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publishStatus(d.opts.Now())
		}
	}
}

func (d *Daemon) publishStatus(now time.Time) {
	var h health.Health
	if d.recovery != nil {
		h = d.recovery.Health()
	}
	var counters Counters
	if d.session != nil {
		counters = d.session.Counters()
	}

	d.mu.Lock()
	connStatus := d.connStatus
	d.mu.Unlock()

	var snap StatusSnapshot
	snap.SchemaVersion = 1
	snap.Timestamp = now
	snap.PID = currentPID()
	snap.DeviceName = d.opts.DeviceName
	snap.Port = d.opts.Port
	snap.Connection.Status = connStatus
	snap.Health.Status = string(h.State)
	snap.Health.ConsecutiveCrashes = h.ConsecutiveCrashes
	snap.Health.BootCountLastMinute = h.BootCountLastMinute
	snap.Health.LastResetReason = h.LastResetReason
	snap.Counters.LinesLogged = counters.LinesLogged
	snap.Counters.CommandsSent = counters.CommandsSent
	snap.Counters.AlertsTrigered = counters.AlertsTrigered
	snap.Counters.Errors = counters.Errors

	if err := WriteStatus(d.opts.BaseDir, snap); err != nil {
		d.logf("status publish failed: %v", err)
	}
}

// commandLoop drains cmd.txt on a fixed interval, writing each queued
// command to the transport, and honors pause.txt by skipping automatic
// recovery while a pause deadline is in effect.
func (d *Daemon) commandLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.CmdPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainCommands(ctx)
			d.maybeRecover(ctx)
		}
	}
}

func (d *Daemon) drainCommands(ctx context.Context) {
	cmds, err := ConsumeCommands(d.opts.BaseDir)
	if err != nil {
		d.logf("command drain failed: %v", err)
		return
	}
	for _, cmd := range cmds {
		if _, err := d.tr.Write(ctx, d.opts.Channel, []byte(cmd+"\n")); err != nil {
			d.logf("command write failed: %v", err)
			continue
		}
		d.session.RecordCommandSent()
	}
}

func (d *Daemon) maybeRecover(ctx context.Context) {
	if IsPaused(d.opts.BaseDir, d.opts.Now()) {
		return
	}
	if d.recovery == nil || !d.recovery.NeedsRecovery() {
		return
	}
	d.appendEvent("recovery_started", nil)
	if err := d.recovery.PerformRecovery(time.Sleep); err != nil {
		d.logf("recovery failed: %v", err)
		d.appendEvent("recovery_failed", map[string]any{"error": err.Error()})
		return
	}
	d.appendEvent("recovery_completed", nil)
}

func (d *Daemon) appendAlert(line string) {
	if err := AppendAlert(d.opts.BaseDir, line); err != nil {
		d.logf("alert append failed: %v", err)
	}
}

func (d *Daemon) appendEvent(evType string, data map[string]any) {
	if err := AppendEvent(d.opts.BaseDir, Event{Timestamp: d.opts.Now(), Type: evType, Data: data}); err != nil {
		d.logf("event append failed: %v", err)
	}
}

// RecentLines exposes the session's ring buffer, for CLI commands that
// want a crash-context dump without reading the log file.
func (d *Daemon) RecentLines() []string {
	if d.session == nil {
		return nil
	}
	return d.session.RecentLines()
}

func currentPID() int { return os.Getpid() }
