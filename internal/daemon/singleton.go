// Package daemon implements the session daemon: singleton lock
// coordination, the control-file protocol, the session state, and the
// device registry. Ported from original_source's eab/serial_daemon.py
// (control-file polling, stats/session structure) and generalized from a
// single fixed ESP32 log to a per-device base directory holding an
// arbitrary transport's session.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"ebridge/internal/ebridgeerr"
)

// Lock holds an OS-level file lock (flock) plus the path it guards. Two
// locks per device are taken: one keyed by the device's base directory
// (the device-level singleton) and one keyed by the canonicalized port
// identifier (the port-level singleton, so the same physical port can't
// be claimed under two different device names).
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes an exclusive, non-blocking flock on path, creating the
// file if needed. Returns ebridgeerr.ResourceBusy if another process holds
// it.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ebridgeerr.New("daemon.AcquireLock", ebridgeerr.InvalidArgument, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ebridgeerr.New("daemon.AcquireLock", ebridgeerr.InvalidArgument, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, ebridgeerr.New("daemon.AcquireLock", ebridgeerr.ResourceBusy, err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the flock and closes the underlying file. It does not
// remove the lock file — a subsequent AcquireLock reuses it.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}

// Singleton is the pair of locks (device-level and port-level) that must
// both be held for exactly one daemon to own a device's hardware.
type Singleton struct {
	deviceLock *Lock
	portLock   *Lock
	pidPath    string
}

func deviceLockPath(baseDir string) string { return filepath.Join(baseDir, "singleton.lock") }
func pidFilePath(baseDir string) string    { return filepath.Join(baseDir, "singleton.pid") }

// portLockPath derives a port-lock path from a canonicalized port/probe
// identifier so the same physical resource is protected regardless of
// which device name claims it.
func portLockPath(locksDir, portID string) string {
	canon := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(portID)
	return filepath.Join(locksDir, "port-"+canon+".lock")
}

// AcquireSingleton takes the device and port locks for baseDir/portID. On
// success it writes the current PID to singleton.pid. If force is true and
// an existing holder is found (via its recorded PID), it is sent SIGTERM,
// the locks are retried once after a short grace period.
func AcquireSingleton(baseDir, locksDir, portID string, force bool) (*Singleton, error) {
	attempt := func() (*Singleton, error) {
		devLock, err := AcquireLock(deviceLockPath(baseDir))
		if err != nil {
			return nil, err
		}
		portLock, err := AcquireLock(portLockPath(locksDir, portID))
		if err != nil {
			devLock.Release()
			return nil, err
		}
		pidPath := pidFilePath(baseDir)
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			devLock.Release()
			portLock.Release()
			return nil, ebridgeerr.New("daemon.AcquireSingleton", ebridgeerr.InvalidArgument, err)
		}
		return &Singleton{deviceLock: devLock, portLock: portLock, pidPath: pidPath}, nil
	}

	s, err := attempt()
	if err == nil {
		return s, nil
	}
	if !force || ebridgeerr.KindOf(err) != ebridgeerr.ResourceBusy {
		return nil, err
	}

	if pid, ok := readHolderPID(baseDir); ok {
		terminateAndReap(pid)
		time.Sleep(200 * time.Millisecond)
	}

	return attempt()
}

// Release drops both locks. The pid file is left in place; a fresh
// AcquireSingleton overwrites it.
func (s *Singleton) Release() error {
	if s == nil {
		return nil
	}
	err1 := s.deviceLock.Release()
	err2 := s.portLock.Release()
	if err1 != nil {
		return err1
	}
	return err2
}

// readHolderPID reads the PID recorded in the device's singleton.pid, if
// present and still alive per gopsutil.
func readHolderPID(baseDir string) (int32, bool) {
	data, err := os.ReadFile(pidFilePath(baseDir))
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0, false
	}
	pid := int32(n)
	alive, err := process.PidExists(pid)
	if err != nil || !alive {
		return 0, false
	}
	return pid, true
}

// IsHolderAlive reports whether baseDir's recorded singleton owner is a
// live process, for status reporting and test assertions.
func IsHolderAlive(baseDir string) (int32, bool) {
	return readHolderPID(baseDir)
}

func terminateAndReap(pid int32) {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return
	}
	proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		alive, err := process.PidExists(pid)
		if err != nil || !alive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	proc.Signal(syscall.SIGKILL)
}

// ErrHint renders a human-readable diagnostic for a resource-busy failure,
// naming the PID currently holding the lock when known.
func ErrHint(baseDir string) string {
	if pid, ok := readHolderPID(baseDir); ok {
		return fmt.Sprintf("device already owned by running daemon (pid %d)", pid)
	}
	return "device lock held by another process"
}
