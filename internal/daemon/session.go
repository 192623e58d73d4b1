package daemon

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ebridge/internal/ebridgeerr"
)

const recentLinesCapacity = 500

// Session is one daemon run's state: identity, counters, and a bounded
// ring buffer of recent raw lines (for crash-context dumps), mirroring
// serial_daemon.py's SerialMonitorDaemon stats/recent_lines fields,
// generalized to any transport rather than just a serial port.
type Session struct {
	mu sync.Mutex

	ID        string
	Port      string
	BaudOrKHz int
	StartedAt time.Time

	linesLogged    int
	commandsSent   int
	alertsTrigered int
	errors         int

	recentLines []string
	recentHead  int
	recentLen   int

	logFile *os.File
}

// NewSessionID builds a session identifier unique even across two daemons
// started in the same second against the same device: "<unix-ts>-<uuid4>".
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.Unix(), uuid.NewString())
}

// NewSession opens baseDir's latest.log in truncate mode (a fresh session
// always starts a fresh log) and writes its header marker.
func NewSession(baseDir, port string, baudOrKHz int, now time.Time) (*Session, error) {
	s := &Session{
		ID:          NewSessionID(now),
		Port:        port,
		BaudOrKHz:   baudOrKHz,
		StartedAt:   now,
		recentLines: make([]string, recentLinesCapacity),
	}

	f, err := os.Create(ControlFiles{BaseDir: baseDir}.Log())
	if err != nil {
		return nil, ebridgeerr.New("daemon.NewSession", ebridgeerr.InvalidArgument, err)
	}
	s.logFile = f

	rule := strings.Repeat("=", 60)
	header := fmt.Sprintf(
		"%s\nebridge session %s - started %s\nport: %s, speed: %d\n%s\n\n",
		rule, s.ID, now.Format(time.RFC3339), port, baudOrKHz, rule,
	)
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, ebridgeerr.New("daemon.NewSession", ebridgeerr.InvalidArgument, err)
	}
	f.Sync()
	return s, nil
}

// LogLine appends a timestamped line to the session log and the recent-
// lines ring buffer.
func (s *Session) LogLine(line string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.linesLogged++
	s.recentLines[s.recentHead] = line
	s.recentHead = (s.recentHead + 1) % recentLinesCapacity
	if s.recentLen < recentLinesCapacity {
		s.recentLen++
	}

	formatted := fmt.Sprintf("[%s] %s\n", at.Format("15:04:05.000"), line)
	if s.logFile != nil {
		if _, err := s.logFile.WriteString(formatted); err != nil {
			s.errors++
			return ebridgeerr.New("daemon.Session.LogLine", ebridgeerr.InvalidArgument, err)
		}
		s.logFile.Sync()
	}
	return nil
}

// RecordCommandSent increments the commands-sent counter.
func (s *Session) RecordCommandSent() {
	s.mu.Lock()
	s.commandsSent++
	s.mu.Unlock()
}

// RecordAlert increments the alerts-triggered counter.
func (s *Session) RecordAlert() {
	s.mu.Lock()
	s.alertsTrigered++
	s.mu.Unlock()
}

// errorsIncrement increments the errors counter, for transport read/write
// failures that don't themselves produce a line of output.
func (s *Session) errorsIncrement() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// RecentLines returns up to recentLinesCapacity of the most recently
// logged lines, oldest first.
func (s *Session) RecentLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, s.recentLen)
	start := (s.recentHead - s.recentLen + recentLinesCapacity) % recentLinesCapacity
	for i := 0; i < s.recentLen; i++ {
		out[i] = s.recentLines[(start+i)%recentLinesCapacity]
	}
	return out
}

// Counters is a snapshot of the session's monotonically increasing
// counters, safe to embed in a StatusSnapshot.
type Counters struct {
	LinesLogged    int
	CommandsSent   int
	AlertsTrigered int
	Errors         int
}

func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{
		LinesLogged:    s.linesLogged,
		CommandsSent:   s.commandsSent,
		AlertsTrigered: s.alertsTrigered,
		Errors:         s.errors,
	}
}

// Close writes the footer marker and closes the session log.
func (s *Session) Close(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logFile == nil {
		return nil
	}
	rule := strings.Repeat("=", 60)
	footer := fmt.Sprintf(
		"\n%s\nsession ended: %s\nlines logged: %d, alerts: %d, commands sent: %d\n%s\n",
		rule, now.Format(time.RFC3339), s.linesLogged, s.alertsTrigered, s.commandsSent, rule,
	)
	s.logFile.WriteString(footer)
	return s.logFile.Close()
}
