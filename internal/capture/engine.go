package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ebridge/internal/ebridgeerr"
	"ebridge/internal/transport"
)

// EngineOptions configures a live capture run.
type EngineOptions struct {
	Channels     []int
	SampleWidth  uint8
	SampleRateHz uint32
	TimestampHz  uint32
	PollInterval time.Duration // default 1ms, matching the source daemon's poll_interval
	MaxReadBytes int           // per-channel read size; default 4096
}

// Summary is returned by Engine.Stop.
type Summary struct {
	TotalBytes  int64
	TotalFrames int64
	Duration    time.Duration
}

// Engine streams one or more transport channels to a capture file on a
// background goroutine, ported from rtt_binary.py's RTTBinaryCapture
// threading model: a single loop goroutine round-robins the channel list,
// sleeping PollInterval only when a full round produced no data.
type Engine struct {
	tr   transport.Transport
	opts EngineOptions

	writer *Writer

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	startedAt time.Time

	totalBytes  atomic.Int64
	totalFrames atomic.Int64
}

func NewEngine(tr transport.Transport, opts EngineOptions) *Engine {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.MaxReadBytes == 0 {
		opts.MaxReadBytes = 4096
	}
	return &Engine{tr: tr, opts: opts}
}

// Start begins writing frames to writer in the background. The caller owns
// writer and must not use it concurrently once Start returns.
func (e *Engine) Start(ctx context.Context, writer *Writer, startedAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ebridgeerr.New("capture.Engine.Start", ebridgeerr.ResourceBusy, nil)
	}
	e.writer = writer
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true
	e.startedAt = startedAt
	e.totalBytes.Store(0)
	e.totalFrames.Store(0)

	go e.loop(ctx)
	return nil
}

// loop is the cooperative-stop goroutine: it checks stopCh at the top of
// every round rather than relying on channel reads to unblock it, since
// Transport.Read is itself non-blocking.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)
	var tick uint32
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		gotData := false
		for _, ch := range e.opts.Channels {
			data, err := e.tr.Read(ctx, ch, e.opts.MaxReadBytes)
			if err != nil || len(data) == 0 {
				continue
			}
			if werr := e.writer.WriteFrame(uint8(ch), data, tick); werr != nil {
				continue // drop the frame rather than kill the capture loop
			}
			e.totalBytes.Add(int64(len(data)))
			e.totalFrames.Add(1)
			gotData = true
		}

		if e.opts.TimestampHz > 0 {
			tick++
		}

		if gotData {
			_ = e.writer.Flush()
		} else {
			select {
			case <-time.After(e.opts.PollInterval):
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop signals the loop goroutine, waits for it to exit (or for deadline to
// elapse), closes the writer, and returns a summary.
func (e *Engine) Stop(deadline time.Duration) Summary {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return Summary{}
	}
	close(e.stopCh)
	e.mu.Unlock()

	select {
	case <-e.doneCh:
	case <-time.After(deadline):
	}

	e.mu.Lock()
	e.running = false
	writer := e.writer
	e.writer = nil
	started := e.startedAt
	e.mu.Unlock()

	if writer != nil {
		_ = writer.Close()
	}

	return Summary{
		TotalBytes:  e.totalBytes.Load(),
		TotalFrames: e.totalFrames.Load(),
		Duration:    timeSince(started),
	}
}

func timeSince(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) TotalBytes() int64  { return e.totalBytes.Load() }
func (e *Engine) TotalFrames() int64 { return e.totalFrames.Load() }
