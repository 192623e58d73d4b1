package transport

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"ebridge/internal/ebridgeerr"
)

// BackoffConfig parameterizes Reconnector's exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int // 0 means unlimited
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		MaxRetries: 0,
	}
}

// Reconnector wraps a Transport with CONNECTED -> DISCONNECTED ->
// RECONNECTING -> CONNECTED|ERROR state tracking and exponential backoff
// between reconnect attempts. It does not itself detect disconnects; the
// caller reports them via NotifyDisconnected after a failed Read/Write.
type Reconnector struct {
	mu      sync.Mutex
	state   State
	attempt int
	cfg     BackoffConfig
	opts    ConnectOptions
	tr      Transport
	logger  *log.Logger
}

func NewReconnector(tr Transport, opts ConnectOptions, cfg BackoffConfig, logger *log.Logger) *Reconnector {
	return &Reconnector{
		state:  StateDisconnected,
		cfg:    cfg,
		opts:   opts,
		tr:     tr,
		logger: logger,
	}
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect performs the initial connection attempt.
func (r *Reconnector) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateConnecting
	r.mu.Unlock()

	err := r.tr.Connect(ctx, r.opts)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = StateError
		return err
	}
	r.state = StateConnected
	r.attempt = 0
	return nil
}

// NotifyDisconnected transitions into RECONNECTING and blocks, retrying
// Connect with exponential backoff, until it succeeds, ctx is cancelled, or
// MaxRetries is exhausted (if nonzero). Safe to call from the goroutine
// that discovered the disconnect; callers past that point should stop
// issuing Read/Write until this returns nil.
func (r *Reconnector) NotifyDisconnected(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateReconnecting
	r.mu.Unlock()

	for {
		r.mu.Lock()
		attempt := r.attempt
		r.mu.Unlock()

		if r.cfg.MaxRetries > 0 && attempt >= r.cfg.MaxRetries {
			r.mu.Lock()
			r.state = StateError
			r.mu.Unlock()
			return ebridgeerr.New("transport.Reconnector.NotifyDisconnected", ebridgeerr.ConnectionLost,
				fmt.Errorf("gave up after %d reconnect attempts", attempt))
		}

		delay := r.backoffDelay(attempt)
		if r.logger != nil {
			r.logger.Printf("transport: reconnect attempt %d in %v", attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.state = StateDisconnected
			r.mu.Unlock()
			return ctx.Err()
		case <-time.After(delay):
		}

		err := r.tr.Connect(ctx, r.opts)
		r.mu.Lock()
		r.attempt++
		if err == nil {
			r.state = StateConnected
			r.attempt = 0
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Printf("transport: reconnect attempt failed: %v", err)
		}
	}
}

// backoffDelay computes Initial * Multiplier^attempt, clamped to Max. Pure
// function of attempt count, independent of wall-clock time, so it is
// deterministically testable.
func (r *Reconnector) backoffDelay(attempt int) time.Duration {
	d := float64(r.cfg.Initial) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if d > float64(r.cfg.Max) {
		return r.cfg.Max
	}
	return time.Duration(d)
}

func (r *Reconnector) Transport() Transport {
	return r.tr
}
