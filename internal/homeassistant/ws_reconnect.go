package homeassistant

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMaxReconnectAttempts is returned when the maximum number of reconnection attempts is reached.
var ErrMaxReconnectAttempts = errors.New("maximum reconnection attempts reached")

// ReconnectConfig holds configuration for reconnection behavior.
type ReconnectConfig struct {
	// InitialDelay is the starting delay between reconnection attempts.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between reconnection attempts.
	MaxDelay time.Duration
	// BackoffFactor is the multiplier applied to the delay after each attempt.
	BackoffFactor float64
	// MaxAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxAttempts int
}

// DefaultReconnectConfig returns the default reconnection configuration.
// Detection runs are bounded, so reconnection gives up after a few minutes
// instead of retrying forever.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		MaxAttempts:   10,
	}
}

// ReconnectManager handles automatic reconnection with exponential backoff.
type ReconnectManager struct {
	config      ReconnectConfig
	attempts    int
	currentWait time.Duration
	mu          sync.Mutex
	cancel      context.CancelFunc
}

// NewReconnectManager creates a new ReconnectManager with the given configuration.
func NewReconnectManager(config ReconnectConfig) *ReconnectManager {
	return &ReconnectManager{
		config:      config,
		currentWait: config.InitialDelay,
	}
}

// Reset resets the reconnection state after a successful connection.
func (r *ReconnectManager) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = 0
	r.currentWait = r.config.InitialDelay
	r.stopLocked()
}

func (r *ReconnectManager) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Stop aborts a pending WaitForReconnect.
func (r *ReconnectManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// ShouldReconnect returns true if another reconnection attempt should be made.
func (r *ReconnectManager) ShouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.MaxAttempts == 0 {
		return true
	}
	return r.attempts < r.config.MaxAttempts
}

// Attempts returns the number of reconnection attempts since the last Reset.
func (r *ReconnectManager) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CurrentDelay returns the wait before the next reconnection attempt.
func (r *ReconnectManager) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWait
}

// WaitForReconnect waits for the backoff duration before the next attempt.
// Returns an error if the context is cancelled, Stop is called or max
// attempts are reached.
func (r *ReconnectManager) WaitForReconnect(ctx context.Context) error {
	r.mu.Lock()

	if r.config.MaxAttempts > 0 && r.attempts >= r.config.MaxAttempts {
		r.mu.Unlock()
		return ErrMaxReconnectAttempts
	}

	r.attempts++
	wait := r.currentWait

	next := time.Duration(float64(r.currentWait) * r.config.BackoffFactor)
	if next > r.config.MaxDelay {
		next = r.config.MaxDelay
	}
	r.currentWait = next

	waitCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		cancel()
		return nil
	case <-waitCtx.Done():
		r.Stop()
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
}

// OnReconnectFunc is a callback function called after successful reconnection.
type OnReconnectFunc func(attempts int)

// OnDisconnectFunc is a callback function called when a disconnect is detected.
type OnDisconnectFunc func(err error)
