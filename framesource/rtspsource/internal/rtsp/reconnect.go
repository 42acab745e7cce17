package rtsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig bounds an exponential-backoff reconnection loop.
type ReconnectConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultReconnectConfig allows 5 retries, waiting 1s, 2s, 4s, 8s and
// 16s before them; any single wait is capped at 30s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState tracks in-flight reconnection attempts; Reconnects is
// shared with a caller's stats struct so it can be read concurrently.
type ReconnectState struct {
	CurrentRetries int
	Reconnects     *uint32
}

// ConnectFunc attempts to establish (or re-establish) a connection.
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn repeatedly with exponential backoff
// until it succeeds, ctx is cancelled, or cfg.MaxRetries is exceeded.
func RunWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg ReconnectConfig, state *ReconnectState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := connectFn(ctx); err == nil {
			state.CurrentRetries = 0
			return nil
		} else {
			slog.Error("rtspsource: connect attempt failed", "error", err)
		}

		state.CurrentRetries++
		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("rtspsource: max retries exceeded (%d attempts)", cfg.MaxRetries)
		}
		if state.Reconnects != nil {
			atomic.AddUint32(state.Reconnects, 1)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)
		slog.Warn("rtspsource: backing off before reconnect",
			"attempt", state.CurrentRetries, "max_retries", cfg.MaxRetries, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay*2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// ResetReconnectState clears the retry counter after a successful connection.
func ResetReconnectState(state *ReconnectState) {
	state.CurrentRetries = 0
}
