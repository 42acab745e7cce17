package rtsp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
	}
	for _, c := range cases {
		if got := calculateBackoff(c.attempt, cfg); got != c.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestResetReconnectState(t *testing.T) {
	state := &ReconnectState{CurrentRetries: 4}
	ResetReconnectState(state)
	if state.CurrentRetries != 0 {
		t.Fatalf("CurrentRetries = %d, want 0", state.CurrentRetries)
	}
}

func TestRunWithReconnectSucceedsFirstTry(t *testing.T) {
	state := &ReconnectState{}
	calls := 0
	err := RunWithReconnect(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, DefaultReconnectConfig(), state)
	if err != nil {
		t.Fatalf("RunWithReconnect: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if state.CurrentRetries != 0 {
		t.Fatalf("CurrentRetries = %d, want 0", state.CurrentRetries)
	}
}

func TestRunWithReconnectGivesUpAfterMaxRetries(t *testing.T) {
	state := &ReconnectState{}
	var reconnects uint32
	state.Reconnects = &reconnects
	cfg := ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}

	calls := 0
	err := RunWithReconnect(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("connect refused")
	}, cfg, state)

	if err == nil {
		t.Fatal("expected an error after exceeding max retries")
	}
	if calls != cfg.MaxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls, cfg.MaxRetries+1)
	}
	if reconnects != uint32(cfg.MaxRetries) {
		t.Fatalf("reconnects = %d, want %d", reconnects, cfg.MaxRetries)
	}
}

func TestRunWithReconnectStopsOnContextCancel(t *testing.T) {
	state := &ReconnectState{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunWithReconnect(ctx, func(ctx context.Context) error {
		return errors.New("unreachable")
	}, DefaultReconnectConfig(), state)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
