package homeassistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultReconnectConfig(t *testing.T) {
	t.Parallel()

	want := ReconnectConfig{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		MaxAttempts:   10,
	}
	if diff := cmp.Diff(want, DefaultReconnectConfig()); diff != "" {
		t.Errorf("DefaultReconnectConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnectManager_Backoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		config     ReconnectConfig
		waits      int
		wantDelays []time.Duration
	}{
		{
			name: "doubles each attempt",
			config: ReconnectConfig{
				InitialDelay:  time.Millisecond,
				MaxDelay:      time.Second,
				BackoffFactor: 2.0,
			},
			waits:      3,
			wantDelays: []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond},
		},
		{
			name: "capped at max delay",
			config: ReconnectConfig{
				InitialDelay:  2 * time.Millisecond,
				MaxDelay:      5 * time.Millisecond,
				BackoffFactor: 4.0,
			},
			waits:      2,
			wantDelays: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mgr := NewReconnectManager(tt.config)
			var got []time.Duration
			for range tt.waits {
				if err := mgr.WaitForReconnect(context.Background()); err != nil {
					t.Fatalf("WaitForReconnect() error = %v", err)
				}
				got = append(got, mgr.CurrentDelay())
			}

			if diff := cmp.Diff(tt.wantDelays, got); diff != "" {
				t.Errorf("delays mismatch (-want +got):\n%s", diff)
			}
			if mgr.Attempts() != tt.waits {
				t.Errorf("Attempts() = %d, want %d", mgr.Attempts(), tt.waits)
			}
		})
	}
}

func TestReconnectManager_MaxAttempts(t *testing.T) {
	t.Parallel()

	mgr := NewReconnectManager(ReconnectConfig{
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxAttempts:   2,
	})

	for i := range 2 {
		if !mgr.ShouldReconnect() {
			t.Fatalf("ShouldReconnect() = false before attempt %d", i+1)
		}
		if err := mgr.WaitForReconnect(context.Background()); err != nil {
			t.Fatalf("WaitForReconnect() attempt %d error = %v", i+1, err)
		}
	}

	if mgr.ShouldReconnect() {
		t.Error("ShouldReconnect() = true after max attempts")
	}
	if err := mgr.WaitForReconnect(context.Background()); !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Errorf("WaitForReconnect() error = %v, want ErrMaxReconnectAttempts", err)
	}

	mgr.Reset()
	if mgr.Attempts() != 0 || mgr.CurrentDelay() != time.Millisecond {
		t.Errorf("after Reset attempts = %d delay = %v, want 0 and 1ms", mgr.Attempts(), mgr.CurrentDelay())
	}
}

func TestReconnectManager_WaitInterrupted(t *testing.T) {
	t.Parallel()

	slow := ReconnectConfig{InitialDelay: time.Minute, MaxDelay: time.Minute, BackoffFactor: 2.0}

	tests := []struct {
		name    string
		run     func(mgr *ReconnectManager) error
		wantErr error
	}{
		{
			name: "context deadline",
			run: func(mgr *ReconnectManager) error {
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				defer cancel()
				return mgr.WaitForReconnect(ctx)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "context cancelled",
			run: func(mgr *ReconnectManager) error {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(20*time.Millisecond, cancel)
				return mgr.WaitForReconnect(ctx)
			},
			wantErr: context.Canceled,
		},
		{
			name: "stop",
			run: func(mgr *ReconnectManager) error {
				time.AfterFunc(20*time.Millisecond, mgr.Stop)
				return mgr.WaitForReconnect(context.Background())
			},
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			done := make(chan error, 1)
			go func() { done <- tt.run(NewReconnectManager(slow)) }()

			select {
			case err := <-done:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("WaitForReconnect() error = %v, want %v", err, tt.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("WaitForReconnect() did not return")
			}
		})
	}
}
