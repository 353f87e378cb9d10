package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAwaitResult(t *testing.T) {
	got, err := await(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("await() = %d, %v; want 42, nil", got, err)
	}
}

func TestAwaitTimeout(t *testing.T) {
	_, err := await(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("await() error = %v, want ErrTimeout", err)
	}
}

func TestAwaitTimeoutIgnoresSlowCallee(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	_, err := await(context.Background(), 10*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("await() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("await() waited for a callee that ignores ctx")
	}
}

func TestAwaitParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := await(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("await() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("parent cancellation reported as timeout")
	}
}

func TestScanFilterMatches(t *testing.T) {
	f := ScanFilter{ServiceUUID: ServiceUUID, Name: "MyLED"}
	tests := []struct {
		name       string
		hasService bool
		want       bool
	}{
		{"Other", true, true},
		{"MyLED", false, true},
		{" MyLED ", false, true},
		{"MyLED2", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := f.Matches(tt.name, tt.hasService); got != tt.want {
			t.Errorf("Matches(%q, %v) = %v, want %v", tt.name, tt.hasService, got, tt.want)
		}
	}
}
