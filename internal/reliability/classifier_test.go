package reliability

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestLinearBackoff(t *testing.T) {
	base := time.Second
	if got := LinearBackoff(1, base); got != time.Second {
		t.Fatalf("attempt 1 = %v, want %v", got, time.Second)
	}
	if got := LinearBackoff(3, base); got != 3*time.Second {
		t.Fatalf("attempt 3 = %v, want %v", got, 3*time.Second)
	}
	if got := LinearBackoff(0, base); got != time.Second {
		t.Fatalf("attempt 0 = %v, want %v", got, time.Second)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	if IsRetryableNetworkError(nil) {
		t.Fatalf("nil error must not be retryable")
	}
	if IsRetryableNetworkError(context.Canceled) {
		t.Fatalf("cancellation must not be retryable")
	}
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if !IsRetryableNetworkError(opErr) {
		t.Fatalf("dial error should be retryable")
	}
	if IsRetryableNetworkError(errors.New("bad payload")) {
		t.Fatalf("plain error should not be retryable")
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want %v", err, context.Canceled)
	}
}
