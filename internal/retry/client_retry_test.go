package retry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// --- Test helpers ---

type scriptedCall struct {
	calls int32

	// fail with errTransient until the successAfterN-th call
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (s *scriptedCall) call(ctx context.Context) (string, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.successAfterN > 0 {
		if int(n) < s.successAfterN {
			if s.errTransient != nil {
				return "", s.errTransient
			}
			return "", errors.New("timeout")
		}
		return "ok", nil
	}
	if s.errPermanent != nil {
		return "", s.errPermanent
	}
	if s.errTransient != nil {
		return "", s.errTransient
	}
	return "ok", nil
}

func makeClient(t *testing.T, cfg Config) (*Client, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	return NewClient(l, cfg), &buf
}

// --- Tests ---

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: -1})

	if c.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if c.config.MaxRetries != DefaultConfig.MaxRetries {
		t.Fatalf("MaxRetries sanitized: got %d want %d", c.config.MaxRetries, DefaultConfig.MaxRetries)
	}
	if c.config.InitialBackoff != DefaultConfig.InitialBackoff {
		t.Fatalf("InitialBackoff sanitized: got %v want %v", c.config.InitialBackoff, DefaultConfig.InitialBackoff)
	}
	if c.config.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Fatalf("MaxBackoff sanitized: got %v want %v", c.config.MaxBackoff, DefaultConfig.MaxBackoff)
	}
	if c.config.Timeout != DefaultConfig.Timeout {
		t.Fatalf("Timeout sanitized: got %v want %v", c.config.Timeout, DefaultConfig.Timeout)
	}

	l := logrus.New()
	if c2 := NewClient(l); c2.logger != l {
		t.Fatalf("expected provided logger to be used")
	}
}

func TestIsTransient_Patterns(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"server error", errors.New("internal server error"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"504", errors.New("504 Gateway Timeout"), true},
		{"network", errors.New("network unreachable"), true},
		{"dns", errors.New("dns lookup failed"), true},
		{"tcp", errors.New("tcp handshake failed"), true},
		{"non-transient", errors.New("order rejected: insufficient buying power"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNextBackoff_GeneralBehavior(t *testing.T) {
	c, _ := makeClient(t, Config{
		MaxRetries:     2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        1 * time.Second,
	})

	// x1.5 within max, jitter in [0, backoff/4)
	next := c.nextBackoff(4 * time.Millisecond)
	if next < 6*time.Millisecond || next >= 7500*time.Microsecond {
		t.Fatalf("unexpected next backoff: got %v", next)
	}

	// capped before jitter
	next2 := c.nextBackoff(8 * time.Millisecond)
	if next2 < 10*time.Millisecond || next2 >= 12500*time.Microsecond {
		t.Fatalf("unexpected capped next backoff: got %v", next2)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	s := &scriptedCall{}
	c, buf := makeClient(t, Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	})

	got, err := Do(context.Background(), c, "status", s.call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q", got)
	}
	if atomic.LoadInt32(&s.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", s.calls)
	}
	if strings.Contains(buf.String(), "retrying") {
		t.Fatalf("no retry log expected, got: %s", buf.String())
	}
}

func TestDo_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	s := &scriptedCall{successAfterN: 3, errTransient: errors.New("503 service unavailable")}
	c, buf := makeClient(t, Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	})

	got, err := Do(context.Background(), c, "status", s.call)
	if err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q", got)
	}
	if atomic.LoadInt32(&s.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", s.calls)
	}
	if !strings.Contains(buf.String(), "Transient error, retrying") {
		t.Fatalf("expected retry log, got: %s", buf.String())
	}
}

func TestDo_FailFastOnNonTransient(t *testing.T) {
	s := &scriptedCall{errPermanent: errors.New("order rejected")}
	c, _ := makeClient(t, Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        200 * time.Millisecond,
	})

	_, err := Do(context.Background(), c, "cancel", s.call)
	if err == nil {
		t.Fatalf("expected error on non-transient failure")
	}
	if atomic.LoadInt32(&s.calls) != 1 {
		t.Fatalf("expected only 1 attempt, got %d", s.calls)
	}
	if !strings.Contains(err.Error(), "cancel failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	s := &scriptedCall{errTransient: errors.New("connection reset")}
	c, _ := makeClient(t, Config{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     1 * time.Millisecond,
		Timeout:        time.Second,
	})

	_, err := Do(context.Background(), c, "positions", s.call)
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&s.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", s.calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	s := &scriptedCall{}
	c, _ := makeClient(t, Config{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        1 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, c, "status", s.call)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "operation canceled") {
		t.Fatalf("expected 'operation canceled' in error, got: %v", err)
	}
	if atomic.LoadInt32(&s.calls) != 0 {
		t.Fatalf("expected 0 calls, got %d", s.calls)
	}
}

func TestDo_TimeoutDuringBackoff(t *testing.T) {
	s := &scriptedCall{errTransient: errors.New("connection reset")}
	c, _ := makeClient(t, Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        5 * time.Millisecond,
	})

	_, err := Do(context.Background(), c, "status", s.call)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout-related error, got: %v", err)
	}
}

func TestRun_PropagatesError(t *testing.T) {
	c, _ := makeClient(t, Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second})
	calls := 0
	err := c.Run(context.Background(), "cancel", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
