package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"Warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := expandHome("~/contract-intel")
	want := filepath.Join(home, "contract-intel")
	if got != want {
		t.Errorf("expandHome(~/contract-intel) = %q, want %q", got, want)
	}
	if got := expandHome("/var/lib/contract-intel"); got != "/var/lib/contract-intel" {
		t.Errorf("expandHome should not touch absolute paths, got %q", got)
	}
}

func TestWaitForShutdownSkipsClosersOnFatalError(t *testing.T) {
	errCh := make(chan error, 1)
	errCh <- errors.New("boom")

	var closed bool
	err := waitForShutdown(zerolog.Nop(), errCh, time.Second, func(ctx context.Context) error {
		closed = true
		return nil
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected fatal error to propagate, got %v", err)
	}
	if closed {
		t.Error("closers should not run on the fatal-error path, only on graceful shutdown")
	}
}

func TestWaitForShutdownRunsAllClosersOnSignal(t *testing.T) {
	errCh := make(chan error)
	var first, second bool

	done := make(chan error, 1)
	go func() {
		done <- waitForShutdown(zerolog.Nop(), errCh, time.Second,
			func(ctx context.Context) error { first = true; return nil },
			func(ctx context.Context) error { second = true; return errors.New("close failed") },
		)
	}()

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		t.Skipf("cannot signal self in this environment: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on graceful shutdown despite a closer failing, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitForShutdown did not return after SIGINT")
	}

	if !first || !second {
		t.Error("expected both closers to run")
	}
}
