package transcode

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(Config{
		Binary:    "cat",
		Logger:    slog.New(slog.DiscardHandler),
		SkipProbe: true,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return s
}

func TestCreateSessionIsExclusivePerKey(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)
	defer s.KillAllSessions("dev-1")

	p1, err := s.CreateSession("dev-1", "s1", nil, "live", nil, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p2, err := s.CreateSession("dev-1", "s1", nil, "live", nil, 3)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if p1 != p2 {
		t.Error("duplicate create spawned a second process for the same key")
	}
	if got := s.SessionCount(); got != 1 {
		t.Errorf("session count = %d, want 1", got)
	}

	// A different purpose is a different key.
	p3, err := s.CreateSession("dev-1", "s1", nil, "record", nil, 3)
	if err != nil {
		t.Fatalf("create second purpose: %v", err)
	}
	if p3 == p1 {
		t.Error("distinct purpose returned the same process")
	}
}

func TestKillSessionRemovesKeyImmediately(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)

	p, err := s.CreateSession("dev-1", "s1", nil, "live", nil, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s.KillSession("dev-1", "s1", "live")
	if s.HasSession("dev-1", "s1", "live") {
		t.Error("HasSession = true immediately after kill, want false")
	}

	select {
	case <-p.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("process never reaped")
	}
}

func TestKillUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)
	s.KillSession("dev-9", "nope", "live")
}

func TestKillAllSessionsByDevicePrefix(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)

	mk := func(dev, sess string) *Process {
		p, err := s.CreateSession(dev, sess, nil, "live", nil, 3)
		if err != nil {
			t.Fatalf("create %s/%s: %v", dev, sess, err)
		}
		return p
	}
	a := mk("cam-7", "s1")
	b := mk("cam-7", "s2")
	c := mk("cam-8", "s1")

	s.KillAllSessions("cam-7")

	if s.HasSession("cam-7", "s1", "live") || s.HasSession("cam-7", "s2", "live") {
		t.Error("cam-7 sessions survived KillAllSessions")
	}
	if !s.HasSession("cam-8", "s1", "live") {
		t.Error("cam-8 session was killed by another device's teardown")
	}

	for _, p := range []*Process{a, b} {
		select {
		case <-p.Done:
		case <-time.After(5 * time.Second):
			t.Fatal("killed process never reaped")
		}
	}
	s.KillAllSessions("cam-8")
	<-c.Done
}

func TestProcessExitRemovesKey(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)

	p, err := s.CreateSession("dev-1", "s1", nil, "live", nil, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// cat exits on stdin EOF.
	p.Stdin.Close()
	select {
	case <-p.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.HasSession("dev-1", "s1", "live") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.HasSession("dev-1", "s1", "live") {
		t.Error("key not removed after process exit")
	}
}

func TestStderrForwarding(t *testing.T) {
	t.Parallel()

	s, err := NewSupervisor(Config{
		Binary:    "sh",
		Logger:    slog.New(slog.DiscardHandler),
		SkipProbe: true,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	var mu sync.Mutex
	var lines []string
	_, err = s.CreateSession("dev-1", "s1", []string{"-c", "echo diagnostic line >&2"}, "live",
		func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		}, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 || !strings.Contains(lines[0], "diagnostic line") {
		t.Fatalf("stderr lines = %v, want the diagnostic forwarded", lines)
	}
}

func TestExtraPipesBeyondStandardThree(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)
	defer s.KillAllSessions("dev-1")

	p, err := s.CreateSession("dev-1", "s1", nil, "export", nil, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := len(p.Extra); got != 2 {
		t.Errorf("extra pipes = %d, want 2 beyond the standard three", got)
	}
}

func TestMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewSupervisor(Config{
		Binary:    "definitely-not-a-real-transcoder",
		Logger:    slog.New(slog.DiscardHandler),
		SkipProbe: true,
	})
	if err == nil {
		t.Fatal("NewSupervisor accepted a missing binary")
	}
}
