package supervise

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRestartOnFailure(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{
		Name:      "test",
		Intensity: Intensity{MaxRestarts: 5, Window: time.Minute},
		Log:       zerolog.Nop(),
	})
	defer s.Stop()

	done := make(chan struct{})
	err := s.StartChild(Spec{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("boom")
		}
		close(done)
		<-ctx.Done()
		return nil
	}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("child not restarted; runs=%d", runs.Load())
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestIntensityExhaustionEscalates(t *testing.T) {
	exhausted := make(chan string, 1)
	s := New(Config{
		Name:        "test",
		Intensity:   Intensity{MaxRestarts: 2, Window: time.Minute},
		Log:         zerolog.Nop(),
		OnExhausted: func(name string) { exhausted <- name },
	})
	defer s.Stop()

	if err := s.StartChild(Spec{Name: "doomed", Run: func(ctx context.Context) error {
		return errors.New("always fails")
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case name := <-exhausted:
		if name != "doomed" {
			t.Fatalf("escalated child = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no escalation")
	}

	health := s.Health()
	if len(health) != 1 || health[0].State != StateFailed {
		t.Fatalf("health = %+v", health)
	}
}

func TestPanicIsRestarted(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{
		Name:      "test",
		Intensity: Intensity{MaxRestarts: 5, Window: time.Minute},
		Log:       zerolog.Nop(),
	})
	defer s.Stop()

	done := make(chan struct{})
	if err := s.StartChild(Spec{Name: "panicky", Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("oops")
		}
		close(done)
		<-ctx.Done()
		return nil
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("panicked child not restarted")
	}
}

func TestNormalExitNotRestarted(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{Name: "test", Log: zerolog.Nop()})
	defer s.Stop()

	if err := s.StartChild(Spec{Name: "oneshot", Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("normal exit restarted: runs=%d", runs.Load())
	}
	health := s.Health()
	if health[0].State != StateStopped {
		t.Fatalf("state = %s", health[0].State)
	}
}

func TestStopChild(t *testing.T) {
	s := New(Config{Name: "test", Log: zerolog.Nop()})
	defer s.Stop()

	started := make(chan struct{})
	if err := s.StartChild(Spec{Name: "steady", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if err := s.StopChild("steady"); err != nil {
		t.Fatalf("stop child: %v", err)
	}
	if len(s.Health()) != 0 {
		t.Fatalf("stopped child still tracked")
	}
	if err := s.StopChild("steady"); err == nil {
		t.Fatalf("double stop should fail")
	}
}
