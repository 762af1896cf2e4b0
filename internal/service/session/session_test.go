//go:build !windows

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/service/executor"
)

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 256)}
}

func (r *recorder) sink(ev Event) {
	r.events <- ev
}

// until collects events up to and including the first terminal one.
func (r *recorder) until(t *testing.T) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-r.events:
			got = append(got, ev)
			switch ev.Type {
			case EventComplete, EventCancelled, EventError:
				return got
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for terminal event, got %+v", got)
		}
	}
}

func starter(line string) StartFunc {
	local := executor.NewLocal(config.ExecutionConfig{KillGrace: time.Second})
	return func(ctx context.Context) (*executor.Execution, error) {
		return local.Start(ctx, executor.Request{RunID: "1", Command: line, Timeout: 10 * time.Second})
	}
}

func TestRunEmitsOrderedEvents(t *testing.T) {
	// Arrange
	rec := newRecorder()
	m := NewManager()
	s := m.Open("c1", rec.sink)
	defer m.Close("c1")

	// Act
	err := s.Run(context.Background(), starter("echo one; echo two >&2; exit 4"), nil)

	// Assert
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	events := rec.until(t)
	if events[0].Type != EventStart {
		t.Errorf("Expected start first, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != EventComplete || last.ExitCode == nil || *last.ExitCode != 4 {
		t.Errorf("Expected complete with exit code 4, got %+v", last)
	}
	var stdout, stderr string
	for i, ev := range events {
		if i > 0 && ev.Seq <= events[i-1].Seq {
			t.Errorf("Expected increasing sequence numbers, got %d after %d", ev.Seq, events[i-1].Seq)
		}
		stdout += ev.Stdout
		stderr += ev.Stderr
	}
	if stdout != "one\n" || stderr != "two\n" {
		t.Errorf("Expected stdout %q and stderr %q, got %q and %q", "one\n", "two\n", stdout, stderr)
	}
	if s.State() != StateCompleted {
		t.Errorf("Expected state %s, got %s", StateCompleted, s.State())
	}
}

func TestRunWhileBusy(t *testing.T) {
	// Arrange
	rec := newRecorder()
	m := NewManager()
	s := m.Open("c1", rec.sink)
	defer m.Close("c1")
	if err := s.Run(context.Background(), starter("sleep 30"), nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Act
	err := s.Run(context.Background(), starter("echo again"), nil)

	// Assert
	if !errors.Is(err, BusyError) {
		t.Fatalf("Expected BusyError, got %v", err)
	}
	s.Cancel()
	events := rec.until(t)
	if last := events[len(events)-1]; last.Type != EventCancelled {
		t.Fatalf("Expected cancelled, got %+v", last)
	}
	if err := s.Run(context.Background(), starter("echo again"), nil); err != nil {
		t.Fatalf("Expected run after terminal state to succeed, got %v", err)
	}
	events = rec.until(t)
	if last := events[len(events)-1]; last.Type != EventComplete {
		t.Errorf("Expected complete, got %+v", last)
	}
}

func TestCancelStopsOutput(t *testing.T) {
	rec := newRecorder()
	m := NewManager()
	s := m.Open("c1", rec.sink)
	defer m.Close("c1")
	var result executor.Result
	finished := make(chan struct{})

	s.Run(context.Background(), starter("while true; do echo tick; sleep 0.05; done"), func(res executor.Result, err error) {
		result = res
		close(finished)
	})
	time.Sleep(200 * time.Millisecond)
	s.Cancel()
	s.Cancel()
	events := rec.until(t)
	<-finished

	cancelled := 0
	for _, ev := range events {
		if ev.Type == EventCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("Expected exactly one cancelled event, got %d", cancelled)
	}
	if !result.Cancelled || result.ExitCode != -1 {
		t.Errorf("Expected cancelled result with exit code -1, got %+v", result)
	}
	select {
	case ev := <-rec.events:
		t.Errorf("Expected no events after terminal, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelIdleIsNoop(t *testing.T) {
	rec := newRecorder()
	m := NewManager()
	s := m.Open("c1", rec.sink)

	s.Cancel()
	m.Close("c1")

	if len(rec.events) != 0 {
		t.Errorf("Expected no events, got %d", len(rec.events))
	}
	if m.Len() != 0 {
		t.Errorf("Expected no sessions, got %d", m.Len())
	}
}

func TestRunStartFailure(t *testing.T) {
	rec := newRecorder()
	m := NewManager()
	s := m.Open("c1", rec.sink)
	defer m.Close("c1")
	var startErr error

	err := s.Run(context.Background(), func(ctx context.Context) (*executor.Execution, error) {
		return nil, errors.New("spawn failed")
	}, func(res executor.Result, err error) {
		startErr = err
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	events := rec.until(t)
	if len(events) != 1 || events[0].Type != EventError || events[0].Error != "spawn failed" {
		t.Errorf("Expected a single error event, got %+v", events)
	}
	if startErr == nil {
		t.Errorf("Expected done callback to receive the start error")
	}
	if s.State() != StateErrored {
		t.Errorf("Expected state %s, got %s", StateErrored, s.State())
	}
}

func TestManagerCloseCancelsRunning(t *testing.T) {
	rec := newRecorder()
	m := NewManager()
	s := m.Open("c1", rec.sink)
	s.Run(context.Background(), starter("sleep 30"), nil)

	m.Close("c1")

	events := rec.until(t)
	if last := events[len(events)-1]; last.Type != EventCancelled {
		t.Errorf("Expected cancelled, got %+v", last)
	}
	if _, ok := m.Get("c1"); ok {
		t.Errorf("Expected session to be removed")
	}
}
