package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jrammler/httprun/internal/metrics"
	"github.com/jrammler/httprun/internal/service/executor"
)

var BusyError = errors.New("Session already has a running execution")

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

type EventType string

const (
	EventStart     EventType = "start"
	EventStdout    EventType = "stdout"
	EventStderr    EventType = "stderr"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
	EventCancelled EventType = "cancelled"
)

// Event is one outbound message of a streaming connection.
type Event struct {
	Type     EventType `json:"type"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Duration *int64    `json:"duration,omitempty"`
	Seq      uint64    `json:"seq"`
}

// Sink delivers events to the client. It is called with the session lock
// held and must not call back into the session.
type Sink func(Event)

type StartFunc func(ctx context.Context) (*executor.Execution, error)

// DoneFunc observes the end of an execution, err is set when it never
// started.
type DoneFunc func(res executor.Result, err error)

// Session holds the single active execution of one streaming connection.
type Session struct {
	id   string
	sink Sink

	mu              sync.Mutex
	state           State
	exec            *executor.Execution
	cancelRequested bool
	seq             uint64
	last            executor.Result
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the outcome of the most recent execution.
func (s *Session) LastResult() executor.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) emitLocked(ev Event) {
	s.seq++
	ev.Seq = s.seq
	s.sink(ev)
}

// Reject reports an error to the client without touching the running
// execution.
func (s *Session) Reject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(Event{Type: EventError, Error: err.Error()})
}

// Run starts an execution unless one is already running. The terminal event
// is emitted after the process is gone.
func (s *Session) Run(ctx context.Context, start StartFunc, done DoneFunc) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return BusyError
	}
	s.state = StateRunning
	s.cancelRequested = false
	s.mu.Unlock()

	exec, err := start(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateErrored
		s.last = executor.Result{ExitCode: -1, Err: err}
		exitCode := -1
		s.emitLocked(Event{Type: EventError, Error: err.Error(), ExitCode: &exitCode})
		if done != nil {
			done(s.last, err)
		}
		return nil
	}
	s.exec = exec
	s.emitLocked(Event{Type: EventStart})
	if s.cancelRequested {
		exec.Cancel()
	}
	go s.forward(exec, done)
	return nil
}

func (s *Session) forward(exec *executor.Execution, done DoneFunc) {
	for ev := range exec.Events() {
		s.mu.Lock()
		if !s.cancelRequested {
			out := Event{Type: EventStdout, Stdout: ev.Line}
			if ev.Type == executor.EventStderr {
				out = Event{Type: EventStderr, Stderr: ev.Line}
			}
			s.emitLocked(out)
		}
		s.mu.Unlock()
	}
	res := exec.Wait()

	s.mu.Lock()
	exitCode := res.ExitCode
	duration := res.Duration.Milliseconds()
	switch {
	case s.cancelRequested || res.Cancelled:
		s.state = StateCancelled
		s.emitLocked(Event{Type: EventCancelled, ExitCode: &exitCode, Duration: &duration})
	case res.Err != nil:
		s.state = StateErrored
		s.emitLocked(Event{Type: EventError, Error: res.Err.Error(), ExitCode: &exitCode, Duration: &duration})
	default:
		s.state = StateCompleted
		s.emitLocked(Event{Type: EventComplete, ExitCode: &exitCode, Duration: &duration})
	}
	s.exec = nil
	s.last = res
	s.mu.Unlock()

	if done != nil {
		done(res, nil)
	}
}

// Cancel stops the running execution. It is a no-op when idle and may be
// called repeatedly; the cancelled event follows once the process is gone.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.cancelRequested {
		return
	}
	s.cancelRequested = true
	if s.exec != nil {
		s.exec.Cancel()
	}
}

// Manager tracks the sessions of all open streaming connections.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Open(id string, sink Sink) *Session {
	s := &Session{id: id, sink: sink, state: StateIdle}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.StreamSessions.Inc()
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close forgets the session and cancels whatever it is running.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.StreamSessions.Dec()
	if s.State() == StateRunning {
		slog.Info("Connection closed with running execution, cancelling", "session_id", id)
	}
	s.Cancel()
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CancelAll cancels every running execution, used on shutdown.
func (m *Manager) CancelAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Cancel()
	}
}
