package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/metrics"
)

var ExecutionError = errors.New("Execution failed")
var TimeoutError = errors.New("Execution timed out")
var UnsupportedTargetError = errors.New("Unsupported execution target")

const eventBufferSize = 256

// minDrainGrace is the shortest time output pipes are read after the
// process is gone.
const minDrainGrace = 250 * time.Millisecond

// maxLineSize bounds a single output line; longer lines are split.
const maxLineSize = 1024 * 1024

type Request struct {
	RunID   string
	Command string
	Env     []entity.EnvVar
	Target  entity.ExecutionTarget
	Timeout time.Duration
}

// Result is the outcome of one execution. A nonzero ExitCode is a normal
// completion; Err is only set when the process could not run to the end.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Cancelled bool
	Err       error
}

type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
)

type Event struct {
	Type EventType
	Line string
}

type Executor interface {
	// Run executes req and buffers its output.
	Run(ctx context.Context, req Request) (Result, error)
	// Start executes req and streams its output line by line.
	Start(ctx context.Context, req Request) (*Execution, error)
}

// Execution is a running process. Events is closed once both output
// streams are drained; Wait returns after the process is gone.
type Execution struct {
	target  string
	started time.Time
	stream  bool

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer

	pumps  sync.WaitGroup
	done   chan struct{}
	result Result
}

func newExecution(ctx context.Context, target entity.TargetKind, stream bool) *Execution {
	runCtx, cancel := context.WithCancel(ctx)
	e := &Execution{
		target:  string(target),
		started: time.Now(),
		stream:  stream,
		events:  make(chan Event, eventBufferSize),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if !stream {
		close(e.events)
	}
	return e
}

func (e *Execution) Events() <-chan Event {
	return e.events
}

// Cancel requests termination. It returns immediately and may be called
// any number of times.
func (e *Execution) Cancel() {
	e.cancel()
}

func (e *Execution) Wait() Result {
	<-e.done
	return e.result
}

func (e *Execution) Done() <-chan struct{} {
	return e.done
}

func (e *Execution) cancelled() bool {
	return errors.Is(context.Cause(e.ctx), context.Canceled)
}

// scanRawLines splits like bufio.ScanLines but keeps the line terminator
// and emits overlong lines in chunks.
func scanRawLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF || len(data) >= maxLineSize {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (e *Execution) pump(kind EventType, pipe io.Reader) {
	e.pumps.Add(1)
	go func() {
		defer e.pumps.Done()
		buf := &e.stdout
		if kind == EventStderr {
			buf = &e.stderr
		}
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		scanner.Split(scanRawLines)
		for scanner.Scan() {
			raw := scanner.Text()
			e.mu.Lock()
			buf.WriteString(raw)
			e.mu.Unlock()
			if !e.stream || e.ctx.Err() != nil {
				continue
			}
			select {
			case e.events <- Event{Type: kind, Line: strings.TrimRight(raw, "\r\n")}:
			case <-e.ctx.Done():
			}
		}
		// keep draining so the writer never blocks on a full pipe
		io.Copy(io.Discard, pipe)
	}()
}

// closeEvents waits for both pumps and closes the event channel. It is
// called once the process is gone. Pipes that escaped descendants still
// hold open after the grace period are closed so the execution can end.
func (e *Execution) closeEvents(grace time.Duration, pipes ...io.Closer) {
	drained := make(chan struct{})
	go func() {
		e.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(max(grace, minDrainGrace)):
		slog.Warn("Output still open after process exit, detaching", "target", e.target, "grace", grace)
		for _, p := range pipes {
			p.Close()
		}
		<-drained
	}
	if e.stream {
		close(e.events)
	}
}

func outcome(r Result) string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case errors.Is(r.Err, TimeoutError):
		return "timeout"
	case r.Err != nil:
		return "error"
	case r.ExitCode != 0:
		return "failed"
	default:
		return "completed"
	}
}

func (e *Execution) finish(r Result) {
	e.mu.Lock()
	r.Stdout = e.stdout.String()
	r.Stderr = e.stderr.String()
	e.mu.Unlock()
	r.Duration = time.Since(e.started)
	if r.Err != nil || r.Cancelled {
		r.ExitCode = -1
	}
	e.result = r
	e.cancel()
	metrics.Executions.WithLabelValues(e.target, outcome(r)).Inc()
	metrics.ExecutionDuration.WithLabelValues(e.target).Observe(r.Duration.Seconds())
	close(e.done)
}

// fail finishes an execution that never got a running process.
func (e *Execution) fail(err error) *Execution {
	if e.stream {
		close(e.events)
	}
	e.finish(Result{Err: err})
	return e
}

func timeoutErr(d time.Duration) error {
	return fmt.Errorf("%w: %w after %s", ExecutionError, TimeoutError, d)
}

// Releaser is implemented by executors that hold connections per target.
type Releaser interface {
	Release(target entity.ExecutionTarget)
}

// Dispatcher routes requests to the executor of their target kind.
type Dispatcher struct {
	local Executor
	ssh   Executor
}

func NewDispatcher(local, ssh Executor) *Dispatcher {
	return &Dispatcher{local: local, ssh: ssh}
}

func (d *Dispatcher) pick(target entity.ExecutionTarget) (Executor, error) {
	switch target.Kind {
	case entity.TargetLocal, "":
		if d.local != nil {
			return d.local, nil
		}
	case entity.TargetSSH:
		if d.ssh != nil {
			return d.ssh, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", UnsupportedTargetError, target.Kind)
}

func (d *Dispatcher) Run(ctx context.Context, req Request) (Result, error) {
	ex, err := d.pick(req.Target)
	if err != nil {
		return Result{ExitCode: -1, Err: err}, err
	}
	return ex.Run(ctx, req)
}

func (d *Dispatcher) Start(ctx context.Context, req Request) (*Execution, error) {
	ex, err := d.pick(req.Target)
	if err != nil {
		return nil, err
	}
	return ex.Start(ctx, req)
}

func (d *Dispatcher) Release(target entity.ExecutionTarget) {
	if ex, err := d.pick(target); err == nil {
		if r, ok := ex.(Releaser); ok {
			r.Release(target)
		}
	}
}
