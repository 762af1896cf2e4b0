package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
)

// Local runs commands through the host shell, each in its own process
// group so that cancellation reaches every child.
type Local struct {
	shell     string
	killGrace time.Duration
}

func NewLocal(cfg config.ExecutionConfig) *Local {
	return &Local{
		shell:     cfg.Shell,
		killGrace: cfg.KillGrace,
	}
}

func (l *Local) Run(ctx context.Context, req Request) (Result, error) {
	return l.start(ctx, req, false).Wait(), nil
}

func (l *Local) Start(ctx context.Context, req Request) (*Execution, error) {
	e := l.start(ctx, req, true)
	select {
	case <-e.Done():
		if r := e.Wait(); r.Err != nil && !errors.Is(r.Err, TimeoutError) {
			return nil, r.Err
		}
	default:
	}
	return e, nil
}

// reservedEnvPrefix marks the service's own settings, which include the
// secret key and database credentials and never reach commands.
const reservedEnvPrefix = "HTTPRUN_"

func envList(env []entity.EnvVar) []string {
	var list []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, reservedEnvPrefix) {
			list = append(list, kv)
		}
	}
	for _, v := range env {
		list = append(list, v.Name+"="+v.Value)
	}
	return list
}

// processGroup serializes signals with the reaping of the process.
type processGroup struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	exited bool
}

func (g *processGroup) signal(send func(*exec.Cmd) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exited {
		return
	}
	if err := send(g.cmd); err != nil {
		slog.Debug("Signalling process group failed", "pid", g.cmd.Process.Pid, "error", err)
	}
}

func (g *processGroup) markExited() {
	g.mu.Lock()
	g.exited = true
	g.mu.Unlock()
}

func (l *Local) start(ctx context.Context, req Request, stream bool) *Execution {
	e := newExecution(ctx, entity.TargetLocal, stream)
	cmd := l.command(req.Command)
	cmd.Env = envList(req.Env)

	// Plain os pipes let Wait return when the shell exits even if a
	// descendant still holds the write ends.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return e.fail(fmt.Errorf("%w: %v", ExecutionError, err))
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return e.fail(fmt.Errorf("%w: %v", ExecutionError, err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		slog.ErrorContext(ctx, "Starting command failed", "run_id", req.RunID, "error", err)
		return e.fail(fmt.Errorf("%w: %v", ExecutionError, err))
	}
	slog.InfoContext(ctx, "Command started", "run_id", req.RunID, "pid", cmd.Process.Pid)

	e.pump(EventStdout, stdout)
	e.pump(EventStderr, stderr)

	group := &processGroup{cmd: cmd}
	watchCtx, stopWatch := e.ctx, func() {}
	if req.Timeout > 0 {
		watchCtx, stopWatch = context.WithTimeoutCause(e.ctx, req.Timeout, TimeoutError)
	}
	var timedOut atomic.Bool
	exited := make(chan struct{})

	go func() {
		select {
		case <-exited:
			return
		case <-watchCtx.Done():
		}
		if errors.Is(context.Cause(watchCtx), TimeoutError) {
			timedOut.Store(true)
			slog.WarnContext(ctx, "Command timed out", "run_id", req.RunID, "timeout", req.Timeout)
			group.signal(terminate)
			select {
			case <-exited:
				return
			case <-time.After(l.killGrace):
			case <-e.ctx.Done():
			}
		}
		group.signal(kill)
	}()

	go func() {
		defer stopWatch()
		waitErr := cmd.Wait()
		group.markExited()
		close(exited)
		e.closeEvents(l.killGrace, stdout, stderr)
		stdout.Close()
		stderr.Close()

		var res Result
		var exitErr *exec.ExitError
		switch {
		case timedOut.Load():
			res.Err = timeoutErr(req.Timeout)
		case e.cancelled():
			res.Cancelled = true
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case waitErr != nil:
			res.Err = fmt.Errorf("%w: %v", ExecutionError, waitErr)
		}
		slog.InfoContext(ctx, "Command finished", "run_id", req.RunID, "exit_code", res.ExitCode, "cancelled", res.Cancelled)
		e.finish(res)
	}()
	return e
}
