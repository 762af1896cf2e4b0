//go:build !windows

package executor

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
)

func newTestLocal() *Local {
	return NewLocal(config.ExecutionConfig{Shell: "/bin/sh", KillGrace: 200 * time.Millisecond})
}

func TestLocalRun(t *testing.T) {
	testCases := []struct {
		name             string
		command          string
		env              []entity.EnvVar
		expectedStdout   string
		expectedStderr   string
		expectedExitCode int
	}{
		{
			name:           "Echo",
			command:        "echo hello",
			expectedStdout: "hello\n",
		},
		{
			name:           "Stderr",
			command:        "echo oops 1>&2",
			expectedStderr: "oops\n",
		},
		{
			name:             "Nonzero exit",
			command:          "exit 3",
			expectedExitCode: 3,
		},
		{
			name:           "Env",
			command:        "echo $GREETING",
			env:            []entity.EnvVar{{Name: "GREETING", Value: "hi"}},
			expectedStdout: "hi\n",
		},
		{
			name:           "Partial last line",
			command:        "printf 'a\\nb'",
			expectedStdout: "a\nb",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			local := newTestLocal()

			// Act
			res, err := local.Run(context.Background(), Request{Command: tc.command, Env: tc.env, Timeout: 5 * time.Second})

			// Assert
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if res.Err != nil {
				t.Fatalf("Expected no execution error, got %v", res.Err)
			}
			if res.Stdout != tc.expectedStdout {
				t.Errorf("Expected stdout %q, got %q", tc.expectedStdout, res.Stdout)
			}
			if res.Stderr != tc.expectedStderr {
				t.Errorf("Expected stderr %q, got %q", tc.expectedStderr, res.Stderr)
			}
			if res.ExitCode != tc.expectedExitCode {
				t.Errorf("Expected exit code %d, got %d", tc.expectedExitCode, res.ExitCode)
			}
		})
	}
}

func TestLocalTimeout(t *testing.T) {
	local := newTestLocal()

	start := time.Now()
	res, _ := local.Run(context.Background(), Request{Command: "sleep 30", Timeout: 100 * time.Millisecond})

	if !errors.Is(res.Err, TimeoutError) || !errors.Is(res.Err, ExecutionError) {
		t.Fatalf("Expected timeout error, got %v", res.Err)
	}
	if res.ExitCode != -1 {
		t.Errorf("Expected exit code -1, got %d", res.ExitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Expected timeout to stop the command, took %s", time.Since(start))
	}
}

func TestLocalStartStreamsLines(t *testing.T) {
	local := newTestLocal()

	e, err := local.Start(context.Background(), Request{Command: "echo one; echo two 1>&2; echo three"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	var stdout, stderr []string
	for ev := range e.Events() {
		if ev.Type == EventStdout {
			stdout = append(stdout, ev.Line)
		} else {
			stderr = append(stderr, ev.Line)
		}
	}
	res := e.Wait()

	if len(stdout) != 2 || stdout[0] != "one" || stdout[1] != "three" {
		t.Errorf("Expected stdout lines [one three], got %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "two" {
		t.Errorf("Expected stderr lines [two], got %v", stderr)
	}
	if res.ExitCode != 0 || res.Cancelled {
		t.Errorf("Expected clean completion, got %+v", res)
	}
}

func TestLocalCancelKillsProcessGroup(t *testing.T) {
	// Arrange
	local := newTestLocal()
	e, err := local.Start(context.Background(), Request{Command: "echo $$; sleep 30 & wait"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	first := <-e.Events()
	pgid, err := strconv.Atoi(first.Line)
	if err != nil {
		t.Fatalf("Expected shell pid, got %q", first.Line)
	}

	// Act
	time.Sleep(50 * time.Millisecond)
	e.Cancel()
	e.Cancel()
	var late int
	for range e.Events() {
		late++
	}
	res := e.Wait()

	// Assert
	if !res.Cancelled {
		t.Errorf("Expected cancelled result, got %+v", res)
	}
	if late != 0 {
		t.Errorf("Expected no output after cancel, got %d events", late)
	}
	if res.Duration > 5*time.Second {
		t.Errorf("Expected prompt cancellation, took %s", res.Duration)
	}
	// orphaned children are reaped by init, give it a moment
	var killErr error
	for i := 0; i < 40; i++ {
		if killErr = syscall.Kill(-pgid, 0); errors.Is(killErr, syscall.ESRCH) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !errors.Is(killErr, syscall.ESRCH) {
		t.Errorf("Expected process group to be gone, got %v", killErr)
	}
}

func TestLocalSpawnFailure(t *testing.T) {
	local := NewLocal(config.ExecutionConfig{Shell: "/nonexistent/shell"})

	res, _ := local.Run(context.Background(), Request{Command: "true"})
	if !errors.Is(res.Err, ExecutionError) || res.ExitCode != -1 {
		t.Errorf("Expected execution error with exit code -1, got %+v", res)
	}
	if _, err := local.Start(context.Background(), Request{Command: "true"}); !errors.Is(err, ExecutionError) {
		t.Errorf("Expected execution error from Start, got %v", err)
	}
}

func TestLocalDetachedChildDoesNotHoldRun(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	testCases := []struct {
		name            string
		command         string
		timeout         time.Duration
		expectedTimeout bool
	}{
		{"Timeout", "setsid sleep 3 & sleep 30", 300 * time.Millisecond, true},
		{"Shell exits first", "setsid sleep 3 &", 10 * time.Second, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			local := newTestLocal()

			// Act
			start := time.Now()
			res, _ := local.Run(context.Background(), Request{Command: tc.command, Timeout: tc.timeout})
			elapsed := time.Since(start)

			// Assert
			if elapsed > 2*time.Second {
				t.Errorf("Expected run to end without waiting for the detached child, took %s", elapsed)
			}
			if tc.expectedTimeout {
				if !errors.Is(res.Err, TimeoutError) || res.ExitCode != -1 {
					t.Errorf("Expected timeout error with exit code -1, got %+v", res)
				}
			} else if res.Err != nil || res.ExitCode != 0 {
				t.Errorf("Expected clean exit, got %+v", res)
			}
		})
	}
}

func TestLocalCancelWithDetachedChild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	// Arrange
	local := newTestLocal()
	e, err := local.Start(context.Background(), Request{Command: "setsid sleep 3 & sleep 30"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Act
	e.Cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Expected cancel to end the run while the detached child lives on")
	}
	res := e.Wait()

	// Assert
	if !res.Cancelled || res.ExitCode != -1 {
		t.Errorf("Expected cancelled result with exit code -1, got %+v", res)
	}
}

func TestLocalEnvHidesServiceSettings(t *testing.T) {
	// Arrange
	t.Setenv("HTTPRUN_SECRET_KEY", "hunter2")
	t.Setenv("HTTPRUN_TEST_VISIBLE", "shell")
	local := newTestLocal()

	// Act
	res, err := local.Run(context.Background(), Request{
		Command: "printenv HTTPRUN_SECRET_KEY; echo \"[$HTTPRUN_TEST_VISIBLE]\"",
		Env:     []entity.EnvVar{{Name: "HTTPRUN_TEST_VISIBLE", Value: "command"}},
		Timeout: 5 * time.Second,
	})

	// Assert
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Stdout != "[command]\n" {
		t.Errorf("Expected only the command's own variable, got %q", res.Stdout)
	}
}
