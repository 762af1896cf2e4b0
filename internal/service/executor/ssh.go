package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/secret"
)

var NoCredentialsError = errors.New("No SSH credentials available")

// SSH runs commands on remote hosts. Connections come from a Pool and
// every execution gets its own session.
type SSH struct {
	verifier    *HostKeyVerifier
	cipher      *secret.Cipher
	dialTimeout time.Duration
	killGrace   time.Duration
	keyPaths    []string
	pool        *Pool
}

func NewSSH(cfg config.SSHConfig, killGrace time.Duration, verifier *HostKeyVerifier, cipher *secret.Cipher) *SSH {
	s := &SSH{
		verifier:    verifier,
		cipher:      cipher,
		dialTimeout: cfg.DialTimeout,
		killGrace:   killGrace,
		keyPaths:    cfg.DefaultKeyPaths,
	}
	s.pool = newPool(cfg.Pool, s.dial)
	return s
}

func (s *SSH) Pool() *Pool {
	return s.pool
}

// Release drops pooled connections to the host of target.
func (s *SSH) Release(target entity.ExecutionTarget) {
	if target.IsSSH() && target.SSH != nil {
		s.pool.Release(target.SSH)
	}
}

func targetPort(t *entity.SSHTarget) int {
	if t.Port == 0 {
		return 22
	}
	return t.Port
}

func (s *SSH) decrypt(value string) (string, error) {
	if s.cipher == nil {
		return value, nil
	}
	return s.cipher.Decrypt(value)
}

// authMethods prefers an explicit private key, then an explicit password,
// then the default key files of the service user.
func (s *SSH) authMethods(t *entity.SSHTarget) ([]ssh.AuthMethod, error) {
	if t.PrivateKey != "" {
		pem, err := s.decrypt(t.PrivateKey)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if t.Password != "" {
		password, err := s.decrypt(t.Password)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	var signers []ssh.Signer
	for _, path := range s.keyPaths {
		data, err := os.ReadFile(config.ExpandPath(path))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			slog.Warn("Skipping unreadable SSH key", "path", path, "error", err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, NoCredentialsError
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
}

func (s *SSH) dial(ctx context.Context, t *entity.SSHTarget) (*ssh.Client, error) {
	auth, err := s.authMethods(t)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(targetPort(t)))
	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: s.verifier.Callback(context.WithoutCancel(ctx)),
		Timeout:         s.dialTimeout,
	}
	if s.dialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.dialTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// session opens a session on a pooled client, redialing once when the
// pooled connection turns out to be broken.
func (s *SSH) session(ctx context.Context, t *entity.SSHTarget) (*pooledClient, *ssh.Session, error) {
	pc, err := s.pool.acquire(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	sess, err := pc.client.NewSession()
	if err == nil {
		return pc, sess, nil
	}
	slog.WarnContext(ctx, "Pooled SSH connection broken, redialing", "target", pc.addr, "error", err)
	s.pool.evict(pc)
	s.pool.release(pc)
	if pc, err = s.pool.acquire(ctx, t); err != nil {
		return nil, nil, err
	}
	if sess, err = pc.client.NewSession(); err != nil {
		s.pool.release(pc)
		return nil, nil, err
	}
	return pc, sess, nil
}

func (s *SSH) Close() error {
	s.pool.Close()
	return nil
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// remoteLine prefixes line with exports for env, since most servers
// refuse arbitrary Setenv requests.
func remoteLine(line string, env []entity.EnvVar) string {
	if len(env) == 0 {
		return line
	}
	var b strings.Builder
	b.WriteString("export")
	for _, v := range env {
		b.WriteString(" " + v.Name + "=" + shellQuote(v.Value))
	}
	b.WriteString("; " + line)
	return b.String()
}

func (s *SSH) Run(ctx context.Context, req Request) (Result, error) {
	return s.start(ctx, req, false).Wait(), nil
}

func (s *SSH) Start(ctx context.Context, req Request) (*Execution, error) {
	e := s.start(ctx, req, true)
	select {
	case <-e.Done():
		if r := e.Wait(); r.Err != nil && !errors.Is(r.Err, TimeoutError) {
			return nil, r.Err
		}
	default:
	}
	return e, nil
}

func (s *SSH) start(ctx context.Context, req Request, stream bool) *Execution {
	e := newExecution(ctx, entity.TargetSSH, stream)
	t := req.Target.SSH
	if t == nil {
		return e.fail(fmt.Errorf("%w: missing ssh target", ExecutionError))
	}
	pc, sess, err := s.session(e.ctx, t)
	if err != nil {
		slog.ErrorContext(ctx, "SSH connection failed", "run_id", req.RunID, "target", targetAddr(t), "error", err)
		return e.fail(fmt.Errorf("%w: %v", ExecutionError, err))
	}
	abort := func(err error) *Execution {
		sess.Close()
		s.pool.release(pc)
		return e.fail(fmt.Errorf("%w: %v", ExecutionError, err))
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return abort(err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return abort(err)
	}
	if err := sess.Start(remoteLine(req.Command, req.Env)); err != nil {
		return abort(err)
	}
	slog.InfoContext(ctx, "Remote command started", "run_id", req.RunID, "target", pc.addr)

	e.pump(EventStdout, stdout)
	e.pump(EventStderr, stderr)

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
			slog.WarnContext(ctx, "Remote command timed out", "run_id", req.RunID, "timeout", req.Timeout)
			sess.Signal(ssh.SIGTERM)
			select {
			case <-exited:
				return
			case <-time.After(s.killGrace):
			case <-e.ctx.Done():
			}
		}
		sess.Signal(ssh.SIGKILL)
		sess.Close()
	}()

	go func() {
		defer stopWatch()
		waitErr := sess.Wait()
		close(exited)
		e.closeEvents(s.killGrace, sess)
		sess.Close()
		s.pool.release(pc)

		var res Result
		var exitErr *ssh.ExitError
		switch {
		case timedOut.Load():
			res.Err = timeoutErr(req.Timeout)
		case e.cancelled():
			res.Cancelled = true
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		case waitErr != nil:
			res.Err = fmt.Errorf("%w: %v", ExecutionError, waitErr)
		}
		slog.InfoContext(ctx, "Remote command finished", "run_id", req.RunID, "exit_code", res.ExitCode, "cancelled", res.Cancelled)
		e.finish(res)
	}()
	return e
}
