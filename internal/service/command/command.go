package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/secret"
	"github.com/jrammler/httprun/internal/service/binder"
	"github.com/jrammler/httprun/internal/service/executor"
	"github.com/jrammler/httprun/internal/storage"
)

var CommandNotFoundError = errors.New("Command with given name not found")
var CommandDisabledError = errors.New("Command is disabled")

// Authorizer decides which commands a caller may see and run.
type Authorizer interface {
	CanAccess(auth *entity.AuthContext, commandName string) bool
	Authorize(auth *entity.AuthContext, commandName string) error
}

type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RunRequest struct {
	Name    string  `json:"name"`
	Params  []Param `json:"params"`
	Env     []Param `json:"env"`
	Timeout int     `json:"timeout,omitempty"`
}

// Prepared is a run that passed every check and only waits for execution.
type Prepared struct {
	Command entity.Command
	Request executor.Request
	// Masked is the rendered line with sensitive values hidden.
	Masked string
}

// SensitiveParams returns the names of parameters whose values must not
// be logged.
func (p *Prepared) SensitiveParams() []string {
	var names []string
	for _, spec := range p.Command.Params {
		if spec.Sensitive {
			names = append(names, spec.Name)
		}
	}
	return names
}

type CommandService struct {
	store          storage.CommandStore
	executor       executor.Executor
	authorizer     Authorizer
	cipher         *secret.Cipher
	rules          *DangerRules
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	runCount       atomic.Uint64
}

func NewCommandService(store storage.CommandStore, exec executor.Executor, authorizer Authorizer, cipher *secret.Cipher, rules *DangerRules, cfg config.ExecutionConfig) *CommandService {
	return &CommandService{
		store:          store,
		executor:       exec,
		authorizer:     authorizer,
		cipher:         cipher,
		rules:          rules,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}
}

func (s *CommandService) load(ctx context.Context, name string) (*entity.Command, error) {
	cmd, err := s.store.GetCommand(ctx, name)
	if errors.Is(err, storage.NotFoundError) {
		return nil, fmt.Errorf("%w: %s", CommandNotFoundError, name)
	}
	return cmd, err
}

func (s *CommandService) GetCommand(ctx context.Context, name string) (*entity.Command, error) {
	cmd, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	redacted := cmd.Redacted()
	return &redacted, nil
}

func (s *CommandService) GetCommands(ctx context.Context) ([]entity.Command, error) {
	cmds, err := s.store.ListCommands(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cmds {
		cmds[i] = cmds[i].Redacted()
	}
	return cmds, nil
}

// GetAuthorizedCommands returns the active commands auth may run.
func (s *CommandService) GetAuthorizedCommands(ctx context.Context, auth *entity.AuthContext) ([]entity.Command, error) {
	cmds, err := s.store.ListCommands(ctx)
	if err != nil {
		return nil, err
	}
	allowed := make([]entity.Command, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.IsActive() && s.authorizer.CanAccess(auth, cmd.Name) {
			allowed = append(allowed, cmd.Redacted())
		}
	}
	return allowed, nil
}

func (s *CommandService) encryptSecrets(cmd *entity.Command) error {
	if cmd.Target.SSH == nil || s.cipher == nil {
		return nil
	}
	var err error
	if cmd.Target.SSH.Password, err = s.cipher.Encrypt(cmd.Target.SSH.Password); err != nil {
		return err
	}
	cmd.Target.SSH.PrivateKey, err = s.cipher.Encrypt(cmd.Target.SSH.PrivateKey)
	return err
}

// prepareDefinition normalizes, validates and classifies cmd in place.
func (s *CommandService) prepareDefinition(cmd *entity.Command) error {
	normalize(cmd)
	if err := Validate(cmd); err != nil {
		return err
	}
	if s.rules != nil {
		level, warning := s.rules.Assess(cmd.Template)
		if level > cmd.DangerLevel {
			cmd.DangerLevel = level
		}
		cmd.DangerWarning = warning
	}
	return s.encryptSecrets(cmd)
}

func (s *CommandService) CreateCommand(ctx context.Context, cmd *entity.Command) (*entity.Command, error) {
	if err := s.prepareDefinition(cmd); err != nil {
		return nil, err
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		if errors.Is(err, storage.ConflictError) {
			return nil, fmt.Errorf("%w: command %s already exists", storage.ConflictError, cmd.Name)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "Command created", "command_name", cmd.Name, "danger_level", cmd.DangerLevel)
	redacted := cmd.Redacted()
	return &redacted, nil
}

// UpdateCommand replaces the definition of name. The name itself cannot
// change, and an SSH target submitted without secrets keeps the stored ones.
func (s *CommandService) UpdateCommand(ctx context.Context, name string, cmd *entity.Command) (*entity.Command, error) {
	existing, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if cmd.Name != "" && cmd.Name != name {
		return nil, fmt.Errorf("%w: command name cannot be changed", ValidationError)
	}
	cmd.Name = name
	if t, old := cmd.Target.SSH, existing.Target.SSH; t != nil && old != nil && t.Password == "" && t.PrivateKey == "" {
		t.Password = old.Password
		t.PrivateKey = old.PrivateKey
	}
	if err := s.prepareDefinition(cmd); err != nil {
		return nil, err
	}
	cmd.ID = existing.ID
	cmd.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateCommand(ctx, cmd); err != nil {
		if errors.Is(err, storage.NotFoundError) {
			return nil, fmt.Errorf("%w: %s", CommandNotFoundError, name)
		}
		return nil, err
	}
	s.release(existing.Target)
	slog.InfoContext(ctx, "Command updated", "command_name", name, "danger_level", cmd.DangerLevel)
	redacted := cmd.Redacted()
	return &redacted, nil
}

// release drops pooled connections that were opened for target, so edited
// or removed credentials stop being used.
func (s *CommandService) release(target entity.ExecutionTarget) {
	if r, ok := s.executor.(executor.Releaser); ok && target.IsSSH() {
		r.Release(target)
	}
}

func (s *CommandService) DeleteCommands(ctx context.Context, names []string) (int, error) {
	var targets []entity.ExecutionTarget
	for _, name := range names {
		if cmd, err := s.store.GetCommand(ctx, name); err == nil {
			targets = append(targets, cmd.Target)
		}
	}
	n, err := s.store.DeleteCommands(ctx, names)
	if err != nil {
		return 0, err
	}
	for _, t := range targets {
		s.release(t)
	}
	slog.InfoContext(ctx, "Commands deleted", "command_names", names, "count", n)
	return n, nil
}

func (s *CommandService) SetCommandStatus(ctx context.Context, names []string, status entity.CommandStatus) (int, error) {
	if status != entity.CommandActive && status != entity.CommandInactive {
		return 0, fmt.Errorf("%w: unknown status %q", ValidationError, status)
	}
	n, err := s.store.SetCommandStatus(ctx, names, status)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Command status changed", "command_names", names, "status", status, "count", n)
	return n, nil
}

// ImportCommands creates or updates every command of a seed file. Invalid
// entries are logged and skipped.
func (s *CommandService) ImportCommands(ctx context.Context, cmds []entity.Command) (int, error) {
	imported := 0
	var errs []error
	for i := range cmds {
		cmd := cmds[i]
		_, err := s.CreateCommand(ctx, &cmd)
		if errors.Is(err, storage.ConflictError) {
			cmd = cmds[i]
			_, err = s.UpdateCommand(ctx, cmd.Name, &cmd)
		}
		if err != nil {
			slog.ErrorContext(ctx, "Importing command failed", "command_name", cmds[i].Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", cmds[i].Name, err))
			continue
		}
		imported++
	}
	return imported, errors.Join(errs...)
}

func (s *CommandService) timeout(cmd *entity.Command, requested int) time.Duration {
	t := s.defaultTimeout
	if cmd.TimeoutSeconds > 0 {
		t = time.Duration(cmd.TimeoutSeconds) * time.Second
	}
	if requested > 0 && time.Duration(requested)*time.Second < t {
		t = time.Duration(requested) * time.Second
	}
	if s.maxTimeout > 0 && t > s.maxTimeout {
		t = s.maxTimeout
	}
	return t
}

func mergeEnv(defined []entity.EnvVar, extra []Param) ([]entity.EnvVar, error) {
	env := append([]entity.EnvVar(nil), defined...)
	for _, p := range extra {
		if !identifierRegex.MatchString(p.Name) {
			return nil, fmt.Errorf("%w: env name %q is malformed", binder.InvalidParameterError, p.Name)
		}
		if err := binder.CheckValue(p.Name, p.Value); err != nil {
			return nil, err
		}
		replaced := false
		for i := range env {
			if env[i].Name == p.Name {
				env[i].Value = p.Value
				replaced = true
			}
		}
		if !replaced {
			env = append(env, entity.EnvVar{Name: p.Name, Value: p.Value})
		}
	}
	return env, nil
}

// Prepare resolves, authorizes and renders a run request without executing
// it.
func (s *CommandService) Prepare(ctx context.Context, auth *entity.AuthContext, req RunRequest) (*Prepared, error) {
	cmd, err := s.load(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if !cmd.IsActive() {
		return nil, fmt.Errorf("%w: %s", CommandDisabledError, cmd.Name)
	}
	if err := s.authorizer.Authorize(auth, cmd.Name); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(req.Params))
	for _, p := range req.Params {
		values[p.Name] = p.Value
	}
	line, err := binder.Render(cmd.Template, cmd.Params, values)
	if err != nil {
		return nil, err
	}
	env, err := mergeEnv(cmd.Env, req.Env)
	if err != nil {
		return nil, err
	}
	runID := strconv.FormatUint(s.runCount.Add(1), 10)
	return &Prepared{
		Command: *cmd,
		Request: executor.Request{
			RunID:   runID,
			Command: line,
			Env:     env,
			Target:  cmd.Target,
			Timeout: s.timeout(cmd, req.Timeout),
		},
		Masked: binder.Mask(cmd.Template, cmd.Params, values),
	}, nil
}

// Run executes a request and buffers its output. The Prepared value is
// returned even when execution fails so the caller can audit it.
func (s *CommandService) Run(ctx context.Context, auth *entity.AuthContext, req RunRequest) (*Prepared, executor.Result, error) {
	p, err := s.Prepare(ctx, auth, req)
	if err != nil {
		return nil, executor.Result{}, err
	}
	slog.InfoContext(ctx, "Running command", "run_id", p.Request.RunID, "command_name", p.Command.Name,
		"command", p.Masked, "token_id", auth.TokenID, "target", p.Command.Target.Kind)
	res, err := s.executor.Run(ctx, p.Request)
	if err != nil {
		return p, res, err
	}
	if res.Err != nil {
		slog.ErrorContext(ctx, "Command returned error", "run_id", p.Request.RunID, "error", res.Err)
	}
	slog.InfoContext(ctx, "Running command completed", "run_id", p.Request.RunID,
		"exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	return p, res, nil
}

// Start executes a prepared request and streams its output.
func (s *CommandService) Start(ctx context.Context, p *Prepared) (*executor.Execution, error) {
	slog.InfoContext(ctx, "Streaming command", "run_id", p.Request.RunID, "command_name", p.Command.Name,
		"command", p.Masked, "target", p.Command.Target.Kind)
	return s.executor.Start(ctx, p.Request)
}
