package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jrammler/httprun/internal/service/audit"
	"github.com/jrammler/httprun/internal/service/auth"
	"github.com/jrammler/httprun/internal/service/command"
	"github.com/jrammler/httprun/internal/service/executor"
	"github.com/jrammler/httprun/internal/service/session"
)

type Service struct {
	CommandService *command.CommandService
	AuthService    *auth.AuthService
	AuditService   *audit.AuditService
	Sessions       *session.Manager

	// SSHPool is nil when remote execution is not configured.
	SSHPool           *executor.Pool
	PoolSweepInterval time.Duration
}

const (
	tokenMaintenanceInterval = time.Hour
	auditCleanupInterval     = 24 * time.Hour
	poolSweepInterval        = 30 * time.Second
)

func (s *Service) maintainTokens(ctx context.Context) {
	if _, err := s.AuthService.CleanExpired(ctx); err != nil {
		slog.ErrorContext(ctx, "Cleaning expired tokens failed", "error", err)
	}
	if _, err := s.AuthService.EnsureAdmin(ctx); err != nil {
		slog.ErrorContext(ctx, "Ensuring admin token failed", "error", err)
	}
}

func (s *Service) cleanupAudit(ctx context.Context) {
	if _, err := s.AuditService.Cleanup(ctx); err != nil {
		slog.ErrorContext(ctx, "Cleaning access logs failed", "error", err)
	}
}

func (s *Service) sweepPool(ctx context.Context) {
	if s.SSHPool != nil {
		s.SSHPool.Sweep(ctx)
	}
}

// Maintain runs the periodic token, audit and SSH pool housekeeping until
// ctx is done.
func (s *Service) Maintain(ctx context.Context) {
	tokens := time.NewTicker(tokenMaintenanceInterval)
	defer tokens.Stop()
	logs := time.NewTicker(auditCleanupInterval)
	defer logs.Stop()
	interval := s.PoolSweepInterval
	if interval <= 0 {
		interval = poolSweepInterval
	}
	pool := time.NewTicker(interval)
	defer pool.Stop()

	s.cleanupAudit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tokens.C:
			s.maintainTokens(ctx)
		case <-logs.C:
			s.cleanupAudit(ctx)
		case <-pool.C:
			s.sweepPool(ctx)
		}
	}
}
