package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/metrics"
	"github.com/jrammler/httprun/internal/storage"
)

var RecordNotFoundError = errors.New("Access log record not found")
var OwnershipError = errors.New("Access log record belongs to another token")

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

var browserMarkers = []string{"mozilla", "chrome", "safari", "edge"}
var cliMarkers = []string{"curl", "wget", "httpie", "postman", "httprun-cli"}

// InferSource classifies a caller by its User-Agent.
func InferSource(userAgent string) entity.Source {
	ua := strings.ToLower(userAgent)
	for _, m := range cliMarkers {
		if strings.Contains(ua, m) {
			return entity.SourceCLI
		}
	}
	for _, m := range browserMarkers {
		if strings.Contains(ua, m) {
			return entity.SourceWeb
		}
	}
	return entity.SourceAPI
}

type AuditService struct {
	store        storage.AccessLogStore
	payloadLimit int
	retention    time.Duration
}

func NewAuditService(store storage.AccessLogStore, cfg config.AuditConfig) *AuditService {
	return &AuditService{
		store:        store,
		payloadLimit: cfg.PayloadLimit,
		retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
}

// Record masks and stores log. Failures are logged and counted but never
// returned, auditing must not break the request it describes.
func (s *AuditService) Record(ctx context.Context, log *entity.AccessLog, sensitive []string) {
	log.Request = Truncate(Mask(log.Request, sensitive), s.payloadLimit)
	log.Response = Truncate(Mask(log.Response, sensitive), s.payloadLimit)
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if err := s.store.AppendAccessLog(ctx, log); err != nil {
		metrics.AuditWriteFailures.Inc()
		slog.ErrorContext(ctx, "Writing access log failed", "request_id", log.RequestID, "path", log.Path, "error", err)
	}
}

func normalizePage(q *entity.AccessLogQuery) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
}

// Search returns a page of access logs. Callers that are not admins only
// ever see their own records.
func (s *AuditService) Search(ctx context.Context, auth *entity.AuthContext, q entity.AccessLogQuery) (entity.Page[entity.AccessLog], error) {
	if !auth.IsAdmin {
		q.TokenID = auth.TokenID
	}
	normalizePage(&q)
	logs, total, err := s.store.SearchAccessLogs(ctx, q)
	if err != nil {
		return entity.Page[entity.AccessLog]{}, err
	}
	return entity.NewPage(logs, total, q.Page, q.PageSize), nil
}

// History returns the caller's own command executions.
func (s *AuditService) History(ctx context.Context, auth *entity.AuthContext, q entity.AccessLogQuery) (entity.Page[entity.AccessLog], error) {
	q.TokenID = auth.TokenID
	q.CommandOnly = true
	normalizePage(&q)
	logs, total, err := s.store.SearchAccessLogs(ctx, q)
	if err != nil {
		return entity.Page[entity.AccessLog]{}, err
	}
	return entity.NewPage(logs, total, q.Page, q.PageSize), nil
}

// Delete removes records by id. A caller that is not an admin gets
// OwnershipError if any of the records belongs to another token.
func (s *AuditService) Delete(ctx context.Context, auth *entity.AuthContext, ids []int64) (int, error) {
	owner := ""
	if !auth.IsAdmin {
		owner = auth.TokenID
		for _, id := range ids {
			log, err := s.store.GetAccessLog(ctx, id)
			if errors.Is(err, storage.NotFoundError) {
				continue
			}
			if err != nil {
				return 0, err
			}
			if log.TokenID != auth.TokenID {
				return 0, fmt.Errorf("%w: %d", OwnershipError, id)
			}
		}
	}
	return s.store.DeleteAccessLogs(ctx, ids, owner)
}

func (s *AuditService) DeleteOne(ctx context.Context, auth *entity.AuthContext, id int64) error {
	if _, err := s.store.GetAccessLog(ctx, id); errors.Is(err, storage.NotFoundError) {
		return fmt.Errorf("%w: %d", RecordNotFoundError, id)
	}
	_, err := s.Delete(ctx, auth, []int64{id})
	return err
}

// Clear removes every record of the caller.
func (s *AuditService) Clear(ctx context.Context, auth *entity.AuthContext) (int, error) {
	return s.store.ClearAccessLogs(ctx, auth.TokenID)
}

func (s *AuditService) ClearAll(ctx context.Context) (int, error) {
	n, err := s.store.ClearAccessLogs(ctx, "")
	if err == nil {
		slog.InfoContext(ctx, "Access log cleared", "count", n)
	}
	return n, err
}

// Cleanup drops records older than the retention period. A zero retention
// keeps everything.
func (s *AuditService) Cleanup(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteAccessLogsBefore(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Old access log records removed", "count", n)
	}
	return n, nil
}
