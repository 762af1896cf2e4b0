package web

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/metrics"
	"github.com/jrammler/httprun/internal/service/audit"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}
type auditKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseRecorder keeps the status code and, when capture is set, the
// start of the body for auditing.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	capture bool
	limit   int
	body    bytes.Buffer
}

func (rec *responseRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	if rec.capture && rec.body.Len() < rec.limit {
		rest := b
		if room := rec.limit - rec.body.Len(); len(rest) > room {
			rest = rest[:room]
		}
		rec.body.Write(rest)
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rec *responseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *responseRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (rec *responseRecorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

// instrument assigns the request id and counts the response.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.code())).Inc()
		slog.DebugContext(r.Context(), "Request handled", "method", r.Method, "path", r.URL.Path,
			"status", rec.code(), "duration_ms", time.Since(start).Milliseconds(), "request_id", id)
	})
}

// auditInfo is filled in by handlers while serving an audited request.
type auditInfo struct {
	tokenID     string
	tokenName   string
	commandName string
	sensitive   []string
}

func auditInfoFrom(ctx context.Context) *auditInfo {
	info, _ := ctx.Value(auditKey{}).(*auditInfo)
	return info
}

func noteCommand(r *http.Request, name string, sensitive []string) {
	if info := auditInfoFrom(r.Context()); info != nil {
		info.commandName = name
		info.sensitive = sensitive
	}
}

// audited records the request and its response in the access log.
func (s *Server) audited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		info := &auditInfo{}
		rec := &responseRecorder{ResponseWriter: w, capture: true, limit: maxBodySize}
		next(rec, r.WithContext(context.WithValue(r.Context(), auditKey{}, info)))

		request := string(body)
		if request == "" && r.URL.RawQuery != "" {
			request = r.URL.RawQuery
		}
		s.service.AuditService.Record(context.WithoutCancel(r.Context()), &entity.AccessLog{
			RequestID:   requestID(r),
			Source:      audit.InferSource(r.UserAgent()),
			CommandName: info.commandName,
			Path:        r.URL.Path,
			Method:      r.Method,
			TokenID:     info.tokenID,
			TokenName:   info.tokenName,
			IP:          clientIP(r),
			UserAgent:   r.UserAgent(),
			StatusCode:  rec.code(),
			DurationMs:  time.Since(start).Milliseconds(),
			Request:     request,
			Response:    rec.body.String(),
		}, info.sensitive)
	}
}

// rateLimiter keeps one token bucket per token id.
type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// newRateLimiter returns nil when limiting is disabled.
func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limit:    rate.Limit(cfg.RPS),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether key may run now, and otherwise how long to wait.
func (l *rateLimiter) allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		metrics.RateLimited.Inc()
		return false, delay
	}
	return true, 0
}

func (s *Server) checkRate(w http.ResponseWriter, authCtx *entity.AuthContext) error {
	ok, wait := s.limiter.allow(authCtx.TokenID)
	if ok {
		return nil
	}
	seconds := int(wait.Seconds())
	if wait > time.Duration(seconds)*time.Second {
		seconds++
	}
	if w != nil {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	return fmt.Errorf("%w: retry in %ds", RateLimitedError, seconds)
}
