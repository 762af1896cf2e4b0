package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/audit"
	"github.com/jrammler/httprun/internal/service/command"
	"github.com/jrammler/httprun/internal/service/executor"
	"github.com/jrammler/httprun/internal/service/session"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	outboxSize   = 256
	streamPath   = "/ws/command/stream"
)

type inboundMessage struct {
	Type string `json:"type"`
	command.RunRequest
}

// streamConn owns the write side of a websocket. Every outbound frame goes
// through the outbox and a single writer goroutine.
type streamConn struct {
	conn     *websocket.Conn
	outbox   chan session.Event
	closed   chan struct{}
	shutdown sync.Once
}

func newStreamConn(conn *websocket.Conn) *streamConn {
	return &streamConn{
		conn:   conn,
		outbox: make(chan session.Event, outboxSize),
		closed: make(chan struct{}),
	}
}

// send queues ev, blocking while the outbox is full. Events queued after
// the connection is gone are dropped.
func (c *streamConn) send(ev session.Event) {
	select {
	case c.outbox <- ev:
	case <-c.closed:
	}
}

func (c *streamConn) close() {
	c.shutdown.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				slog.Debug("Stream write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) AddStreamHandlers() {
	s.mux.HandleFunc("GET "+streamPath, s.handleStream)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	value := r.Header.Get(tokenHeader)
	if value == "" {
		value = r.URL.Query().Get("token")
	}
	authCtx, err := s.authenticate(r, value)
	if err != nil {
		// the query may carry the token, so the request is not recorded
		s.service.AuditService.Record(context.WithoutCancel(r.Context()), &entity.AccessLog{
			RequestID:  requestID(r),
			Source:     audit.InferSource(r.UserAgent()),
			Path:       streamPath,
			Method:     r.Method,
			IP:         clientIP(r),
			UserAgent:  r.UserAgent(),
			StatusCode: statusFor(err),
			Response:   err.Error(),
		}, nil)
		writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	c := newStreamConn(conn)
	id := uuid.NewString()
	sess := s.service.Sessions.Open(id, c.send)
	slog.InfoContext(r.Context(), "Stream connected", "session_id", id, "token_id", authCtx.TokenID)

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		c.writeLoop()
	}()
	defer func() {
		c.close()
		s.service.Sessions.Close(id)
		writer.Wait()
		slog.InfoContext(r.Context(), "Stream disconnected", "session_id", id)
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(r.Context(), "Stream closed unexpectedly", "session_id", id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.Reject(fmt.Errorf("%w: %v", BadRequestError, err))
			continue
		}
		switch msg.Type {
		case "run":
			s.streamRun(r, sess, authCtx.Value, msg.RunRequest, data)
		case "cancel":
			sess.Cancel()
		default:
			sess.Reject(fmt.Errorf("%w: unknown message type %q", BadRequestError, msg.Type))
		}
	}
}

type streamOutcome struct {
	ExitCode  int    `json:"exitCode"`
	Duration  int64  `json:"duration"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) streamRun(r *http.Request, sess *session.Session, token string, req command.RunRequest, raw []byte) {
	ctx := r.Context()
	if sess.State() == session.StateRunning {
		sess.Reject(session.BusyError)
		return
	}

	record := &entity.AccessLog{
		RequestID:   uuid.NewString(),
		Source:      audit.InferSource(r.UserAgent()),
		CommandName: req.Name,
		Path:        streamPath,
		Method:      r.Method,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		Request:     string(raw),
	}
	started := time.Now()
	reject := func(err error, sensitive []string) {
		sess.Reject(err)
		record.StatusCode = statusFor(err)
		record.DurationMs = time.Since(started).Milliseconds()
		record.Response = err.Error()
		s.service.AuditService.Record(context.WithoutCancel(ctx), record, sensitive)
	}

	// Authenticate again so revocation and expiry apply to long-lived
	// connections.
	authCtx, err := s.service.AuthService.Authenticate(ctx, token)
	if err != nil {
		reject(err, nil)
		return
	}
	record.TokenID = authCtx.TokenID
	record.TokenName = authCtx.TokenName
	if err := s.checkRate(nil, authCtx); err != nil {
		reject(err, nil)
		return
	}
	p, err := s.service.CommandService.Prepare(ctx, authCtx, req)
	if err != nil {
		reject(err, nil)
		return
	}

	start := func(ctx context.Context) (*executor.Execution, error) {
		return s.service.CommandService.Start(ctx, p)
	}
	done := func(res executor.Result, err error) {
		outcome := streamOutcome{
			ExitCode:  res.ExitCode,
			Duration:  res.Duration.Milliseconds(),
			Cancelled: res.Cancelled,
		}
		record.StatusCode = http.StatusOK
		switch {
		case err != nil:
			outcome.Error = err.Error()
			record.StatusCode = http.StatusInternalServerError
		case res.Err != nil && !res.Cancelled:
			outcome.Error = res.Err.Error()
			record.StatusCode = http.StatusInternalServerError
		}
		resp, _ := json.Marshal(outcome)
		record.Response = string(resp)
		record.DurationMs = time.Since(started).Milliseconds()
		s.service.AuditService.Record(context.WithoutCancel(ctx), record, p.SensitiveParams())
	}
	if err := sess.Run(ctx, start, done); err != nil {
		if errors.Is(err, session.BusyError) {
			sess.Reject(err)
			return
		}
		reject(err, p.SensitiveParams())
	}
}
