package web

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jrammler/httprun/internal/entity"
)

func (s *Server) AddHistoryHandlers() {
	s.mux.HandleFunc("GET /api/admin/accesslog", s.withAdmin(s.handleAccessLogGet))
	s.mux.HandleFunc("DELETE /api/admin/accesslog", s.audited(s.withAdmin(s.handleAccessLogDelete)))

	s.mux.HandleFunc("GET /api/run/history", s.withAuth(s.handleHistoryGet))
	s.mux.HandleFunc("DELETE /api/run/history", s.audited(s.withAuth(s.handleHistoryDelete)))
	s.mux.HandleFunc("DELETE /api/run/history/clear", s.audited(s.withAuth(s.handleHistoryClear)))
	s.mux.HandleFunc("DELETE /api/run/history/{id}", s.audited(s.withAuth(s.handleHistoryDeleteOne)))
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q must be RFC 3339", BadRequestError, v)
	}
	return &t, nil
}

func parseInt(v string, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", BadRequestError, name)
	}
	return n, nil
}

func parseQuery(values url.Values) (entity.AccessLogQuery, error) {
	q := entity.AccessLogQuery{
		TokenID:     values.Get("tokenId"),
		CommandName: values.Get("commandName"),
		Keyword:     values.Get("keyword"),
		CommandOnly: values.Get("commandOnly") == "true",
	}
	switch status := entity.AccessLogStatus(values.Get("status")); status {
	case entity.StatusAny, entity.StatusSuccess, entity.StatusError:
		q.Status = status
	default:
		return q, fmt.Errorf("%w: status must be success or error", BadRequestError)
	}
	var err error
	if q.From, err = parseTime(values.Get("startTime")); err != nil {
		return q, err
	}
	if q.To, err = parseTime(values.Get("endTime")); err != nil {
		return q, err
	}
	if q.Page, err = parseInt(values.Get("page"), "page"); err != nil {
		return q, err
	}
	if q.PageSize, err = parseInt(values.Get("pageSize"), "pageSize"); err != nil {
		return q, err
	}
	return q, nil
}

func (s *Server) handleAccessLogGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.service.AuditService.Search(r.Context(), authCtx, q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAccessLogDelete(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	n, err := s.service.AuditService.ClearAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.service.AuditService.History(r.Context(), authCtx, q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid id %q", BadRequestError, v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	ids, err := parseIDs(splitList(r.URL.Query().Get("ids")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		writeError(w, r, fmt.Errorf("%w: ids is required", BadRequestError))
		return
	}
	n, err := s.service.AuditService.Delete(r.Context(), authCtx, ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleHistoryDeleteOne(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	ids, err := parseIDs([]string{r.PathValue("id")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.service.AuditService.DeleteOne(r.Context(), authCtx, ids[0]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: 1})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	n, err := s.service.AuditService.Clear(r.Context(), authCtx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}
