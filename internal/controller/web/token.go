package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/auth"
)

func (s *Server) AddTokenHandlers() {
	s.mux.HandleFunc("GET /api/admin/tokens", s.withAdmin(s.handleTokensGet))
	s.mux.HandleFunc("POST /api/admin/token", s.audited(s.withAdmin(s.handleTokenPost)))
	s.mux.HandleFunc("DELETE /api/admin/tokens", s.audited(s.withAdmin(s.handleTokensDelete)))
	s.mux.HandleFunc("DELETE /api/admin/token/{id}", s.audited(s.withAdmin(s.handleTokenDelete)))
	s.mux.HandleFunc("PUT /api/admin/token/{id}/revoke", s.audited(s.withAdmin(s.handleTokenRevokePut)))
}

func (s *Server) handleTokensGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	tokens, err := s.service.AuthService.GetTokens(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleTokenPost(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	var req auth.CreateTokenRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	issued, err := s.service.AuthService.CreateToken(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// removalResponse carries the replacement admin token when the removal
// left no usable admin behind.
type removalResponse struct {
	Count    int                 `json:"count"`
	Reissued *entity.IssuedToken `json:"reissued,omitempty"`
}

type removeFunc func(ctx context.Context, ids []string) (int, *entity.IssuedToken, error)

func (s *Server) removeTokens(w http.ResponseWriter, r *http.Request, ids []string, fn removeFunc) {
	if len(ids) == 0 {
		writeError(w, r, fmt.Errorf("%w: id is required", BadRequestError))
		return
	}
	n, reissued, err := fn(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removalResponse{Count: n, Reissued: reissued})
}

func (s *Server) handleTokensDelete(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	s.removeTokens(w, r, splitList(r.URL.Query().Get("id")), s.service.AuthService.DeleteTokens)
}

func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	s.removeTokens(w, r, []string{r.PathValue("id")}, s.service.AuthService.DeleteTokens)
}

func (s *Server) handleTokenRevokePut(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	s.removeTokens(w, r, []string{r.PathValue("id")}, s.service.AuthService.RevokeTokens)
}
