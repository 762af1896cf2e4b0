package web

import (
	"fmt"
	"net/http"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/auth"
)

const tokenHeader = "x-token"

type authedHandler func(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext)

func (s *Server) AddAuthHandlers() {
	s.mux.HandleFunc("GET /api/run/valid", s.withAuth(s.handleValidGet))
	s.mux.HandleFunc("GET /api/run/user", s.withAuth(s.handleUserGet))
}

// authenticate verifies value and attaches the caller to the audit record
// of the request, if any.
func (s *Server) authenticate(r *http.Request, value string) (*entity.AuthContext, error) {
	authCtx, err := s.service.AuthService.Authenticate(r.Context(), value)
	if err != nil {
		return nil, err
	}
	if info := auditInfoFrom(r.Context()); info != nil {
		info.tokenID = authCtx.TokenID
		info.tokenName = authCtx.TokenName
	}
	return authCtx, nil
}

func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := s.authenticate(r, r.Header.Get(tokenHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r, authCtx)
	}
}

func (s *Server) withAdmin(next authedHandler) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
		if !authCtx.IsAdmin {
			writeError(w, r, fmt.Errorf("%w: admin token required", auth.ForbiddenError))
			return
		}
		next(w, r, authCtx)
	})
}

func (s *Server) handleValidGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type userResponse struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
	Token   string `json:"token"`
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	writeJSON(w, http.StatusOK, userResponse{
		Name:    authCtx.TokenName,
		IsAdmin: authCtx.IsAdmin,
		Token:   authCtx.Value,
	})
}
