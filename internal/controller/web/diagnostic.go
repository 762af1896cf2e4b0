package web

import (
	"net/http"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/executor"
)

func (s *Server) AddDiagnosticHandlers() {
	s.mux.HandleFunc("GET /api/diagnostic/commands", s.withAdmin(s.handleDiagnosticsGet))
	s.mux.HandleFunc("GET /api/diagnostic/commands/{name}", s.withAdmin(s.handleDiagnosticGet))
	s.mux.HandleFunc("GET /api/admin/ssh-pool", s.withAdmin(s.handleSSHPoolGet))
}

func (s *Server) handleDiagnosticsGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	report, err := s.service.CommandService.DiagnoseAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDiagnosticGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	d, err := s.service.CommandService.Diagnose(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type poolResponse struct {
	Enabled bool `json:"enabled"`
	executor.PoolStatus
}

func (s *Server) handleSSHPoolGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	if s.service.SSHPool == nil {
		writeJSON(w, http.StatusOK, poolResponse{PoolStatus: executor.PoolStatus{Clients: []executor.PoolClient{}}})
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{Enabled: true, PoolStatus: s.service.SSHPool.Status()})
}
