package web

import (
	"fmt"
	"net/http"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/command"
)

func (s *Server) AddCommandHandlers() {
	s.mux.HandleFunc("GET /api/run/commands", s.withAuth(s.handleRunCommandsGet))
	s.mux.HandleFunc("POST /api/run", s.audited(s.withAuth(s.handleRunPost)))
	s.mux.HandleFunc("POST /api/run/{name}", s.audited(s.withAuth(s.handleRunPost)))

	s.mux.HandleFunc("GET /api/admin/commands", s.withAdmin(s.handleCommandsGet))
	s.mux.HandleFunc("GET /api/admin/command/{name}", s.withAdmin(s.handleCommandGet))
	s.mux.HandleFunc("POST /api/admin/command", s.audited(s.withAdmin(s.handleCommandPost)))
	s.mux.HandleFunc("PUT /api/admin/command/{name}", s.audited(s.withAdmin(s.handleCommandPut)))
	s.mux.HandleFunc("DELETE /api/admin/commands", s.audited(s.withAdmin(s.handleCommandsDelete)))
	s.mux.HandleFunc("PUT /api/admin/commands", s.audited(s.withAdmin(s.handleCommandsStatusPut)))
}

func (s *Server) handleRunCommandsGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	commands, err := s.service.CommandService.GetAuthorizedCommands(r.Context(), authCtx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commands)
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Duration int64  `json:"duration"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleRunPost(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	var req command.RunRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if name := r.PathValue("name"); name != "" {
		req.Name = name
	}
	noteCommand(r, req.Name, nil)
	if err := s.checkRate(w, authCtx); err != nil {
		writeError(w, r, err)
		return
	}

	p, res, err := s.service.CommandService.Run(r.Context(), authCtx, req)
	if p == nil {
		writeError(w, r, err)
		return
	}
	noteCommand(r, p.Command.Name, p.SensitiveParams())
	resp := runResponse{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration.Milliseconds(),
	}
	switch {
	case err != nil:
		resp.ExitCode = -1
		resp.Error = err.Error()
	case res.Err != nil:
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommandsGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	commands, err := s.service.CommandService.GetCommands(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	cmd, err := s.service.CommandService.GetCommand(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCommandPost(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	var cmd entity.Command
	if err := readJSON(r, &cmd); err != nil {
		writeError(w, r, err)
		return
	}
	noteCommand(r, cmd.Name, nil)
	created, err := s.service.CommandService.CreateCommand(r.Context(), &cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCommandPut(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	var cmd entity.Command
	if err := readJSON(r, &cmd); err != nil {
		writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	noteCommand(r, name, nil)
	updated, err := s.service.CommandService.UpdateCommand(r.Context(), name, &cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleCommandsDelete(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	names := splitList(r.URL.Query().Get("name"))
	if len(names) == 0 {
		writeError(w, r, fmt.Errorf("%w: name is required", BadRequestError))
		return
	}
	n, err := s.service.CommandService.DeleteCommands(r.Context(), names)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

type statusRequest struct {
	Commands []string             `json:"commands"`
	Status   entity.CommandStatus `json:"status"`
}

func (s *Server) handleCommandsStatusPut(w http.ResponseWriter, r *http.Request, authCtx *entity.AuthContext) {
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Commands) == 0 {
		writeError(w, r, fmt.Errorf("%w: commands is required", BadRequestError))
		return
	}
	n, err := s.service.CommandService.SetCommandStatus(r.Context(), req.Commands, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}
