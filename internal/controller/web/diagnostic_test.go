//go:build !windows

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/command"
)

func TestDiagnostics(t *testing.T) {
	// Arrange
	env := newTestEnv(t, config.RateLimitConfig{})
	env.store.CreateCommand(context.Background(), &entity.Command{Name: "remote", Template: "uptime",
		Target: entity.ExecutionTarget{Kind: entity.TargetSSH, SSH: &entity.SSHTarget{Host: "localhost", Username: "ci", Password: "x"}}})

	testCases := []struct {
		name     string
		path     string
		token    string
		expected int
	}{
		{"Report needs admin", "/api/diagnostic/commands", env.user, http.StatusForbidden},
		{"Report", "/api/diagnostic/commands", env.admin, http.StatusOK},
		{"Single command", "/api/diagnostic/commands/remote", env.admin, http.StatusOK},
		{"Unknown command", "/api/diagnostic/commands/missing", env.admin, http.StatusNotFound},
		{"Pool status", "/api/admin/ssh-pool", env.admin, http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodGet, tc.path, tc.token, nil)
			if resp.StatusCode != tc.expected {
				t.Errorf("Expected status %d, got %d: %s", tc.expected, resp.StatusCode, data)
			}
		})
	}

	// Act
	_, data := env.do(t, http.MethodGet, "/api/diagnostic/commands", env.admin, nil)

	// Assert
	var report command.DiagnosticReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.TotalCommands != 4 || report.Healthy {
		t.Errorf("Expected 4 commands and an unhealthy report, got %+v", report)
	}
	if len(report.Issues) != 1 || report.Issues[0].Name != "remote" || !report.Issues[0].HasPassword {
		t.Errorf("Expected one issue for remote, got %+v", report.Issues)
	}

	_, data = env.do(t, http.MethodGet, "/api/admin/ssh-pool", env.admin, nil)
	var pool poolResponse
	if err := json.Unmarshal(data, &pool); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if pool.Enabled || pool.Total != 0 {
		t.Errorf("Expected a disabled empty pool, got %+v", pool)
	}
}
