package command

import (
	"context"
	"errors"
	"testing"

	"github.com/jrammler/httprun/internal/entity"
)

func TestDiagnose(t *testing.T) {
	testCases := []struct {
		name            string
		target          entity.ExecutionTarget
		expectedHealthy bool
		problems        int
		warnings        int
	}{
		{"Local", entity.ExecutionTarget{Kind: entity.TargetLocal}, true, 0, 0},
		{"Empty kind is local", entity.ExecutionTarget{}, true, 0, 0},
		{"Remote with password", entity.ExecutionTarget{Kind: entity.TargetSSH,
			SSH: &entity.SSHTarget{Host: "build.example.com", Port: 22, Username: "ci", Password: "x"}}, true, 0, 0},
		{"Remote with default keys", entity.ExecutionTarget{Kind: entity.TargetSSH,
			SSH: &entity.SSHTarget{Host: "build.example.com", Port: 22, Username: "ci"}}, true, 0, 1},
		{"Missing remote config", entity.ExecutionTarget{Kind: entity.TargetSSH}, false, 1, 0},
		{"Loopback host", entity.ExecutionTarget{Kind: entity.TargetSSH,
			SSH: &entity.SSHTarget{Host: "127.0.0.1", Username: "ci", PrivateKey: "k"}}, false, 1, 0},
		{"Missing host and user", entity.ExecutionTarget{Kind: entity.TargetSSH,
			SSH: &entity.SSHTarget{}}, false, 2, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := Diagnose(entity.Command{Name: "cmd", Target: tc.target})

			if d.Healthy != tc.expectedHealthy {
				t.Errorf("Expected healthy %v, got %v (%v)", tc.expectedHealthy, d.Healthy, d.Problems)
			}
			if len(d.Problems) != tc.problems {
				t.Errorf("Expected %d problems, got %v", tc.problems, d.Problems)
			}
			if len(d.Warnings) != tc.warnings {
				t.Errorf("Expected %d warnings, got %v", tc.warnings, d.Warnings)
			}
		})
	}
}

func TestDiagnoseAll(t *testing.T) {
	// Arrange
	s, _, store := newTestService(t, nil)
	ctx := context.Background()
	store.CreateCommand(ctx, &entity.Command{Name: "ls", Template: "ls", Target: entity.ExecutionTarget{Kind: entity.TargetLocal}})
	store.CreateCommand(ctx, &entity.Command{Name: "uptime", Template: "uptime", Target: entity.ExecutionTarget{Kind: entity.TargetSSH,
		SSH: &entity.SSHTarget{Host: "localhost", Username: "ci", Password: "x"}}})

	// Act
	report, err := s.DiagnoseAll(ctx)

	// Assert
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.TotalCommands != 2 || report.Healthy {
		t.Errorf("Expected 2 commands and an unhealthy report, got %+v", report)
	}
	if report.ModeStatistics[entity.TargetLocal] != 1 || report.ModeStatistics[entity.TargetSSH] != 1 {
		t.Errorf("Expected one command per mode, got %v", report.ModeStatistics)
	}
	if len(report.Issues) != 1 || report.Issues[0].Name != "uptime" {
		t.Errorf("Expected a single issue for uptime, got %+v", report.Issues)
	}
	if _, err := s.Diagnose(ctx, "missing"); !errors.Is(err, CommandNotFoundError) {
		t.Errorf("Expected CommandNotFoundError, got %v", err)
	}
}
