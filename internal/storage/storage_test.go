package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jrammler/httprun/internal/entity"
)

func backends(t *testing.T) map[string]func(t *testing.T) Storage {
	b := map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
		"sqlite": func(t *testing.T) Storage {
			s, err := NewSqliteStorage(filepath.Join(t.TempDir(), "httprun.db"))
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("HTTPRUN_TEST_POSTGRES"); dsn != "" {
		b["postgres"] = func(t *testing.T) Storage {
			s, err := NewPostgresStorage(context.Background(), dsn)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			ctx := context.Background()
			s.pool.Exec(ctx, "TRUNCATE commands, tokens, access_logs, ssh_host_keys")
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

func sampleCommand() *entity.Command {
	return &entity.Command{
		Name:     "deploy",
		Template: "deploy.sh {{.env}} {{.version}}",
		Params: []entity.ParamSpec{
			{Name: "version", Type: entity.ParamString, Required: true},
			{Name: "env", Type: entity.ParamString, DefaultValue: "staging", Sensitive: true},
		},
		Env: []entity.EnvVar{
			{Name: "ZETA", Value: "1"},
			{Name: "ALPHA", Value: "2"},
		},
		Target: entity.ExecutionTarget{
			Kind: entity.TargetSSH,
			SSH:  &entity.SSHTarget{Host: "build.example.com", Port: 22, Username: "ci", Password: "ENC:abc"},
		},
		Status:         entity.CommandActive,
		TimeoutSeconds: 30,
		Tags:           []string{"prod", "ci"},
	}
}

func TestCommandRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Arrange
			s := open(t)
			ctx := context.Background()
			cmd := sampleCommand()

			// Act
			err := s.CreateCommand(ctx, cmd)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			got, err := s.GetCommand(ctx, "deploy")

			// Assert
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if cmd.ID == 0 || got.ID != cmd.ID {
				t.Errorf("Expected ID %d, got %d", cmd.ID, got.ID)
			}
			if !reflect.DeepEqual(got.Params, cmd.Params) {
				t.Errorf("Expected params %v, got %v", cmd.Params, got.Params)
			}
			if !reflect.DeepEqual(got.Env, cmd.Env) {
				t.Errorf("Expected env %v, got %v", cmd.Env, got.Env)
			}
			if !reflect.DeepEqual(got.Target, cmd.Target) {
				t.Errorf("Expected target %+v, got %+v", cmd.Target, got.Target)
			}
			if !reflect.DeepEqual(got.Tags, cmd.Tags) {
				t.Errorf("Expected tags %v, got %v", cmd.Tags, got.Tags)
			}
		})
	}
}

func TestCommandCRUD(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			if err := s.CreateCommand(ctx, sampleCommand()); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if err := s.CreateCommand(ctx, sampleCommand()); !errors.Is(err, ConflictError) {
				t.Errorf("Expected ConflictError, got %v", err)
			}

			update := sampleCommand()
			update.Description = "updated"
			if err := s.UpdateCommand(ctx, update); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			missing := sampleCommand()
			missing.Name = "missing"
			if err := s.UpdateCommand(ctx, missing); !errors.Is(err, NotFoundError) {
				t.Errorf("Expected NotFoundError, got %v", err)
			}

			n, err := s.SetCommandStatus(ctx, []string{"deploy", "missing"}, entity.CommandInactive)
			if err != nil || n != 1 {
				t.Errorf("Expected 1 status change, got %d (%v)", n, err)
			}
			got, _ := s.GetCommand(ctx, "deploy")
			if got.Description != "updated" || got.Status != entity.CommandInactive {
				t.Errorf("Unexpected command after update: %+v", got)
			}

			n, err = s.DeleteCommands(ctx, []string{"deploy", "missing"})
			if err != nil || n != 1 {
				t.Errorf("Expected 1 deletion, got %d (%v)", n, err)
			}
			if _, err := s.GetCommand(ctx, "deploy"); !errors.Is(err, NotFoundError) {
				t.Errorf("Expected NotFoundError, got %v", err)
			}
		})
	}
}

func adminToken(id string) *entity.Token {
	return &entity.Token{
		ID:         id,
		Name:       id,
		IsAdmin:    true,
		IssuedAt:   time.Now().Add(-time.Minute).Truncate(time.Millisecond),
		SecretHash: "hash",
	}
}

func TestDeleteTokensReissuesAdmin(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Arrange
			s := open(t)
			ctx := context.Background()
			now := time.Now()
			if err := s.CreateToken(ctx, adminToken("admin-1")); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			replacement := adminToken("admin-2")

			// Act
			deleted, reissued, err := s.DeleteTokens(ctx, []string{"admin-1"}, now, replacement)

			// Assert
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if deleted != 1 || !reissued {
				t.Errorf("Expected 1 deletion with reissue, got %d %v", deleted, reissued)
			}
			tokens, _ := s.ListTokens(ctx)
			if len(tokens) != 1 || tokens[0].ID != "admin-2" {
				t.Errorf("Expected only the replacement token, got %+v", tokens)
			}
		})
	}
}

func TestRevokeTokensKeepsOtherAdmin(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now()
			s.CreateToken(ctx, adminToken("admin-1"))
			s.CreateToken(ctx, adminToken("admin-2"))

			revoked, reissued, err := s.RevokeTokens(ctx, []string{"admin-1"}, now, adminToken("admin-3"))
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if revoked != 1 || reissued {
				t.Errorf("Expected 1 revocation without reissue, got %d %v", revoked, reissued)
			}
			token, _ := s.GetToken(ctx, "admin-1")
			if !token.Revoked {
				t.Errorf("Expected token to be revoked")
			}
			admins, _ := s.CountUsableAdmins(ctx, now)
			if admins != 1 {
				t.Errorf("Expected 1 usable admin, got %d", admins)
			}
		})
	}
}

func TestDeleteExpiredTokens(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			past := time.Now().Add(-time.Hour)
			expired := &entity.Token{ID: "old", Name: "old", IssuedAt: past, ExpiresAt: &past, SecretHash: "h"}
			s.CreateToken(ctx, expired)
			s.CreateToken(ctx, &entity.Token{ID: "forever", Name: "forever", IssuedAt: past, SecretHash: "h",
				AllowedWeekdays: []int{1, 2, 3}})

			n, err := s.DeleteExpiredTokens(ctx, time.Now())
			if err != nil || n != 1 {
				t.Errorf("Expected 1 expired token removed, got %d (%v)", n, err)
			}
			token, err := s.GetToken(ctx, "forever")
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if !reflect.DeepEqual(token.AllowedWeekdays, []int{1, 2, 3}) {
				t.Errorf("Expected weekdays to survive, got %v", token.AllowedWeekdays)
			}
		})
	}
}

func TestAccessLogs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			logs := []entity.AccessLog{
				{TokenID: "a", CommandName: "deploy", Path: "/api/run", StatusCode: 200, Request: `{"name":"deploy"}`},
				{TokenID: "a", CommandName: "backup", Path: "/api/run", StatusCode: 403},
				{TokenID: "b", CommandName: "deploy", Path: "/api/run", StatusCode: 200},
				{TokenID: "b", Path: "/api/admin/token", StatusCode: 200},
			}
			for i := range logs {
				if err := s.AppendAccessLog(ctx, &logs[i]); err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
			}

			testCases := []struct {
				name     string
				query    entity.AccessLogQuery
				expected int64
			}{
				{"All", entity.AccessLogQuery{}, 4},
				{"By token", entity.AccessLogQuery{TokenID: "a"}, 2},
				{"Commands only", entity.AccessLogQuery{CommandOnly: true}, 3},
				{"Errors", entity.AccessLogQuery{Status: entity.StatusError}, 1},
				{"Successful deploys", entity.AccessLogQuery{CommandName: "deploy", Status: entity.StatusSuccess}, 2},
				{"Keyword", entity.AccessLogQuery{Keyword: "DEPLOY"}, 2},
				{"Keyword with wildcard", entity.AccessLogQuery{Keyword: "%"}, 0},
			}
			for _, tc := range testCases {
				t.Run(tc.name, func(t *testing.T) {
					_, total, err := s.SearchAccessLogs(ctx, tc.query)
					if err != nil {
						t.Fatalf("Expected no error, got %v", err)
					}
					if total != tc.expected {
						t.Errorf("Expected %d records, got %d", tc.expected, total)
					}
				})
			}

			page, total, _ := s.SearchAccessLogs(ctx, entity.AccessLogQuery{Page: 2, PageSize: 3})
			if total != 4 || len(page) != 1 || page[0].ID != logs[0].ID {
				t.Errorf("Expected the oldest record on page 2, got %d records (total %d)", len(page), total)
			}

			n, _ := s.DeleteAccessLogs(ctx, []int64{logs[0].ID, logs[2].ID}, "a")
			if n != 1 {
				t.Errorf("Expected ownership to limit deletion to 1 record, got %d", n)
			}
			n, _ = s.ClearAccessLogs(ctx, "b")
			if n != 2 {
				t.Errorf("Expected 2 records cleared, got %d", n)
			}
			n, _ = s.DeleteAccessLogsBefore(ctx, time.Now().Add(time.Hour))
			if n != 1 {
				t.Errorf("Expected 1 old record removed, got %d", n)
			}
		})
	}
}

func TestHostKeys(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			if _, err := s.GetHostKey(ctx, "h", 22); !errors.Is(err, NotFoundError) {
				t.Errorf("Expected NotFoundError, got %v", err)
			}
			key := &entity.HostKey{Host: "h", Port: 22, KeyType: "ssh-ed25519", Fingerprint: "SHA256:x", Key: "AAAA"}
			if err := s.SaveHostKey(ctx, key); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			got, err := s.GetHostKey(ctx, "h", 22)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if got.Fingerprint != "SHA256:x" {
				t.Errorf("Expected fingerprint %q, got %q", "SHA256:x", got.Fingerprint)
			}
		})
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.yaml")
	content := `
commands:
  - name: hello
    shellTemplate: echo {{.who}}
    parameters:
      - name: who
        type: string
        defaultValue: world
    executionTarget:
      kind: local
`
	os.WriteFile(path, []byte(content), 0o600)

	commands, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(commands) != 1 || commands[0].Name != "hello" || commands[0].Params[0].DefaultValue != "world" {
		t.Errorf("Unexpected seed result %+v", commands)
	}
}
