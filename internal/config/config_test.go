package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "httprun.yaml")
	content := `
server:
  addr: ":9090"
storage:
  driver: memory
execution:
  defaultTimeout: 45s
security:
  secretKey: ${HTTPRUN_TEST_SECRET:-fallback}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Act
	cfg, err := Load(path)

	// Assert
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Expected addr %q, got %q", ":9090", cfg.Server.Addr)
	}
	if cfg.Execution.DefaultTimeout != 45*time.Second {
		t.Errorf("Expected default timeout 45s, got %v", cfg.Execution.DefaultTimeout)
	}
	if cfg.Security.SecretKey != "fallback" {
		t.Errorf("Expected secret key %q, got %q", "fallback", cfg.Security.SecretKey)
	}
	if cfg.Audit.PayloadLimit != 65000 {
		t.Errorf("Expected default payload limit to survive, got %d", cfg.Audit.PayloadLimit)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HTTPRUN_STORAGE_DRIVER", "memory")
	t.Setenv("HTTPRUN_ADDR", "127.0.0.1:7000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Expected driver memory, got %q", cfg.Storage.Driver)
	}
	if cfg.Server.Addr != "127.0.0.1:7000" {
		t.Errorf("Expected addr from environment, got %q", cfg.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "Defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "Unknown storage driver",
			mutate:  func(cfg *Config) { cfg.Storage.Driver = "mysql" },
			wantErr: "storage.driver",
		},
		{
			name:    "Unknown host key policy",
			mutate:  func(cfg *Config) { cfg.SSH.HostKeyPolicy = "yolo" },
			wantErr: "ssh.hostKeyPolicy",
		},
		{
			name:    "Max timeout below default",
			mutate:  func(cfg *Config) { cfg.Execution.MaxTimeout = time.Second },
			wantErr: "execution.maxTimeout",
		},
		{
			name:    "Bad timezone",
			mutate:  func(cfg *Config) { cfg.Security.Timezone = "Mars/Olympus" },
			wantErr: "security.timezone",
		},
		{
			name:    "Negative pool limit",
			mutate:  func(cfg *Config) { cfg.SSH.Pool.MaxClients = -1 },
			wantErr: "ssh.pool",
		},
		{
			name:    "Zero sweep interval",
			mutate:  func(cfg *Config) { cfg.SSH.Pool.SweepInterval = 0 },
			wantErr: "ssh.pool.sweepInterval",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error %q", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
