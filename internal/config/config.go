package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Security  SecurityConfig  `yaml:"security"`
	Execution ExecutionConfig `yaml:"execution"`
	SSH       SSHConfig       `yaml:"ssh"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Seed      SeedConfig      `yaml:"seed"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	Metrics           bool          `yaml:"metrics"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	VerifyTTL     time.Duration `yaml:"verifyTTL"`
}

type SecurityConfig struct {
	SecretKey      string `yaml:"secretKey"`
	TokenHashCost  int    `yaml:"tokenHashCost"`
	Timezone       string `yaml:"timezone"`
	DangerRuleFile string `yaml:"dangerRuleFile"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	MaxTimeout     time.Duration `yaml:"maxTimeout"`
	KillGrace      time.Duration `yaml:"killGrace"`
	Shell          string        `yaml:"shell"`
}

type SSHConfig struct {
	// HostKeyPolicy is one of tofu, strict, insecure.
	HostKeyPolicy   string        `yaml:"hostKeyPolicy"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	DefaultKeyPaths []string      `yaml:"defaultKeyPaths"`
	Pool            SSHPoolConfig `yaml:"pool"`
}

// SSHPoolConfig bounds the pooled SSH clients. Zero disables a limit.
type SSHPoolConfig struct {
	MaxClients    int           `yaml:"maxClients"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxLifetime   time.Duration `yaml:"maxLifetime"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type AuditConfig struct {
	RetentionDays int `yaml:"retentionDays"`
	PayloadLimit  int `yaml:"payloadLimit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SeedConfig struct {
	CommandsFile string `yaml:"commandsFile"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			Metrics:           true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "httprun.db",
		},
		Cache: CacheConfig{
			VerifyTTL: 30 * time.Second,
		},
		Security: SecurityConfig{
			TokenHashCost: 10,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     time.Hour,
			KillGrace:      2 * time.Second,
			Shell:          "/bin/sh",
		},
		SSH: SSHConfig{
			HostKeyPolicy: "tofu",
			DialTimeout:   10 * time.Second,
			DefaultKeyPaths: []string{
				"~/.ssh/id_ed25519",
				"~/.ssh/id_ecdsa",
				"~/.ssh/id_rsa",
			},
			Pool: SSHPoolConfig{
				MaxClients:    50,
				IdleTimeout:   time.Minute,
				MaxLifetime:   10 * time.Minute,
				SweepInterval: 30 * time.Second,
			},
		},
		Audit: AuditConfig{
			RetentionDays: 30,
			PayloadLimit:  65000,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
	}
}

// Load reads a YAML config file on top of the defaults. An empty path
// yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
		data = []byte(ExpandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	cfg.Storage.DSN = ExpandPath(cfg.Storage.DSN)
	cfg.Seed.CommandsFile = ExpandPath(cfg.Seed.CommandsFile)
	for i, p := range cfg.SSH.DefaultKeyPaths {
		cfg.SSH.DefaultKeyPaths[i] = ExpandPath(p)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"HTTPRUN_ADDR":           &cfg.Server.Addr,
		"HTTPRUN_STORAGE_DRIVER": &cfg.Storage.Driver,
		"HTTPRUN_STORAGE_DSN":    &cfg.Storage.DSN,
		"HTTPRUN_REDIS_ADDR":     &cfg.Cache.RedisAddr,
		"HTTPRUN_REDIS_PASSWORD": &cfg.Cache.RedisPassword,
		"HTTPRUN_SECRET_KEY":     &cfg.Security.SecretKey,
		"HTTPRUN_LOG_LEVEL":      &cfg.Log.Level,
		"HTTPRUN_LOG_FORMAT":     &cfg.Log.Format,
	}
	for name, field := range overrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*field = v
		}
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} and ${VAR:-default} with values from the
// environment. Unset variables without a default are left as they are.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		val, exists := os.LookupEnv(groups[1])
		if exists && val != "" {
			return val
		}
		if groups[2] != "" {
			return groups[2]
		}
		return match
	})
}

func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for "+cfg.Storage.Driver)
		}
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}
	switch cfg.SSH.HostKeyPolicy {
	case "tofu", "strict", "insecure":
	default:
		errs = append(errs, "ssh.hostKeyPolicy must be one of: tofu, strict, insecure")
	}
	if cfg.SSH.Pool.MaxClients < 0 || cfg.SSH.Pool.IdleTimeout < 0 || cfg.SSH.Pool.MaxLifetime < 0 {
		errs = append(errs, "ssh.pool values must be >= 0")
	}
	if cfg.SSH.Pool.SweepInterval <= 0 {
		errs = append(errs, "ssh.pool.sweepInterval must be positive")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}
	if cfg.Security.TokenHashCost < 4 || cfg.Security.TokenHashCost > 31 {
		errs = append(errs, "security.tokenHashCost must be between 4 and 31")
	}
	if cfg.Security.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Security.Timezone); err != nil {
			errs = append(errs, "security.timezone: "+err.Error())
		}
	}
	if cfg.Execution.DefaultTimeout <= 0 {
		errs = append(errs, "execution.defaultTimeout must be positive")
	}
	if cfg.Execution.MaxTimeout < cfg.Execution.DefaultTimeout {
		errs = append(errs, "execution.maxTimeout must be >= execution.defaultTimeout")
	}
	if cfg.Audit.RetentionDays < 0 {
		errs = append(errs, "audit.retentionDays must be >= 0")
	}
	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, "rateLimit values must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Location returns the timezone used for token time windows.
func (c *Config) Location() *time.Location {
	if c.Security.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Security.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
