package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// WorkspaceConfig controls the directory shared with sandbox containers.
type WorkspaceConfig struct {
	Dir          string        `yaml:"dir"`
	ArtifactName string        `yaml:"artifact_name"`
	Isolation    string        `yaml:"isolation"` // "shared" (default) or "per_request"
	Retention    time.Duration `yaml:"retention"` // per_request scopes older than this are swept
	SweepEvery   time.Duration `yaml:"sweep_interval"`
}

type SandboxConfig struct {
	Backend          string            `yaml:"backend"` // "auto", "docker", "dockerapi" or "containerd"
	ContainerdSocket string            `yaml:"containerd_socket"`
	Namespace        string            `yaml:"namespace"`
	DefaultTimeout   time.Duration     `yaml:"default_timeout"`
	MaxTimeout       time.Duration     `yaml:"max_timeout"`
	MaxConcurrent    int               `yaml:"max_concurrent"`
	DefaultLimits    DefaultLimits     `yaml:"default_limits"`
	Images           map[string]string `yaml:"images"`      // language -> image override
	Network          string            `yaml:"network"`     // docker network mode, "none" unless set
	RunAsUser        string            `yaml:"run_as_user"` // empty keeps the image default user
	PullImages       bool              `yaml:"pull_images"` // pull missing images before running
	ReadOnlyRoot     bool              `yaml:"read_only_root"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	PerIPRPS       float64  `yaml:"per_ip_rps"`
	PerIPBurst     int      `yaml:"per_ip_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ScanCode       bool     `yaml:"scan_code"` // log suspicious patterns in submitted code
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    125 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Workspace: WorkspaceConfig{
			Dir:          "./output",
			ArtifactName: "visualization.png",
			Isolation:    "shared",
			Retention:    time.Hour,
			SweepEvery:   5 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "viz-sandbox",
			DefaultTimeout:   60 * time.Second,
			MaxTimeout:       120 * time.Second,
			MaxConcurrent:    16,
			Network:          "none",
			DefaultLimits: DefaultLimits{
				CPUShares: 1024,
				MemoryMB:  512,
				PidsLimit: 128,
				DiskMB:    256,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			PerIPRPS:       2,
			PerIPBurst:     5,
			AllowedOrigins: []string{"*"},
			ScanCode:       true,
		},
	}
}

// ApplyEnv overrides file settings from PORT, WORKSPACE_DIR, SANDBOX_BACKEND
// and WORKSPACE_ISOLATION.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("WORKSPACE_DIR"); v != "" {
		c.Workspace.Dir = v
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("WORKSPACE_ISOLATION"); v != "" {
		c.Workspace.Isolation = v
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Workspace.Dir == "" {
		return fmt.Errorf("workspace.dir is required")
	}
	switch c.Workspace.Isolation {
	case "shared", "per_request":
	default:
		return fmt.Errorf("workspace.isolation must be shared or per_request, got %q", c.Workspace.Isolation)
	}
	switch c.Sandbox.Backend {
	case "auto", "docker", "dockerapi", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be auto, docker, dockerapi or containerd, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Workspace.Isolation == "per_request" {
		// A scope must outlive the longest run plus the artifact fetch.
		if c.Workspace.Retention <= c.Sandbox.MaxTimeout {
			return fmt.Errorf("workspace.retention (%s) must exceed sandbox.max_timeout (%s) with per_request isolation",
				c.Workspace.Retention, c.Sandbox.MaxTimeout)
		}
		if c.Workspace.SweepEvery <= 0 {
			return fmt.Errorf("workspace.sweep_interval must be positive with per_request isolation")
		}
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Sandbox.Network != "" && c.Sandbox.Network != "none" {
		log.Warn().Str("network", c.Sandbox.Network).Msg("sandbox containers have network access")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
