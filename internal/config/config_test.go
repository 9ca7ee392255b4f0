package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pool.Floor != 2 || cfg.Pool.Ceiling != 6 {
		t.Fatalf("expected default pool bounds 2..6, got %d..%d", cfg.Pool.Floor, cfg.Pool.Ceiling)
	}
	if cfg.Pool.ScaleThreshold != 0.8 {
		t.Fatalf("expected default scale threshold 0.8, got %v", cfg.Pool.ScaleThreshold)
	}
	if cfg.Render.DefaultProfile != "speed" {
		t.Fatalf("expected default profile speed, got %q", cfg.Render.DefaultProfile)
	}
	if got := cfg.DefaultTimeout(); got != 120*time.Second {
		t.Fatalf("expected default timeout 120s, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
http:
  timeout_seconds: 45
  max_retries: 3
  max_bytes: 1048576
  user_agent: renderfetch-test
  insecure_tls: true
admission:
  capacity: 4
  max_queue: 3
  queue_wait_seconds: 10
pool:
  floor: 1
  ceiling: 3
  scale_threshold: 0.9
  acquire_timeout_seconds: 12
render:
  nav_timeout_speed_seconds: 6
  nav_timeout_accuracy_seconds: 15
  default_profile: accuracy
preflight:
  probe_timeout_seconds: 8
ratelimit:
  rps: 2.5
  burst: 2
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.HTTP.MaxBytes != 1048576 || !cfg.HTTP.InsecureTLS {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Admission.Capacity != 4 || cfg.Admission.MaxQueue != 3 {
		t.Fatalf("expected admission overrides to apply: %+v", cfg.Admission)
	}
	if cfg.Pool.Floor != 1 || cfg.Pool.Ceiling != 3 || cfg.Pool.ScaleThreshold != 0.9 {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if cfg.Render.DefaultProfile != "accuracy" {
		t.Fatalf("expected accuracy default profile, got %q", cfg.Render.DefaultProfile)
	}
	if cfg.RateLimit.RPS != 2.5 || cfg.RateLimit.Burst != 2 {
		t.Fatalf("expected ratelimit overrides to apply: %+v", cfg.RateLimit)
	}
	if got := cfg.QueueWait(); got != 10*time.Second {
		t.Fatalf("expected queue wait 10s, got %v", got)
	}
	if got := cfg.AcquireTimeout(); got != 12*time.Second {
		t.Fatalf("expected acquire timeout 12s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		HTTP:      HTTPConfig{TimeoutSeconds: 10, MaxBytes: 1024},
		Admission: AdmissionConfig{Capacity: 2, MaxQueue: 2},
		Pool:      PoolConfig{Floor: 1, Ceiling: 2, ScaleThreshold: 0.8},
		Render:    RenderConfig{DefaultProfile: "speed"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "invalid max bytes",
			cfg: func() Config {
				c := base
				c.HTTP.MaxBytes = 0
				return c
			}(),
			want: "http.max_bytes",
		},
		{
			name: "invalid capacity",
			cfg: func() Config {
				c := base
				c.Admission.Capacity = 0
				return c
			}(),
			want: "admission.capacity",
		},
		{
			name: "ceiling below floor",
			cfg: func() Config {
				c := base
				c.Pool.Ceiling = 0
				return c
			}(),
			want: "pool.ceiling",
		},
		{
			name: "threshold out of range",
			cfg: func() Config {
				c := base
				c.Pool.ScaleThreshold = 1.5
				return c
			}(),
			want: "pool.scale_threshold",
		},
		{
			name: "unknown profile",
			cfg: func() Config {
				c := base
				c.Render.DefaultProfile = "fastest"
				return c
			}(),
			want: "render.default_profile",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
