// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestBackendValidate(t *testing.T) {
	t.Parallel()

	for _, b := range []Backend{BackendLocal, BackendContainer, BackendOrchestrated, BackendRemote, BackendCLI, BackendPooled} {
		if err := b.Validate(); err != nil {
			t.Errorf("Backend(%s).Validate() error = %v", b, err)
		}
	}
	if err := Backend("kubernetes").Validate(); !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("unknown backend error = %v, want ErrInvalidBackend", err)
	}
}

func TestContainerEngineValidate(t *testing.T) {
	t.Parallel()

	for _, e := range []ContainerEngine{EngineDocker, EnginePodman, EngineAuto} {
		if err := e.Validate(); err != nil {
			t.Errorf("ContainerEngine(%s).Validate() error = %v", e, err)
		}
	}
	if err := ContainerEngine("containerd").Validate(); !errors.Is(err, ErrInvalidContainerEngine) {
		t.Errorf("unknown engine error = %v, want ErrInvalidContainerEngine", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  error
		contains string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend = "vm" },
			wantErr: ErrInvalidBackend,
		},
		{
			name:    "unknown engine",
			mutate:  func(c *Config) { c.ContainerEngine = "lxc" },
			wantErr: ErrInvalidContainerEngine,
		},
		{
			name: "container backend without image",
			mutate: func(c *Config) {
				c.Backend = BackendContainer
				c.Sandbox.Image = "  "
			},
			wantErr:  ErrInvalidConfig,
			contains: "sandbox.image",
		},
		{
			name: "orchestrated backend without image",
			mutate: func(c *Config) {
				c.Backend = BackendOrchestrated
				c.Sandbox.Image = ""
			},
			wantErr:  ErrInvalidConfig,
			contains: "sandbox.image",
		},
		{
			name: "remote backend without url",
			mutate: func(c *Config) {
				c.Backend = BackendRemote
			},
			wantErr:  ErrInvalidConfig,
			contains: "remote_url",
		},
		{
			name:     "empty workdir",
			mutate:   func(c *Config) { c.Sandbox.WorkDir = "" },
			wantErr:  ErrInvalidConfig,
			contains: "workdir",
		},
		{
			name:     "non-positive alive deadline",
			mutate:   func(c *Config) { c.Sandbox.AliveDeadlineSeconds = 0 },
			wantErr:  ErrInvalidConfig,
			contains: "alive_deadline",
		},
		{
			name: "initial warm above target",
			mutate: func(c *Config) {
				c.Pool.Enabled = true
				c.Pool.InitialWarm = 5
				c.Pool.TargetWarm = 2
			},
			wantErr:  ErrInvalidConfig,
			contains: "initial_warm",
		},
		{
			name: "non-positive maintenance interval",
			mutate: func(c *Config) {
				c.Pool.Enabled = true
				c.Pool.MaintenanceIntervalSeconds = 0
			},
			wantErr:  ErrInvalidConfig,
			contains: "maintenance_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestRemoteBackendWithURLIsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Backend = BackendRemote
	cfg.Sandbox.RemoteURL = "http://10.0.0.5:31289"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, resolvedPath, err := Load(LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if resolvedPath != "" {
		t.Errorf("resolvedPath = %q, want empty for a missing file", resolvedPath)
	}
	if cfg.Backend != BackendLocal {
		t.Errorf("Backend = %s, want default %s", cfg.Backend, BackendLocal)
	}
	if cfg.Sandbox.DefaultTimeoutSeconds != 120 {
		t.Errorf("DefaultTimeoutSeconds = %d, want 120", cfg.Sandbox.DefaultTimeoutSeconds)
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	content := `backend = "cli"

[sandbox]
workdir = "/srv/agent"
default_timeout_seconds = 45
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, resolvedPath, err := Load(LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if resolvedPath != path {
		t.Errorf("resolvedPath = %q, want %q", resolvedPath, path)
	}
	if cfg.Backend != BackendCLI {
		t.Errorf("Backend = %s, want %s", cfg.Backend, BackendCLI)
	}
	if cfg.Sandbox.WorkDir != "/srv/agent" {
		t.Errorf("WorkDir = %q, want %q", cfg.Sandbox.WorkDir, "/srv/agent")
	}
	if cfg.Sandbox.DefaultTimeoutSeconds != 45 {
		t.Errorf("DefaultTimeoutSeconds = %d, want 45", cfg.Sandbox.DefaultTimeoutSeconds)
	}
	// Unset keys keep their defaults.
	if cfg.Sandbox.AliveDeadlineSeconds != 120 {
		t.Errorf("AliveDeadlineSeconds = %d, want default 120", cfg.Sandbox.AliveDeadlineSeconds)
	}
}

func TestLoadExplicitConfigFileMustExist(t *testing.T) {
	t.Parallel()

	_, _, err := Load(LoadOptions{ConfigFilePath: filepath.Join(t.TempDir(), "nope.toml")})
	if err == nil {
		t.Fatal("Load() with a missing explicit file succeeded, want error")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENTBOX_SANDBOX_WORKDIR", "/from/env")
	t.Setenv("AGENTBOX_BACKEND", "container")

	cfg, _, err := Load(LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sandbox.WorkDir != "/from/env" {
		t.Errorf("WorkDir = %q, want env override %q", cfg.Sandbox.WorkDir, "/from/env")
	}
	if cfg.Backend != BackendContainer {
		t.Errorf("Backend = %s, want env override %s", cfg.Backend, BackendContainer)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(`backend = "warp-drive"`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := Load(LoadOptions{ConfigDirPath: dir})
	if !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("Load() error = %v, want ErrInvalidBackend", err)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatal("WriteDefault() over an existing file succeeded, want error")
	}

	// The written file round-trips through Load.
	cfg, _, err := Load(LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load() of written default error = %v", err)
	}
	if cfg.Backend != BackendLocal {
		t.Errorf("Backend = %s, want %s", cfg.Backend, BackendLocal)
	}
}

func TestMarshalRendersTOML(t *testing.T) {
	t.Parallel()

	out, err := Marshal(DefaultConfig())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{"backend = 'local'", "[sandbox]", "[server]", "[pool]"} {
		if !strings.Contains(out, want) {
			t.Errorf("marshaled config missing %q:\n%s", want, out)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if got := cfg.Sandbox.AliveDeadline().Seconds(); got != 120 {
		t.Errorf("AliveDeadline() = %vs, want 120s", got)
	}
	if got := cfg.Pool.MaintenanceInterval().Seconds(); got != 10 {
		t.Errorf("MaintenanceInterval() = %vs, want 10s", got)
	}
}
