package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codebench.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Sandbox.MaxOutputBytes != 64<<10 || cfg.Log.Format != "text" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Events.Subject != "codebench.progress" {
		t.Errorf("subject = %q", cfg.Events.Subject)
	}
}

func TestLoadFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://localhost/codebench")
	t.Setenv("TEST_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadFile(writeConfig(t, `
storage:
  driver: postgres
  postgres_dsn: ${TEST_PG_DSN}
events:
  nats_url: ${TEST_NATS_URL}
sandbox:
  packages: [math, json]
  max_steps: 1000
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://localhost/codebench" {
		t.Errorf("dsn = %q", cfg.Storage.PostgresDSN)
	}
	if cfg.Events.NATSURL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.Events.NATSURL)
	}
	if len(cfg.Sandbox.Packages) != 2 || cfg.Sandbox.MaxSteps != 1000 {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("CODEBENCH_SERVER_PORT", "7070")

	cfg, err := LoadFile(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"postgres without dsn", "storage:\n  driver: postgres\n", true},
		{"unknown driver", "storage:\n  driver: mysql\n", true},
		{"bad log format", "log:\n  format: xml\n", true},
		{"negative output cap", "sandbox:\n  max_output_bytes: -1\n", true},
		{"ok", "log:\n  format: json\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
