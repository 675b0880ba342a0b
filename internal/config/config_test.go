package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
database:
  host: "db.example.com"
  port: 5432
  user: "cloudsync"
  password: "hunter2"
  database: "cloudsync"

vault:
  encryption_key: "AGE-SECRET-KEY-1TESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTEST"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Host != "db.example.com" {
		t.Errorf("host = %q", cfg.Database.Host)
	}
	if cfg.Database.Schema != "cloudsync" {
		t.Errorf("default schema = %q, want cloudsync", cfg.Database.Schema)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("default sslmode = %q, want require", cfg.Database.SSLMode)
	}
	if cfg.Sync.PageSize != 100 {
		t.Errorf("default page size = %d, want 100", cfg.Sync.PageSize)
	}
	if cfg.Sync.RetryAttempts != 3 {
		t.Errorf("default retry attempts = %d, want 3", cfg.Sync.RetryAttempts)
	}
	if cfg.Sync.PollIntervalMinutes != 30 {
		t.Errorf("default poll interval = %d, want 30", cfg.Sync.PollIntervalMinutes)
	}
	if len(cfg.IgnorePatterns) == 0 {
		t.Error("default ignore patterns empty")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing vault key",
			content: `
database:
  host: "db.example.com"
  port: 5432
  user: "cloudsync"
  password: "hunter2"
  database: "cloudsync"
`,
			wantErr: "validation failed",
		},
		{
			name: "missing database host",
			content: `
database:
  port: 5432
  user: "cloudsync"
  password: "hunter2"
  database: "cloudsync"
vault:
  encryption_key: "AGE-SECRET-KEY-1TEST"
`,
			wantErr: "validation failed",
		},
		{
			name: "port out of range",
			content: `
database:
  host: "db.example.com"
  port: 99999
  user: "cloudsync"
  password: "hunter2"
  database: "cloudsync"
vault:
  encryption_key: "AGE-SECRET-KEY-1TEST"
`,
			wantErr: "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadExpandsEnvSecrets(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	t.Setenv("TEST_DRIVE_SECRET", "oauth-secret")

	path := writeConfig(t, `
database:
  host: "db.example.com"
  port: 5432
  user: "cloudsync"
  password: "${TEST_DB_PASSWORD}"
  database: "cloudsync"

vault:
  encryption_key: "AGE-SECRET-KEY-1TEST"

providers:
  drive:
    client_id: "abc"
    client_secret: "${TEST_DRIVE_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("password = %q, want expanded secret", cfg.Database.Password)
	}
	if cfg.Providers["drive"].ClientSecret != "oauth-secret" {
		t.Errorf("client secret = %q, want expanded secret", cfg.Providers["drive"].ClientSecret)
	}
}

func TestConnectionString(t *testing.T) {
	d := &DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "u",
		Password: "p",
		Database: "files",
		Schema:   "cloudsync",
	}
	got := d.ConnectionString()
	want := "postgres://u:p@localhost:5432/files?sslmode=require&search_path=cloudsync,public"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	d.SSLMode = "disable"
	d.Schema = ""
	if got := d.ConnectionString(); got != "postgres://u:p@localhost:5432/files?sslmode=disable" {
		t.Errorf("ConnectionString() = %q", got)
	}
}
