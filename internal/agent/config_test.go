package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// withConfigFile points config loading at a temp config.json for the test.
func withConfigFile(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	orig := configPath
	configPath = func() (string, error) { return path, nil }
	t.Cleanup(func() { configPath = orig })
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OP15_SERVER_URL", "OP15_USER_ID", "OP15_SHARED_SECRET", "OP15_HTTP_PORT"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_File(t *testing.T) {
	clearEnv(t)
	withConfigFile(t, `{"serverUrl":"https://bridge.example.com","userId":"u1","sharedSecret":"s3cret","httpPort":4100}`)

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServerURL != "https://bridge.example.com" || cfg.UserID != "u1" || cfg.HTTPPort != 4100 {
		t.Fatalf("cfg = %#v", cfg)
	}
}

func TestLoadConfig_EnvFillsMissing(t *testing.T) {
	clearEnv(t)
	withConfigFile(t, `{"serverUrl":"https://bridge.example.com"}`)
	t.Setenv("OP15_USER_ID", "env-user")
	t.Setenv("OP15_SHARED_SECRET", "env-secret")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.UserID != "env-user" || cfg.SharedSecret != "env-secret" {
		t.Fatalf("cfg = %#v", cfg)
	}
	if cfg.HTTPPort != DefaultHTTPPort {
		t.Fatalf("port = %d, want default", cfg.HTTPPort)
	}
}

func TestLoadConfig_ArgvOverrides(t *testing.T) {
	clearEnv(t)
	withConfigFile(t, `{"serverUrl":"https://old.example.com","userId":"u1","sharedSecret":"s"}`)

	cfg, err := LoadConfig([]string{"https://new.example.com", "u2"})
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServerURL != "https://new.example.com" || cfg.UserID != "u2" {
		t.Fatalf("cfg = %#v", cfg)
	}
}

func TestLoadConfig_MissingIdentity(t *testing.T) {
	clearEnv(t)
	withConfigFile(t, "")

	_, err := LoadConfig(nil)
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("error = %v, want ErrMissingConfig", err)
	}

	// serverUrl alone is not enough.
	_, err = LoadConfig([]string{"https://bridge.example.com"})
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("error = %v, want ErrMissingConfig", err)
	}
}

func TestLoadConfig_BadPort(t *testing.T) {
	clearEnv(t)
	withConfigFile(t, `{"serverUrl":"https://b.example.com","userId":"u1","sharedSecret":"s","httpPort":70000}`)

	if _, err := LoadConfig(nil); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
