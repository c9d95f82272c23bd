package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientDefaults(t *testing.T) {
	v := New()
	SetClientDefaults(v)
	cfg, err := LoadClient(v)
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.Conn.HeartbeatInterval != 30*time.Second || cfg.Conn.ReconnectDelay != 3*time.Second {
		t.Errorf("unexpected connection timings %+v", cfg.Conn)
	}
	if cfg.Conn.URL != cfg.ServerURL {
		t.Errorf("connection url %q does not follow server url %q", cfg.Conn.URL, cfg.ServerURL)
	}
	if cfg.Health.MaxErrorCount != 8 || cfg.Health.MaxErrorDuration != 30*time.Second {
		t.Errorf("unexpected health config %+v", cfg.Health)
	}
	if cfg.Sync.RestoreSettle != 500*time.Millisecond || cfg.ToastDelay != 50*time.Millisecond {
		t.Errorf("unexpected sync timings %+v toast %v", cfg.Sync, cfg.ToastDelay)
	}
	if got := cfg.Session(); got.Conn.DebugCapacity != 100 {
		t.Errorf("session config lost debug capacity: %+v", got.Conn)
	}
}

func TestClientEnvOverrides(t *testing.T) {
	t.Setenv("ICINEMA_SERVER_URL", "ws://relay.example/ws")
	t.Setenv("ICINEMA_USER_ID", "42")
	t.Setenv("ICINEMA_RECONNECT_DELAY", "250ms")
	t.Setenv("ICINEMA_API_BASE", "http://relay.example/")

	v := New()
	SetClientDefaults(v)
	cfg, err := LoadClient(v)
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.ServerURL != "ws://relay.example/ws" || cfg.UserID != 42 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Conn.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms reconnect delay, got %v", cfg.Conn.ReconnectDelay)
	}
	if cfg.APIBase != "http://relay.example" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.APIBase)
	}
}

func TestClientValidation(t *testing.T) {
	v := New()
	SetClientDefaults(v)
	v.Set(KeyServerURL, " ")
	if _, err := LoadClient(v); err != ErrMissingServerURL {
		t.Errorf("expected ErrMissingServerURL, got %v", err)
	}

	v = New()
	SetClientDefaults(v)
	v.Set(KeyMaxErrorCount, 0)
	if _, err := LoadClient(v); err == nil {
		t.Error("expected error for zero max error count")
	}
}

func TestServerConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	body := "addr: \":9100\"\ndb_path: rooms.db\ntokens:\n  - tok-a=1:alice\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ICINEMA_AUTH_TIMEOUT", "5s")

	v := New()
	SetServerDefaults(v)
	if err := ReadFile(v, path); err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	cfg, err := LoadServer(v)
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if cfg.Addr != ":9100" || cfg.DBPath != "rooms.db" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0] != "tok-a=1:alice" {
		t.Errorf("unexpected tokens %v", cfg.Tokens)
	}
	if cfg.AuthTimeout != 5*time.Second || cfg.SendBuffer != 32 {
		t.Errorf("unexpected timeout %v buffer %d", cfg.AuthTimeout, cfg.SendBuffer)
	}
}

func TestServerTokensFromEnvList(t *testing.T) {
	t.Setenv("ICINEMA_TOKENS", "tok-a=1:alice,tok-b=2:bob")
	v := New()
	SetServerDefaults(v)
	cfg, err := LoadServer(v)
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if len(cfg.Tokens) != 2 || cfg.Tokens[1] != "tok-b=2:bob" {
		t.Errorf("unexpected tokens %v", cfg.Tokens)
	}
}

func TestReadFileEmptyPath(t *testing.T) {
	if err := ReadFile(New(), ""); err != nil {
		t.Errorf("expected nil for empty path, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ICINEMA_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("ICINEMA_DOTENV_PROBE", "")
	os.Unsetenv("ICINEMA_DOTENV_PROBE")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("ICINEMA_DOTENV_PROBE"); got != "loaded" {
		t.Errorf("expected value from .env, got %q", got)
	}
}
