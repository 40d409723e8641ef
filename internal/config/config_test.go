package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Env != "local" {
		t.Errorf("env = %q, want local", cfg.App.Env)
	}
	if cfg.Storage.Backend != BackendMySQL {
		t.Errorf("backend = %q, want mysql", cfg.Storage.Backend)
	}
	if cfg.Credential.Timeout != 3*time.Minute {
		t.Errorf("credential timeout = %v, want 3m", cfg.Credential.Timeout)
	}
	src := cfg.Source("taobao")
	if src.LoginURL == "" || len(src.CookieKeys) == 0 {
		t.Errorf("taobao source incomplete: %+v", src)
	}
}

func TestLoad_FileWithDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "app": {"env": "prod", "rule_reload_ttl": "90s"},
  "storage": {"backend": "sqlite", "path": "/tmp/x.db"},
  "credential": {"timeout": "45s", "poll_interval": "500ms", "wait_for_lock": true}
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Env != "prod" {
		t.Errorf("env = %q, want prod", cfg.App.Env)
	}
	if cfg.App.RuleReloadTTL != 90*time.Second {
		t.Errorf("rule_reload_ttl = %v, want 90s", cfg.App.RuleReloadTTL)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Path != "/tmp/x.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Credential.Timeout != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", cfg.Credential.Timeout)
	}
	if cfg.Credential.PollInterval != 500*time.Millisecond {
		t.Errorf("poll_interval = %v, want 500ms", cfg.Credential.PollInterval)
	}
	if !cfg.Credential.WaitForLock {
		t.Error("wait_for_lock = false, want true")
	}
	// 文件未写的字段补默认值。
	if cfg.App.HTTPAddr == "" {
		t.Error("http_addr default not applied")
	}
	if cfg.Source("taobao").LoginURL == "" {
		t.Error("default sources not applied")
	}
}

func TestLoad_InvalidDurationIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"credential": {"timeout": "threeminutes"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/env.db")
	t.Setenv("CREDENTIAL_REFRESH_TIMEOUT", "1s")
	t.Setenv("TAOBAO_COOKIE", "_m_h5_tk=envtok")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.Path != "/tmp/env.db" {
		t.Errorf("path = %q, want /tmp/env.db", cfg.Storage.Path)
	}
	if cfg.Credential.Timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", cfg.Credential.Timeout)
	}
	if cfg.Source("taobao").Cookie != "_m_h5_tk=envtok" {
		t.Errorf("cookie = %q, want env value", cfg.Source("taobao").Cookie)
	}
}

func TestSaveRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg.SetSourceCookie("taobao", "_m_h5_tk=saved; cna=x")
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Source("taobao").Cookie != "_m_h5_tk=saved; cna=x" {
		t.Fatalf("cookie after roundtrip = %q", reloaded.Source("taobao").Cookie)
	}
	// Duration 字段以字符串写盘，回读不丢。
	if reloaded.Credential.Timeout != cfg.Credential.Timeout {
		t.Fatalf("timeout after roundtrip = %v, want %v", reloaded.Credential.Timeout, cfg.Credential.Timeout)
	}
}

func TestSetSourceCookie_CreatesEntry(t *testing.T) {
	cfg := &Config{}
	cfg.SetSourceCookie("jd", "pin=abc")
	if cfg.Source("jd").Cookie != "pin=abc" {
		t.Fatalf("cookie = %q", cfg.Source("jd").Cookie)
	}
}
