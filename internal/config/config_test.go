package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	path := writeTemp(t, "config.json", `{
		"identity": {"userId": "user-1", "displayName": "User One"},
		"sync": {"pageSize": 25}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "user-1" {
		t.Errorf("identity not loaded: %+v", cfg.Identity)
	}
	if cfg.Sync.PageSize != 25 {
		t.Errorf("explicit value lost: %d", cfg.Sync.PageSize)
	}
	if cfg.Sync.WindowCap != 500 || cfg.Sync.SendTimeoutSeconds != 10 {
		t.Errorf("defaults not applied: %+v", cfg.Sync)
	}
	if cfg.Server.APIBase == "" {
		t.Error("server defaults not applied")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
identity:
  userId: user-2
server:
  apiBase: https://chat.example.com
  feedUrl: wss://chat.example.com/ws
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "user-2" {
		t.Errorf("yaml identity not loaded: %+v", cfg.Identity)
	}
	if cfg.Server.APIBase != "https://chat.example.com" {
		t.Errorf("yaml server not loaded: %+v", cfg.Server)
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("defaults not applied under yaml: %+v", cfg.Sync)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_TOKEN", "secret-token")

	path := writeTemp(t, "config.json", `{
		"identity": {"userId": "user-1", "token": "${CHATSYNC_TEST_TOKEN}"},
		"general": {"logLevel": "${CHATSYNC_TEST_LEVEL:-debug}"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.Token != "secret-token" {
		t.Errorf("env var not expanded: %q", cfg.Identity.Token)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("default fallback not applied: %q", cfg.General.LogLevel)
	}
}

func TestExpandEnvVarsKeepsUnresolved(t *testing.T) {
	got := ExpandEnvVars("prefix ${DEFINITELY_NOT_SET_ANYWHERE} suffix")
	if got != "prefix ${DEFINITELY_NOT_SET_ANYWHERE} suffix" {
		t.Errorf("unset var without default must stay literal: %q", got)
	}
}

func TestValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.UserID = "user-1"
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults with an identity should validate: %v", err)
	}

	cfg.Sync.PageSize = 0
	cfg.Identity.UserID = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"identity.userId", "sync.pageSize"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestBridgeValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.UserID = "user-1"
	cfg.Bridge.Telegram.Enabled = true
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "bridge.telegram.token") {
		t.Errorf("enabled bridge without token must fail: %v", err)
	}
}
