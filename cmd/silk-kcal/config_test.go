package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "silk-kcal.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  debug: true
data:
  dir: /var/lib/silk
ai:
  provider: gateway
  model: from-file
  timeout: 15s
app:
  timezone: Asia/Tokyo
  notice_ttl: 5s
`)
	cfg, _, err := loadConfig([]string{"--config", path, "--port", "9100"}, env(map[string]string{
		"MCP_PROXY_URL":    "http://proxy:1234",
		"OPENROUTER_MODEL": "from-env",
	}))
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("flag should win over file, got port %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" || !cfg.Server.Debug || cfg.Data.Dir != "/var/lib/silk" {
		t.Errorf("unexpected server/data config %+v %+v", cfg.Server, cfg.Data)
	}
	if cfg.AI.Provider != ProviderGateway || cfg.AI.Model != "from-env" || cfg.AI.ProxyURL != "http://proxy:1234" {
		t.Errorf("unexpected AI config %+v", cfg.AI)
	}
	if cfg.AI.Timeout != 15*time.Second || cfg.App.NoticeTTL != 5*time.Second {
		t.Errorf("durations not parsed: %v %v", cfg.AI.Timeout, cfg.App.NoticeTTL)
	}
	if cfg.App.SwipeThreshold != 120 {
		t.Errorf("default threshold lost, got %v", cfg.App.SwipeThreshold)
	}
	if cfg.Location().String() != "Asia/Tokyo" {
		t.Errorf("unexpected location %s", cfg.Location())
	}
}

func TestConfigDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, _, err := loadConfig(nil, env(map[string]string{"GEMINI_API_KEY": "k"}))
	if err != nil {
		t.Fatalf("missing default config file should not fail: %v", err)
	}
	if cfg.Server.Port != 8011 || cfg.Backend.Driver != DriverEmbedded || cfg.AI.APIKey != "k" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"missing gemini key", nil, nil, "GEMINI_API_KEY"},
		{"supabase without keys", []string{"--backend", "supabase"}, map[string]string{"GEMINI_API_KEY": "k"}, "SUPABASE_URL"},
		{"unknown driver", []string{"--backend", "firebase"}, map[string]string{"GEMINI_API_KEY": "k"}, "unknown backend"},
		{"unknown provider", []string{"--ai", "oracle"}, nil, "unknown AI provider"},
		{"bad timezone", []string{"--timezone", "Mars/Olympus"}, map[string]string{"GEMINI_API_KEY": "k"}, "timezone"},
		{"explicit missing file", []string{"--config", "/nonexistent/silk.yaml"}, nil, "failed to load config"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := loadConfig(c.args, env(c.env))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("expected error containing %q, got %v", c.want, err)
			}
		})
	}
}

func TestVersionFlag(t *testing.T) {
	cfg, showVersion, err := loadConfig([]string{"--version"}, env(nil))
	if err != nil || !showVersion || cfg != nil {
		t.Errorf("unexpected result %v %v %v", cfg, showVersion, err)
	}
}
