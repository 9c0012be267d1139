package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, root, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "dev", "chatstream.ini"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
}

// unsetForTest clears key for the test and restores it afterwards, also when
// the code under test sets it.
func unsetForTest(t *testing.T, key string) {
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()
	setting := "environment=dev\nlog_level=debug\nhttp_address=:7000\n"
	env := strings.Join([]string{
		"[server]",
		"http_address=:9090",
		"; comment",
		"admission_classes=small:32:256:30s, large:4:64:2m",
		"routes=gpt-*=>openai|loopback, loopback=>loopback",
		"class_routes=gpt-4*=>large",
		"tenant_weights=acme=2,globex=0.5",
		"tenant_ceilings=acme=16",
		"recovery_grace=5s",
		"admission_policy=weighted",
		"rate_limit_rps=2.5",
	}, "\n")
	writeConfig(t, tmp, setting, env)
	if err := os.WriteFile(filepath.Join(tmp, ".env"), []byte("TOKLIGENCE_SESSION_STORE=redis\nTOKLIGENCE_PROVIDER=loopback\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	unsetForTest(t, "TOKLIGENCE_SESSION_STORE")
	t.Setenv("TOKLIGENCE_PROVIDER", "openai")
	t.Setenv("TOKLIGENCE_OPENAI_API_KEY", "sk-test")
	t.Setenv("TOKLIGENCE_HEARTBEAT_INTERVAL", "3s")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("env file should override setting.ini, got %q", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from setting.ini, got %q", cfg.LogLevel)
	}
	if cfg.SessionStore != "redis" {
		t.Fatalf("expected session store from .env, got %q", cfg.SessionStore)
	}
	if cfg.Provider != "openai" {
		t.Fatalf(".env must not override the environment, got %q", cfg.Provider)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Fatalf("unexpected api key %q", cfg.OpenAIAPIKey)
	}
	if cfg.HeartbeatInterval != 3*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.HeartbeatInterval)
	}
	if cfg.RecoveryGrace != 5*time.Second {
		t.Fatalf("recovery grace = %v", cfg.RecoveryGrace)
	}
	if len(cfg.AdmissionClasses) != 2 || cfg.AdmissionClasses[1].Name != "large" || cfg.AdmissionClasses[1].MaxWait != 2*time.Minute {
		t.Fatalf("unexpected classes %+v", cfg.AdmissionClasses)
	}
	if len(cfg.Routes) != 2 || cfg.Routes[0].Pattern != "gpt-*" || cfg.Routes[0].Target != "openai|loopback" {
		t.Fatalf("unexpected routes %+v", cfg.Routes)
	}
	if len(cfg.ClassRoutes) != 1 || cfg.ClassRoutes[0].Target != "large" {
		t.Fatalf("unexpected class routes %+v", cfg.ClassRoutes)
	}
	if cfg.TenantWeights["acme"] != 2 || cfg.TenantWeights["globex"] != 0.5 {
		t.Fatalf("unexpected weights %+v", cfg.TenantWeights)
	}
	if cfg.TenantCeilings["acme"] != 16 {
		t.Fatalf("unexpected ceilings %+v", cfg.TenantCeilings)
	}
	if cfg.AdmissionPolicy != "weighted" {
		t.Fatalf("admission policy = %q", cfg.AdmissionPolicy)
	}
	if cfg.RateLimitRPS != 2.5 || cfg.RateLimitBurst != 20 {
		t.Fatalf("rate limit = %v/%v", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetForTest(t, "TOKLIGENCE_ENVIRONMENT")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" || cfg.Production() {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.HTTPAddress != ":8081" {
		t.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if cfg.SessionStore != "memory" || cfg.PersistenceDriver != "sqlite" || cfg.Provider != "loopback" {
		t.Fatalf("unexpected backends %+v", cfg)
	}
	if cfg.MaxBufferedChunks != 4096 || cfg.IdempotencyTTL != 24*time.Hour || cfg.ShutdownGrace != 10*time.Second {
		t.Fatalf("unexpected coordinator defaults %+v", cfg)
	}
	if cfg.AdmissionClasses != nil {
		t.Fatalf("classes should default to nil, got %+v", cfg.AdmissionClasses)
	}
	if cfg.LogFileMaxBytes != 100<<20 {
		t.Fatalf("log file max bytes = %d", cfg.LogFileMaxBytes)
	}
	if !cfg.RateLimitEnabled {
		t.Fatal("rate limiting should default to enabled")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"session store": "session_store=etcd",
		"persistence":   "persistence_driver=mysql",
		"postgres dsn":  "persistence_driver=postgres",
		"duration":      "recovery_grace=soon",
		"integer":       "max_buffered_chunks=many",
		"classes":       "admission_classes=small:1:2",
		"policy":        "admission_policy=lottery",
		"weights":       "tenant_weights=acme=heavy",
		"sample ratio":  "otel_sample_ratio=half",
		"attempts":      "worker_max_attempts=5",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			tmp := t.TempDir()
			writeConfig(t, tmp, "environment=dev\n", line+"\n")
			if _, err := Load(tmp); err == nil {
				t.Fatalf("expected error for %q", line)
			}
		})
	}
}

func TestParseRouteListKeepsOrder(t *testing.T) {
	rules := parseRouteList("gpt-4*=>large\n# comment\ngpt-*=small, *=default")
	want := []RouteRule{{"gpt-4*", "large"}, {"gpt-*", "small"}, {"*", "default"}}
	if len(rules) != len(want) {
		t.Fatalf("rules = %+v", rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Fatalf("rule %d = %+v, want %+v", i, rules[i], want[i])
		}
	}
	if parseRouteList("  ") != nil {
		t.Fatal("blank input should yield nil")
	}
}

func TestProduction(t *testing.T) {
	for env, want := range map[string]bool{"live": true, "prod": true, "Production": true, "dev": false, "test": false} {
		if got := (Config{Environment: env}).Production(); got != want {
			t.Errorf("Production(%q) = %v, want %v", env, got, want)
		}
	}
}
