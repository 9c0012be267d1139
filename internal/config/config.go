// Package config loads chatstreamd settings from config/setting.ini, the
// per-environment config/<env>/chatstream.ini, a .env file and TOKLIGENCE_*
// environment variables, in increasing order of precedence.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chatstream.ini"
	envPrefix        = "TOKLIGENCE_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RouteRule is one ordered pattern => target mapping.
type RouteRule struct {
	Pattern string
	Target  string
}

// Config describes one chatstreamd process.
type Config struct {
	Environment string
	HTTPAddress string

	LogLevel        string
	LogFile         string
	LogFileMaxBytes int64

	// SessionStore is "memory" or "redis".
	SessionStore string
	RedisURL     string
	RedisPrefix  string

	// PersistenceDriver is "sqlite", "postgres" or "none".
	PersistenceDriver string
	PersistenceDSN    string
	PostgresMaxOpen   int
	PostgresMaxIdle   int

	// Minutes, as the postgres store expects them.
	PostgresConnLifetime int
	PostgresConnIdle     int

	// Provider is the fallback provider: "loopback" or "openai".
	Provider      string
	DefaultModel  string
	LoopbackDelay time.Duration
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIOrg     string
	OpenAIIdle    time.Duration

	// Routes map model patterns onto "primary|fallback" provider chains.
	Routes        []RouteRule
	// ClassRoutes map model patterns onto admission classes.
	ClassRoutes   []RouteRule
	TokenEncoding string

	AdmissionClasses []admission.ClassConfig
	DefaultClass     string
	TenantCeiling    int
	TenantCeilings   map[string]int

	// AdmissionPolicy is "fifo" or "weighted".
	AdmissionPolicy string
	TenantWeights   map[string]float64

	MaxBufferedChunks    int
	IdempotencyTTL       time.Duration
	RecoveryGrace        time.Duration
	ShutdownGrace        time.Duration
	ChunkRetention       time.Duration
	SessionLinger        time.Duration
	HeartbeatInterval    time.Duration
	HistoryTurns         int
	WorkerMaxAttempts    int
	WorkerAttemptTimeout time.Duration
	WorkerRetryDelay     time.Duration

	WebSocketWriteTimeout time.Duration

	ModerationMode      string
	ModerationRulesFile string

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64

	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelHeaders     map[string]string
	OTelSampleRatio float64
}

// Production reports whether the environment is a live one.
func (c Config) Production() bool {
	switch strings.ToLower(c.Environment) {
	case "live", "prod", "production":
		return true
	}
	return false
}

// Load reads the configuration rooted at root. A .env file in root is loaded
// first and never overrides variables that are already set.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}
	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		envValues = map[string]string{}
	}
	merged := make(map[string]string, len(s.Defaults)+len(envValues))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	return build(s.Environment, merged)
}

// lookup resolves a key: environment variable first, then the INI files.
type lookup map[string]string

func (v lookup) get(key string, fallback ...string) string {
	return firstNonEmpty(append([]string{os.Getenv(envPrefix + strings.ToUpper(key)), v[key]}, fallback...)...)
}

func (v lookup) duration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.get(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func (v lookup) integer(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(v.get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func (v lookup) float(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(v.get(key))
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func build(env string, merged map[string]string) (Config, error) {
	v := lookup(merged)
	cfg := Config{
		Environment:         env,
		HTTPAddress:         v.get("http_address", ":8081"),
		LogLevel:            strings.ToLower(v.get("log_level", "info")),
		LogFile:             v.get("log_file"),
		SessionStore:        strings.ToLower(v.get("session_store", "memory")),
		RedisURL:            v.get("redis_url", "redis://localhost:6379/0"),
		RedisPrefix:         v.get("redis_prefix", "chatstream"),
		PersistenceDriver:   strings.ToLower(v.get("persistence_driver", "sqlite")),
		PersistenceDSN:      v.get("persistence_dsn", DefaultSQLitePath()),
		Provider:            strings.ToLower(v.get("provider", "loopback")),
		DefaultModel:        v.get("default_model", "loopback"),
		OpenAIAPIKey:        v.get("openai_api_key"),
		OpenAIBaseURL:       v.get("openai_base_url"),
		OpenAIOrg:           v.get("openai_org"),
		Routes:              parseRouteList(v.get("routes")),
		ClassRoutes:         parseRouteList(v.get("class_routes")),
		TokenEncoding:       v.get("token_encoding"),
		DefaultClass:        v.get("default_class"),
		AdmissionPolicy:     strings.ToLower(v.get("admission_policy", "fifo")),
		ModerationMode:      strings.ToLower(v.get("moderation_mode", "disabled")),
		ModerationRulesFile: v.get("moderation_rules_file"),
		RateLimitEnabled:    parseOptionalBool(v.get("rate_limit_enabled"), true),
		OTelEnabled:         parseBool(v.get("otel_enabled")),
		OTelEndpoint:        v.get("otel_endpoint"),
		OTelInsecure:        parseOptionalBool(v.get("otel_insecure"), true),
		OTelHeaders:         parseMap(v.get("otel_headers")),
	}
	if cfg.PersistenceDriver == "postgres" && v.get("persistence_dsn") == "" {
		return Config{}, errors.New("persistence_dsn is required for the postgres driver")
	}

	var err error
	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"postgres_max_open", &cfg.PostgresMaxOpen, 20},
		{"postgres_max_idle", &cfg.PostgresMaxIdle, 5},
		{"postgres_conn_lifetime", &cfg.PostgresConnLifetime, 30},
		{"postgres_conn_idle", &cfg.PostgresConnIdle, 5},
		{"tenant_ceiling", &cfg.TenantCeiling, 8},
		{"max_buffered_chunks", &cfg.MaxBufferedChunks, 4096},
		{"history_turns", &cfg.HistoryTurns, 10},
		{"worker_max_attempts", &cfg.WorkerMaxAttempts, 2},
	}
	for _, it := range ints {
		if *it.dst, err = v.integer(it.key, it.fallback); err != nil {
			return Config{}, err
		}
	}
	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"loopback_delay", &cfg.LoopbackDelay, 20 * time.Millisecond},
		{"openai_idle_timeout", &cfg.OpenAIIdle, 30 * time.Second},
		{"idempotency_ttl", &cfg.IdempotencyTTL, 24 * time.Hour},
		{"recovery_grace", &cfg.RecoveryGrace, 30 * time.Second},
		{"shutdown_grace", &cfg.ShutdownGrace, 10 * time.Second},
		{"chunk_retention", &cfg.ChunkRetention, 0},
		{"session_linger", &cfg.SessionLinger, time.Minute},
		{"heartbeat_interval", &cfg.HeartbeatInterval, 15 * time.Second},
		{"worker_attempt_timeout", &cfg.WorkerAttemptTimeout, 2 * time.Minute},
		{"worker_retry_delay", &cfg.WorkerRetryDelay, 250 * time.Millisecond},
		{"websocket_write_timeout", &cfg.WebSocketWriteTimeout, 10 * time.Second},
	}
	for _, it := range durations {
		if *it.dst, err = v.duration(it.key, it.fallback); err != nil {
			return Config{}, err
		}
	}
	if cfg.RateLimitRPS, err = v.float("rate_limit_rps", 10); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = v.float("rate_limit_burst", 20); err != nil {
		return Config{}, err
	}
	if cfg.OTelSampleRatio, err = v.float("otel_sample_ratio", 1); err != nil {
		return Config{}, err
	}
	maxBytes, err := v.integer("log_file_max_mb", 100)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFileMaxBytes = int64(maxBytes) << 20

	if raw := v.get("admission_classes"); strings.TrimSpace(raw) != "" {
		if cfg.AdmissionClasses, err = admission.ParseClasses(raw); err != nil {
			return Config{}, err
		}
	}
	if cfg.TenantCeilings, err = parseIntMap("tenant_ceilings", v.get("tenant_ceilings")); err != nil {
		return Config{}, err
	}
	if cfg.TenantWeights, err = parseFloatMap("tenant_weights", v.get("tenant_weights")); err != nil {
		return Config{}, err
	}

	if cfg.WorkerMaxAttempts < 1 || cfg.WorkerMaxAttempts > 2 {
		return Config{}, fmt.Errorf("invalid worker_max_attempts %d: want 1 or 2", cfg.WorkerMaxAttempts)
	}
	switch cfg.SessionStore {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("invalid session_store %q: want memory or redis", cfg.SessionStore)
	}
	switch cfg.PersistenceDriver {
	case "sqlite", "postgres", "none":
	default:
		return Config{}, fmt.Errorf("invalid persistence_driver %q: want sqlite, postgres or none", cfg.PersistenceDriver)
	}
	switch cfg.AdmissionPolicy {
	case "fifo", "weighted":
	default:
		return Config{}, fmt.Errorf("invalid admission_policy %q: want fifo or weighted", cfg.AdmissionPolicy)
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	result := make(map[string]string)
	for _, entry := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func parseIntMap(key, input string) (map[string]int, error) {
	raw := parseMap(input)
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %s=%q: %w", key, k, v, err)
		}
		out[k] = n
	}
	return out, nil
}

func parseFloatMap(key, input string) (map[string]float64, error) {
	raw := parseMap(input)
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %s=%q: %w", key, k, v, err)
		}
		out[k] = f
	}
	return out, nil
}

// parseRouteList preserves ordering for pattern=>target rules (comma or newline separated).
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return rules
}

// DefaultSQLitePath returns the fallback message archive under the user's home directory.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatstream.db"
	}
	return filepath.Join(home, ".tokligence", "chatstream.db")
}
