package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"env", func(c *Config) { c.General.Env = "staging" }, "general.env"},
		{"log level", func(c *Config) { c.General.LogLevel = "loud" }, "general.logLevel"},
		{"telegram mode", func(c *Config) { c.Telegram.Mode = "carrier-pigeon" }, "telegram.mode"},
		{"plain http webhook", func(c *Config) {
			c.Telegram.Mode = "webhook"
			c.Telegram.PublicURL = "http://example.com"
		}, "telegram.publicUrl"},
		{"webhook path", func(c *Config) { c.Server.WebhookPath = "api/tg" }, "server.webhookPath"},
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"sqlite path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"vision frames", func(c *Config) { c.OpenAI.MaxVisionFrames = 0 }, "openai.maxVisionFrames"},
		{"rps", func(c *Config) { c.Media.RequestsPerSecond = 0 }, "media.requestsPerSecond"},
		{"lines", func(c *Config) { c.Pipeline.MaxLines = 0 }, "pipeline.maxLines"},
		{"batch", func(c *Config) { c.Worker.BatchSize = 101 }, "worker.batchSize"},
		{"interval", func(c *Config) { c.Worker.IntervalSeconds = 0 }, "worker.intervalSeconds"},
		{"flow ttl", func(c *Config) { c.Redis.FlowTTLMin = 0 }, "redis.flowTtlMinutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_PostgresWithDSN(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://omnimap@localhost/omnimap"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid: %v", err)
	}
}

// --- Load / Save ---

func clearEnvFallbacks(t *testing.T) {
	t.Helper()
	for _, f := range envFallbacks {
		t.Setenv(f.env, "")
	}
}

func TestLoadSave_RoundTrip(t *testing.T) {
	clearEnvFallbacks(t)
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Defaults()
			original.Places.Region = "MY"
			original.Telegram.AllowFrom = FlexStringList{"42"}

			if err := Save(path, original); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Places.Region != "MY" {
				t.Fatalf("expected region MY, got %q", loaded.Places.Region)
			}
			if len(loaded.Telegram.AllowFrom) != 1 || loaded.Telegram.AllowFrom[0] != "42" {
				t.Fatalf("allowFrom = %v", loaded.Telegram.AllowFrom)
			}
		})
	}
}

func TestLoad_YAMLPartialKeepsDefaults(t *testing.T) {
	clearEnvFallbacks(t)
	path := filepath.Join(t.TempDir(), "omnimap.yml")
	content := "telegram:\n  mode: webhook\n  publicUrl: https://omnimap.example\nworker:\n  batchSize: 3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Mode != "webhook" || cfg.Worker.BatchSize != 3 {
		t.Errorf("parsed = %+v / %+v", cfg.Telegram, cfg.Worker)
	}
	if cfg.Worker.IntervalSeconds != 5 || cfg.Pipeline.MaxLines != 6 {
		t.Error("unset keys should keep their defaults")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	clearEnvFallbacks(t)
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"worker": {"batchSize": 0}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "worker.batchSize") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	clearEnvFallbacks(t)
	t.Setenv("TEST_OMNIMAP_REGION", "TH")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"places": {"region": "${TEST_OMNIMAP_REGION}", "language": "${TEST_OMNIMAP_LANG:-th}"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Places.Region != "TH" || cfg.Places.Language != "th" {
		t.Fatalf("places = %+v", cfg.Places)
	}
}

func TestLoad_EnvFallbacks(t *testing.T) {
	clearEnvFallbacks(t)
	t.Setenv("BOT_TOKEN", "123:from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"telegram": {"token": "${BOT_TOKEN_UNSET}"}, "openai": {"apiKey": "sk-file"}}`
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:from-env" {
		t.Errorf("unexpanded placeholder should fall back to BOT_TOKEN, got %q", cfg.Telegram.Token)
	}
	if cfg.OpenAI.APIKey != "sk-file" {
		t.Errorf("file value should win over env, got %q", cfg.OpenAI.APIKey)
	}
}

func TestFromEnv(t *testing.T) {
	clearEnvFallbacks(t)
	t.Setenv("BOT_TOKEN", "123:env-only")
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/omnimap")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:env-only" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if !cfg.General.Production() {
		t.Errorf("env = %q, want production", cfg.General.Env)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("DATABASE_URL should select postgres, got %q", cfg.Store.Driver)
	}

	clearEnvFallbacks(t)
	cfg, err = FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Env != "development" || cfg.Store.Driver != "sqlite" {
		t.Errorf("bare env should give defaults, got env=%q driver=%q", cfg.General.Env, cfg.Store.Driver)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("OMNIMAP_DOTENV_A=base\nOMNIMAP_DOTENV_B=base\n"), 0o644)
	os.WriteFile(filepath.Join(dir, ".env.local"), []byte("OMNIMAP_DOTENV_A=local\n"), 0o644)
	t.Cleanup(func() {
		os.Unsetenv("OMNIMAP_DOTENV_A")
		os.Unsetenv("OMNIMAP_DOTENV_B")
	})

	if err := LoadDotEnv(dir); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("OMNIMAP_DOTENV_A"); got != "local" {
		t.Errorf(".env.local should win, got %q", got)
	}
	if got := os.Getenv("OMNIMAP_DOTENV_B"); got != "base" {
		t.Errorf(".env value missing, got %q", got)
	}
	if err := LoadDotEnv(t.TempDir()); err != nil {
		t.Errorf("missing files should be ignored: %v", err)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "places.region")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "SG" {
		t.Fatalf("expected 'SG', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegram.mode", "webhook"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Telegram.Mode != "webhook" {
		t.Fatalf("expected 'webhook', got %q", cfg.Telegram.Mode)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "media.chrome", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Media.Chrome {
		t.Fatal("expected media.chrome=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "worker.batchSize", "50"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Worker.BatchSize != 50 {
		t.Fatalf("expected 50, got %d", cfg.Worker.BatchSize)
	}
}

func TestSetByPath_Rejects(t *testing.T) {
	cases := []struct{ path, value string }{
		{"telegram.nope", "x"},
		{"nope.mode", "x"},
		{"media.chrome", "maybe"},
		{"worker.batchSize", "ten"},
		{"worker.batchSize", "2.5"},
	}
	for _, c := range cases {
		if err := SetByPath(Defaults(), c.path, c.value); err == nil {
			t.Errorf("SetByPath(%s, %q) should fail", c.path, c.value)
		}
	}
}

func TestSetByPath_OmittedField(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegram.publicUrl", "https://bot.example.com"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Telegram.PublicURL != "https://bot.example.com" {
		t.Fatalf("publicUrl = %q", cfg.Telegram.PublicURL)
	}
	if err := SetByPath(cfg, "redis.addr", "localhost:6379"); err != nil || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis.addr = %q, %v", cfg.Redis.Addr, err)
	}
}

func TestSetByPath_ListConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegram.allowFrom", "111, 222"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Telegram.AllowFrom) != 2 || cfg.Telegram.AllowFrom[1] != "222" {
		t.Fatalf("allowFrom = %v", cfg.Telegram.AllowFrom)
	}
	val, err := GetByPath(cfg, "telegram.allowFrom.0")
	if err != nil || val != "111" {
		t.Fatalf("get index = %v, %v", val, err)
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.logLevel", "telegram.mode", "store.driver", "worker.batchSize", "media.fps"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
	keys := SortedPaths(paths)
	if len(keys) != len(paths) || keys[0] > keys[len(keys)-1] {
		t.Errorf("keys not sorted: %v", keys)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.OpenAI.APIKey = "sk-1234567890abcdefghijklmnop"
	cfg.Places.APIKey = "short"
	cfg.Store.DSN = "postgres://omnimap:hunter2@db:5432/omnimap"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.OpenAI.APIKey != "sk-1****mnop" {
		t.Fatalf("openai key = %q", sanitized.OpenAI.APIKey)
	}
	if sanitized.Places.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Places.APIKey)
	}
	if strings.Contains(sanitized.Store.DSN, "hunter2") || !strings.Contains(sanitized.Store.DSN, "db:5432") {
		t.Fatalf("dsn = %q", sanitized.Store.DSN)
	}
	if cfg.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	t.Setenv("MY_PORT", "9090")
	t.Setenv("EMPTY_VAR", "")
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")

	tests := []struct{ in, want string }{
		{`{"apiKey": "${TEST_API_KEY}"}`, `{"apiKey": "sk-abc123"}`},
		{`"${TOTALLY_UNSET_VAR_XYZ:-8080}"`, `"8080"`},
		{`"${MY_PORT:-8080}"`, `"9090"`},
		{`"${TEST_API_KEY}:${MY_PORT}"`, `"sk-abc123:9090"`},
		{`"${TOTALLY_UNSET_VAR_XYZ}"`, `"${TOTALLY_UNSET_VAR_XYZ}"`},
		{`"${EMPTY_VAR:-fallback}"`, `"fallback"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.General.Production() {
		t.Fatal("defaults should run in development mode")
	}
	if cfg.Places.Region != "SG" || cfg.Pipeline.MaxCandidates != 8 {
		t.Fatalf("unexpected caps: %+v %+v", cfg.Places, cfg.Pipeline)
	}
}
