package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for OmniMap.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	OpenAI   OpenAIConfig   `json:"openai" yaml:"openai"`
	Places   PlacesConfig   `json:"places" yaml:"places"`
	Media    MediaConfig    `json:"media" yaml:"media"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
}

type GeneralConfig struct {
	Env      string `json:"env" yaml:"env"` // "development" | "production"
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DataDir  string `json:"dataDir" yaml:"dataDir"`
}

// Production reports whether verbose update logging should be off.
func (g GeneralConfig) Production() bool { return g.Env == "production" }

type TelegramConfig struct {
	Token         string         `json:"token" yaml:"token"`
	AllowFrom     FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	ParseMode     string         `json:"parseMode" yaml:"parseMode"`
	Mode          string         `json:"mode" yaml:"mode"` // "polling" | "webhook"
	WebhookSecret string         `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	PublicURL     string         `json:"publicUrl,omitempty" yaml:"publicUrl,omitempty"`
}

type ServerConfig struct {
	Addr        string `json:"addr" yaml:"addr"`
	WebhookPath string `json:"webhookPath" yaml:"webhookPath"`
}

type StoreConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // "sqlite" | "postgres"
	Path     string `json:"path" yaml:"path"`
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	MaxConns int32  `json:"maxConns,omitempty" yaml:"maxConns,omitempty"`
}

// RedisConfig enables the shared flow store. Empty Addr keeps flows in memory.
type RedisConfig struct {
	Addr       string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	DB         int    `json:"db" yaml:"db"`
	FlowTTLMin int    `json:"flowTtlMinutes" yaml:"flowTtlMinutes"`
}

type OpenAIConfig struct {
	APIKey          string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	APIBase         string `json:"apiBase" yaml:"apiBase"`
	Model           string `json:"model" yaml:"model"`
	TranscribeModel string `json:"transcribeModel" yaml:"transcribeModel"`
	MaxVisionFrames int    `json:"maxVisionFrames" yaml:"maxVisionFrames"`
}

type PlacesConfig struct {
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Region   string `json:"region" yaml:"region"`
	Language string `json:"language" yaml:"language"`
}

type MediaConfig struct {
	ScratchDir         string  `json:"scratchDir" yaml:"scratchDir"`
	Chrome             bool    `json:"chrome" yaml:"chrome"`
	ChromeProfileDir   string  `json:"chromeProfileDir,omitempty" yaml:"chromeProfileDir,omitempty"`
	Headless           bool    `json:"headless" yaml:"headless"`
	FFmpeg             string  `json:"ffmpeg" yaml:"ffmpeg"`
	FPS                int     `json:"fps" yaml:"fps"`
	MaxFrames          int     `json:"maxFrames" yaml:"maxFrames"`
	RequestsPerSecond  float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst              int     `json:"burst" yaml:"burst"`
	HTTPTimeoutSeconds int     `json:"httpTimeoutSeconds" yaml:"httpTimeoutSeconds"`
}

type PipelineConfig struct {
	MaxCandidates int `json:"maxCandidates" yaml:"maxCandidates"`
	MaxLines      int `json:"maxLines" yaml:"maxLines"`
}

type WorkerConfig struct {
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds"`
	BatchSize       int    `json:"batchSize" yaml:"batchSize"`
	LockFile        string `json:"lockFile,omitempty" yaml:"lockFile,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.omnimap).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".omnimap"
	}
	return filepath.Join(home, ".omnimap")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDotEnv loads .env.local and then .env from dir. Variables already in
// the environment win, so .env.local takes precedence over .env.
func LoadDotEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	return finish(cfg)
}

// FromEnv builds a config from defaults and environment variables alone,
// for deployments that ship no config file.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	cfg.General.Env = ""
	ApplyEnv(cfg)
	if cfg.General.Env == "" {
		cfg.General.Env = "development"
	}
	if cfg.Store.DSN != "" {
		cfg.Store.Driver = "postgres"
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnv(cfg)
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Media.ScratchDir = ExpandPath(cfg.Media.ScratchDir)
	cfg.Media.ChromeProfileDir = ExpandPath(cfg.Media.ChromeProfileDir)
	cfg.Worker.LockFile = ExpandPath(cfg.Worker.LockFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envFallbacks fill empty settings from the deployment environment.
var envFallbacks = []struct {
	env string
	dst func(*Config) *string
}{
	{"BOT_TOKEN", func(c *Config) *string { return &c.Telegram.Token }},
	{"WEBHOOK_SECRET", func(c *Config) *string { return &c.Telegram.WebhookSecret }},
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.OpenAI.APIKey }},
	{"GOOGLE_MAPS_API_KEY", func(c *Config) *string { return &c.Places.APIKey }},
	{"PLACES_ENDPOINT", func(c *Config) *string { return &c.Places.Endpoint }},
	{"DATABASE_URL", func(c *Config) *string { return &c.Store.DSN }},
	{"REDIS_ADDR", func(c *Config) *string { return &c.Redis.Addr }},
	{"APP_ENV", func(c *Config) *string { return &c.General.Env }},
}

// ApplyEnv copies well-known environment variables into settings the
// config file left empty.
func ApplyEnv(cfg *Config) {
	for _, f := range envFallbacks {
		dst := f.dst(cfg)
		if v := os.Getenv(f.env); v != "" && (*dst == "" || isPlaceholder(*dst)) {
			*dst = v
		}
	}
}

// isPlaceholder reports an unexpanded ${VAR} left by ExpandEnvVars.
func isPlaceholder(s string) bool {
	return envVarPattern.MatchString(s) && envVarPattern.FindString(s) == s
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.Env {
	case "development", "production":
	default:
		errs = append(errs, "general.env must be one of: development, production")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Telegram.Mode {
	case "polling":
	case "webhook":
		if cfg.Telegram.PublicURL != "" && !strings.HasPrefix(cfg.Telegram.PublicURL, "https://") {
			errs = append(errs, "telegram.publicUrl must be an https URL")
		}
	default:
		errs = append(errs, "telegram.mode must be one of: polling, webhook")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	if cfg.Redis.FlowTTLMin < 1 {
		errs = append(errs, "redis.flowTtlMinutes must be >= 1")
	}
	if cfg.OpenAI.MaxVisionFrames < 1 || cfg.OpenAI.MaxVisionFrames > 20 {
		errs = append(errs, "openai.maxVisionFrames must be between 1 and 20")
	}
	if cfg.Media.FPS < 1 {
		errs = append(errs, "media.fps must be >= 1")
	}
	if cfg.Media.MaxFrames < 1 {
		errs = append(errs, "media.maxFrames must be >= 1")
	}
	if cfg.Media.RequestsPerSecond <= 0 {
		errs = append(errs, "media.requestsPerSecond must be > 0")
	}
	if cfg.Pipeline.MaxCandidates < 1 {
		errs = append(errs, "pipeline.maxCandidates must be >= 1")
	}
	if cfg.Pipeline.MaxLines < 1 {
		errs = append(errs, "pipeline.maxLines must be >= 1")
	}
	if cfg.Worker.IntervalSeconds < 1 {
		errs = append(errs, "worker.intervalSeconds must be >= 1")
	}
	if cfg.Worker.BatchSize < 1 || cfg.Worker.BatchSize > 100 {
		errs = append(errs, "worker.batchSize must be between 1 and 100")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
