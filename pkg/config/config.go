package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration: YAML file values overlaid
// with CLAWLETS_* environment variables, env winning.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Retention   RetentionConfig   `yaml:"retention"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// StorageConfig locates the data directory holding the bbolt file and
// the result blob store.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig selects operator authentication. Disabled mode maps every
// request to the development principal; otherwise bearer tokens resolve
// through the static table.
type AuthConfig struct {
	Disabled bool            `yaml:"disabled"`
	Tokens   []OperatorToken `yaml:"tokens"`
}

// OperatorToken binds one static bearer token to a user id.
type OperatorToken struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"userId"`
}

// RateLimitConfig selects the rate-limit backend. An empty RedisAddr
// means the in-memory store.
type RateLimitConfig struct {
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

// RetentionConfig tunes the retention sweep timer.
type RetentionConfig struct {
	Interval Duration `yaml:"interval"`
}

// Duration is a time.Duration that YAML carries as a string ("90s",
// "5m"). yaml.v3 has no native duration support.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MaintenanceConfig gates the destructive maintenance endpoints.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{ListenAddr: ":8420"},
		Storage:   StorageConfig{DataDir: "./data"},
		Log:       LogConfig{Level: "info"},
		Retention: RetentionConfig{Interval: Duration(5 * time.Minute)},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (optional, "" skips), then CLAWLETS_* environment variables. A .env
// file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr must not be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("CLAWLETS_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("CLAWLETS_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CLAWLETS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if err := envBool("CLAWLETS_LOG_JSON", &cfg.Log.JSON); err != nil {
		return err
	}
	if err := envBool("CLAWLETS_AUTH_DISABLED", &cfg.Auth.Disabled); err != nil {
		return err
	}
	if v := os.Getenv("CLAWLETS_OPERATOR_TOKENS"); v != "" {
		tokens, err := parseTokenTable(v)
		if err != nil {
			return err
		}
		cfg.Auth.Tokens = tokens
	}
	if v := os.Getenv("CLAWLETS_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("CLAWLETS_REDIS_PASSWORD"); v != "" {
		cfg.RateLimit.RedisPassword = v
	}
	if err := envInt("CLAWLETS_REDIS_DB", &cfg.RateLimit.RedisDB); err != nil {
		return err
	}
	if err := envDuration("CLAWLETS_RETENTION_INTERVAL", &cfg.Retention.Interval); err != nil {
		return err
	}
	if err := envBool("CLAWLETS_MAINTENANCE_ENABLED", &cfg.Maintenance.Enabled); err != nil {
		return err
	}
	return nil
}

// parseTokenTable parses "token:userId,token:userId".
func parseTokenTable(v string) ([]OperatorToken, error) {
	var tokens []OperatorToken
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid CLAWLETS_OPERATOR_TOKENS entry %q, want token:userId", pair)
		}
		tokens = append(tokens, OperatorToken{Token: token, UserID: user})
	}
	return tokens, nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", name, v)
	}
	*dst = parsed
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", name, v)
	}
	*dst = parsed
	return nil
}

func envDuration(name string, dst *Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", name, v)
	}
	*dst = Duration(parsed)
	return nil
}
