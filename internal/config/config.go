package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/core"
	"github.com/tunaaoguzhann/paygate/deduction"
)

// Config is shared by the token store and the calculator.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Gate       GateConfig       `yaml:"gate"`
	Deduction  DeductionConfig  `yaml:"deduction"`
	Calculator CalculatorConfig `yaml:"calculator"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds the secret admin bearer tokens are signed with.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// HTTPConfig holds the token store's HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

type StoreConfig struct {
	Driver           string   `yaml:"driver"` // memory, redis, valkey, sqlite (default: memory)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	SQLitePath       string   `yaml:"sqlite_path"`
	KeyPrefix        string   `yaml:"key_prefix"`
	HMACSecret       string   `yaml:"hmac_secret"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`

	// PreviousHMACSecrets still verify tokens signed before a rotation.
	PreviousHMACSecrets []string `yaml:"previous_hmac_secrets"`
}

type TokensConfig struct {
	Single       SingleUseConfig    `yaml:"single"`
	Subscription SubscriptionConfig `yaml:"subscription"`
}

type SingleUseConfig struct {
	Validity time.Duration `yaml:"validity"`
}

type SubscriptionConfig struct {
	Quota int64         `yaml:"quota"`
	Cycle time.Duration `yaml:"cycle"`
}

// GateConfig drives the calculator's consumption gate.
type GateConfig struct {
	Timeout             time.Duration      `yaml:"timeout"`
	RequireConfirmation map[string]bool    `yaml:"require_confirmation"`
	Revalidate          *bool              `yaml:"revalidate_before_consume"`
	Retry               access.RetryConfig `yaml:"retry"`
}

type DeductionConfig struct {
	PhaseoutBand float64                     `yaml:"phaseout_band"`
	Limits       map[string]deduction.Limits `yaml:"limits"`
}

type CalculatorConfig struct {
	Port          int           `yaml:"port"`
	StoreURL      string        `yaml:"store_url"`
	CheckoutURL   string        `yaml:"checkout_url"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CookieSecret  string        `yaml:"cookie_secret"`
	RPS           float64       `yaml:"rps"`
	Burst         int           `yaml:"burst"`
}

// RateLimitConfig bounds validate/consume calls per client address at the token store.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"` // 0 = unlimited
	Window time.Duration `yaml:"window"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, expanding ${VAR} references first.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.ReadinessTimeout <= 0 {
		c.Store.ReadinessTimeout = 10
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "paygate:token:"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "paygate.db"
	}
	if c.Tokens.Single.Validity <= 0 {
		c.Tokens.Single.Validity = 180 * 24 * time.Hour
	}
	if c.Tokens.Subscription.Quota <= 0 {
		c.Tokens.Subscription.Quota = 100
	}
	if c.Tokens.Subscription.Cycle <= 0 {
		c.Tokens.Subscription.Cycle = 30 * 24 * time.Hour
	}
	if c.Gate.Timeout <= 0 {
		c.Gate.Timeout = 5 * time.Second
	}
	if c.Gate.RequireConfirmation == nil {
		c.Gate.RequireConfirmation = map[string]bool{string(core.TokenSingleUse): true}
	}
	if c.Gate.Revalidate == nil {
		on := true
		c.Gate.Revalidate = &on
	}
	def := access.DefaultRetryConfig()
	if c.Gate.Retry.MaxAttempts <= 0 {
		c.Gate.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Gate.Retry.BaseDelay <= 0 {
		c.Gate.Retry.BaseDelay = def.BaseDelay
	}
	if c.Gate.Retry.MaxDelay <= 0 {
		c.Gate.Retry.MaxDelay = def.MaxDelay
	}
	if c.Gate.Retry.Multiplier < 1 {
		c.Gate.Retry.Multiplier = def.Multiplier
	}
	if c.Calculator.Port == 0 {
		c.Calculator.Port = 8081
	}
	if c.Calculator.SessionTTL <= 0 {
		c.Calculator.SessionTTL = 30 * time.Minute
	}
	if c.Calculator.SweepInterval <= 0 {
		c.Calculator.SweepInterval = time.Minute
	}
	if c.Calculator.RPS <= 0 {
		c.Calculator.RPS = 5
	}
	if c.Calculator.Burst <= 0 {
		c.Calculator.Burst = 10
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Calculator.Port <= 0 || c.Calculator.Port > 65535 {
		return fmt.Errorf("calculator.port must be between 1 and 65535, got %d", c.Calculator.Port)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "redis", "valkey":
		if len(c.Store.Addrs) == 0 {
			return fmt.Errorf("store.addrs is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be memory, redis, valkey or sqlite, got %q", c.Store.Driver)
	}
	if len(c.Store.HMACSecret) < 16 {
		return fmt.Errorf("store.hmac_secret must be at least 16 bytes")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	for typ := range c.Gate.RequireConfirmation {
		if !core.TokenType(typ).Valid() {
			return fmt.Errorf("gate.require_confirmation: unknown token type %q", typ)
		}
	}
	for status, l := range c.Deduction.Limits {
		if l.TipsCap < 0 || l.OvertimeCap < 0 || l.PhaseoutStart < 0 {
			return fmt.Errorf("deduction.limits.%s: values must be non-negative", status)
		}
	}
	if c.Deduction.PhaseoutBand < 0 {
		return fmt.Errorf("deduction.phaseout_band must be non-negative")
	}
	return nil
}

// GatePolicy converts the gate section into an access.Policy.
func (c *Config) GatePolicy() access.Policy {
	p := access.Policy{
		RequireConfirmation: make(map[core.TokenType]bool, len(c.Gate.RequireConfirmation)),
		Retry:               c.Gate.Retry,
	}
	for typ, on := range c.Gate.RequireConfirmation {
		p.RequireConfirmation[core.TokenType(typ)] = on
	}
	if c.Gate.Revalidate != nil {
		p.RevalidateBeforeConsume = *c.Gate.Revalidate
	}
	return p
}

// DeductionParams overlays configured limits on the built-in ones.
func (c *Config) DeductionParams() deduction.Params {
	p := deduction.DefaultParams()
	for status, l := range c.Deduction.Limits {
		p.Limits[deduction.FilingStatus(status)] = l
	}
	if c.Deduction.PhaseoutBand > 0 {
		p.PhaseoutBand = c.Deduction.PhaseoutBand
	}
	return p
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b)))
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
