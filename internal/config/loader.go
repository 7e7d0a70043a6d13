package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Telegram.Token = expandEnvVars(cfg.Telegram.Token)
	cfg.Telegram.WebhookSecret = expandEnvVars(cfg.Telegram.WebhookSecret)
	cfg.ShipStation.APIKey = expandEnvVars(cfg.ShipStation.APIKey)
	cfg.Oxapay.MerchantKey = expandEnvVars(cfg.Oxapay.MerchantKey)
	cfg.Store.DSN = expandEnvVars(cfg.Store.DSN)
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	if cfg.IRC != nil {
		cfg.IRC.Password = expandEnvVars(cfg.IRC.Password)
	}
}

// LoadDotenv loads a .env file from the config directory, if present.
// Variables already set in the environment are not overwritten.
func LoadDotenv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(envPath)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if err := LoadDotenv(path); err != nil {
		return cfg, &ConfigError{Message: "failed to load .env: " + err.Error()}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Telegram.Mode == "" {
		cfg.Telegram.Mode = "polling"
	}
	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = 60
	}
	if cfg.IRC != nil && cfg.IRC.Port == 0 {
		if cfg.IRC.UseTLS {
			cfg.IRC.Port = 6697
		} else {
			cfg.IRC.Port = 6667
		}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Session.TTLMinutes == 0 {
		cfg.Session.TTLMinutes = 15
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "@every 1m"
	}
	if cfg.Session.DebounceMS == 0 {
		cfg.Session.DebounceMS = 1500
	}
	if cfg.ShipStation.BaseURL == "" {
		cfg.ShipStation.BaseURL = "https://api.shipstation.com"
	}
	if cfg.ShipStation.Markup == 0 {
		cfg.ShipStation.Markup = 10.0
	}
	if cfg.ShipStation.CacheTTLMinutes == 0 {
		cfg.ShipStation.CacheTTLMinutes = 60
	}
	if cfg.ShipStation.TimeoutSeconds == 0 {
		cfg.ShipStation.TimeoutSeconds = 30
	}
	if cfg.Oxapay.BaseURL == "" {
		cfg.Oxapay.BaseURL = "https://api.oxapay.com"
	}
	if cfg.Oxapay.Currency == "" {
		cfg.Oxapay.Currency = "USDT"
	}
	if cfg.Oxapay.LifetimeMinutes == 0 {
		cfg.Oxapay.LifetimeMinutes = 60
	}
	if cfg.Oxapay.ReconcileSchedule == "" {
		cfg.Oxapay.ReconcileSchedule = "@every 2m"
	}
	if cfg.Templates.MaxPerUser == 0 {
		cfg.Templates.MaxPerUser = 10
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18790
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "shipbot"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// applyEnvOverrides reads SHIPBOT_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHIPBOT_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SHIPBOT_ADMIN_ID"); v != "" {
		cfg.Admin.TelegramID = v
	}
	if v := os.Getenv("SHIPBOT_SHIPSTATION_API_KEY"); v != "" {
		cfg.ShipStation.APIKey = v
	}
	if v := os.Getenv("SHIPBOT_OXAPAY_MERCHANT_KEY"); v != "" {
		cfg.Oxapay.MerchantKey = v
	}
	if v := os.Getenv("SHIPBOT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SHIPBOT_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SHIPBOT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("SHIPBOT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("SHIPBOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
