package config

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Telegram validation
	validTelegramModes := []string{"polling", "webhook"}
	if !slices.Contains(validTelegramModes, cfg.Telegram.Mode) {
		add("telegram.mode", "must be one of %v, got %q", validTelegramModes, cfg.Telegram.Mode)
	}
	if cfg.Telegram.Mode == "webhook" {
		if cfg.Telegram.WebhookURL == "" {
			add("telegram.webhookUrl", "required when mode is webhook")
		} else if u, err := url.Parse(cfg.Telegram.WebhookURL); err != nil || u.Scheme != "https" {
			add("telegram.webhookUrl", "must be an https URL, got %q", cfg.Telegram.WebhookURL)
		}
	}
	if cfg.Telegram.PollTimeout < 0 {
		add("telegram.pollTimeout", "must not be negative, got %d", cfg.Telegram.PollTimeout)
	}
	if cfg.Admin.TelegramID != "" {
		if _, err := strconv.ParseInt(cfg.Admin.TelegramID, 10, 64); err != nil {
			add("admin.telegramId", "must be a numeric chat id, got %q", cfg.Admin.TelegramID)
		}
	}

	// IRC validation (only if configured)
	if cfg.IRC != nil {
		irc := cfg.IRC
		if irc.Server == "" {
			add("irc.server", "server is required")
		}
		if irc.Nick == "" {
			add("irc.nick", "nick is required")
		}
		if irc.Port < 0 || irc.Port > 65535 {
			add("irc.port", "port must be 0-65535, got %d", irc.Port)
		}
		if irc.SASL && irc.Password == "" {
			add("irc.sasl", "SASL requires a password to be set")
		}
	}

	// Store validation
	validDrivers := []string{"sqlite", "postgres", "memory"}
	if !slices.Contains(validDrivers, cfg.Store.Driver) {
		add("store.driver", "must be one of %v, got %q", validDrivers, cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		add("store.dsn", "required for the postgres driver")
	}

	// Session validation
	if cfg.Session.TTLMinutes < 1 {
		add("session.ttlMinutes", "must be at least 1, got %d", cfg.Session.TTLMinutes)
	}
	if cfg.Session.DebounceMS < 0 || cfg.Session.DebounceMS > 10000 {
		add("session.debounceMs", "must be 0-10000, got %d", cfg.Session.DebounceMS)
	}

	// Provider validation
	if cfg.ShipStation.Markup < 0 {
		add("shipstation.markup", "must not be negative, got %.2f", cfg.ShipStation.Markup)
	}
	if cfg.ShipStation.CacheTTLMinutes < 0 {
		add("shipstation.cacheTtlMinutes", "must not be negative, got %d", cfg.ShipStation.CacheTTLMinutes)
	}
	if cfg.ShipStation.TimeoutSeconds < 1 {
		add("shipstation.timeoutSeconds", "must be at least 1, got %d", cfg.ShipStation.TimeoutSeconds)
	}
	for path, raw := range map[string]string{
		"shipstation.baseUrl": cfg.ShipStation.BaseURL,
		"oxapay.baseUrl":      cfg.Oxapay.BaseURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			add(path, "must be an absolute URL, got %q", raw)
		}
	}
	if cfg.Oxapay.LifetimeMinutes < 15 || cfg.Oxapay.LifetimeMinutes > 2880 {
		add("oxapay.lifetimeMinutes", "must be 15-2880, got %d", cfg.Oxapay.LifetimeMinutes)
	}

	if cfg.Templates.MaxPerUser < 1 {
		add("templates.maxPerUser", "must be at least 1, got %d", cfg.Templates.MaxPerUser)
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"loopback", "lan", "custom"}
	if !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	validAuthModes := []string{"token", "password", "none"}
	if !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validFormats := []string{"console", "json"}
	if !slices.Contains(validFormats, cfg.Logging.Format) {
		add("logging.format", "must be one of %v, got %q", validFormats, cfg.Logging.Format)
	}

	slices.SortStableFunc(issues, func(a, b ValidationIssue) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	return issues
}

// Ready reports the issues that prevent the bot from running, on top of
// Validate: credentials that are optional in the file but needed at runtime.
func Ready(cfg *Config) []ValidationIssue {
	issues := Validate(cfg)
	if cfg.Telegram.Token == "" && cfg.IRC == nil {
		issues = append(issues, ValidationIssue{Path: "telegram.token", Message: "required unless irc is configured"})
	}
	if cfg.ShipStation.APIKey == "" {
		issues = append(issues, ValidationIssue{Path: "shipstation.apiKey", Message: "required to quote rates"})
	}
	return issues
}
