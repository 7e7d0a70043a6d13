package config

import "time"

// Config is the root configuration for shipbot.
type Config struct {
	Telegram    TelegramConfig    `yaml:"telegram,omitempty"`
	IRC         *IRCConfig        `yaml:"irc,omitempty"`
	Admin       AdminConfig       `yaml:"admin,omitempty"`
	Store       StoreConfig       `yaml:"store,omitempty"`
	Session     SessionConfig     `yaml:"session,omitempty"`
	ShipStation ShipStationConfig `yaml:"shipstation,omitempty"`
	Oxapay      OxapayConfig      `yaml:"oxapay,omitempty"`
	Templates   TemplatesConfig   `yaml:"templates,omitempty"`
	Gateway     GatewayConfig     `yaml:"gateway,omitempty"`
	Events      EventsConfig      `yaml:"events,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Token         string `yaml:"token,omitempty"`
	Mode          string `yaml:"mode,omitempty"` // "polling" | "webhook"
	WebhookURL    string `yaml:"webhookUrl,omitempty"`
	WebhookSecret string `yaml:"webhookSecret,omitempty"`
	PollTimeout   int    `yaml:"pollTimeout,omitempty"` // seconds
	Debug         bool   `yaml:"debug,omitempty"`
}

// IRCConfig defines IRC channel settings. Private messages drive the order
// wizard; OpsChannel receives admin notifications.
type IRCConfig struct {
	Server     string `yaml:"server"`
	Port       int    `yaml:"port,omitempty"`
	Nick       string `yaml:"nick"`
	Password   string `yaml:"password,omitempty"`
	OpsChannel string `yaml:"opsChannel,omitempty"`
	UseTLS     bool   `yaml:"useTLS,omitempty"`
	SASL       bool   `yaml:"sasl,omitempty"`
}

// AdminConfig names who receives operational notifications.
type AdminConfig struct {
	TelegramID string `yaml:"telegramId,omitempty"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "postgres" | "memory"
	DSN    string `yaml:"dsn,omitempty"`    // file path for sqlite, connection string for postgres
}

// SessionConfig controls conversation session behavior.
type SessionConfig struct {
	TTLMinutes    int    `yaml:"ttlMinutes,omitempty"`
	SweepSchedule string `yaml:"sweepSchedule,omitempty"` // cron spec
	DebounceMS    int    `yaml:"debounceMs,omitempty"`
	AddressLine2  bool   `yaml:"addressLine2,omitempty"`
}

// TTL returns the inactivity window after which sessions are evicted.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// Debounce returns the window in which a repeated structural command is dropped.
func (s SessionConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMS) * time.Millisecond
}

// ShipStationConfig configures the carrier rate and label service.
type ShipStationConfig struct {
	APIKey          string   `yaml:"apiKey,omitempty"`
	BaseURL         string   `yaml:"baseUrl,omitempty"`
	CarrierIDs      []string `yaml:"carrierIds,omitempty"`
	Markup          float64  `yaml:"markup,omitempty"` // dollars added to every rate
	CacheTTLMinutes int      `yaml:"cacheTtlMinutes,omitempty"`
	TimeoutSeconds  int      `yaml:"timeoutSeconds,omitempty"`
}

// OxapayConfig configures the crypto invoice provider.
type OxapayConfig struct {
	MerchantKey       string `yaml:"merchantKey,omitempty"`
	BaseURL           string `yaml:"baseUrl,omitempty"`
	Currency          string `yaml:"currency,omitempty"`
	LifetimeMinutes   int    `yaml:"lifetimeMinutes,omitempty"`
	CallbackURL       string `yaml:"callbackUrl,omitempty"`
	ReconcileSchedule string `yaml:"reconcileSchedule,omitempty"` // cron spec
}

// TemplatesConfig limits saved address templates.
type TemplatesConfig struct {
	MaxPerUser int `yaml:"maxPerUser,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures admin RPC authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password" | "none"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// EventsConfig configures lifecycle event publishing to NATS.
type EventsConfig struct {
	NATSURL       string `yaml:"natsUrl,omitempty"`
	SubjectPrefix string `yaml:"subjectPrefix,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	Format string `yaml:"format,omitempty"` // "console" | "json"
}
