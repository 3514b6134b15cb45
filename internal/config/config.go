package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// Upstream change channel.
	ListenChannel string `mapstructure:"LISTEN_CHANNEL"`

	// Connect-token verification.
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`

	// Encryption gate key material: comma list of "<ref>:<64 hex chars>".
	PHIEncryptionKeys string `mapstructure:"PHI_ENCRYPTION_KEYS"`
	PHIActiveKey      string `mapstructure:"PHI_ACTIVE_KEY"`

	// Policy knobs. The exact cadences are deployment policy; these are the
	// documented defaults, overridable per environment.
	AuthRefreshInterval time.Duration `mapstructure:"AUTH_REFRESH_INTERVAL"`
	BacklogRetention    time.Duration `mapstructure:"BACKLOG_RETENTION"`
	BacklogScopeCap     int           `mapstructure:"BACKLOG_SCOPE_CAP"`
	BacklogEvictEvery   time.Duration `mapstructure:"BACKLOG_EVICT_EVERY"`
	RouterPartitions    int           `mapstructure:"ROUTER_PARTITIONS"`
	SendQueueSize       int           `mapstructure:"SEND_QUEUE_SIZE"`
	SlowConsumerTimeout time.Duration `mapstructure:"SLOW_CONSUMER_TIMEOUT"`
	HeartbeatInterval   time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	ReconnectMaxBackoff time.Duration `mapstructure:"RECONNECT_MAX_BACKOFF"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LISTEN_CHANNEL", "session_report_events")
	v.SetDefault("AUTH_REFRESH_INTERVAL", "60s")
	v.SetDefault("BACKLOG_RETENTION", "15m")
	v.SetDefault("BACKLOG_SCOPE_CAP", 1024)
	v.SetDefault("BACKLOG_EVICT_EVERY", "30s")
	v.SetDefault("ROUTER_PARTITIONS", 4)
	v.SetDefault("SEND_QUEUE_SIZE", 256)
	v.SetDefault("SLOW_CONSUMER_TIMEOUT", "30s")
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("RECONNECT_MAX_BACKOFF", "30s")
	v.SetDefault("PHI_ACTIVE_KEY", "v1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "LISTEN_CHANNEL", "JWT_SIGNING_KEY", "JWT_ISSUER",
		"PHI_ENCRYPTION_KEYS", "PHI_ACTIVE_KEY",
		"AUTH_REFRESH_INTERVAL", "BACKLOG_RETENTION", "BACKLOG_SCOPE_CAP",
		"BACKLOG_EVICT_EVERY", "ROUTER_PARTITIONS", "SEND_QUEUE_SIZE",
		"SLOW_CONSUMER_TIMEOUT", "HEARTBEAT_INTERVAL", "RECONNECT_MAX_BACKOFF",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Connect tokens are not verified against a real issuer.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// encryption key set and the connect-token signing key are mandatory; the
// pipeline refuses to start rather than deliver PHI without them.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.PHIEncryptionKeys == "" {
			return fmt.Errorf("PHI_ENCRYPTION_KEYS is required in production")
		}
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required in production")
		}
	}
	if c.BacklogScopeCap <= 0 {
		return fmt.Errorf("BACKLOG_SCOPE_CAP must be positive, got %d", c.BacklogScopeCap)
	}
	if c.RouterPartitions <= 0 {
		return fmt.Errorf("ROUTER_PARTITIONS must be positive, got %d", c.RouterPartitions)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	}
	if c.BacklogRetention <= 0 || c.BacklogEvictEvery <= 0 {
		return fmt.Errorf("backlog retention and eviction interval must be positive")
	}
	return nil
}
