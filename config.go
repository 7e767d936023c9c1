package goAuthClient

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthClient/api"
	"github.com/rs/zerolog"
)

// Config is the full controller configuration. Use [DefaultConfig] as the
// starting point; [Builder.Build] validates and copies it.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Session     SessionConfig     `mapstructure:"session"`
	Refresh     RefreshConfig     `mapstructure:"refresh"`
	Bootstrap   BootstrapConfig   `mapstructure:"bootstrap"`
	Logout      LogoutConfig      `mapstructure:"logout"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig describes how the backend is reached.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	Paths     PathsConfig   `mapstructure:"paths"`
	// DeactivationMarkers are matched case-insensitively against 403 messages.
	DeactivationMarkers []string `mapstructure:"deactivation_markers"`
	MaxBodyBytes        int64    `mapstructure:"max_body_bytes"`
	// TokenHosts are extra hosts (host[:port]) that receive the access token.
	// The BaseURL host always does; requests to any other host go out without it.
	TokenHosts []string `mapstructure:"token_hosts"`
}

// PathsConfig holds the auth endpoint paths, relative to BaseURL.
type PathsConfig struct {
	Login    string `mapstructure:"login"`
	Register string `mapstructure:"register"`
	Refresh  string `mapstructure:"refresh"`
	Me       string `mapstructure:"me"`
	Logout   string `mapstructure:"logout"`
}

/*
====================================
SESSION CONFIG
====================================
*/

type SessionConfig struct {
	// ExpirySkew treats a token as expired this long before its recorded expiry.
	ExpirySkew time.Duration `mapstructure:"expiry_skew"`
	// DeriveExpiryFromJWT reads the exp claim when the backend omits expiresAt.
	DeriveExpiryFromJWT bool `mapstructure:"derive_expiry_from_jwt"`
	// DeactivationNotice is stored when a deactivation response has no message.
	DeactivationNotice string `mapstructure:"deactivation_notice"`
}

type RefreshConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Proactive bool          `mapstructure:"proactive"`
}

// BootstrapConfig bounds the passive session check.
type BootstrapConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxStaleChecks is how many consecutive unreachable-backend checks a stored
	// session survives. Zero keeps it forever.
	MaxStaleChecks int `mapstructure:"max_stale_checks"`
}

type LogoutConfig struct {
	NotifyBackend bool          `mapstructure:"notify_backend"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
}

/*
====================================
PERSISTENCE CONFIG
====================================
*/

// PersistenceConfig configures where the session survives restarts. The
// backend is chosen by what the Builder is given: an explicit persister, a
// Redis client, a bun database, or FilePath, in that order.
type PersistenceConfig struct {
	Namespace    string        `mapstructure:"namespace"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`
	FilePath     string        `mapstructure:"file_path"`
	WatchFile    bool          `mapstructure:"watch_file"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	DropIfFull bool `mapstructure:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

type LoggingConfig struct {
	// Level is a zerolog level name. Empty keeps the logger's own level.
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the baseline configuration. BaseURL must still be set.
func DefaultConfig() Config {
	paths := api.DefaultPaths()
	return Config{
		API: APIConfig{
			Timeout: 15 * time.Second,
			Paths: PathsConfig{
				Login:    paths.Login,
				Register: paths.Register,
				Refresh:  paths.Refresh,
				Me:       paths.Me,
				Logout:   paths.Logout,
			},
			DeactivationMarkers: append([]string(nil), api.DefaultDeactivationMarkers...),
			MaxBodyBytes:        1 << 20,
		},
		Session: SessionConfig{
			ExpirySkew:          30 * time.Second,
			DeriveExpiryFromJWT: true,
			DeactivationNotice:  "Your account has been deactivated.",
		},
		Refresh: RefreshConfig{
			Timeout:   10 * time.Second,
			Proactive: true,
		},
		Bootstrap: BootstrapConfig{
			Timeout:        10 * time.Second,
			MaxStaleChecks: 3,
		},
		Logout: LogoutConfig{
			NotifyBackend: true,
			NotifyTimeout: 5 * time.Second,
		},
		Persistence: PersistenceConfig{
			Namespace:    "default",
			RedisPrefix:  "authc:",
			WriteTimeout: 2 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 64,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.API.DeactivationMarkers = append([]string(nil), cfg.API.DeactivationMarkers...)
	out.API.TokenHosts = append([]string(nil), cfg.API.TokenHosts...)
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// API
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("API BaseURL must be set")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("API BaseURL must be an absolute http(s) URL")
	}
	if c.API.Timeout <= 0 {
		return errors.New("API Timeout must be > 0")
	}
	if c.API.MaxBodyBytes < 0 {
		return errors.New("API MaxBodyBytes must be >= 0")
	}
	for _, p := range []string{c.API.Paths.Login, c.API.Paths.Register, c.API.Paths.Refresh, c.API.Paths.Me, c.API.Paths.Logout} {
		if !strings.HasPrefix(p, "/") {
			return errors.New("API Paths must start with '/'")
		}
	}
	for _, m := range c.API.DeactivationMarkers {
		if strings.TrimSpace(m) == "" {
			return errors.New("API DeactivationMarkers must not contain empty entries")
		}
	}

	// Session
	if c.Session.ExpirySkew < 0 {
		return errors.New("Session ExpirySkew must be >= 0")
	}

	// Refresh
	if c.Refresh.Timeout <= 0 {
		return errors.New("Refresh Timeout must be > 0")
	}

	// Bootstrap
	if c.Bootstrap.Timeout <= 0 {
		return errors.New("Bootstrap Timeout must be > 0")
	}
	if c.Bootstrap.MaxStaleChecks < 0 || c.Bootstrap.MaxStaleChecks > 255 {
		return errors.New("Bootstrap MaxStaleChecks must be between 0 and 255")
	}

	// Logout
	if c.Logout.NotifyBackend && c.Logout.NotifyTimeout <= 0 {
		return errors.New("Logout NotifyTimeout must be > 0 when NotifyBackend is enabled")
	}

	// Persistence
	if c.Persistence.Namespace == "" {
		return errors.New("Persistence Namespace must be set")
	}
	if c.Persistence.RedisTTL < 0 {
		return errors.New("Persistence RedisTTL must be >= 0")
	}
	if c.Persistence.WriteTimeout <= 0 {
		return errors.New("Persistence WriteTimeout must be > 0")
	}
	if c.Persistence.WatchFile && c.Persistence.FilePath == "" {
		return errors.New("Persistence WatchFile requires FilePath")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Logging
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return errors.New("Logging Level is not a valid level")
		}
	}

	return nil
}
