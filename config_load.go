package goAuthClient

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override read by LoadConfig, for
// example AUTHCLIENT_API_BASE_URL or AUTHCLIENT_REFRESH_PROACTIVE.
const EnvPrefix = "AUTHCLIENT"

// LoadConfig builds a Config from DefaultConfig, the optional file at path
// (YAML, JSON or TOML by extension) and AUTHCLIENT_* environment variables, in
// increasing priority. The result is validated.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.user_agent", d.API.UserAgent)
	v.SetDefault("api.paths.login", d.API.Paths.Login)
	v.SetDefault("api.paths.register", d.API.Paths.Register)
	v.SetDefault("api.paths.refresh", d.API.Paths.Refresh)
	v.SetDefault("api.paths.me", d.API.Paths.Me)
	v.SetDefault("api.paths.logout", d.API.Paths.Logout)
	v.SetDefault("api.deactivation_markers", d.API.DeactivationMarkers)
	v.SetDefault("api.max_body_bytes", d.API.MaxBodyBytes)
	v.SetDefault("api.token_hosts", []string{})

	v.SetDefault("session.expiry_skew", d.Session.ExpirySkew)
	v.SetDefault("session.derive_expiry_from_jwt", d.Session.DeriveExpiryFromJWT)
	v.SetDefault("session.deactivation_notice", d.Session.DeactivationNotice)

	v.SetDefault("refresh.timeout", d.Refresh.Timeout)
	v.SetDefault("refresh.proactive", d.Refresh.Proactive)

	v.SetDefault("bootstrap.timeout", d.Bootstrap.Timeout)
	v.SetDefault("bootstrap.max_stale_checks", d.Bootstrap.MaxStaleChecks)

	v.SetDefault("logout.notify_backend", d.Logout.NotifyBackend)
	v.SetDefault("logout.notify_timeout", d.Logout.NotifyTimeout)

	v.SetDefault("persistence.namespace", d.Persistence.Namespace)
	v.SetDefault("persistence.redis_prefix", d.Persistence.RedisPrefix)
	v.SetDefault("persistence.redis_ttl", d.Persistence.RedisTTL)
	v.SetDefault("persistence.file_path", d.Persistence.FilePath)
	v.SetDefault("persistence.watch_file", d.Persistence.WatchFile)
	v.SetDefault("persistence.write_timeout", d.Persistence.WriteTimeout)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("audit.drop_if_full", d.Audit.DropIfFull)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.enable_latency_histograms", d.Metrics.EnableLatencyHistograms)

	v.SetDefault("logging.level", d.Logging.Level)
}
