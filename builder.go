package goAuthClient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MrEthical07/goAuthClient/api"
	"github.com/MrEthical07/goAuthClient/internal/audit"
	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/store"
	"github.com/MrEthical07/goAuthClient/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
)

// Builder assembles a Controller. A Builder is used once.
type Builder struct {
	config Config

	redis     redis.UniversalClient
	bunDB     bun.IDB
	persister store.Persister

	httpClient *http.Client
	base       http.RoundTripper
	inspector  api.TokenInspector

	auditSink AuditSink
	logger    *zerolog.Logger

	built bool
}

// New returns a Builder with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBaseURL sets Config.API.BaseURL.
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.API.BaseURL = baseURL
	return b
}

// WithRedis persists the session in Redis under
// Persistence.RedisPrefix + "as:" + Persistence.Namespace.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithBunDB persists the session in a SQL table through bun.
func (b *Builder) WithBunDB(db bun.IDB) *Builder {
	b.bunDB = db
	return b
}

// WithPersister sets a custom persister. It takes precedence over every
// other persistence option.
func (b *Builder) WithPersister(p store.Persister) *Builder {
	b.persister = p
	return b
}

// WithHTTPClient sets the client whose Transport and Timeout are used for
// backend calls. Its Transport is wrapped, never replaced.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithBaseTransport sets the round tripper underneath the authorizing
// transport.
func (b *Builder) WithBaseTransport(rt http.RoundTripper) *Builder {
	b.base = rt
	return b
}

// WithTokenInspector overrides how expiries are derived from access tokens.
func (b *Builder) WithTokenInspector(inspector api.TokenInspector) *Builder {
	b.inspector = inspector
	return b
}

// WithAuditSink enables lifecycle events and delivers them to sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = &logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a Controller. The persisted
// session is not loaded until Bootstrap.
func (b *Builder) Build() (*Controller, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.auditSink != nil {
		cfg.Audit.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if b.logger != nil {
		logger = *b.logger
	}
	if cfg.Logging.Level != "" {
		lvl, _ := zerolog.ParseLevel(cfg.Logging.Level)
		logger = logger.Level(lvl)
	}
	logger = logger.With().Str("component", "authclient").Logger()

	// -------- PERSISTENCE --------
	persister, file, err := b.buildPersister(cfg)
	if err != nil {
		return nil, err
	}
	st := store.NewStore(persister, cfg.Persistence.WriteTimeout)

	// -------- BACKEND CLIENT --------
	base := b.base
	if base == nil && b.httpClient != nil {
		base = b.httpClient.Transport
	}
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.API.Timeout
	if b.httpClient != nil && b.httpClient.Timeout > 0 {
		timeout = b.httpClient.Timeout
	}

	inspector := b.inspector
	if inspector == nil && cfg.Session.DeriveExpiryFromJWT {
		inspector = jwt.NewInspector(nil)
	}

	plain, err := api.NewClient(api.Config{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: &http.Client{Transport: base, Timeout: timeout},
		Paths: api.Paths{
			Login:    cfg.API.Paths.Login,
			Register: cfg.API.Paths.Register,
			Refresh:  cfg.API.Paths.Refresh,
			Me:       cfg.API.Paths.Me,
			Logout:   cfg.API.Paths.Logout,
		},
		DeactivationMarkers: cfg.API.DeactivationMarkers,
		UserAgent:           cfg.API.UserAgent,
		Inspector:           inspector,
		MaxBodyBytes:        cfg.API.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		api:     plain,
		metrics: NewMetrics(cfg.Metrics),
		file:    file,
		state:   StateUnauthenticated,
	}

	// -------- AUTHORIZING TRANSPORT --------
	apiURL, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	hosts := append([]string{apiURL.Host}, cfg.API.TokenHosts...)

	tr, err := transport.New(transport.Config{
		Base:                base,
		Store:               st,
		Refresher:           plain,
		ExpirySkew:          cfg.Session.ExpirySkew,
		ProactiveRefresh:    cfg.Refresh.Proactive,
		RefreshTimeout:      cfg.Refresh.Timeout,
		DeactivationMarkers: cfg.API.DeactivationMarkers,
		DeactivationNotice:  cfg.Session.DeactivationNotice,
		Hosts:               hosts,
		Logger:              logger,
		Hooks:               c.transportHooks(),
	})
	if err != nil {
		return nil, err
	}
	c.transport = tr
	c.http = tr.Client(timeout)
	c.authAPI = plain.WithHTTPClient(c.http)

	// -------- AUDIT --------
	c.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	// -------- FILE WATCH --------
	if file != nil && cfg.Persistence.WatchFile {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopWatch = cancel
		c.watchDone = make(chan struct{})
		go func() {
			defer close(c.watchDone)
			if err := file.Watch(ctx, c.onExternalLogout); err != nil {
				logger.Warn().Err(err).Msg("session file watch stopped")
			}
		}()
	}

	b.built = true
	return c, nil
}

func (b *Builder) buildPersister(cfg Config) (store.Persister, *store.FilePersister, error) {
	p := cfg.Persistence
	switch {
	case b.persister != nil:
		fp, _ := b.persister.(*store.FilePersister)
		return b.persister, fp, nil
	case b.redis != nil:
		return store.NewRedisPersister(b.redis, p.RedisPrefix, p.Namespace, p.RedisTTL), nil, nil
	case b.bunDB != nil:
		ctx, cancel := context.WithTimeout(context.Background(), p.WriteTimeout)
		defer cancel()
		bp, err := store.NewBunPersister(ctx, b.bunDB, p.Namespace)
		if err != nil {
			return nil, nil, fmt.Errorf("sql persistence: %w", err)
		}
		return bp, nil, nil
	case p.FilePath != "":
		fp := store.NewFilePersister(p.FilePath)
		return fp, fp, nil
	default:
		return nil, nil, nil
	}
}
