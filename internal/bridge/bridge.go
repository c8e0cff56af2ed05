// Package bridge assembles the channel connector, job registry, event
// router, gateway, health listener and housekeeping into one process and
// owns their start and shutdown order.
package bridge

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"portal-bridge/internal/api"
	"portal-bridge/internal/channel"
	"portal-bridge/internal/config"
	"portal-bridge/internal/database"
	"portal-bridge/internal/errors"
	"portal-bridge/internal/health"
	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
	"portal-bridge/internal/netaddr"
	"portal-bridge/internal/ratelimit"
	"portal-bridge/internal/registry"
	"portal-bridge/internal/router"
	"portal-bridge/internal/websocket"
	"portal-bridge/internal/worker"
)

// Bridge is a fully wired bridge process.
type Bridge struct {
	cfg *config.Config
	log *zap.SugaredLogger

	Registry  *registry.Registry
	Connector *channel.Connector
	Router    *router.Router
	Janitor   *worker.Janitor
	Watch     *websocket.Manager
	Health    *health.Server

	db      *database.DB
	journal *database.Journal

	gateway   *http.Server
	gatewayLn net.Listener
}

// NewDialer builds the push network dialer from the configured invitation.
func NewDialer(cfg *config.Config) (*channel.WebsocketDialer, error) {
	inv, err := channel.LoadInvitation(cfg.Channel.Invitation)
	if err != nil {
		return nil, err
	}
	d := &channel.WebsocketDialer{
		Invitation:       inv,
		Name:             cfg.Channel.Name,
		HandshakeTimeout: cfg.Channel.HandshakeTimeout,
	}
	if cfg.Channel.URL != "" {
		u, err := netaddr.WebsocketURL(cfg.Channel.URL)
		if err != nil {
			return nil, errors.Wrap(err, "channel.url")
		}
		d.URL = u
	}
	return d, nil
}

// New wires a bridge. A nil dialer is built from the configured invitation.
func New(cfg *config.Config, dialer channel.Dialer, log *zap.SugaredLogger) (*Bridge, error) {
	if log == nil {
		log = logger.Logger
	}
	if dialer == nil {
		d, err := NewDialer(cfg)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	b := &Bridge{cfg: cfg, log: log}

	b.Registry = registry.New(registry.Options{
		Retention: cfg.Registry.Retention,
		MaxAge:    cfg.Registry.MaxAge,
		Logger:    log.Named("registry"),
	})

	b.Connector = channel.New(channel.Options{
		Dialer:            dialer,
		KeepaliveInterval: cfg.Channel.KeepaliveInterval,
		IdleTimeout:       cfg.Channel.IdleTimeout,
		BackoffInitial:    cfg.Channel.BackoffInitial,
		BackoffMax:        cfg.Channel.BackoffMax,
		SendQueue:         cfg.Channel.SendQueue,
		Logger:            log.Named("channel"),
	})
	b.Connector.OnStateChange(func(s channel.State) {
		log.Named("channel").Infow("Channel state changed", logger.FieldState, s)
	})

	b.Router = router.New(b.Connector.Events(), b.Registry, log.Named("router"))

	limiter := ratelimit.New(cfg.Gateway.RateLimitPerMinute, cfg.Gateway.RateLimitBurst)
	b.Janitor = worker.New(worker.Options{
		Registry:  b.Registry,
		Sessions:  b.Connector,
		Limiter:   limiter,
		Interval:  cfg.Registry.SweepInterval,
		LostGrace: cfg.Channel.LostGrace,
		Logger:    log.Named("janitor"),
	})

	b.Watch = websocket.New(b.watchSnapshot, log.Named("watch"))
	b.Registry.Subscribe(b.Watch.Publish)

	var history api.History
	if cfg.Audit.Path != "" {
		db, err := database.Open(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		b.db = db
		b.journal = database.NewJournal(db, 0, log.Named("journal"))
		b.Registry.Subscribe(b.journal.Observe)
		history = db
	}

	resolver, err := netaddr.NewResolver(cfg.Gateway.ForwardedHeader, cfg.Gateway.TrustedProxies)
	if err != nil {
		b.closeJournal()
		return nil, err
	}
	gw, err := api.NewServer(api.Options{
		Registry:  b.Registry,
		Channel:   b.Connector,
		Resolver:  resolver,
		Limiter:   limiter,
		Watch:     b.Watch,
		History:   history,
		PublicURL: cfg.Gateway.PublicURL,
		Logger:    log.Named("gateway"),
	})
	if err != nil {
		b.closeJournal()
		return nil, err
	}
	b.gateway = &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.Health = health.New(cfg.Health.ListenAddr, b.Connector, log.Named("health"))
	return b, nil
}

func (b *Bridge) watchSnapshot(jobID string) websocket.Update {
	u := websocket.Update{Type: websocket.UpdateSnapshot}
	if jobID != "" {
		if job, ok := b.Registry.Get(jobID); ok {
			u.Jobs = []models.JobSnapshot{job}
		}
	} else {
		u.Jobs = b.Registry.List(registry.Filter{Limit: 100})
	}
	m := b.Registry.Stats()
	m.Channel = string(b.Connector.State())
	u.Metrics = &m
	return u
}

// Start binds both listeners and launches every component. It returns once
// the listeners are bound; the channel connects in the background.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.Health.Start(); err != nil {
		b.closeJournal()
		return errors.Wrapf(err, "failed to bind health listener %s", b.cfg.Health.ListenAddr)
	}
	ln, err := net.Listen("tcp", b.cfg.Gateway.ListenAddr)
	if err != nil {
		b.Health.Shutdown(context.Background())
		b.closeJournal()
		return errors.Wrapf(err, "failed to bind gateway listener %s", b.cfg.Gateway.ListenAddr)
	}
	b.gatewayLn = ln

	b.Connector.Start(ctx)
	b.Router.Start(ctx)
	b.Janitor.Start(ctx)

	go func() {
		if err := b.gateway.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Errorw("Gateway failed", logger.FieldError, err)
		}
	}()

	b.log.Infow("Bridge started",
		"gateway", ln.Addr().String(),
		"health", b.Health.Addr(),
		logger.FieldEndpoint, b.Connector.Endpoint())
	return nil
}

// GatewayAddr returns the bound gateway address.
func (b *Bridge) GatewayAddr() string {
	if b.gatewayLn == nil {
		return b.cfg.Gateway.ListenAddr
	}
	return b.gatewayLn.Addr().String()
}

// Shutdown stops accepting requests, drains in-flight registry mutations and
// only then closes the channel session. Pending jobs are abandoned.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.log.Info("Shutting down bridge")

	var firstErr error
	if err := b.gateway.Shutdown(ctx); err != nil {
		firstErr = errors.Wrap(err, "gateway shutdown")
	}
	b.Watch.Close()

	b.Janitor.Stop()
	b.Router.Stop()

	if err := b.Connector.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.closeJournal()

	if err := b.Health.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "health shutdown")
	}

	if pending := len(b.Registry.InFlight()); pending > 0 {
		b.log.Warnw("Abandoning in-flight jobs", logger.FieldCount, pending)
	}
	return firstErr
}

func (b *Bridge) closeJournal() {
	if b.journal != nil {
		b.journal.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}
