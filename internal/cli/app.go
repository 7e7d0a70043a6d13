package cli

import (
	"fmt"
	"time"

	"github.com/soyeahso/shipbot/internal/carrier"
	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/orchestrator"
	"github.com/soyeahso/shipbot/internal/payment"
	"github.com/soyeahso/shipbot/internal/routing"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// app holds the components shared by the bot process and the admin
// commands that act on its store.
type app struct {
	cfg      config.Config
	db       *store.DB
	sessions *store.SessionStore
	hooks    *hooks.Manager
	metrics  *metrics.Metrics
	engine   *conversation.Engine
	orch     *orchestrator.Orchestrator
	rates    *carrier.Cache
}

func openApp(cfg config.Config) (*app, error) {
	if (cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite") && cfg.Store.DSN == "" {
		if err := paths.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := store.OpenDriver(cfg.Store.Driver, cfg.Store.DSN, paths.Database, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		sessions: store.NewSessionStore(db),
		hooks:    hooks.NewManager(log),
		metrics:  metrics.New(),
	}

	registry := wizard.New(wizard.Options{AddressLine2: cfg.Session.AddressLine2})
	a.engine = conversation.New(a.sessions, registry, log, conversation.Options{
		Debounce: cfg.Session.Debounce(),
		Hooks:    a.hooks,
		Observe:  routing.ObserveOutcomes(a.metrics),
	})

	a.rates = carrier.NewCache(
		carrier.NewShipStation(cfg.ShipStation, log),
		time.Duration(cfg.ShipStation.CacheTTLMinutes)*time.Minute,
		carrier.CacheCounters{Hits: a.metrics.RateCacheHits, Misses: a.metrics.RateCacheMisses},
	)

	deps := orchestrator.Deps{Engine: a.engine, DB: db, Carrier: a.rates, Log: log}
	if cfg.Oxapay.MerchantKey != "" {
		deps.Invoicer = payment.NewOxapay(cfg.Oxapay, log)
	}
	a.orch = orchestrator.New(deps, orchestrator.Options{
		MaxTemplates: cfg.Templates.MaxPerUser,
		Hooks:        a.hooks,
		Metrics:      a.metrics,
	})
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
