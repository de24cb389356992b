// Package daemon composes the shopkeep components for `sk serve`.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/zulandar/shopkeep/internal/card"
	"github.com/zulandar/shopkeep/internal/config"
	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/delivery"
	"github.com/zulandar/shopkeep/internal/itemcache"
	"github.com/zulandar/shopkeep/internal/llm"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/notify"
	"github.com/zulandar/shopkeep/internal/pipeline"
	"github.com/zulandar/shopkeep/internal/reply"
	"github.com/zulandar/shopkeep/internal/seen"
	"github.com/zulandar/shopkeep/internal/session"
	"github.com/zulandar/shopkeep/internal/status"
	"github.com/zulandar/shopkeep/internal/supervisor"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Daemon is the long-running shopkeep process: one session per enabled
// credential plus the shared engines, notifier, digest and status server.
type Daemon struct {
	db         *gorm.DB
	cfg        *config.Config
	log        *zap.Logger
	dialer     session.Dialer
	httpClient *http.Client
	ai         llm.Client
}

// Opts holds parameters for creating a Daemon.
type Opts struct {
	DB         *gorm.DB
	Config     *config.Config
	Logger     *zap.Logger
	Dialer     session.Dialer // defaults to gorilla websocket
	HTTPClient *http.Client   // marketplace REST and card API fetches
	AI         llm.Client     // overrides the configured provider
}

// New creates a Daemon.
func New(opts Opts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("daemon: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Daemon{
		db:         opts.DB,
		cfg:        opts.Config,
		log:        log,
		dialer:     opts.Dialer,
		httpClient: opts.HTTPClient,
		ai:         opts.AI,
	}, nil
}

// components are the process-wide services shared by every session.
type components struct {
	store     *credential.Store
	market    *marketplace.Client
	notifier  *notify.Notifier
	replier   *reply.Engine
	deliverer *delivery.Engine
	seen      seen.Store
}

// Run builds every subsystem and blocks until ctx is cancelled. Sessions
// are drained before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	c, err := d.build()
	if err != nil {
		return err
	}
	defer c.notifier.Close()
	if closer, ok := c.seen.(io.Closer); ok {
		defer closer.Close()
	}

	sup, err := supervisor.New(supervisor.Opts{
		Factory:     d.sessionFactory(c),
		StopTimeout: d.cfg.Session.DrainTimeout * 2,
		Logger:      d.log,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	watcher, err := credential.NewWatcher(credential.WatcherOpts{
		DB:           d.db,
		PollInterval: d.cfg.Watch.PollInterval,
		Logger:       d.log,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	creds, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("daemon: load credentials: %w", err)
	}
	watcher.Seed(creds)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.notifier.Run(ctx)
	}()

	sup.Start(ctx, creds)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx, watcher.Run(ctx))
	}()

	if d.cfg.Digest.Enabled {
		digest, err := supervisor.NewDigest(supervisor.DigestOpts{
			DB:       d.db,
			Notifier: c.notifier,
			Cron:     d.cfg.Digest.Cron,
			Logger:   d.log,
		})
		if err != nil {
			d.log.Error("daily digest disabled", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				digest.Run(ctx)
			}()
		}
	}

	if d.cfg.Status.Port > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Start(ctx, status.StartOpts{
				Sessions: sup,
				DB:       d.db,
				Port:     d.cfg.Status.Port,
				Logger:   d.log,
			}); err != nil {
				d.log.Error("status server", zap.Error(err))
			}
		}()
	}

	d.log.Info("shopkeep online", zap.Int("credentials", len(creds)), zap.Int("sessions", sup.Len()))
	<-ctx.Done()
	d.log.Info("shopkeep shutting down")
	wg.Wait()
	d.log.Info("shopkeep stopped")
	return nil
}

// build creates the shared services.
func (d *Daemon) build() (*components, error) {
	cfg := d.cfg
	market, err := marketplace.NewClient(marketplace.ClientOpts{
		BaseURL:    cfg.Marketplace.RESTBase,
		AppKey:     cfg.Marketplace.AppKey,
		UserAgent:  cfg.Marketplace.UserAgent,
		Origin:     cfg.Marketplace.Origin,
		HTTPClient: d.httpClient,
		Logger:     d.log,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	ai := d.ai
	if ai == nil && cfg.AI.APIKey != "" {
		ai, err = llm.NewClient(llm.Opts{
			Provider:  llm.Provider(cfg.AI.Provider),
			APIKey:    cfg.AI.APIKey,
			BaseURL:   cfg.AI.BaseURL,
			Model:     cfg.AI.Model,
			MaxTokens: cfg.AI.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}
	if ai == nil {
		d.log.Warn("no AI api key configured; AI replies disabled")
	}

	notifier, err := notify.New(notify.Opts{
		DB:         d.db,
		RateWindow: cfg.Notify.RateWindow,
		QueueSize:  cfg.Notify.QueueSize,
		Logger:     d.log,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	items := itemcache.New(itemcache.DefaultTTL)
	fetcher := card.NewFetcher(d.httpClient, cfg.Delivery.APITimeout)

	replier, err := reply.New(reply.Opts{
		DB:           d.db,
		AI:           ai,
		Items:        market,
		ItemCache:    items,
		Cards:        fetcher,
		AITimeout:    cfg.AI.Timeout,
		SystemPrompt: cfg.AI.SystemPrompt,
		Model:        cfg.AI.Model,
		MaxTokens:    cfg.AI.MaxTokens,
		Logger:       d.log,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	deliverer, err := delivery.New(delivery.Opts{
		DB:          d.db,
		Inventory:   card.NewInventory(d.db),
		Cards:       fetcher,
		Marketplace: market,
		ItemCache:   items,
		Notifier:    notifier,
		RetryDelay:  cfg.Delivery.RetryDelay,
		Logger:      d.log,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	seenStore, err := seen.New(cfg.Seen, d.db)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	return &components{
		store:     credential.NewStore(d.db),
		market:    market,
		notifier:  notifier,
		replier:   replier,
		deliverer: deliverer,
		seen:      seenStore,
	}, nil
}

// sessionFactory builds a session and its inbound pipeline for one
// credential.
func (d *Daemon) sessionFactory(c *components) supervisor.Factory {
	scfg := d.cfg.Session
	return func(cred *models.Credential) (supervisor.Runner, error) {
		log := d.log.With(zap.String("credential", cred.ID))
		inbound := func(s *session.Session) (session.Inbound, error) {
			p, err := pipeline.New(pipeline.Opts{
				Credential:    s.Credential,
				Auth:          s,
				Outbound:      s,
				Replier:       c.replier,
				Deliverer:     c.deliverer,
				History:       c.market,
				Seen:          c.seen,
				DedupCapacity: scfg.DedupCapacity,
				ContextTurns:  scfg.ContextTurns,
				MaxAge:        scfg.MessageMaxAge,
				ManualPause:   scfg.ManualPause,
				Logger:        log,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		}
		s, err := session.New(session.Opts{
			Credential:  cred,
			Store:       c.store,
			Marketplace: c.market,
			Notifier:    c.notifier,
			Inbound:     inbound,
			Dialer:      d.dialer,
			Config:      scfg,
			Endpoint:    d.cfg.Marketplace,
			Logger:      d.log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
