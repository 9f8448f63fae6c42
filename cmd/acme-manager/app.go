package main

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"acme-manager/internal/acmeclient"
	"acme-manager/internal/challenge"
	"acme-manager/internal/config"
	"acme-manager/internal/core"
	"acme-manager/internal/events"
	"acme-manager/internal/metrics"
	"acme-manager/internal/notification"
	"acme-manager/internal/poller"
	"acme-manager/internal/server"
	"acme-manager/internal/storage"
	"acme-manager/internal/tlsctx"
)

// application 组装好的进程内组件
type application struct {
	cfg      *config.Config
	logger   *zap.Logger
	holder   *tlsctx.Holder
	notifier *events.Notifier
	manager  *core.Manager
	server   *server.Server
}

func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	clk := clock.New()
	m := metrics.New()

	holder, err := tlsctx.NewHolder(clk, logger)
	if err != nil {
		return nil, err
	}
	notifier := events.NewNotifier()
	tokens := challenge.NewTokenStore()

	factory := core.NewFactory(cfg, logger)
	dnsSolver, err := factory.DNSSolver()
	if err != nil {
		return nil, err
	}
	uploaders, err := factory.CertUploaders()
	if err != nil {
		return nil, err
	}

	pl := poller.New(clk, logger)
	pl.OnTick = func(name string, outcome poller.Outcome) {
		m.PollTick(name, outcome.String())
	}

	dispatcher := challenge.NewDispatcher(challenge.Options{
		Kind:      acmeclient.ChallengeKind(cfg.ChallengeType),
		Policy:    poller.Policy{MaxAttempts: cfg.Auth.RefreshAttempts, Pause: cfg.Auth.Pause},
		Poller:    pl,
		Publisher: notifier,
		Tokens:    tokens,
		DNS:       dnsSolver,
		Clock:     clk,
		Logger:    logger,
		Metrics:   m,
	})

	store := storage.NewFileStorage(cfg.CertLocation, logger)

	coordinator := &core.Coordinator{
		AccountKey: cfg.AccountKey,
		DomainKey:  cfg.DomainKey,
		Policy:     poller.Policy{MaxAttempts: cfg.Order.RefreshAttempts, Pause: cfg.Order.Pause},
		NewClient: func(accountKey crypto.PrivateKey) (core.ACMEClient, error) {
			return acmeclient.New(acmeclient.Options{
				DirectoryURL: cfg.AcmeServer,
				Timeout:      cfg.Timeout,
				Clock:        clk,
			}, accountKey)
		},
		Authorizer: dispatcher,
		Store:      store,
		Publisher:  notifier,
		Poller:     pl,
		Metrics:    m,
		Logger:     logger,
	}

	manager := core.NewManager(cfg, core.ManagerOptions{
		Storage:     store,
		Coordinator: coordinator,
		Publisher:   notifier,
		Webhook:     notification.NewWebhookNotifier(cfg.Webhook, logger),
		Uploaders:   uploaders,
		Executor:    core.NewExecutor(logger),
		Metrics:     m,
		Clock:       clk,
		Logger:      logger,
	})

	return &application{
		cfg:      cfg,
		logger:   logger,
		holder:   holder,
		notifier: notifier,
		manager:  manager,
		server:   server.New(cfg.HTTPChallengeServerPort, tokens, m, holder, logger),
	}, nil
}

// run 启动服务并执行首次检查；once 为 true 时检查完成后退出
func (a *application) run(ctx context.Context, once bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.notifier.Subscribe(ctx, a.holder.Handle))
	})
	g.Go(func() error {
		return a.server.Run(ctx)
	})
	if a.cfg.TLSAddr != "" {
		g.Go(func() error {
			return server.RunTLS(ctx, a.cfg.TLSAddr, a.holder.TLSConfig(), server.InfoHandler(a.holder), a.logger)
		})
	}

	g.Go(func() error {
		if err := a.manager.Startup(ctx); err != nil {
			return err
		}
		if once {
			cancel()
			return nil
		}
		interval := time.Duration(a.cfg.CheckInterval) * time.Hour
		return ignoreCanceled(a.manager.Run(ctx, interval))
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
