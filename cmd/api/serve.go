package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/appeal"
	"escrowflow/arbitrator"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/outbox"
	"escrowflow/token"
	"escrowflow/withdrawal"
)

// backend is the storage side of the service. closers run in reverse on
// shutdown.
type backend struct {
	store   escrow.Store
	users   auth.Repository
	queue   *outbox.PGQueue
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openBackend(ctx context.Context, cfg config) (*backend, error) {
	switch cfg.Store.Kind {
	case "memory":
		return &backend{store: escrow.NewMemoryStore(), users: auth.NewMemoryRepository()}, nil
	case "pebble":
		store, err := escrow.NewPebbleStore(cfg.Store.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("creating pebble store: %w", err)
		}
		return &backend{store: store, users: auth.NewMemoryRepository(), closers: []io.Closer{store}}, nil
	case "postgres":
		if err := db.Migrate(cfg.Store.DatabaseURL); err != nil {
			return nil, err
		}
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolConfig{MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		return &backend{
			store:   escrow.NewPGStore(pool),
			users:   auth.NewRepository(pool),
			queue:   outbox.NewPGQueue(pool, cfg.Outbox.Lease),
			closers: []io.Closer{closerFunc(func() error { pool.Close(); return nil })},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func (b *backend) Close() error {
	var errs error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, b.closers[i].Close())
	}
	return errs
}

func newArbitrator(cfg config) (arbitrator.Arbitrator, *arbitrator.Local, error) {
	identity := ledger.Address(cfg.Arbitrator.Identity)
	switch cfg.Arbitrator.Mode {
	case "local":
		local := arbitrator.NewLocal(arbitrator.LocalConfig{
			Identity:     identity,
			Cost:         ledger.Amount(cfg.Arbitrator.Cost),
			AppealCost:   ledger.Amount(cfg.Arbitrator.AppealCost),
			AppealWindow: cfg.Arbitrator.AppealWindow,
		})
		return local, local, nil
	case "remote":
		client := arbitrator.NewClient(arbitrator.ClientConfig{
			BaseURL: cfg.Arbitrator.BaseURL,
			Token:   cfg.Arbitrator.Token,
			Timeout: cfg.Arbitrator.Timeout,
		})
		return client, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown arbitrator mode %q", cfg.Arbitrator.Mode)
	}
}

// newPayer returns the configured payer and, for in-process accounts, the
// account book the HTTP layer reads balances from.
func newPayer(cfg config) (escrow.Payer, *escrow.AccountPayer, error) {
	switch cfg.Payer.Kind {
	case "account":
		accounts := escrow.NewAccountPayer()
		return accounts, accounts, nil
	case "token":
		client := token.NewClient(token.ClientConfig{
			BaseURL: cfg.Payer.TokenURL,
			Token:   cfg.Payer.Token,
			Timeout: cfg.Payer.Timeout,
		})
		return escrow.TokenPayer{Token: client}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown payer kind %q", cfg.Payer.Kind)
	}
}

func serve(ctx context.Context, cfg config, log *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.MetricsNamespace, reg)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			log.Warnw("closing backend", "error", err)
		}
	}()

	arb, local, err := newArbitrator(cfg)
	if err != nil {
		return err
	}
	payer, accounts, err := newPayer(cfg)
	if err != nil {
		return err
	}
	engine, err := escrow.NewEngine(be.store, arb, payer, escrow.Config{
		ArbitratorIdentity: ledger.Address(cfg.Arbitrator.Identity),
		ExtraData:          []byte(cfg.Escrow.ExtraData),
		PaymentTimeout:     cfg.Escrow.PaymentTimeout,
		FeeTimeout:         cfg.Escrow.FeeTimeout,
		Multipliers: appeal.Multipliers{
			Shared:  ledger.Amount(cfg.Escrow.SharedMultiplier),
			Winner:  ledger.Amount(cfg.Escrow.WinnerMultiplier),
			Loser:   ledger.Amount(cfg.Escrow.LoserMultiplier),
			Divisor: ledger.Amount(cfg.Escrow.Divisor),
		},
	})
	if err != nil {
		return err
	}
	engine.WithLogger(log.Named("escrow")).WithMetrics(m)
	if local != nil {
		local.Bind(engine)
	}

	server := &Server{
		authService:       auth.NewService(be.users, cfg.Auth.JWTSecret),
		escrowService:     engine,
		withdrawalService: withdrawal.NewService(engine),
		disputeService:    dispute.NewService(be.store),
		log:               log.Named("http"),
	}
	if accounts != nil {
		server.accounts = accounts
	}
	if local != nil {
		server.localArbitrator = local
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Routes(reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var relay *outbox.Relay
	if be.queue != nil && len(cfg.Outbox.BootstrapServers) > 0 {
		kcl, err := outbox.NewKafkaClient(outbox.KafkaConfig{
			BootstrapServers: cfg.Outbox.BootstrapServers,
			TopicPrefix:      cfg.Outbox.TopicPrefix,
			MetricsNamespace: cfg.MetricsNamespace,
		}, reg, reg)
		if err != nil {
			return err
		}
		defer kcl.Close()
		relay = outbox.NewRelay(be.queue, outbox.NewKafkaProducer(kcl, cfg.Outbox.TopicPrefix), outbox.RelayConfig{
			BatchSize:    cfg.Outbox.BatchSize,
			PollInterval: cfg.Outbox.PollInterval,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
		}).WithLogger(log.Named("outbox")).WithMetrics(m)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting server", "addr", cfg.Server.ListenAddr, "store", cfg.Store.Kind, "arbitrator", cfg.Arbitrator.Mode, "payer", cfg.Payer.Kind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Infow("shutting down server")
		return httpServer.Shutdown(shutdownCtx)
	})
	if relay != nil {
		g.Go(func() error {
			log.Infow("starting outbox relay", "brokers", cfg.Outbox.BootstrapServers)
			return relay.Run(gctx)
		})
	}
	return g.Wait()
}
