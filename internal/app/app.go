// Package app wires the engine components together and composes the
// per-screen views served by the transport and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"storefront/internal/config"
	"storefront/internal/ratelimit"
	"storefront/pkg/catalog"
	"storefront/pkg/identity"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
	"storefront/pkg/ownership"
	"storefront/pkg/pricing"
	"storefront/pkg/queue"
	"storefront/pkg/storage"
	"storefront/pkg/store"
	"storefront/pkg/txn"
)

const (
	stockPrefix     = "storefront:stock"
	rateLimitPrefix = "storefront:ratelimit:purchase"
	outboxStream    = "storefront:outbox"
)

// Options assemble an App from already-opened collaborators.
type Options struct {
	Store             store.Store
	Seeder            catalog.Seeder
	Publisher         notify.Publisher
	Limiter           *ratelimit.FixedWindowLimiter
	JWTSecret         string
	JWTIssuer         string
	LowStockThreshold int
	Grace             time.Duration
	Logger            *slog.Logger
}

// App holds every engine component of one process.
type App struct {
	Store       store.Store
	Catalog     *catalog.Source
	Ownership   *ownership.Index
	Pricing     *pricing.Engine
	Inventory   *inventory.Ledger
	Notifier    *notify.Sink
	Identities  *identity.Mirror
	Tokens      *identity.TokenResolver
	Coordinator *txn.Coordinator
	// Limiter is nil when no Redis is configured.
	Limiter *ratelimit.FixedWindowLimiter

	logger  *slog.Logger
	grace   time.Duration
	closers []func() error
}

// Build wires the engine over opts.Store.
func Build(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mirror := identity.NewMirror(opts.Store, opts.Grace)
	tokens, err := identity.NewTokenResolver(identity.TokenConfig{
		Secret: opts.JWTSecret,
		Issuer: opts.JWTIssuer,
	}, mirror)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	engine := pricing.New(opts.Store, opts.Grace)
	ledger := inventory.New(inventory.Config{
		Store:             opts.Store,
		LowStockThreshold: opts.LowStockThreshold,
		Grace:             opts.Grace,
		Logger:            logger.With("component", "inventory"),
	})
	sink := notify.New(notify.Config{
		Store:     opts.Store,
		Publisher: opts.Publisher,
		Grace:     opts.Grace,
		Logger:    logger.With("component", "notify"),
	})
	a := &App{
		Store: opts.Store,
		Catalog: catalog.New(catalog.Config{
			Store:  opts.Store,
			Seeder: opts.Seeder,
			Grace:  opts.Grace,
			Logger: logger.With("component", "catalog"),
		}),
		Ownership: ownership.New(ownership.Config{
			Store:  opts.Store,
			Grace:  opts.Grace,
			Logger: logger.With("component", "ownership"),
		}),
		Pricing:    engine,
		Inventory:  ledger,
		Notifier:   sink,
		Identities: mirror,
		Tokens:     tokens,
		Coordinator: txn.New(txn.Config{
			Store:    opts.Store,
			Ledger:   ledger,
			Notifier: sink,
			Pricing:  engine,
			Logger:   logger.With("component", "txn"),
		}),
		Limiter: opts.Limiter,
		logger:  logger,
		grace:   opts.Grace,
	}
	return a, nil
}

// Open builds an App from file config, dialing the database, Redis, MinIO
// and AMQP when they are configured.
func Open(cfg config.FileConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	st, closeStore, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	var (
		limiter *ratelimit.FixedWindowLimiter
		client  *redis.Client
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
		closers = append(closers, client.Close)
		st = store.NewRedisStockWithClient(st, client, stockPrefix)
		if cfg.PurchaseRateLimitPerMinute > 0 {
			limiter, err = ratelimit.NewFixedWindowLimiter(client, rateLimitPrefix, cfg.PurchaseRateLimitPerMinute, time.Minute)
			if err != nil {
				return fail(err)
			}
		}
		logger.Info("redis stock counters enabled", "addr", addr)
	}

	seeder, err := openSeeder(cfg)
	if err != nil {
		return fail(err)
	}

	var publisher notify.Publisher
	if url := strings.TrimSpace(cfg.AMQPURL); url != "" {
		p, err := notify.NewAMQPPublisher(url, cfg.AMQPExchange)
		if err != nil {
			return fail(fmt.Errorf("init amqp publisher: %w", err))
		}
		closers = append(closers, p.Close)
		publisher = p
		if client != nil {
			outbox, err := queue.NewRedisOutbox(client, queue.OutboxConfig{
				Stream: outboxStream,
				Logger: logger.With("component", "outbox"),
			})
			if err != nil {
				return fail(err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			outbox.Start(ctx, 1, func(ctx context.Context, d queue.Delivery) error {
				return p.Publish(ctx, d.Notification)
			})
			closers = append(closers, func() error { cancel(); return nil })
			publisher = outbox
			logger.Info("notification outbox enabled", "stream", outboxStream)
		}
	}

	a, err := Build(Options{
		Store:             st,
		Seeder:            seeder,
		Publisher:         publisher,
		Limiter:           limiter,
		JWTSecret:         cfg.JWTSecret,
		JWTIssuer:         cfg.JWTIssuer,
		LowStockThreshold: cfg.LowStockThreshold,
		Grace:             time.Duration(cfg.SubscriptionGraceSeconds) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	return a, nil
}

func openStore(dsn string) (store.Store, func() error, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return store.NewMemoryStore(), nil, nil
	}
	gs, err := store.NewGormStore(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	return gs, gs.Close, nil
}

func openSeeder(cfg config.FileConfig) (catalog.Seeder, error) {
	switch {
	case cfg.SeedObjectKey != "":
		objects, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		return catalog.ObjectSeed{Objects: objects, Key: cfg.SeedObjectKey}, nil
	case cfg.SeedPath != "":
		return catalog.FileSeed{Path: cfg.SeedPath}, nil
	default:
		return nil, nil
	}
}

// Close releases external connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Logger returns the root logger.
func (a *App) Logger() *slog.Logger { return a.logger }
