package server

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/broker/asynqbroker"
	"github.com/JakeFAU/manga-crawl-engine/internal/broker/kafka"
	brokermemory "github.com/JakeFAU/manga-crawl-engine/internal/broker/memory"
	brokerpubsub "github.com/JakeFAU/manga-crawl-engine/internal/broker/pubsub"
	"github.com/JakeFAU/manga-crawl-engine/internal/claims"
	claimsmemory "github.com/JakeFAU/manga-crawl-engine/internal/claims/memory"
	claimsredis "github.com/JakeFAU/manga-crawl-engine/internal/claims/redis"
	"github.com/JakeFAU/manga-crawl-engine/internal/config"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	collyfetcher "github.com/JakeFAU/manga-crawl-engine/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/manga-crawl-engine/internal/fetcher/headless"
	"github.com/JakeFAU/manga-crawl-engine/internal/headless/detector"
	"github.com/JakeFAU/manga-crawl-engine/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/manga-crawl-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/manga-crawl-engine/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/manga-crawl-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/manga-crawl-engine/internal/storage/local"
	memorystorage "github.com/JakeFAU/manga-crawl-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/manga-crawl-engine/internal/storage/postgres"
)

type stores struct {
	jobs    crawler.JobStore
	gateway crawler.PersistenceGateway
}

func (a *App) openStores(ctx context.Context, ids crawler.IDGenerator, clock crawler.Clock) (stores, error) {
	cfg := a.cfg.Database
	if cfg.Kind != config.KindPostgres {
		a.logger.Warn("using in-memory stores; data is lost on exit")
		return stores{jobs: memorystorage.NewJobStore(), gateway: memorystorage.NewGateway()}, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("connect postgres: %w", err)
	}
	a.onClose("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	a.ready = pool.Ping
	if cfg.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return stores{}, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return stores{}, err
	}
	gateway, err := pgstore.NewGateway(pool, ids, clock)
	if err != nil {
		return stores{}, err
	}
	return stores{jobs: jobs, gateway: gateway}, nil
}

// openBlobs returns nil when page mirroring storage is disabled.
func (a *App) openBlobs(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Kind {
	case config.KindLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return store, nil
	case config.KindGCS:
		store, closeFn, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return closeFn() })
		return store, nil
	case config.KindMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

// openPublisher returns a nil interface when notifications are disabled.
func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.Notify
	switch cfg.Kind {
	case config.KindPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := gcppublisher.New(client, a.logger)
		a.onClose("pubsub notifier", func(context.Context) error {
			pub.Close()
			return client.Close()
		})
		return pub, nil
	case config.KindMemory:
		return memorypublisher.New(a.logger), nil
	default:
		return nil, nil
	}
}

func (a *App) buildFetchers() (crawler.Deps, error) {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.DefaultRPS,
		DefaultBurst: cfg.Fetch.DefaultBurst,
	})
	for _, target := range a.catalog.List() {
		limiter.Configure(target)
	}
	deps := crawler.Deps{
		Plain: limiter.Wrap(collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.Timeout,
			MaxBodySize:   cfg.Fetch.MaxBodySize,
		})),
		Logger: a.logger,
	}
	if !cfg.Headless.Enabled {
		return deps, nil
	}
	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
		WaitSelector:      cfg.Headless.WaitSelector,
		SettleDelay:       cfg.Headless.SettleDelay,
		ExecPath:          cfg.Headless.ExecPath,
		ScrollSteps:       cfg.Headless.ScrollSteps,
	})
	if err != nil {
		return crawler.Deps{}, fmt.Errorf("create headless fetcher: %w", err)
	}
	a.onClose("headless browser", func(context.Context) error {
		browser.Close()
		return nil
	})
	deps.Rendered = limiter.Wrap(browser)
	auto, err := headlessfetcher.NewPromoting(deps.Plain, deps.Rendered, detector.NewHeuristic(cfg.Headless.MinTextLength), a.logger)
	if err != nil {
		return crawler.Deps{}, fmt.Errorf("create promoting fetcher: %w", err)
	}
	deps.Auto = auto
	return deps, nil
}

func (a *App) openBroker(ctx context.Context) (broker.Broker, error) {
	cfg := a.cfg.Broker
	opts := broker.Options{Prefix: cfg.Prefix, MaxAttempts: cfg.MaxAttempts, RetryDelay: cfg.RetryDelay}
	var (
		b   broker.Broker
		err error
	)
	switch cfg.Kind {
	case config.KindAsynq:
		b = asynqbroker.New(asynqbroker.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, opts, a.logger)
	case config.KindKafka:
		b = kafka.New(kafka.Config{Brokers: cfg.Kafka.Brokers, GroupID: cfg.Kafka.GroupID}, opts, a.logger)
	case config.KindPubSub:
		b, err = brokerpubsub.New(ctx, cfg.PubSub.ProjectID, opts, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create pubsub broker: %w", err)
		}
	default:
		a.logger.Warn("using in-memory broker; distributed mode runs in one process")
		b = brokermemory.New(opts, a.logger)
	}
	a.onClose("broker", func(context.Context) error { return b.Close() })
	return b, nil
}

func (a *App) openClaims(ctx context.Context, clock crawler.Clock) (claims.Store, error) {
	cfg := a.cfg.Claims
	if cfg.Kind != config.KindRedis {
		return claimsmemory.New(clock, cfg.TTL), nil
	}
	store, err := claimsredis.New(ctx, claimsredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect claim store: %w", err)
	}
	a.onClose("claims", func(context.Context) error { return store.Close() })
	return store, nil
}

