package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/admin"
	"github.com/3xpluto/svc-gateway/internal/attempts"
	"github.com/3xpluto/svc-gateway/internal/auth"
	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/breaker"
	"github.com/3xpluto/svc-gateway/internal/config"
	"github.com/3xpluto/svc-gateway/internal/envelope"
	"github.com/3xpluto/svc-gateway/internal/filter"
	"github.com/3xpluto/svc-gateway/internal/gateway"
	"github.com/3xpluto/svc-gateway/internal/kv"
	"github.com/3xpluto/svc-gateway/internal/logging"
	"github.com/3xpluto/svc-gateway/internal/metrics"
	"github.com/3xpluto/svc-gateway/internal/netx"
	"github.com/3xpluto/svc-gateway/internal/proxy"
	"github.com/3xpluto/svc-gateway/internal/ratelimit"
	"github.com/3xpluto/svc-gateway/internal/route"
	"github.com/3xpluto/svc-gateway/internal/telemetry"
)

const version = "1.0"

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to the YAML configuration")
		validate   = flag.Bool("validate-config", false, "validate the configuration and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// The admin key never belongs in a config file on disk.
	if key := os.Getenv("GATEWAY_ADMIN_KEY"); key != "" {
		cfg.Admin.Key = key
	}
	if *validate {
		fmt.Println("configuration ok")
		return
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Request ids are minted on every request; the pooled reader amortizes
	// the entropy syscalls.
	uuid.EnableRandPool()

	// Shared state: Redis when configured, in-process otherwise.
	var store kv.Store
	if cfg.Redis.Addr != "" {
		store = kv.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), kv.DefaultTimeout)
		log.Info("using redis state", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = kv.NewMemory()
		log.Warn("no redis configured, state is per-instance")
	}
	defer func() { _ = store.Close() }()

	var pub telemetry.Publisher = telemetry.Nop{}
	if cfg.Bus.URL != "" {
		pub = telemetry.NewAMQPPublisher(cfg.Bus.URL, cfg.Bus.Exchange)
		log.Info("publishing events", zap.String("exchange", cfg.Bus.Exchange))
	}
	emitter := telemetry.NewEmitter(pub, log, cfg.Bus.QueueSize)
	defer func() { _ = emitter.Close() }()

	var verifier *auth.Verifier
	if cfg.Auth.Issuer != "" {
		var err error
		verifier, err = auth.NewVerifier(auth.Options{
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			JWKSURL:    cfg.Auth.JWKSURL,
			Leeway:     cfg.Auth.Leeway.Std(),
			TestSecret: []byte(cfg.Auth.TestSecret),
		})
		if err != nil {
			return err
		}
	}

	var limiter ratelimit.Limiter
	if cfg.RateLmt.Backend == "memory" || cfg.Redis.Addr == "" {
		limiter = ratelimit.NewMemoryLimiter()
	} else {
		limiter = ratelimit.NewRedisLimiter(store)
	}
	defer func() { _ = limiter.Close() }()

	mets := metrics.New()
	blocks := block.NewStore(store, log)
	tracker := attempts.NewTracker(store, blocks, emitter, log)

	breakers := breaker.NewRegistry(cfg.BreakerSettings(), func(name string, from, to breaker.State) {
		mets.SetBreakerState(name, to.String())
		log.Warn("breaker transition",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		emitter.Emit(telemetry.TopicBreaker, telemetry.NewEvent(
			telemetry.TypeBreakerTransition, "", name, map[string]any{
				"from": from.String(),
				"to":   to.String(),
			}))
	})

	routes, err := cfg.BuildRoutes()
	if err != nil {
		return err
	}
	table, err := route.NewTable(routes)
	if err != nil {
		return err
	}

	var resolver netx.IPResolver
	if len(cfg.TrustedProxies) > 0 {
		private, err := netx.ParseCIDRSet(cfg.TrustedProxies)
		if err != nil {
			return err
		}
		resolver.Private = private
	}

	pcfg := cfg.ProxyConfig()
	forwarder := proxy.NewForwarder(proxy.NewTransport(pcfg), pcfg, log)
	policies := cfg.Policies()

	chain := filter.NewChain(envelope.NewRewriter(cfg.EnvelopeExclude), forwarder.Timeout(), log,
		filter.RequestID{},
		filter.TelemetryStart{Emitter: emitter},
		filter.BlockCheck{Blocks: blocks, Metrics: mets},
		filter.Auth{
			Verifier:       verifier,
			PublicPrefixes: cfg.Auth.PublicPrefixes,
			Metrics:        mets,
			Emitter:        emitter,
			Log:            log,
		},
		filter.AttemptTracking{Tracker: tracker},
		filter.RateLimit{
			Limiter:  limiter,
			Policies: policies,
			Metrics:  mets,
			Emitter:  emitter,
			Log:      log,
		},
		filter.CircuitBreaker{Registry: breakers},
		filter.IdentityPropagation{},
		filter.Envelope{},
		filter.RateLimitHeaders{Policies: policies},
		filter.TelemetryEnd{Emitter: emitter},
	)

	adm := admin.New(cfg.Admin.Key, blocks, tracker, breakers, table, verifier, version, log)

	srv := gateway.New(gateway.Options{
		Config:    cfg,
		Table:     table,
		Chain:     chain,
		Forwarder: forwarder,
		Metrics:   mets,
		Resolver:  resolver,
		Admin:     adm.Handler(),
		Log:       log,
	})
	return srv.Run(ctx)
}
