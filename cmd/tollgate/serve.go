package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/api"
	"github.com/alecgard/tollgate/internal/auth"
	"github.com/alecgard/tollgate/internal/cache"
	"github.com/alecgard/tollgate/internal/config"
	"github.com/alecgard/tollgate/internal/crypto"
	"github.com/alecgard/tollgate/internal/enforce"
	"github.com/alecgard/tollgate/internal/idempotency"
	"github.com/alecgard/tollgate/internal/metering"
	"github.com/alecgard/tollgate/internal/metrics"
	"github.com/alecgard/tollgate/internal/policy"
	"github.com/alecgard/tollgate/internal/pricing"
	"github.com/alecgard/tollgate/internal/proxy"
	"github.com/alecgard/tollgate/internal/ratelimit"
	"github.com/alecgard/tollgate/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tollgate gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// errNoCipher is returned for every credential when no encryption key is set.
var errNoCipher = errors.New("credential encryption is not configured")

type noCipher struct{}

func (noCipher) Open(string, string) (string, error) { return "", errNoCipher }

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	client, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()
	slog.Info("connected to cache", "addr", cfg.Redis.Addr)
	m.RegisterCachePoolCollector(func() (int32, int32, int32) {
		s := client.PoolStats()
		total, idle := int32(s.TotalConns), int32(s.IdleConns)
		return total, idle, total - idle
	})

	c := cache.NewRedis(client, cache.RetryPolicy{
		MaxAttempts:    cfg.Cache.MaxAttempts,
		Backoff:        cfg.Cache.RetryBackoff,
		MaxDelay:       cfg.Cache.MaxRetryDelay,
		PerCallTimeout: cfg.Cache.CallTimeout,
		OnRetry:        m.CacheRetry,
	})
	keys := cache.Keys{Prefix: cfg.Redis.Prefix}

	hasher, err := auth.NewHasher(cfg.Security.MasterSecret)
	if err != nil {
		return err
	}
	promptHasher, err := crypto.NewKeyed(cfg.Security.MasterSecret, crypto.PurposePromptHash)
	if err != nil {
		return err
	}

	var (
		sealer api.CredentialSealer
		opener proxy.CredentialOpener = noCipher{}
	)
	if cfg.Security.EncryptionKey != "" {
		cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
		if err != nil {
			return err
		}
		sealer, opener = cipher, cipher
	} else {
		slog.Warn("security.encryption_key is not set; provider keys cannot be stored or used")
	}

	prices := pricing.DefaultTable()
	if cfg.Pricing.File != "" {
		if prices, err = pricing.LoadTable(cfg.Pricing.File); err != nil {
			return err
		}
		slog.Info("loaded pricing table", "file", cfg.Pricing.File)
	}

	agentStore := agent.NewStore(pool)
	meterStore := metering.NewStore(pool)

	sinks := []metering.BatchInserter{meterStore}
	var kafkaSink *metering.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		if kafkaSink, err = metering.NewKafkaSink(metering.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}); err != nil {
			return err
		}
		sinks = append(sinks, kafkaSink)
		slog.Info("publishing spend events", "topic", cfg.Kafka.Topic)
	}
	collector := metering.NewCollector(cfg.Metering.BatchSize, cfg.Metering.FlushInterval, cfg.Metering.PersistTimeout, sinks...)
	collector.OnFailure(m.IncCollectorFailure)
	collectorDone := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(collectorDone)
	}()

	notifier := webhook.NewNotifier(cfg.Webhook.Timeout)
	notifier.SetMetrics(m)

	resolver := auth.NewResolver(c, keys, agent.NewAuthAdapter(agentStore), cfg.Cache.KeyTTL)
	policies := policy.NewCache(c, keys, agentStore, policy.TTLs{
		Snapshot: cfg.Cache.PolicyTTL,
		Balance:  cfg.Cache.BalanceTTL,
	})
	invalidator := policy.NewInvalidator(c, keys, agentStore, cfg.Cache.BalanceTTL)

	enforcer := enforce.NewEnforcer(c, keys, prices, promptHasher, invalidator, enforce.Limits{
		StreakTTL:           cfg.Enforcement.StreakTTL,
		BreakerCooldown:     cfg.Enforcement.BreakerCooldown,
		BalanceTTL:          cfg.Cache.BalanceTTL,
		DefaultMaxTokens:    cfg.Enforcement.DefaultMaxTokens,
		MaxCompletionTokens: cfg.Enforcement.MaxCompletionTokens,
	})
	enforcer.SetMetrics(m)

	settler := enforce.NewSettler(enforce.SettlerOptions{
		Cache:           c,
		Keys:            keys,
		Prices:          prices,
		Freezer:         invalidator,
		Spend:           collector,
		Balances:        agentStore,
		Notifier:        notifier,
		Metrics:         m,
		OverdraftFreeze: cfg.Enforcement.OverdraftFreeze,
		PersistTimeout:  cfg.Metering.PersistTimeout,
	})

	idem := idempotency.NewStore(c, keys, cfg.Idempotency.InProgressTTL, cfg.Idempotency.CompletedTTL)

	proxyHandler := proxy.NewHandler(proxy.Deps{
		Hasher:      hasher,
		Resolver:    resolver,
		Policies:    policies,
		Enforcer:    enforcer,
		Settler:     settler,
		Idempotency: idem,
		Credentials: agentStore,
		Opener:      opener,
		Notifier:    notifier,
	}, proxy.Options{
		UpstreamURL:    cfg.Upstream.BaseURL,
		Timeout:        cfg.Upstream.Timeout,
		MaxRequestSize: cfg.Upstream.MaxRequestSize,
	})
	proxyHandler.SetMetrics(m)

	adminLimiter := ratelimit.New(cfg.Security.AdminRateLimit, cfg.Security.AdminRateWindow)
	if adminLimiter.Enabled() {
		go func() {
			t := time.NewTicker(cfg.Security.AdminRateWindow)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					adminLimiter.Prune()
				}
			}
		}()
	}

	router := api.NewRouter(api.RouterDeps{
		Agents:       agentStore,
		Cache:        invalidator,
		Spend:        meterStore,
		Hasher:       hasher,
		Sealer:       sealer,
		Proxy:        proxyHandler,
		AdminKey:     cfg.Security.AdminKey,
		AdminLimiter: adminLimiter,
		Metrics:      m,
		Registry:     m.Registry(),
		Summary:      m.Handler(),
		DBPing:       api.PingFunc(pool.Ping),
		CachePing: api.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "upstream", cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// In-flight requests settle before the collector drains its buffer.
	err = srv.Shutdown(shutdownCtx)
	notifier.Wait()
	collector.Stop()
	<-collectorDone
	if kafkaSink != nil {
		if cerr := kafkaSink.Close(); cerr != nil {
			slog.Error("closing kafka writer", "error", cerr)
		}
	}
	return err
}
