package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/conversation"
	"github.com/tokligence/tokligence-chat/internal/conversation/async"
	convbolt "github.com/tokligence/tokligence-chat/internal/conversation/bolt"
	convpostgres "github.com/tokligence/tokligence-chat/internal/conversation/postgres"
	convsqlite "github.com/tokligence/tokligence-chat/internal/conversation/sqlite"
	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/provider/catalog"
	"github.com/tokligence/tokligence-chat/internal/provider/modelmeta"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/stream"
	"github.com/tokligence/tokligence-chat/internal/version"
)

const maxLogBytes = int64(300 * 1024 * 1024) // 300MB

func main() {
	root := flag.String("config", ".", "directory holding config/setting.ini")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.Load(*root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	var out io.Writer = os.Stdout
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.Open(target, maxLogBytes, logging.WithRetention(cfg.LogRetention))
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		defer rot.Close()
		out = io.MultiWriter(os.Stdout, rot)
	}
	logger := logging.New(out, "[chatd] ", logging.ParseLevel(cfg.LogLevel))
	logger.Infof("%s env=%s", version.FullInfo(), cfg.Environment)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.ChatConfig, logger *logging.Logger) error {
	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	logger.Infof("conversation store driver=%s", cfg.Store.Driver)

	var repoOpts []conversation.RepositoryOption
	var persister *async.Persister
	if cfg.Persist.Async {
		persister = async.New(store, async.Config{
			Workers:       cfg.Persist.Workers,
			BufferSize:    cfg.Persist.BufferSize,
			FlushInterval: cfg.Persist.FlushInterval,
			Logger:        logger.With("[persist]"),
		})
		repoOpts = append(repoOpts, conversation.WithPersister(persister))
	}
	// the persister flushes pending writes before closing the store
	closeStore := store.Close
	if persister != nil {
		closeStore = persister.Close
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warnf("close conversation store: %v", err)
		}
	}()
	repo := conversation.NewRepository(store, repoOpts...)

	collector := metrics.NewCollector()
	registry := stream.NewRegistry(stream.WithObserver(collector), stream.WithLogger(logger.With("[stream]")))

	meta := modelmeta.NewTable(logger.With("[modelmeta]"))
	cat, err := catalog.Open(catalog.Options{
		Path:         cfg.Providers.StateFile,
		Settings:     cfg.Providers,
		Routes:       cfg.ModelRoutes,
		DefaultModel: cfg.DefaultModel,
		Meta:         meta,
		Logger:       logger.With("[catalog]"),
	})
	if err != nil {
		return fmt.Errorf("open provider catalog: %w", err)
	}
	logger.Infof("providers configured: %v", cat.Configured())

	dispatcher := hooks.NewDispatcher(logger.With("[hooks]"))
	if script, ok := hooks.FromSettings(cfg.Hooks); ok {
		dispatcher.Register(hooks.NewScriptHandler(script))
		logger.Infof("hooks dispatcher enabled script=%s", script.Command)
	}

	orch := chat.NewOrchestrator(registry, repo, cat, chat.OrchestratorConfig{
		Timeout:  cfg.GenerationTimeout,
		Logger:   logger.With("[generate]"),
		Recorder: collector,
		Hooks:    dispatcher,
	})
	service := chat.NewService(repo, registry, orch, chat.ServiceConfig{
		DefaultModel: cfg.DefaultModel,
		SystemPrompt: cfg.SystemPrompt,
		Logger:       logger.With("[chat]"),
		Hooks:        dispatcher,
	})

	authManager := auth.NewManager(cfg.Auth)
	if !authManager.TokensEnabled() {
		logger.Warnf("auth_secret not set: token issuance disabled, raw user ids only")
	}
	limiter := ratelimit.NewLimiter(ratelimit.FromSettings(cfg.RateLimit))
	defer limiter.Close()

	healthCfg := health.Config{}
	if p, ok := store.(health.Pinger); ok {
		healthCfg.Store = p
	}
	api := httpserver.New(httpserver.Config{
		Service:          service,
		Registry:         registry,
		Catalog:          cat,
		Auth:             authManager,
		Limiter:          limiter,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		Metrics:          collector,
		Health:           health.New(healthCfg),
		Logger:           logger.With("[http]"),
	})

	// streams run for as long as the provider does, so no write timeout
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("chat server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.ModelMeta.File != "" || cfg.ModelMeta.URL != "" {
		g.Go(func() error {
			meta.Run(gctx, modelmeta.LoaderConfig{
				LocalPath:       cfg.ModelMeta.File,
				RemoteURL:       cfg.ModelMeta.URL,
				RefreshInterval: cfg.ModelMeta.Refresh,
			})
			return nil
		})
	}

	if pg, ok := store.(*convpostgres.Store); ok && cfg.Store.PurgeAfter > 0 {
		g.Go(func() error {
			purgeLoop(gctx, pg, cfg.Store.PurgeAfter, logger.With("[purge]"))
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("generations did not finish: %v", err)
		}
		if n := registry.Shutdown(chat.ReasonShutdown); n > 0 {
			logger.Infof("failed %d remaining streams", n)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("graceful shutdown failed: %v", err)
		}
		if err := dispatcher.Wait(shutdownCtx); err != nil {
			logger.Warnf("hooks still running: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(cfg config.StoreConfig) (conversation.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return convpostgres.New(cfg.DSN, convpostgres.Options{
			Driver:          cfg.PostgresDriver,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "bolt":
		return convbolt.New(cfg.Path)
	case "memory":
		return conversation.NewMemoryStore(), nil
	default:
		return convsqlite.New(cfg.Path)
	}
}

// purgeLoop hard-deletes soft-deleted conversations older than retention.
func purgeLoop(ctx context.Context, store *convpostgres.Store, retention time.Duration, logger *logging.Logger) {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warnf("purge failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Infof("purged %d conversations", n)
			}
		}
	}
}
