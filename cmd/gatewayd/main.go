// Command gatewayd runs the coding-agent gateway: the git-sync scheduler
// (§4.E), the CAAM credential-pool rotator (§4.D), the destructive-command
// guard (§4.F), and the pub/sub hub (§4.C) they publish through, all behind
// a single HTTP/WebSocket surface.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fleetgate/gateway/internal/adapter/cliwrap/container"
	"github.com/fleetgate/gateway/internal/adapter/cliwrap/local"
	gatewayhttp "github.com/fleetgate/gateway/internal/adapter/http"
	"github.com/fleetgate/gateway/internal/adapter/nats"
	cfotel "github.com/fleetgate/gateway/internal/adapter/otel"
	"github.com/fleetgate/gateway/internal/adapter/reporesolver"
	"github.com/fleetgate/gateway/internal/adapter/ristretto"
	"github.com/fleetgate/gateway/internal/adapter/sqlite"
	"github.com/fleetgate/gateway/internal/adapter/ws"
	ghprovider "github.com/fleetgate/gateway/internal/adapter/gitprovider/github"
	"github.com/fleetgate/gateway/internal/config"
	"github.com/fleetgate/gateway/internal/domain/channel"
	"github.com/fleetgate/gateway/internal/domain/dcg"
	"github.com/fleetgate/gateway/internal/git"
	"github.com/fleetgate/gateway/internal/logger"
	"github.com/fleetgate/gateway/internal/middleware"
	"github.com/fleetgate/gateway/internal/port/cliwrap"
	"github.com/fleetgate/gateway/internal/port/gitprovider"
	"github.com/fleetgate/gateway/internal/resilience"
	"github.com/fleetgate/gateway/internal/service"
)

func main() {
	cfg, yamlPath, err := config.LoadWithCLI(config.CLIFlags{})
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	holder := config.NewHolder(cfg, yamlPath)

	log, closeLogger := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := cfotel.Init(cfotel.Config{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.OTEL.ServiceName,
		Insecure:    cfg.OTEL.Insecure,
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		slog.Error("init otel", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		slog.Error("construct otel metrics", "error", err)
		os.Exit(1)
	}

	db, err := sqlite.Connect(ctx, sqlite.Options{
		FileName:     cfg.DB.FileName,
		AutoMigrate:  cfg.DB.AutoMigrate,
		BusyTimeout:  cfg.DB.BusyTimeout,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		SlowQueryMS:  cfg.DB.SlowQueryMS,
	})
	if err != nil {
		slog.Error("connect sqlite", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	queue, err := nats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		slog.Error("connect nats", "error", err)
		os.Exit(1)
	}
	queue.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
		if err := queue.Close(); err != nil {
			slog.Warn("nats close", "error", err)
		}
	}()

	l1Cache, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		slog.Error("construct l1 cache", "error", err)
		os.Exit(1)
	}

	var provider gitprovider.Provider
	if cfg.GitHubApp.AppID != 0 {
		pem, err := os.ReadFile(cfg.GitHubApp.PrivateKeyPath)
		if err != nil {
			slog.Error("read github app private key", "error", err)
			os.Exit(1)
		}
		ghp, err := ghprovider.New(cfg.GitHubApp.AppID, cfg.GitHubApp.InstallationID, pem)
		if err != nil {
			slog.Error("construct github app provider", "error", err)
			os.Exit(1)
		}
		provider = ghp
	} else {
		slog.Warn("github_app.app_id not configured: git-sync operations against GitHub repositories will fail")
	}

	runner, err := newCommandRunner(cfg.Runner)
	if err != nil {
		slog.Error("construct command runner", "error", err)
		os.Exit(1)
	}
	resolver := reporesolver.New("data/repos", runner)

	packs, err := dcg.LoadPacksDir(cfg.DCG.BuiltinPacksDir)
	if err != nil {
		slog.Error("load dcg packs", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(db, nil)
	audit := service.NewAuditService(db)
	caam := service.NewCAAMService(db, audit)
	gitSync := service.NewGitSyncService(git.Config{
		MaxConcurrentOps: cfg.GitSync.MaxConcurrentPerRepo,
		MaxAttempts:      cfg.GitSync.MaxRetries,
		BaseDelay:        cfg.GitSync.BaseBackoff,
		MaxDelay:         cfg.GitSync.MaxBackoff,
	}, db, hub, audit, provider, resolver)
	dcgSvc := service.NewDCGService(db, hub, audit, l1Cache, packs)
	caam.SetMetrics(metrics)
	gitSync.SetMetrics(metrics)
	dcgSvc.SetMetrics(metrics)
	gitSync.SetDCG(dcgSvc)

	hub.RegisterSnapshot(channel.CategorySystem, "dcg", func(ctx context.Context, _ channel.Channel) (any, bool, error) {
		return dcgSvc.GetStats(ctx, time.Now()), true, nil
	})

	wsServer := ws.NewServer(hub, cfg.Server.CORSOrigin, resolveAuthFromHeaders)

	rateLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)

	var idempotencyMW func(http.Handler) http.Handler
	if kv, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL); err != nil {
		slog.Warn("idempotency KV unavailable, replay protection disabled", "error", err)
	} else {
		idempotencyMW = middleware.Idempotency(kv)
	}

	var webhookGitHub, webhookGitLab func(http.Handler) http.Handler
	if cfg.Webhook.GitHubSecret != "" {
		webhookGitHub = middleware.WebhookHMAC(cfg.Webhook.GitHubSecret, "X-Hub-Signature-256")
	}
	if cfg.Webhook.GitLabToken != "" {
		webhookGitLab = middleware.WebhookToken(cfg.Webhook.GitLabToken, "X-Gitlab-Token")
	}

	router := gatewayhttp.NewRouter(gatewayhttp.RouterConfig{
		CORSOrigin:    cfg.Server.CORSOrigin,
		RateLimiter:   rateLimiter,
		Idempotency:   idempotencyMW,
		WebhookGitHub: webhookGitHub,
		WebhookGitLab: webhookGitLab,
		CAAM:          gatewayhttp.NewCAAMHandlers(caam),
		GitSync:       gatewayhttp.NewGitSyncHandlers(gitSync),
		DCG:           gatewayhttp.NewDCGHandlers(dcgSvc),
		WS:            wsServer,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "gatewayd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var bg errgroup.Group
	bg.Go(func() error {
		slog.Info("gatewayd listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			return err
		}
		return nil
	})

	reloadSignals := make(chan os.Signal, 1)
	signal.Notify(reloadSignals, syscall.SIGHUP)
	bg.Go(func() error {
		for {
			select {
			case <-reloadSignals:
				if err := holder.Reload(); err != nil {
					slog.Error("config reload", "error", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	bg.Go(func() error {
		ticker := time.NewTicker(cfg.EventLog.ExpireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := db.Expire(ctx, time.Now())
				if err != nil {
					slog.Error("event log retention sweep", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("event log retention sweep", "expired", n)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := bg.Wait(); err != nil {
		slog.Error("background task exited with error", "error", err)
	}
}

// newCommandRunner builds the CommandRunner git-sync uses to invoke git:
// directly on the host, or isolated inside a fixed container when the
// gateway is deployed alongside an untrusted agent sandbox.
func newCommandRunner(cfg config.Runner) (cliwrap.CommandRunner, error) {
	switch cfg.Mode {
	case "container":
		return container.New(cfg.ContainerID)
	default:
		return local.New(), nil
	}
}

// resolveAuthFromHeaders derives the WebSocket upgrade's authenticated
// principal from the same headers the REST surface uses.
func resolveAuthFromHeaders(r *http.Request) channel.AuthContext {
	auth := channel.AuthContext{APIKeyID: r.Header.Get("X-API-Key")}
	if workspace := r.Header.Get("X-Tenant-ID"); workspace != "" {
		auth.WorkspaceIDs = []string{workspace}
	}
	if r.Header.Get("X-Admin-Key") != "" {
		auth.IsAdmin = true
	}
	return auth
}
