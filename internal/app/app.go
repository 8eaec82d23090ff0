package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/postpilot/internal/account"
	"github.com/hitoshi/postpilot/internal/analytics"
	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/config"
	"github.com/hitoshi/postpilot/internal/database"
	"github.com/hitoshi/postpilot/internal/handler"
	"github.com/hitoshi/postpilot/internal/logger"
	"github.com/hitoshi/postpilot/internal/metrics"
	"github.com/hitoshi/postpilot/internal/middleware"
	"github.com/hitoshi/postpilot/internal/schedule"
	"github.com/hitoshi/postpilot/internal/studio"
	"github.com/hitoshi/postpilot/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("redis", cfg.RedisURL != ""),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandServe:
		return runServe(ctx, cfg)
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandDispatch:
		return runDispatchOnce(ctx, cfg, w)
	case CommandAutopilot:
		return runAutopilotOnce(ctx, cfg, w)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	e, err := buildEngine(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()

	// 1. ドメインサービスの初期化
	scheduleService := schedule.NewService(e.posts, e.scheduled, clock.Real{}, cfg.DispatchClaimLease)
	accountService := account.NewService(e.accounts, e.creds, slog.Default())
	analyticsService := analytics.NewService(e.scheduled)
	studioService := studio.NewService(
		e.accounts, e.posts, e.creds, e.xClient, e.rewriter,
		e.discoverer, e.rewriter, clock.Real{}, slog.Default(),
		studio.Defaults{MinEngagement: cfg.DiscoveryMinEngagement, MaxResults: cfg.DiscoveryMaxResults},
	)

	// 2. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configはreq/min単位なのでreq/secに変換する
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.WriteRate = rate.Limit(float64(cfg.RateLimitWrite) / 60.0)
	rateLimiterCfg.WriteBurst = cfg.RateLimitWrite
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg, slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     e.db,
		SessionFinder:     e.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		OpsToken:          cfg.OpsToken,
		Gatherer:          e.registry,

		ScheduleService:  scheduleService,
		PostService:      scheduleService,
		AccountService:   accountService,
		AnalyticsService: analyticsService,
		StudioService:    studioService,

		Dispatcher: e.dispatcher,
		Autopilot:  e.orchestrator,
	})

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // 運用トリガーの同期実行を含む
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// 配信スキャン、オートパイロット、エンゲージメント更新、クリーンアップを並行して実行し、
// ctxがキャンセルされると全ループの終了を待って返る。
func runWorker(ctx context.Context, cfg *config.Config) error {
	e, err := buildEngine(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()

	cleanupJob := cleanup.NewCleanupJob(e.sessions, e.scheduled, clock.Real{}, slog.Default())
	cleanupJob.ClaimLease = cfg.DispatchClaimLease
	if e.attempts != nil {
		cleanupJob.Attempts = e.attempts
	}

	slog.Info("worker starting",
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Int("max_concurrent", cfg.DispatchMaxConcurrent),
		slog.String("autopilot_schedule", cfg.AutopilotSchedule),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.dispatcher.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return e.orchestrator.Start(ctx)
	})
	g.Go(func() error {
		e.analytics.Start(ctx)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(ctx, cfg.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		e.window.StartCleanup(ctx, cfg.PublishRateLimitWindow)
		return nil
	})
	g.Go(func() error {
		server := &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(e.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		return serveUntilDone(ctx, server, "metrics server")
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runDispatchOnce は配信スキャンを1回実行し、結果をJSONでwに書き出す。
func runDispatchOnce(ctx context.Context, cfg *config.Config, w io.Writer) error {
	e, err := buildEngine(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.dispatcher.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}
	return writeResult(w, result)
}

// runAutopilotOnce はオートパイロットを1サイクル実行し、結果をJSONでwに書き出す。
func runAutopilotOnce(ctx context.Context, cfg *config.Config, w io.Writer) error {
	e, err := buildEngine(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.orchestrator.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("autopilot failed: %w", err)
	}
	return writeResult(w, result)
}

func writeResult(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serveUntilDone はserverを起動し、ctxがキャンセルされたらグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
