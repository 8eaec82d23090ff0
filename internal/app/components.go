package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/postpilot/internal/analytics"
	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/config"
	"github.com/hitoshi/postpilot/internal/credential"
	"github.com/hitoshi/postpilot/internal/database"
	"github.com/hitoshi/postpilot/internal/metrics"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
	"github.com/hitoshi/postpilot/internal/producer/discovery"
	"github.com/hitoshi/postpilot/internal/producer/rewrite"
	"github.com/hitoshi/postpilot/internal/publisher"
	"github.com/hitoshi/postpilot/internal/ratelimit"
	"github.com/hitoshi/postpilot/internal/repository"
	"github.com/hitoshi/postpilot/internal/security"
	"github.com/hitoshi/postpilot/internal/worker/autopilot"
	"github.com/hitoshi/postpilot/internal/worker/dispatch"
)

// dbPingTimeout は起動時のDB接続確認のタイムアウト。
const dbPingTimeout = 10 * time.Second

// engine はAPIサーバー、ワーカー、単発コマンドで共有するコンポーネント一式。
type engine struct {
	db    *sql.DB
	redis *redis.Client // REDIS_URL未設定の場合はnil

	accounts  *repository.PostgresAccountRepo
	sessions  *repository.PostgresSessionRepo
	posts     *repository.PostgresPostRepo
	scheduled *repository.PostgresScheduledPostRepo
	creds     *credential.Store

	xClient      *publisher.Client
	window       *ratelimit.SlidingWindow // 共有Limiterの前段
	attempts     *ratelimit.PostgresWindow // Redis使用時はnil
	discoverer   producer.Discoverer
	rewriter     *rewrite.Router
	dispatcher   *dispatch.Dispatcher
	orchestrator *autopilot.Orchestrator
	analytics    *analytics.BatchJob

	registry *prometheus.Registry
}

// Close はDBとRedisの接続を閉じる。
func (e *engine) Close() {
	if e.redis != nil {
		e.redis.Close()
	}
	e.db.Close()
}

// buildEngine はDB接続を開き、設定に従って全コンポーネントを組み立てる。
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	if err := autopilot.ValidateSchedule(cfg.AutopilotSchedule); err != nil {
		return nil, err
	}

	cipher, err := credential.NewCipher([]byte(cfg.CredentialEncryptionKey))
	if err != nil {
		return nil, err
	}
	if err := validateFeeds(cfg.DiscoveryFeeds); err != nil {
		return nil, err
	}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	e := &engine{db: db, registry: prometheus.NewRegistry()}

	// 2. Redis（任意）
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		e.redis = redis.NewClient(opts)
		if err := e.redis.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("redis connection established")
	}

	// 3. リポジトリの初期化
	e.accounts = repository.NewPostgresAccountRepo(db)
	e.sessions = repository.NewPostgresSessionRepo(db)
	e.posts = repository.NewPostgresPostRepo(db)
	e.scheduled = repository.NewPostgresScheduledPostRepo(db)
	e.creds = credential.NewStore(repository.NewPostgresCredentialRepo(db), cipher, clock.Real{})

	collector := metrics.NewCollector(e.registry)

	// 4. 外部投稿APIクライアント
	e.xClient = publisher.NewClient(
		&http.Client{Timeout: cfg.PublishTimeout},
		cfg.XAPIBaseURL,
		model.Secret(cfg.XBearerToken),
		clock.Real{},
		logger,
	)

	// 5. 配信エンジン
	limiterCfg := ratelimit.Config{Window: cfg.PublishRateLimitWindow, Ceiling: cfg.PublishRateLimitMax}
	// 上限はプロセス間で共有する。Redis未設定時はpublish_attemptsテーブルを使う
	var shared ratelimit.Limiter
	if e.redis != nil {
		shared = ratelimit.NewRedisWindow(e.redis, limiterCfg, clock.Real{}, logger)
	} else {
		e.attempts = ratelimit.NewPostgresWindow(db, limiterCfg, clock.Real{}, logger)
		shared = e.attempts
	}
	e.window = ratelimit.NewSlidingWindow(limiterCfg, clock.Real{})
	limiter := ratelimit.NewLayered(e.window, shared)

	e.dispatcher = dispatch.NewDispatcher(
		e.scheduled, e.creds, limiter, e.xClient,
		clock.Real{}, collector, logger,
		dispatch.Config{
			Interval:       cfg.DispatchInterval,
			MaxConcurrency: cfg.DispatchMaxConcurrent,
			BatchSize:      cfg.DispatchBatchSize,
			ClaimLease:     cfg.DispatchClaimLease,
			PublishTimeout: cfg.PublishTimeout,
			MaxAttempts:    cfg.MaxPublishAttempts,
			BackoffBase:    cfg.RetryBackoffBase,
			BackoffMax:     cfg.RetryBackoffMax,
		},
	)

	// 6. オートパイロット
	var locker autopilot.Locker
	if e.redis != nil {
		locker = autopilot.NewRedisLocker(e.redis, logger)
	} else {
		locker = autopilot.NewLocalLocker(clock.Real{})
	}

	e.discoverer = buildDiscoverer(cfg, e.xClient, logger)
	e.rewriter = buildRewriter(cfg, logger)
	e.orchestrator = autopilot.NewOrchestrator(
		e.accounts, e.posts, e.scheduled,
		e.discoverer, e.rewriter,
		locker, clock.Real{}, collector, logger,
		autopilot.Config{
			Schedule:       cfg.AutopilotSchedule,
			MinSpacing:     cfg.AutopilotMinSpacing,
			Horizon:        cfg.AutopilotHorizon,
			MinEngagement:  cfg.DiscoveryMinEngagement,
			MaxResults:     cfg.DiscoveryMaxResults,
			MaxConcurrency: cfg.AutopilotMaxConcurrent,
		},
	)

	// 7. エンゲージメント更新バッチ
	batchCfg := analytics.DefaultBatchConfig()
	batchCfg.Interval = cfg.AnalyticsInterval
	e.analytics = analytics.NewBatchJob(e.scheduled, e.xClient, clock.Real{}, collector, logger, batchCfg)

	return e, nil
}

// validateFeeds はDISCOVERY_FEEDSのURLを静的に検証する。
func validateFeeds(feeds map[string][]string) error {
	for niche, urls := range feeds {
		for _, u := range urls {
			if err := security.ValidateFeedURL(u); err != nil {
				return fmt.Errorf("invalid DISCOVERY_FEEDS entry for %q: %w", niche, err)
			}
		}
	}
	return nil
}

// buildDiscoverer はX検索と設定済みRSSフィードを束ねたDiscovererを返す。
func buildDiscoverer(cfg *config.Config, xClient *publisher.Client, logger *slog.Logger) producer.Discoverer {
	retry := producer.DefaultRetryConfig()
	sources := []producer.Discoverer{discovery.NewXSearch(xClient, retry)}
	if len(cfg.DiscoveryFeeds) > 0 {
		sources = append(sources, discovery.NewFeeds(
			security.NewOutboundClient(cfg.ProducerTimeout),
			cfg.DiscoveryFeeds, retry, logger,
		))
	}
	return discovery.NewComposite(logger, sources...)
}

// buildRewriter はAPIキーが設定されたAIバックエンドだけを登録したRouterを返す。
func buildRewriter(cfg *config.Config, logger *slog.Logger) *rewrite.Router {
	backends := make(map[model.AIModel]rewrite.Backend)
	httpClient := &http.Client{Timeout: cfg.ProducerTimeout}

	if cfg.AnthropicAPIKey != "" {
		backends[model.AIModelClaude] = rewrite.NewClaude(cfg.AnthropicAPIKey, cfg.AnthropicModel, "")
	}
	if cfg.MistralAPIKey != "" {
		backends[model.AIModelMistral] = rewrite.NewChatCompletions("mistral", httpClient,
			rewrite.MistralBaseURL, cfg.MistralAPIKey, rewrite.MistralModel)
	}
	if cfg.GrokAPIKey != "" {
		backends[model.AIModelGrok] = rewrite.NewChatCompletions("grok", httpClient,
			rewrite.GrokBaseURL, cfg.GrokAPIKey, rewrite.GrokModel)
	}
	if len(backends) == 0 {
		logger.Warn("AIバックエンドが設定されていません。オートパイロットはリライトに失敗します")
	}

	return rewrite.NewRouter(backends, producer.DefaultRetryConfig(), cfg.ProducerTimeout, logger)
}
