package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/postpilot/internal/metrics"
	"github.com/hitoshi/postpilot/internal/middleware"
)

// HealthChecker はDB接続確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	OpsToken          string
	Gatherer          prometheus.Gatherer

	ScheduleService  ScheduleServiceInterface
	PostService      PostServiceInterface
	AccountService   AccountServiceInterface
	AnalyticsService AnalyticsServiceInterface
	StudioService    StudioServiceInterface

	// 運用トリガー
	Dispatcher DispatchRunner
	Autopilot  AutopilotRunner
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics はセッション不要。/ops/* は運用トークンで保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker, logger))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 運用ルート ---
	opsHandler := NewOpsHandler(deps.Dispatcher, deps.Autopilot, logger)
	r.Route("/ops", func(r chi.Router) {
		r.Use(middleware.NewOpsTokenMiddleware(deps.OpsToken, logger))
		r.Post("/dispatch/run", opsHandler.RunDispatch)
		r.Post("/autopilot/run", opsHandler.RunAutopilot)
		r.Get("/stats", opsHandler.Stats)
		r.Get("/failures", opsHandler.Failures)
	})

	scheduleHandler := NewScheduleHandler(deps.ScheduleService, logger)
	postHandler := NewPostHandler(deps.PostService, logger)
	accountHandler := NewAccountHandler(deps.AccountService, logger)
	analyticsHandler := NewAnalyticsHandler(deps.AnalyticsService, logger)
	studioHandler := NewStudioHandler(deps.StudioService, logger)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 予約投稿
		r.Route("/api/schedules", func(r chi.Router) {
			// POST /api/schedules - 予約作成（書き込み専用レート制限を追加）
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/", scheduleHandler.Create)
			r.Get("/", scheduleHandler.List)
			r.Get("/{id}", scheduleHandler.Get)
			r.Delete("/{id}", scheduleHandler.Cancel)
		})

		// 投稿本文
		r.Route("/api/posts", func(r chi.Router) {
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/", postHandler.Create)
			r.Get("/", postHandler.List)
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/{id}/revisions", postHandler.Revise)
			r.Delete("/{id}", postHandler.Delete)
		})

		// アカウント設定
		r.Route("/api/account", func(r chi.Router) {
			r.Get("/", accountHandler.Get)
			r.Put("/autopilot", accountHandler.UpdateAutopilot)
			r.Put("/voice-profile", accountHandler.UpdateVoiceProfile)
			r.Put("/credential", accountHandler.PutCredential)
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/voice/analyze", studioHandler.AnalyzeVoice)
		})

		// コンテンツ作成
		r.Get("/api/discover", studioHandler.Discover)
		r.With(deps.RateLimiter.WriteMiddleware()).Post("/api/remix", studioHandler.Remix)

		r.Get("/api/analytics", analyticsHandler.Summary)
	})

	return r
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				logger.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
