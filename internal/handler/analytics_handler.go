package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postpilot/internal/analytics"
)

// AnalyticsServiceInterface はエンゲージメント集計のサービスインターフェース。
type AnalyticsServiceInterface interface {
	Summary(ctx context.Context, accountID string) (*analytics.Summary, error)
}

// AnalyticsHandler はエンゲージメント集計のHTTPハンドラー。
type AnalyticsHandler struct {
	service AnalyticsServiceInterface
	logger  *slog.Logger
}

// NewAnalyticsHandler はAnalyticsHandlerを生成する。
func NewAnalyticsHandler(service AnalyticsServiceInterface, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, logger: logger}
}

// Summary は投稿済み予約投稿のエンゲージメント集計を返す。
// GET /api/analytics
func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	summary, err := h.service.Summary(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
