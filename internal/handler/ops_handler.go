package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/worker/autopilot"
	"github.com/hitoshi/postpilot/internal/worker/dispatch"
)

// opsRunTimeout は手動実行1回あたりの上限時間。
const opsRunTimeout = 5 * time.Minute

// defaultFailuresLimit は失敗一覧のデフォルト件数。
const defaultFailuresLimit = 50

// DispatchRunner は配信スキャンの手動実行と状態参照のインターフェース。
type DispatchRunner interface {
	RunOnce(ctx context.Context) (*dispatch.ScanResult, error)
	Stats(ctx context.Context) (*model.DispatchStats, error)
	Failures(ctx context.Context, limit int) ([]*model.ScheduledPost, error)
}

// AutopilotRunner はオートパイロットの手動実行インターフェース。
type AutopilotRunner interface {
	RunOnce(ctx context.Context) (*autopilot.RunResult, error)
}

// OpsHandler は運用向けのトリガーと参照APIのHTTPハンドラー。
type OpsHandler struct {
	dispatcher DispatchRunner
	autopilot  AutopilotRunner
	logger     *slog.Logger
}

// NewOpsHandler はOpsHandlerを生成する。
func NewOpsHandler(dispatcher DispatchRunner, autopilot AutopilotRunner, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{dispatcher: dispatcher, autopilot: autopilot, logger: logger}
}

// RunDispatch は配信スキャンを1回実行する。
// クライアント切断でスキャンが中断されないよう、リクエストのキャンセルは伝播させない。
// POST /ops/dispatch/run
func (h *OpsHandler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), opsRunTimeout)
	defer cancel()

	result, err := h.dispatcher.RunOnce(ctx)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("配信スキャンを手動実行しました",
		slog.Int("claimed", result.Claimed),
		slog.Int("posted", result.Posted),
	)
	writeJSON(w, http.StatusOK, result)
}

// RunAutopilot はオートパイロットを1サイクル実行する。
// POST /ops/autopilot/run
func (h *OpsHandler) RunAutopilot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), opsRunTimeout)
	defer cancel()

	result, err := h.autopilot.RunOnce(ctx)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("オートパイロットを手動実行しました",
		slog.Int("accounts", result.Accounts),
		slog.Int("scheduled", result.Scheduled),
	)
	writeJSON(w, http.StatusOK, result)
}

// Stats は予約投稿の状態別件数を返す。
// GET /ops/stats
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatcher.Stats(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Failures は直近の失敗した予約投稿を返す。
// GET /ops/failures?limit=N
func (h *OpsHandler) Failures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailuresLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			handleServiceError(w, h.logger, model.NewInvalidRequestError("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	list, err := h.dispatcher.Failures(r.Context(), limit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	resp := make([]scheduledPostResponse, len(list))
	for i, sp := range list {
		resp[i] = toScheduledPostResponse(sp)
	}
	writeJSON(w, http.StatusOK, resp)
}
