package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postpilot/internal/model"
)

// ScheduleServiceInterface は予約投稿ハンドラーが必要とするサービスインターフェース。
type ScheduleServiceInterface interface {
	Schedule(ctx context.Context, accountID, postID string, scheduledFor time.Time) (*model.ScheduledPost, error)
	List(ctx context.Context, accountID, status string) ([]*model.ScheduledPost, error)
	Get(ctx context.Context, accountID, id string) (*model.ScheduledPost, error)
	Cancel(ctx context.Context, accountID, id string) error
}

// ScheduleHandler は予約投稿のHTTPハンドラー。
type ScheduleHandler struct {
	service ScheduleServiceInterface
	logger  *slog.Logger
}

// NewScheduleHandler はScheduleHandlerを生成する。
func NewScheduleHandler(service ScheduleServiceInterface, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{service: service, logger: logger}
}

// scheduledPostResponse は予約投稿のAPIレスポンス。
type scheduledPostResponse struct {
	ID            string                   `json:"id"`
	PostID        string                   `json:"post_id"`
	Content       string                   `json:"content,omitempty"`
	ScheduledFor  time.Time                `json:"scheduled_for"`
	Status        model.PostStatus         `json:"status"`
	ExternalID    string                   `json:"external_id,omitempty"`
	PostedAt      *time.Time               `json:"posted_at,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`
	AttemptCount  int                      `json:"attempt_count"`
	NextAttemptAt *time.Time               `json:"next_attempt_at,omitempty"`
	Metrics       *model.EngagementMetrics `json:"metrics,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
}

func toScheduledPostResponse(sp *model.ScheduledPost) scheduledPostResponse {
	return scheduledPostResponse{
		ID:            sp.ID,
		PostID:        sp.PostID,
		Content:       sp.Content,
		ScheduledFor:  sp.ScheduledFor,
		Status:        sp.Status,
		ExternalID:    sp.ExternalID,
		PostedAt:      sp.PostedAt,
		LastError:     sp.LastError,
		AttemptCount:  sp.AttemptCount,
		NextAttemptAt: sp.NextAttemptAt,
		Metrics:       sp.Metrics,
		CreatedAt:     sp.CreatedAt,
	}
}

// createScheduleRequest は予約作成リクエストのボディ。
type createScheduleRequest struct {
	PostID       string    `json:"post_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Create は投稿を予約する。
// POST /api/schedules
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sp, err := h.service.Schedule(r.Context(), accountID, req.PostID, req.ScheduledFor)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toScheduledPostResponse(sp))
}

// List は予約投稿一覧を予約日時の新しい順に返す。
// GET /api/schedules?status=pending|posted|failed
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), accountID, r.URL.Query().Get("status"))
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

// Get は予約投稿を1件返す。
// GET /api/schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	sp, err := h.service.Get(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduledPostResponse(sp))
}

// Cancel はpendingかつ配信中でない予約投稿を取り消す。
// DELETE /api/schedules/{id}
func (h *ScheduleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	if err := h.service.Cancel(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
