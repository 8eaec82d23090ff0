package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postpilot/internal/model"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	CreatePost(ctx context.Context, accountID, content string) (*model.Post, error)
	Revise(ctx context.Context, accountID, postID, content string) (*model.Post, error)
	ListPosts(ctx context.Context, accountID string) ([]*model.Post, error)
	DeletePost(ctx context.Context, accountID, postID string) error
}

// PostHandler は投稿本文のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
	logger  *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface, logger *slog.Logger) *PostHandler {
	return &PostHandler{service: service, logger: logger}
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	SourceID     string    `json:"source_id,omitempty"`
	SourceAuthor string    `json:"source_author,omitempty"`
	AIModel      string    `json:"ai_model,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

func toPostResponse(p *model.Post) postResponse {
	return postResponse{
		ID:           p.ID,
		Content:      p.Content,
		SourceID:     p.SourceID,
		SourceAuthor: p.SourceAuthor,
		AIModel:      p.AIModel,
		ParentID:     p.ParentID,
		Version:      p.Version,
		CreatedAt:    p.CreatedAt,
	}
}

type postContentRequest struct {
	Content string `json:"content"`
}

// Create は投稿を作成する。
// POST /api/posts
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req postContentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.CreatePost(r.Context(), accountID, req.Content)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostResponse(post))
}

// Revise は投稿の新しいバージョンを作成する。
// POST /api/posts/{id}/revisions
func (h *PostHandler) Revise(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req postContentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.Revise(r.Context(), accountID, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostResponse(post))
}

// List は投稿一覧を新しい順に返す。
// GET /api/posts
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	posts, err := h.service.ListPosts(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	resp := make([]postResponse, len(posts))
	for i, p := range posts {
		resp[i] = toPostResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete は予約投稿から参照されていない投稿を削除する。
// DELETE /api/posts/{id}
func (h *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	if err := h.service.DeletePost(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
