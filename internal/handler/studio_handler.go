package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/postpilot/internal/middleware"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/studio"
)

// StudioServiceInterface はコンテンツ作成ハンドラーが必要とするサービスインターフェース。
type StudioServiceInterface interface {
	AnalyzeVoice(ctx context.Context, accountID string) (*model.Account, error)
	Discover(ctx context.Context, accountID string, q studio.DiscoverQuery) (*studio.DiscoverResult, error)
	Remix(ctx context.Context, accountID string, req studio.RemixRequest) (*model.Post, error)
}

// StudioHandler は文体分析、元コンテンツ検索、リミックスのHTTPハンドラー。
type StudioHandler struct {
	service StudioServiceInterface
	logger  *slog.Logger
}

// NewStudioHandler はStudioHandlerを生成する。
func NewStudioHandler(service StudioServiceInterface, logger *slog.Logger) *StudioHandler {
	return &StudioHandler{service: service, logger: logger}
}

// AnalyzeVoice は自分の最近の投稿から文体を分析し、ボイスプロファイルを更新する。
// POST /api/account/voice/analyze
func (h *StudioHandler) AnalyzeVoice(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	acc, err := h.service.AnalyzeVoice(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

type sourceItemResponse struct {
	SourceID string                  `json:"source_id"`
	Text     string                  `json:"text"`
	Author   string                  `json:"author"`
	URL      string                  `json:"url,omitempty"`
	Metrics  model.EngagementMetrics `json:"metrics"`
}

type discoverResponse struct {
	Niche string               `json:"niche"`
	Count int                  `json:"count"`
	Posts []sourceItemResponse `json:"posts"`
}

// Discover はニッチの元コンテンツをエンゲージメントの高い順に返す。
// GET /api/discover?niche=...&min_likes=...&max_results=...
func (h *StudioHandler) Discover(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	minLikes, ok := parseNonNegativeInt(w, q.Get("min_likes"), "min_likes")
	if !ok {
		return
	}
	maxResults, ok := parseNonNegativeInt(w, q.Get("max_results"), "max_results")
	if !ok {
		return
	}

	result, err := h.service.Discover(r.Context(), accountID, studio.DiscoverQuery{
		Niche:         q.Get("niche"),
		MinEngagement: minLikes,
		MaxResults:    maxResults,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	posts := make([]sourceItemResponse, len(result.Items))
	for i, item := range result.Items {
		posts[i] = sourceItemResponse{
			SourceID: item.SourceID,
			Text:     item.Text,
			Author:   item.AuthorHandle,
			URL:      item.URL,
			Metrics:  item.Metrics,
		}
	}
	writeJSON(w, http.StatusOK, discoverResponse{Niche: result.Niche, Count: len(posts), Posts: posts})
}

type remixRequest struct {
	SourceID     string `json:"source_id"`
	SourceText   string `json:"source_text"`
	SourceAuthor string `json:"source_author"`
	AIModel      string `json:"ai_model"`
}

type remixResponse struct {
	Post     postResponse `json:"post"`
	Original string       `json:"original"`
}

// Remix は元コンテンツを自分の文体に書き換えて投稿を作成する。予約は行わない。
// POST /api/remix
func (h *StudioHandler) Remix(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req remixRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.Remix(r.Context(), accountID, studio.RemixRequest{
		SourceID:     req.SourceID,
		SourceText:   req.SourceText,
		SourceAuthor: req.SourceAuthor,
		AIModel:      req.AIModel,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, remixResponse{Post: toPostResponse(post), Original: req.SourceText})
}

// parseNonNegativeInt はクエリパラメータを0以上の整数として解析する。空の場合は0を返す。
// 不正な値の場合は400を書き込みfalseを返す。
func parseNonNegativeInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(name+" must be a non-negative integer"))
		return 0, false
	}
	return n, true
}
