package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/studio"
)

func TestStudioHandler_AnalyzeVoice(t *testing.T) {
	h := NewStudioHandler(&mockStudioService{}, discardLogger())
	req := withAccountID(httptest.NewRequest(http.MethodPost, "/api/account/voice/analyze", nil), "acc-1")
	w := httptest.NewRecorder()

	h.AnalyzeVoice(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["detected_niche"] != "tech" {
		t.Errorf("検出済みニッチがレスポンスに含まれるべき: %v", resp)
	}
}

func TestStudioHandler_AnalyzeVoice_UpstreamFailure(t *testing.T) {
	svc := &mockStudioService{
		analyzeVoiceFn: func(context.Context, string) (*model.Account, error) {
			return nil, model.NewUpstreamUnavailableError("x")
		},
	}
	h := NewStudioHandler(svc, discardLogger())
	req := withAccountID(httptest.NewRequest(http.MethodPost, "/api/account/voice/analyze", nil), "acc-1")
	w := httptest.NewRecorder()

	h.AnalyzeVoice(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestStudioHandler_Discover(t *testing.T) {
	var got studio.DiscoverQuery
	svc := &mockStudioService{
		discoverFn: func(_ context.Context, _ string, q studio.DiscoverQuery) (*studio.DiscoverResult, error) {
			got = q
			return &studio.DiscoverResult{Niche: "golang", Items: []model.SourceItem{
				{SourceID: "x:1", Text: "viral", AuthorHandle: "bob", Metrics: model.EngagementMetrics{Likes: 5000}},
			}}, nil
		},
	}
	h := NewStudioHandler(svc, discardLogger())
	req := withAccountID(httptest.NewRequest(http.MethodGet, "/api/discover?niche=golang&min_likes=500&max_results=20", nil), "acc-1")
	w := httptest.NewRecorder()

	h.Discover(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Niche != "golang" || got.MinEngagement != 500 || got.MaxResults != 20 {
		t.Errorf("クエリが検索条件に渡されるべき: %+v", got)
	}
	var resp discoverResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Niche != "golang" || resp.Count != 1 || resp.Posts[0].Author != "bob" || resp.Posts[0].Metrics.Likes != 5000 {
		t.Errorf("response = %+v", resp)
	}
}

func TestStudioHandler_Discover_InvalidQuery(t *testing.T) {
	for _, query := range []string{"min_likes=-1", "max_results=abc"} {
		t.Run(query, func(t *testing.T) {
			h := NewStudioHandler(&mockStudioService{}, discardLogger())
			req := withAccountID(httptest.NewRequest(http.MethodGet, "/api/discover?"+query, nil), "acc-1")
			w := httptest.NewRecorder()

			h.Discover(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestStudioHandler_Remix(t *testing.T) {
	var got studio.RemixRequest
	svc := &mockStudioService{
		remixFn: func(_ context.Context, accountID string, req studio.RemixRequest) (*model.Post, error) {
			got = req
			return &model.Post{ID: "post-r", AccountID: accountID, Content: "remixed", SourceID: req.SourceID, AIModel: "grok", Version: 1}, nil
		},
	}
	h := NewStudioHandler(svc, discardLogger())
	body := `{"source_id":"x:1","source_text":"original","ai_model":"grok"}`
	req := withAccountID(httptest.NewRequest(http.MethodPost, "/api/remix", bytes.NewBufferString(body)), "acc-1")
	w := httptest.NewRecorder()

	h.Remix(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got.SourceID != "x:1" || got.SourceText != "original" || got.AIModel != "grok" {
		t.Errorf("リクエストがサービスに渡されるべき: %+v", got)
	}
	var resp remixResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Original != "original" || resp.Post.Content != "remixed" || resp.Post.ID != "post-r" {
		t.Errorf("response = %+v", resp)
	}
}

func TestStudioHandler_Remix_VoiceProfileRequired(t *testing.T) {
	svc := &mockStudioService{
		remixFn: func(context.Context, string, studio.RemixRequest) (*model.Post, error) {
			return nil, model.NewVoiceProfileRequiredError()
		},
	}
	h := NewStudioHandler(svc, discardLogger())
	req := withAccountID(httptest.NewRequest(http.MethodPost, "/api/remix", bytes.NewBufferString(`{"source_text":"x"}`)), "acc-1")
	w := httptest.NewRecorder()

	h.Remix(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
