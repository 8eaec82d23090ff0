package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postpilot/internal/account"
	"github.com/hitoshi/postpilot/internal/analytics"
	"github.com/hitoshi/postpilot/internal/middleware"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/studio"
	"github.com/hitoshi/postpilot/internal/worker/autopilot"
	"github.com/hitoshi/postpilot/internal/worker/dispatch"
)

// --- モック定義 ---

type mockScheduleService struct {
	scheduleFn func(ctx context.Context, accountID, postID string, scheduledFor time.Time) (*model.ScheduledPost, error)
	listFn     func(ctx context.Context, accountID, status string) ([]*model.ScheduledPost, error)
	getFn      func(ctx context.Context, accountID, id string) (*model.ScheduledPost, error)
	cancelFn   func(ctx context.Context, accountID, id string) error
}

func (m *mockScheduleService) Schedule(ctx context.Context, accountID, postID string, scheduledFor time.Time) (*model.ScheduledPost, error) {
	if m.scheduleFn != nil {
		return m.scheduleFn(ctx, accountID, postID, scheduledFor)
	}
	return &model.ScheduledPost{ID: "sp-1", PostID: postID, ScheduledFor: scheduledFor, Status: model.StatusPending}, nil
}

func (m *mockScheduleService) List(ctx context.Context, accountID, status string) ([]*model.ScheduledPost, error) {
	if m.listFn != nil {
		return m.listFn(ctx, accountID, status)
	}
	return nil, nil
}

func (m *mockScheduleService) Get(ctx context.Context, accountID, id string) (*model.ScheduledPost, error) {
	if m.getFn != nil {
		return m.getFn(ctx, accountID, id)
	}
	return &model.ScheduledPost{ID: id, Status: model.StatusPending}, nil
}

func (m *mockScheduleService) Cancel(ctx context.Context, accountID, id string) error {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, accountID, id)
	}
	return nil
}

type mockPostService struct {
	createFn func(ctx context.Context, accountID, content string) (*model.Post, error)
	reviseFn func(ctx context.Context, accountID, postID, content string) (*model.Post, error)
	listFn   func(ctx context.Context, accountID string) ([]*model.Post, error)
	deleteFn func(ctx context.Context, accountID, postID string) error
}

func (m *mockPostService) CreatePost(ctx context.Context, accountID, content string) (*model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, accountID, content)
	}
	return &model.Post{ID: "post-1", AccountID: accountID, Content: content, Version: 1}, nil
}

func (m *mockPostService) Revise(ctx context.Context, accountID, postID, content string) (*model.Post, error) {
	if m.reviseFn != nil {
		return m.reviseFn(ctx, accountID, postID, content)
	}
	return &model.Post{ID: "post-2", AccountID: accountID, Content: content, ParentID: postID, Version: 2}, nil
}

func (m *mockPostService) ListPosts(ctx context.Context, accountID string) ([]*model.Post, error) {
	if m.listFn != nil {
		return m.listFn(ctx, accountID)
	}
	return nil, nil
}

func (m *mockPostService) DeletePost(ctx context.Context, accountID, postID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, accountID, postID)
	}
	return nil
}

type mockAccountService struct {
	getFn                func(ctx context.Context, accountID string) (*model.Account, error)
	updateAutopilotFn    func(ctx context.Context, accountID string, settings account.AutopilotSettings) (*model.Account, error)
	updateVoiceProfileFn func(ctx context.Context, accountID string, profile model.VoiceProfile) (*model.Account, error)
	putCredentialFn      func(ctx context.Context, accountID string, accessToken, refreshToken model.Secret, expiresAt *time.Time) error
}

func (m *mockAccountService) Get(ctx context.Context, accountID string) (*model.Account, error) {
	if m.getFn != nil {
		return m.getFn(ctx, accountID)
	}
	return &model.Account{ID: accountID, Handle: "alice", PostsPerDay: 3, PreferredModel: model.AIModelClaude}, nil
}

func (m *mockAccountService) UpdateAutopilot(ctx context.Context, accountID string, settings account.AutopilotSettings) (*model.Account, error) {
	if m.updateAutopilotFn != nil {
		return m.updateAutopilotFn(ctx, accountID, settings)
	}
	return &model.Account{ID: accountID, AutopilotEnabled: settings.Enabled, PostsPerDay: settings.PostsPerDay}, nil
}

func (m *mockAccountService) UpdateVoiceProfile(ctx context.Context, accountID string, profile model.VoiceProfile) (*model.Account, error) {
	if m.updateVoiceProfileFn != nil {
		return m.updateVoiceProfileFn(ctx, accountID, profile)
	}
	return &model.Account{ID: accountID, VoiceProfile: &profile}, nil
}

func (m *mockAccountService) PutCredential(ctx context.Context, accountID string, accessToken, refreshToken model.Secret, expiresAt *time.Time) error {
	if m.putCredentialFn != nil {
		return m.putCredentialFn(ctx, accountID, accessToken, refreshToken, expiresAt)
	}
	return nil
}

type mockStudioService struct {
	analyzeVoiceFn func(ctx context.Context, accountID string) (*model.Account, error)
	discoverFn     func(ctx context.Context, accountID string, q studio.DiscoverQuery) (*studio.DiscoverResult, error)
	remixFn        func(ctx context.Context, accountID string, req studio.RemixRequest) (*model.Post, error)
}

func (m *mockStudioService) AnalyzeVoice(ctx context.Context, accountID string) (*model.Account, error) {
	if m.analyzeVoiceFn != nil {
		return m.analyzeVoiceFn(ctx, accountID)
	}
	return &model.Account{ID: accountID, DetectedNiche: "tech", VoiceProfile: &model.VoiceProfile{Niche: []string{"tech"}}}, nil
}

func (m *mockStudioService) Discover(ctx context.Context, accountID string, q studio.DiscoverQuery) (*studio.DiscoverResult, error) {
	if m.discoverFn != nil {
		return m.discoverFn(ctx, accountID, q)
	}
	return &studio.DiscoverResult{Niche: q.Niche}, nil
}

func (m *mockStudioService) Remix(ctx context.Context, accountID string, req studio.RemixRequest) (*model.Post, error) {
	if m.remixFn != nil {
		return m.remixFn(ctx, accountID, req)
	}
	return &model.Post{ID: "post-r", AccountID: accountID, Content: "remixed " + req.SourceText, Version: 1}, nil
}

type mockAnalyticsService struct {
	summaryFn func(ctx context.Context, accountID string) (*analytics.Summary, error)
}

func (m *mockAnalyticsService) Summary(ctx context.Context, accountID string) (*analytics.Summary, error) {
	if m.summaryFn != nil {
		return m.summaryFn(ctx, accountID)
	}
	return &analytics.Summary{TopPosts: []analytics.PostMetrics{}}, nil
}

type mockDispatchRunner struct {
	runOnceFn  func(ctx context.Context) (*dispatch.ScanResult, error)
	statsFn    func(ctx context.Context) (*model.DispatchStats, error)
	failuresFn func(ctx context.Context, limit int) ([]*model.ScheduledPost, error)
}

func (m *mockDispatchRunner) RunOnce(ctx context.Context) (*dispatch.ScanResult, error) {
	if m.runOnceFn != nil {
		return m.runOnceFn(ctx)
	}
	return &dispatch.ScanResult{}, nil
}

func (m *mockDispatchRunner) Stats(ctx context.Context) (*model.DispatchStats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return &model.DispatchStats{}, nil
}

func (m *mockDispatchRunner) Failures(ctx context.Context, limit int) ([]*model.ScheduledPost, error) {
	if m.failuresFn != nil {
		return m.failuresFn(ctx, limit)
	}
	return nil, nil
}

type mockAutopilotRunner struct {
	runOnceFn func(ctx context.Context) (*autopilot.RunResult, error)
}

func (m *mockAutopilotRunner) RunOnce(ctx context.Context) (*autopilot.RunResult, error) {
	if m.runOnceFn != nil {
		return m.runOnceFn(ctx)
	}
	return &autopilot.RunResult{}, nil
}

// --- テストヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// withAccountID はテスト用にリクエストコンテキストにアカウントIDを注入するヘルパー。
func withAccountID(r *http.Request, accountID string) *http.Request {
	return r.WithContext(middleware.ContextWithAccountID(r.Context(), accountID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
