package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/postpilot/internal/account"
	"github.com/hitoshi/postpilot/internal/model"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
	UpdateAutopilot(ctx context.Context, accountID string, settings account.AutopilotSettings) (*model.Account, error)
	UpdateVoiceProfile(ctx context.Context, accountID string, profile model.VoiceProfile) (*model.Account, error)
	PutCredential(ctx context.Context, accountID string, accessToken, refreshToken model.Secret, expiresAt *time.Time) error
}

// AccountHandler はアカウント設定のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
	logger  *slog.Logger
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{service: service, logger: logger}
}

// accountResponse はアカウントのAPIレスポンス。認証情報は含めない。
type accountResponse struct {
	ID               string              `json:"id"`
	Handle           string              `json:"handle"`
	AutopilotEnabled bool                `json:"autopilot_enabled"`
	PostsPerDay      int                 `json:"posts_per_day"`
	PreferredModel   model.AIModel       `json:"preferred_model"`
	VoiceProfile     *model.VoiceProfile `json:"voice_profile,omitempty"`
	DetectedNiche    string              `json:"detected_niche,omitempty"`
}

func toAccountResponse(acc *model.Account) accountResponse {
	return accountResponse{
		ID:               acc.ID,
		Handle:           acc.Handle,
		AutopilotEnabled: acc.AutopilotEnabled,
		PostsPerDay:      acc.PostsPerDay,
		PreferredModel:   acc.PreferredModel,
		VoiceProfile:     acc.VoiceProfile,
		DetectedNiche:    acc.DetectedNiche,
	}
}

// Get はログイン中のアカウントを返す。
// GET /api/account
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	acc, err := h.service.Get(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

type updateAutopilotRequest struct {
	Enabled     bool   `json:"enabled"`
	PostsPerDay int    `json:"posts_per_day"`
	AIModel     string `json:"ai_model"`
}

// UpdateAutopilot はオートパイロット設定を更新する。
// PUT /api/account/autopilot
func (h *AccountHandler) UpdateAutopilot(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req updateAutopilotRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.service.UpdateAutopilot(r.Context(), accountID, account.AutopilotSettings{
		Enabled:     req.Enabled,
		PostsPerDay: req.PostsPerDay,
		AIModel:     req.AIModel,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// UpdateVoiceProfile はボイスプロファイルを更新する。
// PUT /api/account/voice-profile
func (h *AccountHandler) UpdateVoiceProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req model.VoiceProfile
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.service.UpdateVoiceProfile(r.Context(), accountID, req)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

type putCredentialRequest struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// PutCredential は外部投稿APIのアクセストークンを登録する。
// PUT /api/account/credential
func (h *AccountHandler) PutCredential(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req putCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.service.PutCredential(r.Context(), accountID,
		model.Secret(req.AccessToken), model.Secret(req.RefreshToken), req.ExpiresAt)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
