// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
)

// AccountRepository はアカウントと自動投稿設定の永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// ListAutopilotEnabled はオートパイロットが有効なアカウントを取得する。
	ListAutopilotEnabled(ctx context.Context) ([]*model.Account, error)

	// UpdateAutopilot はオートパイロット設定を更新する。
	UpdateAutopilot(ctx context.Context, id string, enabled bool, postsPerDay int, aiModel model.AIModel) error

	// UpdateVoiceProfile はボイスプロファイルを更新する。
	UpdateVoiceProfile(ctx context.Context, id string, profile *model.VoiceProfile) error

	// UpdateVoiceAnalysis は文体分析の結果としてボイスプロファイルと検出済みニッチを更新する。
	UpdateVoiceAnalysis(ctx context.Context, id string, profile *model.VoiceProfile, detectedNiche string) error
}

// SessionRepository はセッションデータの参照インターフェース。
// セッションの作成はログインを担う外部アプリケーションが行う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CredentialRepository は暗号化済み認証情報の永続化インターフェース。
// 平文は扱わない。暗号化と復号はcredential.Storeが行う。
type CredentialRepository interface {
	// FindByAccountID はアカウントの認証情報を取得する。見つからない場合はnilを返す。
	FindByAccountID(ctx context.Context, accountID string) (*model.EncryptedCredential, error)

	// Upsert は認証情報を作成または置き換える。
	Upsert(ctx context.Context, cred *model.EncryptedCredential) error
}

// PostRepository は投稿本文の永続化インターフェース。
type PostRepository interface {
	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// FindByID はアカウントが所有する投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, accountID, id string) (*model.Post, error)

	// ListByAccount はアカウントの投稿を新しい順に取得する。
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.Post, error)

	// UsedSourceIDs はsourceIDsのうちアカウントの投稿ですでに使われているものを返す。
	UsedSourceIDs(ctx context.Context, accountID string, sourceIDs []string) (map[string]bool, error)

	// Delete は投稿を削除する。予約投稿から参照されている場合はmodel.ErrPostInUse、
	// 存在しない場合はmodel.ErrNotFoundを返す。
	Delete(ctx context.Context, accountID, id string) error
}

// ClaimRequest は配信対象のクレーム条件。
type ClaimRequest struct {
	Now         time.Time // この時刻以前に予約された投稿が対象
	Token       string    // クレームトークン（スキャンごとに一意）
	LeaseCutoff time.Time // これより古いクレームは放棄されたものとみなす
	Limit       int       // 1回のクレーム上限
}

// ScheduledPostRepository は予約投稿の永続化インターフェース。
// statusの更新はClaimDueとCompleteのみが行う。RenewClaimはクレームの期限だけを延長する。
type ScheduledPostRepository interface {
	// Create は予約投稿を作成する。
	Create(ctx context.Context, sp *model.ScheduledPost) error

	// FindByID はアカウントが所有する予約投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, accountID, id string) (*model.ScheduledPost, error)

	// ListByAccount はアカウントの予約投稿を予約日時の新しい順に取得する。
	// statusがnilの場合は全ステータスを返す。
	ListByAccount(ctx context.Context, accountID string, status *model.PostStatus) ([]*model.ScheduledPost, error)

	// LastScheduledFor はアカウントの予約投稿で最も遅い予約日時を返す。
	// 予約投稿がない場合はfalseを返す。
	LastScheduledFor(ctx context.Context, accountID string) (time.Time, bool, error)

	// ClaimDue は配信対象の予約投稿を単一の条件付き更新でクレームして返す。
	// 同じ予約投稿を複数のワーカーが同時にクレームすることはない。
	ClaimDue(ctx context.Context, req ClaimRequest) ([]*model.ScheduledPost, error)

	// RenewClaim は公開直前にクレームがまだ有効であることを確認し、claimed_atをnowに更新する。
	// idとtokenが一致し、leaseCutoff以降にクレームされたpendingの行がなければmodel.ErrClaimLostを返す。
	RenewClaim(ctx context.Context, id, token string, now, leaseCutoff time.Time) error

	// Complete はクレーム中の予約投稿に状態遷移を適用し、クレームを解放する。
	// idとtokenが一致するpendingの行が更新されなかった場合はmodel.ErrClaimLostを返す。
	Complete(ctx context.Context, id, token string, t model.Transition, now time.Time) error

	// DeletePending は未クレームのpending予約投稿を削除する。
	// 存在しない場合はmodel.ErrNotFound、終端状態はmodel.ErrNotPending、
	// クレーム中はmodel.ErrInFlightを返す。
	DeletePending(ctx context.Context, accountID, id string, leaseCutoff time.Time) error

	// ReleaseStaleClaims はleaseCutoffより古いクレームを解放し、解放件数を返す。
	ReleaseStaleClaims(ctx context.Context, leaseCutoff time.Time) (int64, error)

	// ListFailures は失敗した予約投稿を新しい順に取得する。
	ListFailures(ctx context.Context, limit int) ([]*model.ScheduledPost, error)

	// Stats は状態別件数を返す。
	Stats(ctx context.Context, now, leaseCutoff time.Time) (*model.DispatchStats, error)

	// ListPostedForMetrics はメトリクスの更新が必要な投稿済み予約投稿を取得する。
	// metrics_fetched_atがstaleBeforeより古いか未取得のもので、postedAfter以降に投稿されたものが対象。
	ListPostedForMetrics(ctx context.Context, staleBefore, postedAfter time.Time, limit int) ([]*model.ScheduledPost, error)

	// UpdateMetrics は投稿済み予約投稿のエンゲージメントを更新する。statusは変更しない。
	UpdateMetrics(ctx context.Context, id string, metrics model.EngagementMetrics, fetchedAt time.Time) error
}
