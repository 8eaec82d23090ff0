// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 配信エンジンのエラー分類。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrNotFound は対象が存在しないことを示す。
	ErrNotFound = errors.New("not found")

	// ErrCredentialUnavailable は認証情報が存在しないか期限切れであることを示す。
	// 利用者の再連携が必要なため自動リトライしない。
	ErrCredentialUnavailable = errors.New("credential unavailable")

	// ErrTransientPublish は再試行で成功し得る投稿失敗（ネットワーク、タイムアウト、5xx）。
	ErrTransientPublish = errors.New("transient publish failure")

	// ErrPermanentPublish は再試行しても成功しない投稿失敗（内容拒否、認可取り消し、重複）。
	ErrPermanentPublish = errors.New("permanent publish failure")

	// ErrUpstreamContentUnavailable はオートパイロットで利用可能な元コンテンツがないことを示す。
	ErrUpstreamContentUnavailable = errors.New("upstream content unavailable")

	// ErrRewriteFailed はリライト呼び出しの失敗を示す。
	ErrRewriteFailed = errors.New("rewrite failed")

	// ErrVoiceProfileMissing はオートパイロットに必要なボイスプロファイルが未設定であることを示す。
	ErrVoiceProfileMissing = errors.New("voice profile missing")

	// ErrClaimLost は条件付き更新が0行だったこと、つまり他のワーカーが先に処理したことを示す。
	ErrClaimLost = errors.New("claim lost")

	// ErrNotPending は予約投稿がすでに終端状態であることを示す。
	ErrNotPending = errors.New("scheduled post is not pending")

	// ErrInFlight は予約投稿が配信中（クレーム済み）であることを示す。
	ErrInFlight = errors.New("scheduled post is being dispatched")

	// ErrPostInUse は予約投稿から参照されている投稿を削除しようとしたことを示す。
	ErrPostInUse = errors.New("post is referenced by a scheduled post")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, schedule, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodePostNotFound            = "POST_NOT_FOUND"
	ErrCodePostInUse               = "POST_IN_USE"
	ErrCodeScheduledPostNotFound   = "SCHEDULED_POST_NOT_FOUND"
	ErrCodeScheduleInPast          = "SCHEDULE_IN_PAST"
	ErrCodeScheduledPostNotPending = "SCHEDULED_POST_NOT_PENDING"
	ErrCodeScheduledPostInFlight   = "SCHEDULED_POST_IN_FLIGHT"
	ErrCodeInvalidStatusFilter     = "INVALID_STATUS_FILTER"
	ErrCodeContentTooLong          = "CONTENT_TOO_LONG"
	ErrCodeInvalidAIModel          = "INVALID_AI_MODEL"
	ErrCodeAccountNotFound         = "ACCOUNT_NOT_FOUND"
	ErrCodeCredentialRequired      = "CREDENTIAL_REQUIRED"
	ErrCodeVoiceProfileRequired    = "VOICE_PROFILE_REQUIRED"
	ErrCodeUpstreamUnavailable     = "UPSTREAM_UNAVAILABLE"
)

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "schedule",
		Action:   "投稿IDを確認してください。",
	}
}

// NewPostInUseError は予約済み投稿の削除エラーを生成する。
func NewPostInUseError() *APIError {
	return &APIError{
		Code:     ErrCodePostInUse,
		Message:  "この投稿は予約投稿から参照されているため削除できません。",
		Category: "schedule",
		Action:   "先に予約を取り消してください。",
	}
}

// NewScheduledPostNotFoundError は予約投稿未検出エラーを生成する。
func NewScheduledPostNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeScheduledPostNotFound,
		Message:  fmt.Sprintf("指定された予約投稿が見つかりません: %s", id),
		Category: "schedule",
		Action:   "予約投稿IDを確認してください。",
	}
}

// NewScheduleInPastError は過去日時指定エラーを生成する。
func NewScheduleInPastError() *APIError {
	return &APIError{
		Code:     ErrCodeScheduleInPast,
		Message:  "予約日時は未来の日時を指定してください。",
		Category: "validation",
		Action:   "現在より後の日時を指定してください。",
	}
}

// NewScheduledPostNotPendingError は終端状態の予約投稿に対する操作エラーを生成する。
func NewScheduledPostNotPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeScheduledPostNotPending,
		Message:  "投稿済みまたは失敗した予約投稿は取り消せません。",
		Category: "schedule",
		Action:   "状態がpendingの予約投稿のみ取り消せます。",
	}
}

// NewScheduledPostInFlightError は配信中の予約投稿に対する取り消しエラーを生成する。
func NewScheduledPostInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeScheduledPostInFlight,
		Message:  "この予約投稿は現在配信処理中のため取り消せません。",
		Category: "schedule",
		Action:   "配信結果を確認してください。",
	}
}

// NewInvalidStatusFilterError は無効なステータスフィルタエラーを生成する。
func NewInvalidStatusFilterError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatusFilter,
		Message:  fmt.Sprintf("無効なステータスです: %s", status),
		Category: "validation",
		Action:   "statusには pending、posted、failed のいずれかを指定してください。",
	}
}

// NewContentTooLongError は本文長超過エラーを生成する。
func NewContentTooLongError(length int) *APIError {
	return &APIError{
		Code:     ErrCodeContentTooLong,
		Message:  fmt.Sprintf("本文が長すぎます（%d文字、上限%d文字）", length, MaxContentLength),
		Category: "validation",
		Action:   fmt.Sprintf("本文を%d文字以内にしてください。", MaxContentLength),
	}
}

// NewInvalidAIModelError は未対応AIモデル指定エラーを生成する。
func NewInvalidAIModelError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAIModel,
		Message:  fmt.Sprintf("未対応のAIモデルです: %s", name),
		Category: "validation",
		Action:   "claude、mistral、grok のいずれかを指定してください。",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewCredentialRequiredError は有効な認証情報が未登録であることを示すエラーを生成する。
func NewCredentialRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialRequired,
		Message:  "有効な認証情報が登録されていません。",
		Category: "auth",
		Action:   "アカウントを再連携してください。",
	}
}

// NewVoiceProfileRequiredError はボイスプロファイル未設定エラーを生成する。
func NewVoiceProfileRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeVoiceProfileRequired,
		Message:  "ボイスプロファイルが設定されていません。",
		Category: "validation",
		Action:   "文体分析を実行するか、ボイスプロファイルを設定してください。",
	}
}

// NewUpstreamUnavailableError は外部サービスの呼び出し失敗を示すエラーを生成する。
func NewUpstreamUnavailableError(service string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  fmt.Sprintf("外部サービスの呼び出しに失敗しました: %s", service),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
