package model

import (
	"fmt"
	"time"
)

// PostStatus は予約投稿の状態を表す。
// pendingのみが非終端状態で、posted/failedからは遷移しない。
type PostStatus string

const (
	// StatusPending は配信待ち（リトライ待ちを含む）。
	StatusPending PostStatus = "pending"
	// StatusPosted は投稿成功。
	StatusPosted PostStatus = "posted"
	// StatusFailed は投稿失敗。
	StatusFailed PostStatus = "failed"
)

// ReasonCredentialUnavailable は認証情報がない場合にlast_errorへ記録する理由。
const ReasonCredentialUnavailable = "credential unavailable"

// ParseStatus は文字列をPostStatusに変換する。未知の値はエラーを返す。
func ParseStatus(s string) (PostStatus, error) {
	switch PostStatus(s) {
	case StatusPending, StatusPosted, StatusFailed:
		return PostStatus(s), nil
	default:
		return "", fmt.Errorf("unknown post status: %q", s)
	}
}

// IsTerminal は終端状態かどうかを返す。
func (s PostStatus) IsTerminal() bool {
	switch s {
	case StatusPending:
		return false
	case StatusPosted, StatusFailed:
		return true
	default:
		panic(fmt.Sprintf("unknown post status: %q", string(s)))
	}
}

// ScheduledPost は公開予定日時に紐付いた投稿を表す。
type ScheduledPost struct {
	ID           string
	AccountID    string
	PostID       string
	Content      string
	ScheduledFor time.Time
	Status       PostStatus
	ExternalID   string
	PostedAt     *time.Time
	LastError    string
	AttemptCount int

	// 配信エンジンの管理項目
	ClaimToken    string
	ClaimedAt     *time.Time
	NextAttemptAt *time.Time

	// 投稿後のエンゲージメント
	Metrics          *EngagementMetrics
	MetricsFetchedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDue はnow時点で配信対象かどうかを返す。
func (sp *ScheduledPost) IsDue(now time.Time) bool {
	return sp.Status == StatusPending && !sp.ScheduledFor.After(now)
}

// IsClaimed はleaseCutoffより新しいクレームが存在するかどうかを返す。
// leaseCutoffより古いクレームは放棄されたものとみなす。
func (sp *ScheduledPost) IsClaimed(leaseCutoff time.Time) bool {
	return sp.ClaimToken != "" && sp.ClaimedAt != nil && sp.ClaimedAt.After(leaseCutoff)
}

// Outcome は1件の配信処理の結果を表す閉じた直和型。
// 実装はこのパッケージ内の型に限られる。
type Outcome interface {
	outcome()
}

// Published は投稿成功。
type Published struct {
	ExternalID  string
	PublishedAt time.Time
}

// Deferred はレート制限などで今回のスキャンでは処理しなかったことを示す。
// 試行回数は変化せず、次回スキャンで再度対象になる。
type Deferred struct {
	Reason string
}

// CredentialUnavailable は認証情報がないため投稿を試行しなかったことを示す。
type CredentialUnavailable struct{}

// TransientFailure は再試行可能な投稿失敗。RetryAt以降に再試行される。
type TransientFailure struct {
	Reason  string
	RetryAt time.Time
}

// PermanentFailure は再試行しない投稿失敗。
type PermanentFailure struct {
	Reason string
}

func (Published) outcome()             {}
func (Deferred) outcome()              {}
func (CredentialUnavailable) outcome() {}
func (TransientFailure) outcome()      {}
func (PermanentFailure) outcome()      {}

// Transition は予約投稿に書き戻す状態遷移。
// リポジトリはクレームを解放しながらこの内容を条件付きで適用する。
type Transition struct {
	Status        PostStatus
	AttemptCount  int
	ExternalID    string
	PostedAt      time.Time
	LastError     string
	NextAttemptAt time.Time
}

// Next はOutcomeから次の状態遷移を決定する。
// 終端状態の予約投稿に対してはErrNotPendingを返す。
// maxAttemptsは一時的失敗を含めた試行回数の上限。
func (sp *ScheduledPost) Next(o Outcome, maxAttempts int) (Transition, error) {
	if sp.Status.IsTerminal() {
		return Transition{}, ErrNotPending
	}

	switch o := o.(type) {
	case Published:
		return Transition{
			Status:       StatusPosted,
			AttemptCount: sp.AttemptCount + 1,
			ExternalID:   o.ExternalID,
			PostedAt:     o.PublishedAt,
		}, nil
	case Deferred:
		t := Transition{
			Status:       StatusPending,
			AttemptCount: sp.AttemptCount,
			LastError:    sp.LastError,
		}
		if sp.NextAttemptAt != nil {
			t.NextAttemptAt = *sp.NextAttemptAt
		}
		return t, nil
	case CredentialUnavailable:
		return Transition{
			Status:       StatusFailed,
			AttemptCount: sp.AttemptCount,
			LastError:    ReasonCredentialUnavailable,
		}, nil
	case TransientFailure:
		attempts := sp.AttemptCount + 1
		if attempts >= maxAttempts {
			return Transition{
				Status:       StatusFailed,
				AttemptCount: attempts,
				LastError:    o.Reason,
			}, nil
		}
		return Transition{
			Status:        StatusPending,
			AttemptCount:  attempts,
			LastError:     o.Reason,
			NextAttemptAt: o.RetryAt,
		}, nil
	case PermanentFailure:
		return Transition{
			Status:       StatusFailed,
			AttemptCount: sp.AttemptCount + 1,
			LastError:    o.Reason,
		}, nil
	default:
		return Transition{}, fmt.Errorf("unknown outcome type %T", o)
	}
}

// Apply はTransitionを予約投稿に反映する。クレームは解放される。
// インメモリ実装やテストで使用する。
func (sp *ScheduledPost) Apply(t Transition, now time.Time) {
	sp.Status = t.Status
	sp.AttemptCount = t.AttemptCount
	sp.LastError = t.LastError
	if t.Status == StatusPosted {
		postedAt := t.PostedAt
		sp.PostedAt = &postedAt
		sp.ExternalID = t.ExternalID
	}
	if t.NextAttemptAt.IsZero() {
		sp.NextAttemptAt = nil
	} else {
		next := t.NextAttemptAt
		sp.NextAttemptAt = &next
	}
	sp.ClaimToken = ""
	sp.ClaimedAt = nil
	sp.UpdatedAt = now
}

// DispatchStats は予約投稿の状態別件数。
type DispatchStats struct {
	Pending  int `json:"pending"`
	Due      int `json:"due"`
	InFlight int `json:"in_flight"`
	Posted   int `json:"posted"`
	Failed   int `json:"failed"`
}
