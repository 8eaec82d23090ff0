// Package schedule は予約投稿と投稿本文を管理するドメインロジックを提供する。
// 予約投稿のstatusは変更しない。状態遷移はDispatcherのクレーム操作だけが行う。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
)

// defaultPostListLimit は投稿一覧の既定件数。
const defaultPostListLimit = 100

// Service は予約投稿と投稿本文のサービス層。
type Service struct {
	posts      repository.PostRepository
	scheduled  repository.ScheduledPostRepository
	clock      clock.Clock
	claimLease time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// claimLeaseはDispatcherのクレームリースと同じ値を渡す。取り消し可否の判定に使う。
func NewService(
	posts repository.PostRepository,
	scheduled repository.ScheduledPostRepository,
	clk clock.Clock,
	claimLease time.Duration,
) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		posts:      posts,
		scheduled:  scheduled,
		clock:      clk,
		claimLease: claimLease,
	}
}

// CreatePost は投稿本文を作成する。本文は空にできず、上限文字数を超えられない。
func (s *Service) CreatePost(ctx context.Context, accountID, content string) (*model.Post, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	post := &model.Post{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Content:   content,
		Version:   1,
		CreatedAt: s.clock.Now(),
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return post, nil
}

// Revise は投稿の新しいバージョンを作成する。
// 既存の投稿は変更せず、親IDとバージョンを引き継いだ新しい投稿を作成する。
func (s *Service) Revise(ctx context.Context, accountID, postID, content string) (*model.Post, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	parent, err := s.posts.FindByID(ctx, accountID, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if parent == nil {
		return nil, model.NewPostNotFoundError(postID)
	}

	post := &model.Post{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		Content:          content,
		SourceID:         parent.SourceID,
		SourceAuthor:     parent.SourceAuthor,
		SourceEngagement: parent.SourceEngagement,
		AIModel:          parent.AIModel,
		ParentID:         parent.ID,
		Version:          parent.Version + 1,
		CreatedAt:        s.clock.Now(),
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("投稿の改訂に失敗しました: %w", err)
	}
	return post, nil
}

// ListPosts はアカウントの投稿を新しい順に返す。
func (s *Service) ListPosts(ctx context.Context, accountID string) ([]*model.Post, error) {
	posts, err := s.posts.ListByAccount(ctx, accountID, defaultPostListLimit)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// DeletePost は予約投稿から参照されていない投稿を削除する。
func (s *Service) DeletePost(ctx context.Context, accountID, postID string) error {
	err := s.posts.Delete(ctx, accountID, postID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return model.NewPostNotFoundError(postID)
	case errors.Is(err, model.ErrPostInUse):
		return model.NewPostInUseError()
	default:
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
}

// Schedule は投稿を指定日時に予約する。
// 予約日時は現在より後でなければならず、投稿は呼び出し元アカウントの所有でなければならない。
func (s *Service) Schedule(ctx context.Context, accountID, postID string, scheduledFor time.Time) (*model.ScheduledPost, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, model.NewInvalidRequestError("post_id is required")
	}
	now := s.clock.Now()
	if !scheduledFor.After(now) {
		return nil, model.NewScheduleInPastError()
	}

	post, err := s.posts.FindByID(ctx, accountID, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(postID)
	}

	sp := &model.ScheduledPost{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		PostID:       post.ID,
		Content:      post.Content,
		ScheduledFor: scheduledFor.UTC(),
		Status:       model.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.scheduled.Create(ctx, sp); err != nil {
		return nil, fmt.Errorf("予約投稿の作成に失敗しました: %w", err)
	}
	return sp, nil
}

// List はアカウントの予約投稿を予約日時の新しい順に返す。
// statusが空文字列の場合は全ステータスを返す。
func (s *Service) List(ctx context.Context, accountID, status string) ([]*model.ScheduledPost, error) {
	var filter *model.PostStatus
	if status != "" {
		st, err := model.ParseStatus(status)
		if err != nil {
			return nil, model.NewInvalidStatusFilterError(status)
		}
		filter = &st
	}

	list, err := s.scheduled.ListByAccount(ctx, accountID, filter)
	if err != nil {
		return nil, fmt.Errorf("予約投稿一覧の取得に失敗しました: %w", err)
	}
	return list, nil
}

// Get はアカウントの予約投稿を1件返す。
func (s *Service) Get(ctx context.Context, accountID, id string) (*model.ScheduledPost, error) {
	sp, err := s.scheduled.FindByID(ctx, accountID, id)
	if err != nil {
		return nil, fmt.Errorf("予約投稿の取得に失敗しました: %w", err)
	}
	if sp == nil {
		return nil, model.NewScheduledPostNotFoundError(id)
	}
	return sp, nil
}

// Cancel はpendingかつ未クレームの予約投稿を削除する。
// 終端状態とクレーム中の予約投稿は取り消せない。
func (s *Service) Cancel(ctx context.Context, accountID, id string) error {
	leaseCutoff := s.clock.Now().Add(-s.claimLease)
	err := s.scheduled.DeletePending(ctx, accountID, id, leaseCutoff)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return model.NewScheduledPostNotFoundError(id)
	case errors.Is(err, model.ErrNotPending):
		return model.NewScheduledPostNotPendingError()
	case errors.Is(err, model.ErrInFlight):
		return model.NewScheduledPostInFlightError()
	default:
		return fmt.Errorf("予約投稿の取り消しに失敗しました: %w", err)
	}
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return model.NewInvalidRequestError("content is required")
	}
	if n := model.ContentLength(content); n > model.MaxContentLength {
		return model.NewContentTooLongError(n)
	}
	return nil
}
