package schedule

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
	"github.com/hitoshi/postpilot/internal/repository/memstore"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memstore.Store, *clock.Fake) {
	store := memstore.New()
	clk := clock.NewFake(baseTime)
	return NewService(store.Posts(), store.ScheduledPosts(), clk, 10*time.Minute), store, clk
}

// assertAPIError はerrが指定コードのAPIErrorであることを確認する。
func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorであるべき: %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %q, want %q", apiErr.Code, code)
	}
}

func TestCreatePost(t *testing.T) {
	svc, _, _ := newTestService()

	post, err := svc.CreatePost(context.Background(), "acc-1", "hello world")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if post.ID == "" || post.Version != 1 || post.AccountID != "acc-1" {
		t.Errorf("post = %+v", post)
	}
	if !post.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", post.CreatedAt, baseTime)
	}
}

func TestCreatePost_Validation(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreatePost(context.Background(), "acc-1", "   ")
	assertAPIError(t, err, model.ErrCodeInvalidRequest)

	_, err = svc.CreatePost(context.Background(), "acc-1", strings.Repeat("あ", 281))
	assertAPIError(t, err, model.ErrCodeContentTooLong)

	// ちょうど上限は許可される
	if _, err := svc.CreatePost(context.Background(), "acc-1", strings.Repeat("あ", 280)); err != nil {
		t.Errorf("280文字は許可されるべき: %v", err)
	}
}

func TestRevise_CreatesNewVersion(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	original, _ := svc.CreatePost(ctx, "acc-1", "v1")

	revised, err := svc.Revise(ctx, "acc-1", original.ID, "v2")
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if revised.ID == original.ID || revised.ParentID != original.ID || revised.Version != 2 {
		t.Errorf("新しいバージョンが作成されるべき: %+v", revised)
	}

	kept, _ := store.Posts().FindByID(ctx, "acc-1", original.ID)
	if kept == nil || kept.Content != "v1" {
		t.Errorf("元の投稿は変更されないべき: %+v", kept)
	}
}

func TestRevise_OtherAccountPostNotFound(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	original, _ := svc.CreatePost(ctx, "acc-1", "v1")

	_, err := svc.Revise(ctx, "acc-2", original.ID, "v2")
	assertAPIError(t, err, model.ErrCodePostNotFound)
}

func TestSchedule(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	post, _ := svc.CreatePost(ctx, "acc-1", "hello")

	when := baseTime.Add(time.Hour)
	sp, err := svc.Schedule(ctx, "acc-1", post.ID, when)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if sp.Status != model.StatusPending || !sp.ScheduledFor.Equal(when) {
		t.Errorf("pendingで作成されるべき: %+v", sp)
	}

	stored := store.ScheduledPost(sp.ID)
	if stored == nil || stored.PostID != post.ID || stored.AttemptCount != 0 {
		t.Errorf("予約投稿が保存されるべき: %+v", stored)
	}
}

func TestSchedule_Errors(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	post, _ := svc.CreatePost(ctx, "acc-1", "hello")

	tests := []struct {
		name      string
		accountID string
		postID    string
		when      time.Time
		code      string
	}{
		{"過去日時", "acc-1", post.ID, baseTime.Add(-time.Minute), model.ErrCodeScheduleInPast},
		{"現在時刻", "acc-1", post.ID, baseTime, model.ErrCodeScheduleInPast},
		{"他アカウントの投稿", "acc-2", post.ID, baseTime.Add(time.Hour), model.ErrCodePostNotFound},
		{"存在しない投稿", "acc-1", "missing", baseTime.Add(time.Hour), model.ErrCodePostNotFound},
		{"投稿ID未指定", "acc-1", "", baseTime.Add(time.Hour), model.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Schedule(ctx, tt.accountID, tt.postID, tt.when)
			assertAPIError(t, err, tt.code)
		})
	}
}

func TestList_StatusFilter(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	post, _ := svc.CreatePost(ctx, "acc-1", "hello")
	first, _ := svc.Schedule(ctx, "acc-1", post.ID, baseTime.Add(time.Hour))
	second, _ := svc.Schedule(ctx, "acc-1", post.ID, baseTime.Add(2*time.Hour))

	all, err := svc.List(ctx, "acc-1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID || all[1].ID != first.ID {
		t.Errorf("予約日時の新しい順に返すべき: %v", all)
	}

	posted, err := svc.List(ctx, "acc-1", "posted")
	if err != nil || len(posted) != 0 {
		t.Errorf("posted は0件であるべき: %v %v", posted, err)
	}

	_, err = svc.List(ctx, "acc-1", "done")
	assertAPIError(t, err, model.ErrCodeInvalidStatusFilter)
}

func TestCancel(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	post, _ := svc.CreatePost(ctx, "acc-1", "hello")
	sp, _ := svc.Schedule(ctx, "acc-1", post.ID, baseTime.Add(time.Hour))

	assertAPIError(t, svc.Cancel(ctx, "acc-2", sp.ID), model.ErrCodeScheduledPostNotFound)

	if err := svc.Cancel(ctx, "acc-1", sp.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if store.ScheduledPost(sp.ID) != nil {
		t.Error("取り消した予約投稿は削除されるべき")
	}
}

func TestCancel_InFlightAndTerminal(t *testing.T) {
	svc, store, clk := newTestService()
	ctx := context.Background()
	repo := store.ScheduledPosts()
	post, _ := svc.CreatePost(ctx, "acc-1", "hello")
	sp, _ := svc.Schedule(ctx, "acc-1", post.ID, baseTime.Add(time.Minute))

	clk.Advance(time.Minute)
	now := clk.Now()
	if claimed, _ := repo.ClaimDue(ctx, repository.ClaimRequest{Now: now, Token: "tok", LeaseCutoff: now.Add(-10 * time.Minute)}); len(claimed) != 1 {
		t.Fatalf("クレームできるべき: %d", len(claimed))
	}
	assertAPIError(t, svc.Cancel(ctx, "acc-1", sp.ID), model.ErrCodeScheduledPostInFlight)

	if err := repo.Complete(ctx, sp.ID, "tok", model.Transition{Status: model.StatusPosted, AttemptCount: 1, ExternalID: "x-1", PostedAt: now}, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	assertAPIError(t, svc.Cancel(ctx, "acc-1", sp.ID), model.ErrCodeScheduledPostNotPending)
	if store.ScheduledPost(sp.ID) == nil {
		t.Error("終端状態の予約投稿は削除されないべき")
	}
}

func TestDeletePost(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	used, _ := svc.CreatePost(ctx, "acc-1", "used")
	free, _ := svc.CreatePost(ctx, "acc-1", "free")
	if _, err := svc.Schedule(ctx, "acc-1", used.ID, baseTime.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	assertAPIError(t, svc.DeletePost(ctx, "acc-1", used.ID), model.ErrCodePostInUse)
	assertAPIError(t, svc.DeletePost(ctx, "acc-2", free.ID), model.ErrCodePostNotFound)
	if err := svc.DeletePost(ctx, "acc-1", free.ID); err != nil {
		t.Errorf("参照されていない投稿は削除できるべき: %v", err)
	}

	posts, _ := svc.ListPosts(ctx, "acc-1")
	if len(posts) != 1 || posts[0].ID != used.ID {
		t.Errorf("残りの投稿 = %v", posts)
	}
}

func TestGet(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	post, _ := svc.CreatePost(ctx, "acc-1", "hello")
	sp, _ := svc.Schedule(ctx, "acc-1", post.ID, baseTime.Add(time.Hour))

	got, err := svc.Get(ctx, "acc-1", sp.ID)
	if err != nil || got.Content != "hello" {
		t.Errorf("予約投稿と本文を取得できるべき: %+v %v", got, err)
	}
	_, err = svc.Get(ctx, "acc-2", sp.ID)
	assertAPIError(t, err, model.ErrCodeScheduledPostNotFound)
}
