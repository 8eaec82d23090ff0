// Package memstore はrepositoryのインターフェースをプロセス内メモリで実装する。
// PostgreSQL実装と同じ条件付き更新の意味論を持ち、配信エンジンのテストで使用する。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
)

// Store は全リポジトリで共有するメモリ上のデータ。
type Store struct {
	mu             sync.Mutex
	accounts       map[string]*model.Account
	credentials    map[string]*model.EncryptedCredential
	posts          map[string]*model.Post
	scheduledPosts map[string]*model.ScheduledPost
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		accounts:       make(map[string]*model.Account),
		credentials:    make(map[string]*model.EncryptedCredential),
		posts:          make(map[string]*model.Post),
		scheduledPosts: make(map[string]*model.ScheduledPost),
	}
}

// Accounts はAccountRepositoryを返す。
func (s *Store) Accounts() *Accounts { return &Accounts{s: s} }

// Credentials はCredentialRepositoryを返す。
func (s *Store) Credentials() *Credentials { return &Credentials{s: s} }

// Posts はPostRepositoryを返す。
func (s *Store) Posts() *Posts { return &Posts{s: s} }

// ScheduledPosts はScheduledPostRepositoryを返す。
func (s *Store) ScheduledPosts() *ScheduledPosts { return &ScheduledPosts{s: s} }

// PutAccount はアカウントを登録する。
func (s *Store) PutAccount(a *model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

// ScheduledPost は予約投稿のコピーを返す。テストでの状態確認用。
func (s *Store) ScheduledPost(id string) *model.ScheduledPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.scheduledPosts[id]
	if !ok {
		return nil
	}
	return s.copyScheduledPost(sp)
}

// copyScheduledPost は本文を結合した予約投稿のコピーを返す。呼び出し側がmuを保持していること。
func (s *Store) copyScheduledPost(sp *model.ScheduledPost) *model.ScheduledPost {
	cp := *sp
	if p, ok := s.posts[sp.PostID]; ok {
		cp.Content = p.Content
	}
	return &cp
}

// Accounts はAccountRepositoryのメモリ実装。
type Accounts struct{ s *Store }

// FindByID は指定IDのアカウントを取得する。
func (r *Accounts) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// ListAutopilotEnabled はオートパイロットが有効なアカウントをID順に返す。
func (r *Accounts) ListAutopilotEnabled(_ context.Context) ([]*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Account
	for _, a := range r.s.accounts {
		if a.AutopilotEnabled {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAutopilot はオートパイロット設定を更新する。
func (r *Accounts) UpdateAutopilot(_ context.Context, id string, enabled bool, postsPerDay int, aiModel model.AIModel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return model.ErrNotFound
	}
	a.AutopilotEnabled = enabled
	a.PostsPerDay = postsPerDay
	a.PreferredModel = aiModel
	return nil
}

// UpdateVoiceProfile はボイスプロファイルを更新する。
func (r *Accounts) UpdateVoiceProfile(_ context.Context, id string, profile *model.VoiceProfile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return model.ErrNotFound
	}
	a.VoiceProfile = profile
	return nil
}

// UpdateVoiceAnalysis はボイスプロファイルと検出済みニッチを更新する。
func (r *Accounts) UpdateVoiceAnalysis(_ context.Context, id string, profile *model.VoiceProfile, detectedNiche string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return model.ErrNotFound
	}
	a.VoiceProfile = profile
	a.DetectedNiche = detectedNiche
	return nil
}

// Credentials はCredentialRepositoryのメモリ実装。
type Credentials struct{ s *Store }

// FindByAccountID はアカウントの認証情報を取得する。
func (r *Credentials) FindByAccountID(_ context.Context, accountID string) (*model.EncryptedCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[accountID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// Upsert は認証情報を作成または置き換える。
func (r *Credentials) Upsert(_ context.Context, cred *model.EncryptedCredential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *cred
	r.s.credentials[cred.AccountID] = &cp
	return nil
}

// Posts はPostRepositoryのメモリ実装。
type Posts struct{ s *Store }

// Create は投稿を作成する。
func (r *Posts) Create(_ context.Context, post *model.Post) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *post
	r.s.posts[post.ID] = &cp
	return nil
}

// FindByID はアカウントが所有する投稿を取得する。
func (r *Posts) FindByID(_ context.Context, accountID, id string) (*model.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[id]
	if !ok || p.AccountID != accountID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// ListByAccount はアカウントの投稿を新しい順に返す。
func (r *Posts) ListByAccount(_ context.Context, accountID string, limit int) ([]*model.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Post
	for _, p := range r.s.posts {
		if p.AccountID == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UsedSourceIDs はsourceIDsのうちアカウントの投稿ですでに使われているものを返す。
func (r *Posts) UsedSourceIDs(_ context.Context, accountID string, sourceIDs []string) (map[string]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = true
	}
	used := make(map[string]bool)
	for _, p := range r.s.posts {
		if p.AccountID == accountID && p.SourceID != "" && wanted[p.SourceID] {
			used[p.SourceID] = true
		}
	}
	return used, nil
}

// Delete は予約投稿から参照されていない投稿を削除する。
func (r *Posts) Delete(_ context.Context, accountID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[id]
	if !ok || p.AccountID != accountID {
		return model.ErrNotFound
	}
	for _, sp := range r.s.scheduledPosts {
		if sp.PostID == id {
			return model.ErrPostInUse
		}
	}
	delete(r.s.posts, id)
	return nil
}

// ScheduledPosts はScheduledPostRepositoryのメモリ実装。
// すべての操作はStoreのミューテックス下で行われるため、クレームと遷移は原子的である。
type ScheduledPosts struct{ s *Store }

// Create は予約投稿を作成する。
func (r *ScheduledPosts) Create(_ context.Context, sp *model.ScheduledPost) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *sp
	cp.Status = model.StatusPending
	cp.AttemptCount = 0
	r.s.scheduledPosts[sp.ID] = &cp
	return nil
}

// FindByID はアカウントが所有する予約投稿を取得する。
func (r *ScheduledPosts) FindByID(_ context.Context, accountID, id string) (*model.ScheduledPost, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sp, ok := r.s.scheduledPosts[id]
	if !ok || sp.AccountID != accountID {
		return nil, nil
	}
	return r.s.copyScheduledPost(sp), nil
}

// ListByAccount はアカウントの予約投稿を予約日時の新しい順に返す。
func (r *ScheduledPosts) ListByAccount(_ context.Context, accountID string, status *model.PostStatus) ([]*model.ScheduledPost, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.ScheduledPost
	for _, sp := range r.s.scheduledPosts {
		if sp.AccountID != accountID || (status != nil && sp.Status != *status) {
			continue
		}
		out = append(out, r.s.copyScheduledPost(sp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.After(out[j].ScheduledFor) })
	return out, nil
}

// LastScheduledFor はアカウントの予約投稿で最も遅い予約日時を返す。
func (r *ScheduledPosts) LastScheduledFor(_ context.Context, accountID string) (time.Time, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var last time.Time
	found := false
	for _, sp := range r.s.scheduledPosts {
		if sp.AccountID == accountID && (!found || sp.ScheduledFor.After(last)) {
			last = sp.ScheduledFor
			found = true
		}
	}
	return last, found, nil
}

func claimable(sp *model.ScheduledPost, req repository.ClaimRequest) bool {
	if !sp.IsDue(req.Now) {
		return false
	}
	if sp.NextAttemptAt != nil && sp.NextAttemptAt.After(req.Now) {
		return false
	}
	return !sp.IsClaimed(req.LeaseCutoff)
}

// ClaimDue は配信対象の予約投稿をクレームして返す。
func (r *ScheduledPosts) ClaimDue(_ context.Context, req repository.ClaimRequest) ([]*model.ScheduledPost, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*model.ScheduledPost
	for _, sp := range r.s.scheduledPosts {
		if claimable(sp, req) {
			due = append(due, sp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	out := make([]*model.ScheduledPost, 0, len(due))
	for _, sp := range due {
		claimedAt := req.Now
		sp.ClaimToken = req.Token
		sp.ClaimedAt = &claimedAt
		sp.UpdatedAt = req.Now
		out = append(out, r.s.copyScheduledPost(sp))
	}
	return out, nil
}

// RenewClaim は有効なクレームのclaimed_atをnowに更新する。
func (r *ScheduledPosts) RenewClaim(_ context.Context, id, token string, now, leaseCutoff time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sp, ok := r.s.scheduledPosts[id]
	if !ok || sp.ClaimToken != token || sp.Status != model.StatusPending || !sp.IsClaimed(leaseCutoff) {
		return model.ErrClaimLost
	}
	claimedAt := now
	sp.ClaimedAt = &claimedAt
	sp.UpdatedAt = now
	return nil
}

// Complete はクレーム中の予約投稿に状態遷移を適用する。
func (r *ScheduledPosts) Complete(_ context.Context, id, token string, t model.Transition, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sp, ok := r.s.scheduledPosts[id]
	if !ok || sp.ClaimToken != token || sp.Status != model.StatusPending {
		return model.ErrClaimLost
	}
	sp.Apply(t, now)
	return nil
}

// DeletePending は未クレームのpending予約投稿を削除する。
func (r *ScheduledPosts) DeletePending(_ context.Context, accountID, id string, leaseCutoff time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sp, ok := r.s.scheduledPosts[id]
	if !ok || sp.AccountID != accountID {
		return model.ErrNotFound
	}
	if sp.Status != model.StatusPending {
		return model.ErrNotPending
	}
	if sp.IsClaimed(leaseCutoff) {
		return model.ErrInFlight
	}
	delete(r.s.scheduledPosts, id)
	return nil
}

// ReleaseStaleClaims はleaseCutoffより古いクレームを解放する。
func (r *ScheduledPosts) ReleaseStaleClaims(_ context.Context, leaseCutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, sp := range r.s.scheduledPosts {
		if sp.Status == model.StatusPending && sp.ClaimToken != "" && !sp.IsClaimed(leaseCutoff) {
			sp.ClaimToken = ""
			sp.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// ListFailures は失敗した予約投稿を新しい順に返す。
func (r *ScheduledPosts) ListFailures(_ context.Context, limit int) ([]*model.ScheduledPost, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.ScheduledPost
	for _, sp := range r.s.scheduledPosts {
		if sp.Status == model.StatusFailed {
			out = append(out, r.s.copyScheduledPost(sp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats は状態別件数を返す。
func (r *ScheduledPosts) Stats(_ context.Context, now, leaseCutoff time.Time) (*model.DispatchStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &model.DispatchStats{}
	for _, sp := range r.s.scheduledPosts {
		switch sp.Status {
		case model.StatusPending:
			stats.Pending++
			if sp.IsDue(now) {
				stats.Due++
			}
			if sp.IsClaimed(leaseCutoff) {
				stats.InFlight++
			}
		case model.StatusPosted:
			stats.Posted++
		case model.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// ListPostedForMetrics はメトリクスの更新が必要な投稿済み予約投稿を返す。
func (r *ScheduledPosts) ListPostedForMetrics(_ context.Context, staleBefore, postedAfter time.Time, limit int) ([]*model.ScheduledPost, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.ScheduledPost
	for _, sp := range r.s.scheduledPosts {
		if sp.Status != model.StatusPosted || sp.ExternalID == "" || sp.PostedAt == nil || sp.PostedAt.Before(postedAfter) {
			continue
		}
		if sp.MetricsFetchedAt != nil && !sp.MetricsFetchedAt.Before(staleBefore) {
			continue
		}
		out = append(out, r.s.copyScheduledPost(sp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(*out[j].PostedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMetrics は投稿済み予約投稿のエンゲージメントを更新する。
func (r *ScheduledPosts) UpdateMetrics(_ context.Context, id string, metrics model.EngagementMetrics, fetchedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sp, ok := r.s.scheduledPosts[id]
	if !ok || sp.Status != model.StatusPosted {
		return nil
	}
	m := metrics
	f := fetchedAt
	sp.Metrics = &m
	sp.MetricsFetchedAt = &f
	return nil
}

var (
	_ repository.AccountRepository       = (*Accounts)(nil)
	_ repository.CredentialRepository    = (*Credentials)(nil)
	_ repository.PostRepository          = (*Posts)(nil)
	_ repository.ScheduledPostRepository = (*ScheduledPosts)(nil)
)
