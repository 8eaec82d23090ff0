package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
)

// PostgresScheduledPostRepo はPostgreSQLを使用した予約投稿リポジトリ。
//
// statusの更新はClaimDueとCompleteの条件付きUPDATEのみで行う。
// 同じ予約投稿を2つのワーカーが同時に配信しないことは、この2つの操作の原子性で保証する。
type PostgresScheduledPostRepo struct {
	db *sql.DB
}

// NewPostgresScheduledPostRepo はPostgresScheduledPostRepoを生成する。
func NewPostgresScheduledPostRepo(db *sql.DB) *PostgresScheduledPostRepo {
	return &PostgresScheduledPostRepo{db: db}
}

const scheduledPostColumns = `sp.id, sp.account_id, sp.post_id, p.content, sp.scheduled_for, sp.status,
		        sp.external_id, sp.posted_at, sp.last_error, sp.attempt_count,
		        sp.claim_token, sp.claimed_at, sp.next_attempt_at,
		        sp.metrics, sp.metrics_fetched_at, sp.created_at, sp.updated_at`

func scanScheduledPost(s scanner) (*model.ScheduledPost, error) {
	sp := &model.ScheduledPost{}
	var status string
	var externalID, lastError, claimToken sql.NullString
	var postedAt, claimedAt, nextAttemptAt, metricsFetchedAt sql.NullTime
	var metrics []byte

	if err := s.Scan(
		&sp.ID, &sp.AccountID, &sp.PostID, &sp.Content, &sp.ScheduledFor, &status,
		&externalID, &postedAt, &lastError, &sp.AttemptCount,
		&claimToken, &claimedAt, &nextAttemptAt,
		&metrics, &metricsFetchedAt, &sp.CreatedAt, &sp.UpdatedAt,
	); err != nil {
		return nil, err
	}

	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	sp.Status = st
	sp.ExternalID = nullStringValue(externalID)
	sp.LastError = nullStringValue(lastError)
	sp.ClaimToken = nullStringValue(claimToken)
	sp.PostedAt = nullTimePtr(postedAt)
	sp.ClaimedAt = nullTimePtr(claimedAt)
	sp.NextAttemptAt = nullTimePtr(nextAttemptAt)
	sp.MetricsFetchedAt = nullTimePtr(metricsFetchedAt)

	if len(metrics) > 0 {
		sp.Metrics = &model.EngagementMetrics{}
		if err := json.Unmarshal(metrics, sp.Metrics); err != nil {
			return nil, fmt.Errorf("メトリクスの解析に失敗しました: %w", err)
		}
	}
	return sp, nil
}

func (r *PostgresScheduledPostRepo) queryList(ctx context.Context, query string, args ...any) ([]*model.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*model.ScheduledPost
	for rows.Next() {
		sp, err := scanScheduledPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, sp)
	}
	return posts, rows.Err()
}

// Create は予約投稿を作成する。
func (r *PostgresScheduledPostRepo) Create(ctx context.Context, sp *model.ScheduledPost) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_posts (id, account_id, post_id, scheduled_for, status,
		                              attempt_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sp.ID, sp.AccountID, sp.PostID, sp.ScheduledFor, string(model.StatusPending),
		0, sp.CreatedAt, sp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("予約投稿の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID はアカウントが所有する予約投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresScheduledPostRepo) FindByID(ctx context.Context, accountID, id string) (*model.ScheduledPost, error) {
	sp, err := scanScheduledPost(r.db.QueryRowContext(ctx,
		`SELECT `+scheduledPostColumns+`
		 FROM scheduled_posts sp
		 INNER JOIN posts p ON p.id = sp.post_id
		 WHERE sp.id = $1 AND sp.account_id = $2`,
		id, accountID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約投稿の取得に失敗しました: %w", err)
	}
	return sp, nil
}

// ListByAccount はアカウントの予約投稿を予約日時の新しい順に取得する。
func (r *PostgresScheduledPostRepo) ListByAccount(ctx context.Context, accountID string, status *model.PostStatus) ([]*model.ScheduledPost, error) {
	var statusArg sql.NullString
	if status != nil {
		statusArg = nullString(string(*status))
	}

	posts, err := r.queryList(ctx,
		`SELECT `+scheduledPostColumns+`
		 FROM scheduled_posts sp
		 INNER JOIN posts p ON p.id = sp.post_id
		 WHERE sp.account_id = $1 AND ($2::text IS NULL OR sp.status = $2)
		 ORDER BY sp.scheduled_for DESC`,
		accountID, statusArg,
	)
	if err != nil {
		return nil, fmt.Errorf("予約投稿一覧の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// LastScheduledFor はアカウントの予約投稿で最も遅い予約日時を返す。
func (r *PostgresScheduledPostRepo) LastScheduledFor(ctx context.Context, accountID string) (time.Time, bool, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(scheduled_for) FROM scheduled_posts WHERE account_id = $1`,
		accountID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("最終予約日時の取得に失敗しました: %w", err)
	}
	return last.Time, last.Valid, nil
}

// ClaimDue は配信対象の予約投稿を単一の条件付き更新でクレームして返す。
// 対象はpendingかつ予約日時とリトライ待ち時刻を過ぎ、未クレームまたはクレームが期限切れの行。
// FOR UPDATE SKIP LOCKEDにより、並行するクレームは互いに異なる行を取得する。
func (r *PostgresScheduledPostRepo) ClaimDue(ctx context.Context, req ClaimRequest) ([]*model.ScheduledPost, error) {
	posts, err := r.queryList(ctx,
		`WITH claimed AS (
		    UPDATE scheduled_posts
		    SET claim_token = $1, claimed_at = $2, updated_at = $2
		    WHERE id IN (
		        SELECT id FROM scheduled_posts
		        WHERE status = 'pending'
		          AND scheduled_for <= $2
		          AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		          AND (claim_token IS NULL OR claimed_at < $3)
		        ORDER BY scheduled_for
		        LIMIT $4
		        FOR UPDATE SKIP LOCKED
		    )
		    AND status = 'pending'
		    RETURNING *
		 )
		 SELECT `+scheduledPostColumns+`
		 FROM claimed sp
		 INNER JOIN posts p ON p.id = sp.post_id`,
		req.Token, req.Now, req.LeaseCutoff, req.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象のクレームに失敗しました: %w", err)
	}
	return posts, nil
}

// RenewClaim は有効なクレームのclaimed_atをnowに更新する。
// リース切れで別のワーカーが再クレームした行は、トークンが一致しないため更新されない。
func (r *PostgresScheduledPostRepo) RenewClaim(ctx context.Context, id, token string, now, leaseCutoff time.Time) error {
	err := execExpectOneRow(ctx, r.db,
		`UPDATE scheduled_posts SET claimed_at = $3, updated_at = $3
		 WHERE id = $1 AND claim_token = $2 AND status = 'pending' AND claimed_at >= $4`,
		id, token, now, leaseCutoff,
	)
	if err == model.ErrNotFound {
		return model.ErrClaimLost
	}
	if err != nil {
		return fmt.Errorf("クレームの更新に失敗しました: %w", err)
	}
	return nil
}

// Complete はクレーム中の予約投稿に状態遷移を適用し、クレームを解放する。
func (r *PostgresScheduledPostRepo) Complete(ctx context.Context, id, token string, t model.Transition, now time.Time) error {
	err := execExpectOneRow(ctx, r.db,
		`UPDATE scheduled_posts SET
		    status = $3, attempt_count = $4, external_id = $5, posted_at = $6,
		    last_error = $7, next_attempt_at = $8,
		    claim_token = NULL, claimed_at = NULL, updated_at = $9
		 WHERE id = $1 AND claim_token = $2 AND status = 'pending'`,
		id, token, string(t.Status), t.AttemptCount,
		nullString(t.ExternalID), nullTime(t.PostedAt),
		nullString(t.LastError), nullTime(t.NextAttemptAt), now,
	)
	if err == model.ErrNotFound {
		return model.ErrClaimLost
	}
	if err != nil {
		return fmt.Errorf("予約投稿の状態更新に失敗しました: %w", err)
	}
	return nil
}

// DeletePending は未クレームのpending予約投稿を削除する。
func (r *PostgresScheduledPostRepo) DeletePending(ctx context.Context, accountID, id string, leaseCutoff time.Time) error {
	err := execExpectOneRow(ctx, r.db,
		`DELETE FROM scheduled_posts
		 WHERE id = $1 AND account_id = $2 AND status = 'pending'
		   AND (claim_token IS NULL OR claimed_at < $3)`,
		id, accountID, leaseCutoff,
	)
	if err == nil {
		return nil
	}
	if err != model.ErrNotFound {
		return fmt.Errorf("予約投稿の削除に失敗しました: %w", err)
	}

	// 削除できなかった理由を判定する
	var status string
	var claimToken sql.NullString
	err = r.db.QueryRowContext(ctx,
		`SELECT status, claim_token FROM scheduled_posts WHERE id = $1 AND account_id = $2`,
		id, accountID,
	).Scan(&status, &claimToken)
	if err == sql.ErrNoRows {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("予約投稿の状態確認に失敗しました: %w", err)
	}
	if status != string(model.StatusPending) {
		return model.ErrNotPending
	}
	return model.ErrInFlight
}

// ReleaseStaleClaims はleaseCutoffより古いクレームを解放し、解放件数を返す。
func (r *PostgresScheduledPostRepo) ReleaseStaleClaims(ctx context.Context, leaseCutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET claim_token = NULL, claimed_at = NULL, updated_at = now()
		 WHERE status = 'pending' AND claim_token IS NOT NULL AND claimed_at < $1`,
		leaseCutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れクレームの解放に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// ListFailures は失敗した予約投稿を新しい順に取得する。
func (r *PostgresScheduledPostRepo) ListFailures(ctx context.Context, limit int) ([]*model.ScheduledPost, error) {
	posts, err := r.queryList(ctx,
		`SELECT `+scheduledPostColumns+`
		 FROM scheduled_posts sp
		 INNER JOIN posts p ON p.id = sp.post_id
		 WHERE sp.status = 'failed'
		 ORDER BY sp.updated_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("失敗した予約投稿の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// Stats は状態別件数を返す。
func (r *PostgresScheduledPostRepo) Stats(ctx context.Context, now, leaseCutoff time.Time) (*model.DispatchStats, error) {
	stats := &model.DispatchStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_for <= $1),
		    COUNT(*) FILTER (WHERE status = 'pending' AND claim_token IS NOT NULL AND claimed_at >= $2),
		    COUNT(*) FILTER (WHERE status = 'posted'),
		    COUNT(*) FILTER (WHERE status = 'failed')
		 FROM scheduled_posts`,
		now, leaseCutoff,
	).Scan(&stats.Pending, &stats.Due, &stats.InFlight, &stats.Posted, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("予約投稿の集計に失敗しました: %w", err)
	}
	return stats, nil
}

// ListPostedForMetrics はメトリクスの更新が必要な投稿済み予約投稿を取得する。
func (r *PostgresScheduledPostRepo) ListPostedForMetrics(ctx context.Context, staleBefore, postedAfter time.Time, limit int) ([]*model.ScheduledPost, error) {
	posts, err := r.queryList(ctx,
		`SELECT `+scheduledPostColumns+`
		 FROM scheduled_posts sp
		 INNER JOIN posts p ON p.id = sp.post_id
		 WHERE sp.status = 'posted' AND sp.external_id IS NOT NULL
		   AND sp.posted_at >= $2
		   AND (sp.metrics_fetched_at IS NULL OR sp.metrics_fetched_at < $1)
		 ORDER BY sp.metrics_fetched_at NULLS FIRST, sp.posted_at DESC
		 LIMIT $3`,
		staleBefore, postedAfter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("メトリクス更新対象の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// UpdateMetrics は投稿済み予約投稿のエンゲージメントを更新する。
func (r *PostgresScheduledPostRepo) UpdateMetrics(ctx context.Context, id string, metrics model.EngagementMetrics, fetchedAt time.Time) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("メトリクスのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET metrics = $2, metrics_fetched_at = $3
		 WHERE id = $1 AND status = 'posted'`,
		id, data, fetchedAt,
	)
	if err != nil {
		return fmt.Errorf("メトリクスの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ScheduledPostRepository = (*PostgresScheduledPostRepo)(nil)
