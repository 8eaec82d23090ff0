package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/postpilot/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

const postColumns = `id, account_id, content, source_id, source_author, source_engagement,
		        ai_model, parent_id, version, created_at`

func scanPost(s scanner) (*model.Post, error) {
	p := &model.Post{}
	var sourceID, sourceAuthor, aiModel, parentID sql.NullString
	if err := s.Scan(
		&p.ID, &p.AccountID, &p.Content, &sourceID, &sourceAuthor, &p.SourceEngagement,
		&aiModel, &parentID, &p.Version, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.SourceID = nullStringValue(sourceID)
	p.SourceAuthor = nullStringValue(sourceAuthor)
	p.AIModel = nullStringValue(aiModel)
	p.ParentID = nullStringValue(parentID)
	return p, nil
}

// Create は投稿を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, account_id, content, source_id, source_author, source_engagement,
		                    ai_model, parent_id, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		post.ID, post.AccountID, post.Content,
		nullString(post.SourceID), nullString(post.SourceAuthor), post.SourceEngagement,
		nullString(post.AIModel), nullString(post.ParentID), post.Version, post.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID はアカウントが所有する投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, accountID, id string) (*model.Post, error) {
	p, err := scanPost(r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1 AND account_id = $2`,
		id, accountID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return p, nil
}

// ListByAccount はアカウントの投稿を新しい順に取得する。
func (r *PostgresPostRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("投稿のスキャンに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// UsedSourceIDs はsourceIDsのうちアカウントの投稿ですでに使われているものを返す。
func (r *PostgresPostRepo) UsedSourceIDs(ctx context.Context, accountID string, sourceIDs []string) (map[string]bool, error) {
	used := make(map[string]bool)
	if len(sourceIDs) == 0 {
		return used, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT source_id FROM posts
		 WHERE account_id = $1 AND source_id = ANY($2)`,
		accountID, pq.Array(sourceIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("使用済みソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("使用済みソースのスキャンに失敗しました: %w", err)
		}
		used[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("使用済みソースの走査に失敗しました: %w", err)
	}
	return used, nil
}

// Delete は予約投稿から参照されていない投稿を削除する。
func (r *PostgresPostRepo) Delete(ctx context.Context, accountID, id string) error {
	err := execExpectOneRow(ctx, r.db,
		`DELETE FROM posts p
		 WHERE p.id = $1 AND p.account_id = $2
		   AND NOT EXISTS (SELECT 1 FROM scheduled_posts sp WHERE sp.post_id = p.id)`,
		id, accountID,
	)
	if err == nil {
		return nil
	}
	if err != model.ErrNotFound {
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1 AND account_id = $2)`,
		id, accountID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("投稿の存在確認に失敗しました: %w", err)
	}
	if exists {
		return model.ErrPostInUse
	}
	return model.ErrNotFound
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
