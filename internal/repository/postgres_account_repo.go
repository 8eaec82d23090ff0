package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/postpilot/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, handle, autopilot_enabled, posts_per_day, preferred_model,
		        voice_profile, detected_niche, created_at, updated_at`

// scanner はsql.Rowとsql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*model.Account, error) {
	a := &model.Account{}
	var preferredModel string
	var profile []byte
	var detectedNiche sql.NullString
	if err := s.Scan(
		&a.ID, &a.Handle, &a.AutopilotEnabled, &a.PostsPerDay, &preferredModel,
		&profile, &detectedNiche, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	aiModel, err := model.ParseAIModel(preferredModel)
	if err != nil {
		return nil, err
	}
	a.PreferredModel = aiModel
	a.DetectedNiche = nullStringValue(detectedNiche)

	if len(profile) > 0 {
		a.VoiceProfile = &model.VoiceProfile{}
		if err := json.Unmarshal(profile, a.VoiceProfile); err != nil {
			return nil, fmt.Errorf("ボイスプロファイルの解析に失敗しました: %w", err)
		}
	}
	return a, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// ListAutopilotEnabled はオートパイロットが有効なアカウントを取得する。
func (r *PostgresAccountRepo) ListAutopilotEnabled(ctx context.Context) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE autopilot_enabled ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("オートパイロット対象アカウントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("アカウントのスキャンに失敗しました: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アカウントの走査に失敗しました: %w", err)
	}
	return accounts, nil
}

// UpdateAutopilot はオートパイロット設定を更新する。
func (r *PostgresAccountRepo) UpdateAutopilot(ctx context.Context, id string, enabled bool, postsPerDay int, aiModel model.AIModel) error {
	err := execExpectOneRow(ctx, r.db,
		`UPDATE accounts SET autopilot_enabled = $2, posts_per_day = $3, preferred_model = $4, updated_at = now()
		 WHERE id = $1`,
		id, enabled, postsPerDay, string(aiModel),
	)
	if err == model.ErrNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("オートパイロット設定の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateVoiceProfile はボイスプロファイルを更新する。
func (r *PostgresAccountRepo) UpdateVoiceProfile(ctx context.Context, id string, profile *model.VoiceProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("ボイスプロファイルのエンコードに失敗しました: %w", err)
	}

	err = execExpectOneRow(ctx, r.db,
		`UPDATE accounts SET voice_profile = $2, updated_at = now() WHERE id = $1`,
		id, data,
	)
	if err == model.ErrNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("ボイスプロファイルの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateVoiceAnalysis はボイスプロファイルと検出済みニッチを1回の更新で書き込む。
func (r *PostgresAccountRepo) UpdateVoiceAnalysis(ctx context.Context, id string, profile *model.VoiceProfile, detectedNiche string) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("ボイスプロファイルのエンコードに失敗しました: %w", err)
	}

	err = execExpectOneRow(ctx, r.db,
		`UPDATE accounts SET voice_profile = $2, detected_niche = $3, updated_at = now() WHERE id = $1`,
		id, data, nullString(detectedNiche),
	)
	if err == model.ErrNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("文体分析結果の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
