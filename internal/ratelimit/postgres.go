package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/postpilot/internal/clock"
)

// PostgresWindow はpublish_attemptsテーブルで試行ログを共有するLimiterの実装。
// REDIS_URL未設定でも、同じDBを使うAPIサーバー、ワーカー、単発コマンドの間で上限を共有する。
// アカウントごとのアドバイザリロックで判定と記録を直列化する。
type PostgresWindow struct {
	db     *sql.DB
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// NewPostgresWindow はPostgresWindowを生成する。
func NewPostgresWindow(db *sql.DB, config Config, clk clock.Clock, logger *slog.Logger) *PostgresWindow {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PostgresWindow{db: db, config: config, clock: clk, logger: logger}
}

// TryAcquire はウィンドウ内の試行数が上限未満であれば試行を記録してtrueを返す。
// DBへのアクセスに失敗した場合は許可しない。
func (p *PostgresWindow) TryAcquire(ctx context.Context, accountID string) bool {
	if p.config.Ceiling <= 0 {
		return false
	}

	admitted, err := p.tryAcquire(ctx, accountID)
	if err != nil {
		p.logger.Error("レート制限の判定に失敗しました",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return admitted
}

func (p *PostgresWindow) tryAcquire(ctx context.Context, accountID string) (bool, error) {
	now := p.clock.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		"publish_attempts:"+accountID,
	); err != nil {
		return false, fmt.Errorf("ロックの取得に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM publish_attempts WHERE account_id = $1 AND attempted_at <= $2`,
		accountID, now.Add(-p.config.Window),
	); err != nil {
		return false, fmt.Errorf("ウィンドウ外の試行の削除に失敗しました: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO publish_attempts (account_id, attempted_at)
		 SELECT $1, $2
		 WHERE (SELECT count(*) FROM publish_attempts WHERE account_id = $1) < $3`,
		accountID, now, p.config.Ceiling,
	)
	if err != nil {
		return false, fmt.Errorf("試行の記録に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return affected == 1, nil
}

// Prune は全アカウントのウィンドウ外の試行を削除し、削除件数を返す。
// TryAcquireは対象アカウントの行しか削除しないため、試行の止まったアカウントの行はここで消える。
func (p *PostgresWindow) Prune(ctx context.Context) (int64, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM publish_attempts WHERE attempted_at <= $1`,
		p.clock.Now().Add(-p.config.Window),
	)
	if err != nil {
		return 0, fmt.Errorf("試行ログの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

var _ Limiter = (*PostgresWindow)(nil)
