package ratelimit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/postpilot/internal/clock"
)

// slidingWindowScript はウィンドウ外の試行削除、件数確認、追加を原子的に行う。
// KEYS[1]: ソート済みセットのキー
// ARGV: 現在時刻(ms), ウィンドウ長(ms), 上限, メンバーID
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= ceiling then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisWindow は複数インスタンスで共有するLimiterの実装。
// アカウントごとにRedisのソート済みセットへ試行時刻を記録する。
type RedisWindow struct {
	client redis.Scripter
	config Config
	clock  clock.Clock
	logger *slog.Logger
	prefix string
}

// NewRedisWindow はRedisWindowを生成する。
func NewRedisWindow(client redis.Scripter, config Config, clk clock.Clock, logger *slog.Logger) *RedisWindow {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisWindow{
		client: client,
		config: config,
		clock:  clk,
		logger: logger,
		prefix: "ratelimit",
	}
}

// Key はアカウントのソート済みセットのキーを返す。
func (r *RedisWindow) Key(accountID string) string {
	return fmt.Sprintf("%s:{%s}:publish", r.prefix, accountID)
}

// TryAcquire はウィンドウ内の試行数が上限未満であれば試行を記録してtrueを返す。
// Redisへのアクセスに失敗した場合は許可しない。拒否は次回スキャンへの延期になるだけである。
func (r *RedisWindow) TryAcquire(ctx context.Context, accountID string) bool {
	if r.config.Ceiling <= 0 {
		return false
	}

	now := r.clock.Now().UnixMilli()
	admitted, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.Key(accountID)},
		now, r.config.Window.Milliseconds(), r.config.Ceiling, uuid.NewString(),
	).Int()
	if err != nil {
		r.logger.Error("レート制限の判定に失敗しました",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return false
	}

	return admitted == 1
}

var _ Limiter = (*RedisWindow)(nil)
