package ratelimit

import "context"

// Layered はプロセス内のSlidingWindowを共有Limiterの前段に置く。
// このプロセスだけで上限に達しているアカウントは共有ストアに問い合わせずに拒否する。
// 許可はsharedが判定するため、上限はプロセス間で共有される。
type Layered struct {
	local  *SlidingWindow
	shared Limiter
}

// NewLayered はLayeredを生成する。
func NewLayered(local *SlidingWindow, shared Limiter) *Layered {
	return &Layered{local: local, shared: shared}
}

// TryAcquire はsharedが許可した試行をlocalにも記録してtrueを返す。
func (l *Layered) TryAcquire(ctx context.Context, accountID string) bool {
	if l.local.Count(accountID) >= l.local.config.Ceiling {
		return false
	}
	if !l.shared.TryAcquire(ctx, accountID) {
		return false
	}
	l.local.TryAcquire(ctx, accountID)
	return true
}

var _ Limiter = (*Layered)(nil)
