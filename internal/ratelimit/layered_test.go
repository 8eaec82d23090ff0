package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
)

// countingLimiter は呼び出し回数を数え、allow回までは許可するLimiter。
type countingLimiter struct {
	calls atomic.Int32
	allow int32
}

func (c *countingLimiter) TryAcquire(context.Context, string) bool {
	return c.calls.Add(1) <= c.allow
}

func TestLayered_SharedDecidesAdmission(t *testing.T) {
	clk := clock.NewFake(start)
	local := NewSlidingWindow(Config{Window: 15 * time.Minute, Ceiling: 5}, clk)
	shared := &countingLimiter{allow: 2}
	l := NewLayered(local, shared)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		if l.TryAcquire(ctx, "acc-1") {
			admitted++
		}
	}

	if admitted != 2 {
		t.Errorf("共有側が拒否した試行は許可されないべき: admitted = %d", admitted)
	}
	if got := local.Count("acc-1"); got != 2 {
		t.Errorf("許可された試行だけがローカルに記録されるべき: Count = %d", got)
	}
}

func TestLayered_LocalCeilingSkipsShared(t *testing.T) {
	clk := clock.NewFake(start)
	local := NewSlidingWindow(Config{Window: 15 * time.Minute, Ceiling: 2}, clk)
	shared := &countingLimiter{allow: 100}
	l := NewLayered(local, shared)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.TryAcquire(ctx, "acc-1")
	}

	if got := shared.calls.Load(); got != 2 {
		t.Errorf("ローカルで上限に達した後は共有側に問い合わせないべき: calls = %d", got)
	}

	clk.Advance(15 * time.Minute)
	if !l.TryAcquire(ctx, "acc-1") {
		t.Error("ウィンドウが過ぎれば再び共有側で判定されるべき")
	}
}

func TestLayered_TwoProcessesShareRedisCeiling(t *testing.T) {
	clk := clock.NewFake(start)
	cfg := Config{Window: 15 * time.Minute, Ceiling: 10}
	shared, _, _ := newTestRedisWindow(t, cfg, clk)
	ctx := context.Background()

	a := NewLayered(NewSlidingWindow(cfg, clk), shared)
	b := NewLayered(NewSlidingWindow(cfg, clk), shared)

	admitted := 0
	for i := 0; i < 10; i++ {
		if a.TryAcquire(ctx, "acc-1") {
			admitted++
		}
		if b.TryAcquire(ctx, "acc-1") {
			admitted++
		}
	}

	if admitted != 10 {
		t.Errorf("2つのプロセスの合計が上限以下であるべき: admitted = %d", admitted)
	}
}
