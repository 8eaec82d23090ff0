package autopilot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// scheduleParser は標準の5フィールド形式と@hourlyなどの記述子を受け付ける。
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule はcron式を検証する。
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("無効なcron式です %q: %w", expr, err)
	}
	return nil
}

// cronLogger はcron.Loggerをslogに接続する。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err.Error())...)
}

// Start はcfg.Scheduleに従ってオートパイロットサイクルを起動する。
// 前回のサイクルが終わっていない場合はそのサイクルを飛ばす。
// コンテキストがキャンセルされるまでブロックし、実行中のサイクルの終了を待って返る。
func (o *Orchestrator) Start(ctx context.Context) error {
	logger := cronLogger{logger: o.logger}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(o.cfg.Schedule, func() { o.runAndLog(ctx) }); err != nil {
		return fmt.Errorf("オートパイロットのスケジュール登録に失敗しました: %w", err)
	}

	c.Start()
	o.logger.Info("オートパイロットスケジューラを開始しました",
		slog.String("schedule", o.cfg.Schedule),
		slog.Int("max_concurrency", o.cfg.MaxConcurrency),
	)

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	o.logger.Info("オートパイロットスケジューラを停止しました")
	return nil
}

func (o *Orchestrator) runAndLog(ctx context.Context) {
	if _, err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("オートパイロットサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
