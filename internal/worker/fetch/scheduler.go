// Package fetch はフィードの取得処理と定期実行を提供する。
// フェッチャー、HTTPソース、ステータス分類、スケジューラを含む。
package fetch

import (
	"context"
	"log/slog"
	"time"
)

// Updater は全購読の更新サイクルを1回実行するインターフェース。
type Updater interface {
	UpdateAll(ctx context.Context) error
}

// Scheduler は一定間隔で全購読の更新サイクルを実行する。
type Scheduler struct {
	updater Updater
	logger  *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(updater Updater, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		updater: updater,
		logger:  logger,
	}
}

// Start は起動直後に1回、その後intervalごとに更新サイクルを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("更新スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("更新スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は更新サイクルを1回実行する。エラーはログに記録して継続する。
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := s.updater.UpdateAll(ctx); err != nil {
		s.logger.Error("更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("更新サイクルが完了しました",
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
