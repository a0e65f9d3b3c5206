// Package cleanup は同期実行記録の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したsync_runsを日次バッチで削除する。
// 公告そのものは削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は同期実行記録の既定の保持日数。
const DefaultRetentionDays = 30

// SyncRunPruner は古い同期実行記録を削除するストア。
type SyncRunPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した同期実行記録の自動削除ジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	store         SyncRunPruner
	logger        *slog.Logger
	RetentionDays int

	now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。
func NewCleanupJob(store SyncRunPruner, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		store:         store,
		logger:        logger,
		RetentionDays: retentionDays,
		now:           time.Now,
	}
}

// Run は開始時刻がRetentionDays日より前の同期実行記録を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("同期記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("同期記録クリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("同期記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後interval毎にRunを実行する。
// コンテキストがキャンセルされるまでブロックする。実行エラーはログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
