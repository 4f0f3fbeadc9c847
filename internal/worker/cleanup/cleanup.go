// Package cleanup は期限切れのワンタイムトークンとハンドオフチケットの定期削除ジョブを提供する。
// 期限の判定は消費時に行われるため、このジョブは行の蓄積を防ぐだけで正しさには影響しない。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultTokenRetention はワンタイムトークンの保持期間の既定値。
	DefaultTokenRetention = 24 * time.Hour
	// DefaultTicketRetention はハンドオフチケットの保持期間の既定値。
	DefaultTicketRetention = time.Hour
	// DefaultInterval はジョブの実行間隔の既定値。
	DefaultInterval = time.Hour
)

// Purger は保持期間を超過した行を削除するインターフェース。
// repository.TokenRepository と repository.HandoffRepository が満たす。
type Purger interface {
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// Target は削除対象のテーブルと保持期間。
type Target struct {
	Name      string
	Purger    Purger
	Retention time.Duration
}

// CleanupJob は期限切れ行の削除ジョブ。
// 冪等な削除処理のみを行うため、複数のワーカーで同時に実行しても問題ない。
type CleanupJob struct {
	targets []Target
	logger  *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(logger *slog.Logger, targets ...Target) *CleanupJob {
	return &CleanupJob{
		targets: targets,
		logger:  logger,
	}
}

// Run は全ての対象について期限切れ行を削除する。
// ある対象の削除に失敗しても残りの対象は処理し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	var total int64
	for _, target := range j.targets {
		deleted, err := target.Purger.DeleteExpired(ctx, target.Retention)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("target", target.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s のクリーンアップに失敗: %w", target.Name, err))
			continue
		}
		total += deleted
		j.logger.Info("期限切れの行を削除しました",
			slog.String("target", target.Name),
			slog.Int64("deleted_count", deleted),
			slog.Duration("retention", target.Retention),
		)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return errors.Join(errs...)
}

// Start は起動直後に1回実行し、その後 interval ごとに Run を実行する。
// ctx がキャンセルされると戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	j.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *CleanupJob) runOnce(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
