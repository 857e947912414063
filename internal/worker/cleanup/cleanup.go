// Package cleanup はログイントークンの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した消費済み・期限切れトークンを
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TokenDeleter は保持期間超過トークンの削除インターフェース。
type TokenDeleter interface {
	// DeleteOlderThan は作成からretention日を超過したトークンを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// CleanupJob は保持期間を超過したログイントークンの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	tokens        TokenDeleter
	logger        *slog.Logger
	RetentionDays int // トークンの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(tokens TokenDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		tokens:        tokens,
		logger:        logger,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過したログイントークンを削除する。
// トークンは消費済みか否かにかかわらず、作成からRetentionDays日を超えたものが対象。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.tokens.DeleteOlderThan(ctx, j.RetentionDays)
	if err != nil {
		j.logger.Error("トークンクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("トークンクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("トークンクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
