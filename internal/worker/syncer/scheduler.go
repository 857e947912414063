// Package syncer はアクティビティキャッシュのバックグラウンド同期を提供する。
// 連携済みの全アスリートを一定間隔で巡回し、キャッシュを温めておくことで
// インタラクティブなリクエストでのバックフィル発生を減らす。
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AthleteLister は同期対象のアスリートIDを列挙するインターフェース。
type AthleteLister interface {
	// ListAthleteIDs は連携済みの全アスリートIDを返す。
	ListAthleteIDs(ctx context.Context) ([]int64, error)
}

// ActivitySyncer はアスリート1人分のアクティビティ同期の実行インターフェース。
type ActivitySyncer interface {
	// Sync はプロバイダーからアクティビティを取得しキャッシュを更新する。
	Sync(ctx context.Context, athleteID int64) error
}

// Scheduler はアクティビティ同期のスケジューリングと並列制御を行う。
// ティッカーで同期対象アスリートを取得し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
type Scheduler struct {
	links          AthleteLister
	syncer         ActivitySyncer
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
// プロバイダーのレート制限を共有するため、並列数は控えめに保つ。
func NewScheduler(
	links AthleteLister,
	syncer ActivitySyncer,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Scheduler{
		links:          links,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期対象アスリートを1回取得し、並列で同期を実行する。
// semaphoreパターンで最大並列数を制御する。
// 個別アスリートの失敗はログのみ記録し、サイクル全体は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	athleteIDs, err := s.links.ListAthleteIDs(ctx)
	if err != nil {
		return err
	}

	if len(athleteIDs) == 0 {
		s.logger.Info("同期対象のアスリートはいません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("athlete_count", len(athleteIDs)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	failed := 0

	for _, athleteID := range athleteIDs {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.syncer.Sync(ctx, id); err != nil {
				s.logger.Error("アクティビティ同期に失敗しました",
					slog.Int64("athlete_id", id),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(athleteID)
	}

	wg.Wait()

	s.logger.Info("同期サイクルが完了しました",
		slog.Int("athlete_count", len(athleteIDs)),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
