// Package activity はアクティビティキャッシュの読み書きと
// プロバイダーからの補充（バックフィル）を提供する。
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/security"
	"github.com/hitoshi/stridesync/internal/strava"
)

const (
	// defaultPerPage はページサイズの既定値。
	defaultPerPage = 30
	// maxPerPage はページサイズの上限。
	maxPerPage = 100
	// maxExportIDs は1回のエクスポートで指定できるアクティビティ数の上限。
	maxExportIDs = 50
	// backfillPageSize はバックフィル時にプロバイダーへ要求するページサイズ。
	backfillPageSize = 100
	// maxBackfillPages はバックフィル1回あたりの取得ページ数の上限。
	maxBackfillPages = 5
)

// TokenSource は有効なアクセストークンの取得インターフェース。
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, athleteID int64) (string, error)
}

// ActivityFetcher はプロバイダーからのアクティビティ取得インターフェース。
type ActivityFetcher interface {
	ListActivities(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error)
	GetActivity(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error)
}

// Service はアクティビティの一覧取得とエクスポート用取得を提供する。
// 読み取りはキャッシュ優先で、鮮度切れ（既定1時間）または空振り時のみ
// プロバイダーへバックフィルする。
type Service struct {
	repo      repository.ActivityRepository
	tokens    TokenSource
	fetcher   ActivityFetcher
	sanitizer security.ContentSanitizerService
	metrics   metrics.MetricsCollector
	freshness time.Duration
}

// NewService はServiceを生成する。
func NewService(
	repo repository.ActivityRepository,
	tokens TokenSource,
	fetcher ActivityFetcher,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	freshness time.Duration,
) *Service {
	if freshness <= 0 {
		freshness = time.Hour
	}
	return &Service{
		repo:      repo,
		tokens:    tokens,
		fetcher:   fetcher,
		sanitizer: sanitizer,
		metrics:   collector,
		freshness: freshness,
	}
}

// ListActivities は指定アスリートのアクティビティ一覧を正規化して返す。
// athlete_idによる絞り込みがデータ分離の境界であり、
// 他アスリートの行が結果に混ざることはない。
// キャッシュが古い・空の場合はバックフィルしてから読み直す。
// バックフィルに失敗してもキャッシュに行があれば古いデータを返す。
func (s *Service) ListActivities(ctx context.Context, athleteID int64, since, until *time.Time, page, perPage int) ([]*model.ActivitySummary, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	offset := (page - 1) * perPage

	last, err := s.repo.LastUpdatedAt(ctx, athleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache freshness: %w", err)
	}

	rows, err := s.repo.ListByAthlete(ctx, athleteID, since, until, perPage, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached activities: %w", err)
	}

	stale := last == nil || time.Since(*last) > s.freshness
	if stale || len(rows) == 0 {
		s.metrics.RecordCacheMiss()
		if err := s.backfill(ctx, athleteID, since, until); err != nil {
			if len(rows) == 0 {
				return nil, err
			}
			// 古いキャッシュで応答を継続する
			slog.Warn("backfill failed, serving stale cache",
				slog.Int64("athlete_id", athleteID),
				slog.String("error", err.Error()),
			)
		} else {
			rows, err = s.repo.ListByAthlete(ctx, athleteID, since, until, perPage, offset)
			if err != nil {
				return nil, fmt.Errorf("failed to list cached activities: %w", err)
			}
		}
	} else {
		s.metrics.RecordCacheHit()
	}

	return s.normalize(rows), nil
}

// GetActivitiesForExport はエクスポート対象のアクティビティを取得する。
// キャッシュ優先で、ミスした分は個別にプロバイダーへ取得しにいく。
// 取得したアクティビティの所有者がリクエスト元アスリートと異なる場合は
// エラーにせず黙って除外する（ログには記録する）。
func (s *Service) GetActivitiesForExport(ctx context.Context, athleteID int64, ids []int64) ([]*model.ActivitySummary, error) {
	if len(ids) == 0 {
		return nil, model.NewValidationError("エクスポートするアクティビティを指定してください")
	}
	if len(ids) > maxExportIDs {
		return nil, model.NewValidationError(fmt.Sprintf("一度にエクスポートできるのは%d件までです", maxExportIDs))
	}

	cached, err := s.repo.FindByIDs(ctx, athleteID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find cached activities: %w", err)
	}

	byID := make(map[int64]*model.CachedActivity, len(cached))
	for _, row := range cached {
		byID[row.ID] = row
	}

	var fetched []*model.CachedActivity
	for _, id := range ids {
		if _, ok := byID[id]; ok {
			s.metrics.RecordCacheHit()
			continue
		}
		s.metrics.RecordCacheMiss()

		row, err := s.fetchOne(ctx, athleteID, id)
		if err != nil {
			// プロバイダーの恒久エラー（404等）は該当IDだけ除外し、
			// バッチ全体は継続する。認証エラーや一時障害はそのまま返す。
			var provErr *strava.ProviderError
			if errors.As(err, &provErr) {
				slog.Warn("dropping unavailable activity from export",
					slog.Int64("activity_id", id),
					slog.Int("status", provErr.StatusCode),
				)
				continue
			}
			return nil, err
		}
		if row == nil {
			continue // 所有者不一致。黙って除外する
		}
		byID[id] = row
		fetched = append(fetched, row)
	}

	if len(fetched) > 0 {
		if err := s.repo.UpsertBatch(ctx, fetched); err != nil {
			return nil, fmt.Errorf("failed to cache fetched activities: %w", err)
		}
		s.metrics.RecordActivitiesUpserted(len(fetched))
	}

	// 指定順を保ったまま正規化する
	rows := make([]*model.CachedActivity, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			rows = append(rows, row)
		}
	}

	return s.normalize(rows), nil
}

// fetchOne は単一アクティビティをプロバイダーから取得する。
// 所有者がリクエスト元アスリートと異なる場合は(nil, nil)を返す。
func (s *Service) fetchOne(ctx context.Context, athleteID, activityID int64) (*model.CachedActivity, error) {
	token, err := s.tokens.GetValidAccessToken(ctx, athleteID)
	if err != nil {
		return nil, err
	}

	raw, err := s.fetcher.GetActivity(ctx, token, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activity %d: %w", activityID, err)
	}

	owner, err := strava.OwnerID(raw)
	if err != nil {
		return nil, err
	}
	if owner != athleteID {
		slog.Warn("activity owner mismatch, dropping from export",
			slog.Int64("activity_id", activityID),
			slog.Int64("requested_by", athleteID),
			slog.Int64("owned_by", owner),
		)
		return nil, nil
	}

	return &model.CachedActivity{
		ID:        activityID,
		AthleteID: athleteID,
		Payload:   raw,
		UpdatedAt: time.Now(),
	}, nil
}

// backfill はプロバイダーからアクティビティ一覧を取得してキャッシュをUPSERTする。
// 書き込みはactivity idをキーにした冪等なUPSERTなので、
// 同一アスリートへの並行バックフィルが重なっても結果は収束する。
func (s *Service) backfill(ctx context.Context, athleteID int64, since, until *time.Time) error {
	token, err := s.tokens.GetValidAccessToken(ctx, athleteID)
	if err != nil {
		return err
	}

	now := time.Now()
	total := 0
	for page := 1; page <= maxBackfillPages; page++ {
		raws, err := s.fetcher.ListActivities(ctx, token, page, backfillPageSize, since, until)
		if err != nil {
			return fmt.Errorf("failed to fetch activities: %w", err)
		}
		if len(raws) == 0 {
			break
		}

		batch := make([]*model.CachedActivity, 0, len(raws))
		for _, raw := range raws {
			id, err := strava.ActivityID(raw)
			if err != nil || id == 0 {
				slog.Warn("skipping activity without id", slog.Int64("athlete_id", athleteID))
				continue
			}
			batch = append(batch, &model.CachedActivity{
				ID:        id,
				AthleteID: athleteID,
				Payload:   raw,
				UpdatedAt: now,
			})
		}

		if err := s.repo.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to upsert activities: %w", err)
		}
		total += len(batch)

		if len(raws) < backfillPageSize {
			break
		}
	}

	if total > 0 {
		s.metrics.RecordActivitiesUpserted(total)
	}
	slog.Info("activity cache backfilled",
		slog.Int64("athlete_id", athleteID),
		slog.Int("count", total),
	)
	return nil
}

// Sync は指定アスリートのキャッシュ先頭ページを無条件に更新する。同期ワーカー用。
func (s *Service) Sync(ctx context.Context, athleteID int64) error {
	return s.backfill(ctx, athleteID, nil, nil)
}

// normalize はキャッシュ行を正規化済み射影へ変換する。
// 名前はサニタイズを通し、パースできない行は落とす。
func (s *Service) normalize(rows []*model.CachedActivity) []*model.ActivitySummary {
	summaries := make([]*model.ActivitySummary, 0, len(rows))
	for _, row := range rows {
		summary, err := strava.Normalize(row.Payload)
		if err != nil {
			slog.Warn("dropping unparsable cached activity",
				slog.Int64("activity_id", row.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Name = s.sanitizer.Sanitize(summary.Name)
		summaries = append(summaries, summary)
	}
	return summaries
}
