package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/stridesync/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティキャッシュリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// ListByAthlete は指定アスリートのキャッシュ行を日付範囲でフィルタして返す。
// athlete_idのWHERE句がデータ分離の境界。開始日時の降順で返す。
func (r *PostgresActivityRepo) ListByAthlete(ctx context.Context, athleteID int64, since, until *time.Time, limit, offset int) ([]*model.CachedActivity, error) {
	query := `SELECT id, athlete_id, payload, updated_at
		 FROM cached_activities
		 WHERE athlete_id = $1`
	args := []interface{}{athleteID}

	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(" AND (payload->>'start_date')::timestamptz >= $%d", len(args))
	}
	if until != nil {
		args = append(args, *until)
		query += fmt.Sprintf(" AND (payload->>'start_date')::timestamptz <= $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY (payload->>'start_date')::timestamptz DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached activities: %w", err)
	}
	defer rows.Close()

	return scanActivities(rows)
}

// FindByIDs は指定アスリートが所有するキャッシュ行のうちidsに含まれるものを返す。
// athlete_idの条件により、他アスリートの行はidを知っていても取得できない。
func (r *PostgresActivityRepo) FindByIDs(ctx context.Context, athleteID int64, ids []int64) ([]*model.CachedActivity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, athlete_id, payload, updated_at
		 FROM cached_activities
		 WHERE athlete_id = $1 AND id = ANY($2)`,
		athleteID, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find cached activities: %w", err)
	}
	defer rows.Close()

	return scanActivities(rows)
}

// UpsertBatch はキャッシュ行をまとめてUPSERTする。
// activity idをキーにした可換・冪等な操作のため、並行書き込みに順序制約はない。
func (r *PostgresActivityRepo) UpsertBatch(ctx context.Context, activities []*model.CachedActivity) error {
	if len(activities) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cached_activities (id, athlete_id, payload, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
		   athlete_id = EXCLUDED.athlete_id,
		   payload = EXCLUDED.payload,
		   updated_at = now()`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range activities {
		if _, err := stmt.ExecContext(ctx, a.ID, a.AthleteID, []byte(a.Payload)); err != nil {
			return fmt.Errorf("failed to upsert activity %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LastUpdatedAt は指定アスリートのキャッシュの最終更新時刻を返す。
// キャッシュが空の場合はnilを返す。
func (r *PostgresActivityRepo) LastUpdatedAt(ctx context.Context, athleteID int64) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT max(updated_at) FROM cached_activities WHERE athlete_id = $1`,
		athleteID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to get last cache update: %w", err)
	}

	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// scanActivities は結果セットをCachedActivityのスライスに変換する。
func scanActivities(rows *sql.Rows) ([]*model.CachedActivity, error) {
	var activities []*model.CachedActivity
	for rows.Next() {
		a := &model.CachedActivity{}
		var payload []byte
		if err := rows.Scan(&a.ID, &a.AthleteID, &payload, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached activity: %w", err)
		}
		a.Payload = payload
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached activities: %w", err)
	}

	return activities, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
