package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stridesync/internal/model"
)

// PostgresIdentityLinkRepo はPostgreSQLを使用したidentity linkリポジトリ。
type PostgresIdentityLinkRepo struct {
	db *sql.DB
}

// NewPostgresIdentityLinkRepo はPostgresIdentityLinkRepoを生成する。
func NewPostgresIdentityLinkRepo(db *sql.DB) *PostgresIdentityLinkRepo {
	return &PostgresIdentityLinkRepo{db: db}
}

// FindByUserAndProvider はユーザーIDとプロバイダー名でリンクを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityLinkRepo) FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.IdentityLink, error) {
	link := &model.IdentityLink{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at, updated_at
		 FROM identity_links
		 WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	).Scan(&link.ID, &link.UserID, &link.Provider, &link.ProviderUserID, &link.CreatedAt, &link.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity link: %w", err)
	}

	return link, nil
}

// Upsert は(provider, provider_user_id)をキーにリンクをUPSERTする。
// 既に別ユーザーが同じ外部IDを所有している場合はuser_idを上書きする
// （last-write-wins。アカウント復旧を意図した仕様上の選択）。
func (r *PostgresIdentityLinkRepo) Upsert(ctx context.Context, link *model.IdentityLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identity_links (id, user_id, provider, provider_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (provider, provider_user_id)
		 DO UPDATE SET user_id = EXCLUDED.user_id, updated_at = EXCLUDED.updated_at`,
		link.ID, link.UserID, link.Provider, link.ProviderUserID, link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert identity link: %w", err)
	}
	return nil
}

// ListAthleteIDs は連携済みの全アスリートIDを返す。同期ワーカー用。
func (r *PostgresIdentityLinkRepo) ListAthleteIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT provider_user_id FROM identity_links WHERE provider = 'strava' ORDER BY provider_user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list athlete IDs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan athlete ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate athlete IDs: %w", err)
	}

	return ids, nil
}

// compile-time interface check
var _ IdentityLinkRepository = (*PostgresIdentityLinkRepo)(nil)
