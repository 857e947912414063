package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stridesync/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したOAuthトークンリポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByAthleteID は指定アスリートのCredentialを取得する。
// 見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByAthleteID(ctx context.Context, athleteID int64) (*model.Credential, error) {
	cred := &model.Credential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT athlete_id, access_token, refresh_token, expires_at, scope, updated_at
		 FROM oauth_credentials
		 WHERE athlete_id = $1`,
		athleteID,
	).Scan(&cred.AthleteID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.Scope, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	return cred, nil
}

// Upsert はathlete_idをキーにCredentialをUPSERTする。
// 交換・リフレッシュのたびに呼ばれ、常に1アスリート1行を維持する。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_credentials (athlete_id, access_token, refresh_token, expires_at, scope, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (athlete_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   scope = EXCLUDED.scope,
		   updated_at = now()`,
		cred.AthleteID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.Scope,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// PurgeAthlete はアスリートの連携解除に伴うデータ削除を行う。
// cached_activities・identity_links・oauth_credentialsを
// 単一トランザクションで削除する。アクティビティ削除後のクラッシュで
// トークンだけが残る事態を防ぐため、3つの削除は不可分でなければならない。
func (r *PostgresCredentialRepo) PurgeAthlete(ctx context.Context, athleteID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cached_activities WHERE athlete_id = $1`, athleteID,
	); err != nil {
		return fmt.Errorf("failed to delete cached activities: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identity_links WHERE provider = 'strava' AND provider_user_id = $1`, athleteID,
	); err != nil {
		return fmt.Errorf("failed to delete identity link: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM oauth_credentials WHERE athlete_id = $1`, athleteID,
	); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
