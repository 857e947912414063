package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stridesync/internal/model"
)

// PostgresLoginTokenRepo はPostgreSQLを使用したログイントークンリポジトリ。
type PostgresLoginTokenRepo struct {
	db *sql.DB
}

// NewPostgresLoginTokenRepo はPostgresLoginTokenRepoを生成する。
func NewPostgresLoginTokenRepo(db *sql.DB) *PostgresLoginTokenRepo {
	return &PostgresLoginTokenRepo{db: db}
}

// Create はログイントークンを作成する。
func (r *PostgresLoginTokenRepo) Create(ctx context.Context, token *model.LoginToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_tokens (token, email, expires_at, used, created_at)
		 VALUES ($1, $2, $3, FALSE, $4)`,
		token.Token, token.Email, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create login token: %w", err)
	}
	return nil
}

// Consume はトークンをアトミックに消費し、紐付くemailを返す。
// used=FALSEかつ未失効の行だけを条件付きUPDATEで反転させるため、
// 同一トークンへの並行呼び出しでも成功するのは必ず1回のみ。
// 更新できなかった場合は行を読み直して失敗理由を分類する。
func (r *PostgresLoginTokenRepo) Consume(ctx context.Context, token string) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx,
		`UPDATE login_tokens
		 SET used = TRUE
		 WHERE token = $1 AND used = FALSE AND expires_at > now()
		 RETURNING email`,
		token,
	).Scan(&email)

	if err == nil {
		return email, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to consume login token: %w", err)
	}

	// 消費できなかった理由を分類する
	var used bool
	var expired bool
	err = r.db.QueryRowContext(ctx,
		`SELECT used, expires_at <= now() FROM login_tokens WHERE token = $1`,
		token,
	).Scan(&used, &expired)

	if err == sql.ErrNoRows {
		return "", model.ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to classify login token failure: %w", err)
	}

	// 使用済みは失効より優先する: 一度usedになったトークンは
	// 有効期限に関わらず永久に無効。
	if used {
		return "", model.ErrTokenAlreadyUsed
	}
	if expired {
		return "", model.ErrTokenExpired
	}

	// UPDATEとSELECTの間に状態が変わった場合のフォールバック
	return "", model.ErrTokenAlreadyUsed
}

// DeleteOlderThan は作成からretention日を超過したトークンを削除する。
func (r *PostgresLoginTokenRepo) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	interval := fmt.Sprintf("%d days", retentionDays)

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM login_tokens WHERE created_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old login tokens: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// compile-time interface check
var _ LoginTokenRepository = (*PostgresLoginTokenRepo)(nil)
