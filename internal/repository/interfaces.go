// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// UpsertByEmail はemailをキーにユーザーを冪等に作成する。
	// 既存ユーザーがいる場合はそのレコードを返す（ユーザー列挙を防ぐため、
	// 呼び出し元は新規・既存を区別しない）。
	UpsertByEmail(ctx context.Context, user *model.User) (*model.User, error)
}

// IdentityLinkRepository はローカルユーザーと外部プロバイダーIDの
// 紐付けの永続化インターフェース。
type IdentityLinkRepository interface {
	// FindByUserAndProvider はユーザーIDとプロバイダー名でリンクを検索する。
	// 見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.IdentityLink, error)

	// Upsert は(provider, provider_user_id)をキーにリンクをUPSERTする。
	// 既に別ユーザーが同じ外部IDを所有している場合は上書きする（last-write-wins）。
	Upsert(ctx context.Context, link *model.IdentityLink) error

	// ListAthleteIDs は連携済みの全アスリートIDを返す。同期ワーカー用。
	ListAthleteIDs(ctx context.Context) ([]int64, error)
}

// CredentialRepository はOAuthトークンの永続化インターフェース。
// 書き込みはToken Refresh Engine経由に限定される。
type CredentialRepository interface {
	// FindByAthleteID は指定アスリートのCredentialを取得する。
	// 見つからない場合はnilを返す。
	FindByAthleteID(ctx context.Context, athleteID int64) (*model.Credential, error)

	// Upsert はathlete_idをキーにCredentialをUPSERTする。
	Upsert(ctx context.Context, cred *model.Credential) error

	// PurgeAthlete はアスリートの連携解除に伴い、cached_activities・
	// identity_links・oauth_credentialsを単一トランザクションで削除する。
	// 途中クラッシュでトークンが再露出しないよう、3つの削除は不可分。
	PurgeAthlete(ctx context.Context, athleteID int64) error
}

// LoginTokenRepository はマジックリンクトークンの永続化インターフェース。
type LoginTokenRepository interface {
	// Create はログイントークンを作成する。
	Create(ctx context.Context, token *model.LoginToken) error

	// Consume はトークンをアトミックに消費し、紐付くemailを返す。
	// 同一トークンへの並行呼び出しでも成功するのは必ず1回のみ。
	// 失敗時はmodel.ErrTokenNotFound / ErrTokenExpired / ErrTokenAlreadyUsed
	// のいずれかを返す。
	Consume(ctx context.Context, token string) (string, error)

	// DeleteOlderThan は作成からretention日を超過したトークンを削除する。
	// クリーンアップジョブ用。削除件数を返す。
	DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// ActivityRepository はアクティビティキャッシュの永続化インターフェース。
// 書き込みはactivity idをキーにした可換・冪等なUPSERTのみ。
type ActivityRepository interface {
	// ListByAthlete は指定アスリートのキャッシュ行を日付範囲でフィルタして返す。
	// athlete_idによる絞り込みがデータ分離の境界となる。
	// 開始日時の降順で返す。
	ListByAthlete(ctx context.Context, athleteID int64, since, until *time.Time, limit, offset int) ([]*model.CachedActivity, error)

	// FindByIDs は指定アスリートが所有するキャッシュ行のうち、
	// idsに含まれるものを返す。他アスリートの行は返らない。
	FindByIDs(ctx context.Context, athleteID int64, ids []int64) ([]*model.CachedActivity, error)

	// UpsertBatch はキャッシュ行をまとめてUPSERTする。
	UpsertBatch(ctx context.Context, activities []*model.CachedActivity) error

	// LastUpdatedAt は指定アスリートのキャッシュの最終更新時刻を返す。
	// キャッシュが空の場合はnilを返す。鮮度判定に使用する。
	LastUpdatedAt(ctx context.Context, athleteID int64) (*time.Time, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
