// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// パスワードレスログインの初回リクエスト時に作成される。
type User struct {
	ID        string
	Email     string // 小文字正規化済み
	CreatedAt time.Time
}

// IdentityLink はローカルユーザーと外部プロバイダーIDの紐付けを表す。
// (provider, provider_user_id) はユニーク。再リンク時は最後の書き込みが勝つ。
type IdentityLink struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID int64 // Stravaのathlete ID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
