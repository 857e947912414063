package model

import "time"

// Credential はアスリートごとのOAuthトークンを表す。
// athlete_idをキーに1アスリート1レコードで管理し、
// 交換・リフレッシュのたびにUPSERTされる。
type Credential struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UpdatedAt    time.Time
}

// ExpiresWithin は有効期限がmargin以内に迫っているかを判定する。
// リフレッシュ要否の判断に使用する（マージン60秒）。
func (c *Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-margin))
}
