package model

import "time"

// LoginToken はマジックリンクログイン用の単回利用トークンを表す。
// usedはfalse→trueの単調変化のみ許される。一度usedになったトークンは
// 有効期限内であっても永久に無効（リンク再利用攻撃への防御）。
type LoginToken struct {
	Token     string // ランダム256bitのhex表現
	Email     string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}
