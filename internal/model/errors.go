package model

import (
	"errors"
	"fmt"
)

// センチネルエラー。サービス層の制御フローで使用し、
// ハンドラー層でAPIErrorに変換する。
var (
	// ErrTokenNotFound はログイントークンが存在しない場合のエラー。
	ErrTokenNotFound = errors.New("login token not found")
	// ErrTokenExpired はログイントークンがTTLを超過している場合のエラー。
	ErrTokenExpired = errors.New("login token expired")
	// ErrTokenAlreadyUsed はログイントークンが既に消費済みの場合のエラー。
	ErrTokenAlreadyUsed = errors.New("login token already used")
	// ErrNotConnected はアスリートのCredentialが存在しない場合のエラー。
	ErrNotConnected = errors.New("strava account not connected")
	// ErrReauthRequired はリフレッシュトークンが失効し再認可が必要な場合のエラー。
	// Credentialレコードは削除せず保持する（再接続導線のため）。
	ErrReauthRequired = errors.New("provider reauthorization required")
	// ErrUnauthenticated はセッションが無効な場合のエラー。
	ErrUnauthenticated = errors.New("unauthenticated")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeCSRFMismatch        = "CSRF_MISMATCH"
	ErrCodeNotConnected        = "NOT_CONNECTED"
	ErrCodeReauthRequired      = "REAUTH_REQUIRED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderError       = "PROVIDER_ERROR"
	ErrCodeAccessDenied        = "ACCESS_DENIED"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証されていません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCSRFMismatchError はOAuth stateの不一致エラーを生成する。
func NewCSRFMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFMismatch,
		Message:  "認可リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "連携をもう一度やり直してください。",
	}
}

// NewNotConnectedError はStrava未連携エラーを生成する。
func NewNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConnected,
		Message:  "Stravaアカウントが連携されていません。",
		Category: "provider",
		Action:   "設定画面からStravaと連携してください。",
	}
}

// NewReauthRequiredError はStrava再認可要求エラーを生成する。
func NewReauthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeReauthRequired,
		Message:  "Stravaとの連携が失効しています。",
		Category: "provider",
		Action:   "Stravaともう一度連携し直してください。",
	}
}

// NewRateLimitedError はプロバイダーのレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Strava APIのレート制限に達しました。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderUnavailableError はプロバイダー一時障害エラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "Strava APIに接続できませんでした。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderErrorResponse はプロバイダー恒久エラーを生成する。
// 詳細（ステータス・ボディ）はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewProviderErrorResponse() *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  "Strava APIがエラーを返しました。",
		Category: "provider",
		Action:   "時間をおいて再度お試しください。解決しない場合は連携し直してください。",
	}
}
