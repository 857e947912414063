package strava

import (
	"errors"
	"fmt"
	"strings"
)

// センチネルエラー。リトライ上限到達時の最終分類を表す。
var (
	// ErrRateLimited はプロバイダーのレート制限がリトライ上限まで続いた場合のエラー。
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrProviderUnavailable は接続エラー・タイムアウトがリトライ上限まで続いた場合のエラー。
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ProviderError はプロバイダーが返した恒久エラーレスポンス（非2xx・非429）を表す。
// リトライせずに即座に返される。ボディは診断用で、ユーザーには公開しない。
type ProviderError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}

// IsInvalidGrant はリフレッシュトークン失効（invalid_grant）による
// エラーレスポンスかどうかを判定する。
// Stravaはこの場合400または401でエラーボディにinvalid_grantを含める。
func IsInvalidGrant(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.StatusCode != 400 && pe.StatusCode != 401 {
		return false
	}
	return strings.Contains(pe.Body, "invalid_grant")
}
