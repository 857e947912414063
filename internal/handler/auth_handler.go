// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/stridesync/internal/auth"
	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// StartEmailLogin はログイントークンを発行しマジックリンクメールを送信する。
	StartEmailLogin(ctx context.Context, email string) error
	// CompleteEmailLogin はトークンを消費してセッションJWTを発行する。
	CompleteEmailLogin(ctx context.Context, token string) (*model.User, string, error)
}

// ConnectServiceInterface はStrava連携ハンドラーが必要とするサービスインターフェース。
type ConnectServiceInterface interface {
	// AuthorizeURL はプロバイダーの認可画面URLを生成する。
	AuthorizeURL(state string) string
	// HandleCallback は認可コードを交換しユーザーとアスリートを紐付ける。
	HandleCallback(ctx context.Context, userID, code string) (int64, error)
	// Status はユーザーの連携状態を返す。
	Status(ctx context.Context, userID string) (*auth.ConnectionStatus, error)
	// AthleteIDForUser はユーザーに紐付くアスリートIDを返す。
	AthleteIDForUser(ctx context.Context, userID string) (int64, error)
	// Deauthorize はプロバイダー側の認可を取り消しCredentialを削除する。
	Deauthorize(ctx context.Context, userID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string // ログイン後のリダイレクト先（フロントエンド）
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はパスワードレス認証とセッション管理のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions middleware.SessionValidator
	connect  ConnectServiceInterface
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	service AuthServiceInterface,
	sessions middleware.SessionValidator,
	connect ConnectServiceInterface,
	config AuthHandlerConfig,
) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		connect:  connect,
		config:   config,
	}
}

// startEmailLoginRequest はログイン開始リクエストのボディ。
type startEmailLoginRequest struct {
	Email string `json:"email"`
}

// StartEmailLogin はパスワードレスログインを開始する。
// POST /auth/email/start
func (h *AuthHandler) StartEmailLogin(w http.ResponseWriter, r *http.Request) {
	var req startEmailLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	if err := h.service.StartEmailLogin(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	// 登録有無を漏らさないため、常に同じメッセージを返す
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ログインリンクを送信しました。メールをご確認ください。",
	})
}

// EmailCallback はマジックリンクのトークンを消費してセッションを発行する。
// GET /auth/email/callback?token=xxx
func (h *AuthHandler) EmailCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.redirectWithLoginError(w, r, "invalid_token")
		return
	}

	user, session, err := h.service.CompleteEmailLogin(r.Context(), token)
	if err != nil {
		slog.Warn("email login failed", slog.String("error", err.Error()))
		h.redirectWithLoginError(w, r, loginErrorCode(err))
		return
	}

	// セッションJWTをHTTP Only Cookieに設定
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	slog.Info("session issued", slog.String("user_id", user.ID))
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// statusResponse は認証状態レスポンス。
type statusResponse struct {
	Authenticated   bool   `json:"authenticated"`
	UserID          string `json:"user_id,omitempty"`
	StravaConnected bool   `json:"strava_connected"`
	AthleteID       int64  `json:"athlete_id,omitempty"`
}

// Status は現在の認証状態とStrava連携状態を返す。
// 未認証でも401にせず authenticated: false を返す。
// GET /auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}

	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	userID, err := h.sessions.ValidateSession(cookie.Value)
	if err != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Authenticated = true
	resp.UserID = userID

	status, err := h.connect.Status(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load connection status", slog.String("error", err.Error()))
		// 連携状態が取れなくても認証状態は返す
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.StravaConnected = status.Connected
	resp.AthleteID = status.AthleteID

	writeJSON(w, http.StatusOK, resp)
}

// Logout はセッションCookieを破棄する。
// セッションはステートレスなJWTのため、サーバー側の破棄処理はない。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ログアウトしました。",
	})
}

// redirectWithLoginError はフロントエンドのログイン画面へエラーコード付きでリダイレクトする。
func (h *AuthHandler) redirectWithLoginError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.config.BaseURL+"/login?error="+url.QueryEscape(code), http.StatusTemporaryRedirect)
}

// loginErrorCode はトークン消費エラーをリダイレクト用のエラーコードに変換する。
func loginErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, model.ErrTokenAlreadyUsed):
		return "token_already_used"
	case errors.Is(err, model.ErrTokenNotFound):
		return "invalid_token"
	default:
		return "login_failed"
	}
}
