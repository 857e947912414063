package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/stridesync/internal/middleware"
)

// oauthStateCookie はOAuth stateノンスを保持するCookieの名前。
const oauthStateCookie = "oauth_state"

// StravaHandler はStravaアカウント連携のHTTPハンドラー。
type StravaHandler struct {
	connect ConnectServiceInterface
	config  AuthHandlerConfig
}

// NewStravaHandler はStravaHandlerを生成する。
func NewStravaHandler(connect ConnectServiceInterface, config AuthHandlerConfig) *StravaHandler {
	return &StravaHandler{
		connect: connect,
		config:  config,
	}
}

// Connect はStrava OAuthフローを開始する。
// GET /auth/strava
func (h *StravaHandler) Connect(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		writeInternalError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.connect.AuthorizeURL(state), http.StatusTemporaryRedirect)
}

// Callback はStravaのOAuthコールバックを処理する。
// GET /auth/strava/callback?code=xxx&state=yyy
func (h *StravaHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		h.redirectWithConnectError(w, r, "unauthenticated")
		return
	}

	// 1. stateノンスの検証。Cookieは検証結果によらず先に削除し、
	// 同じノンスでのリトライを不可能にする（単回利用）
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	state := r.URL.Query().Get("state")
	if cookieErr != nil || stateCookie.Value == "" || state == "" ||
		subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch", slog.String("user_id", userID))
		h.redirectWithConnectError(w, r, "state_mismatch")
		return
	}

	// 2. ユーザーが認可画面で拒否した場合
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		slog.Info("strava authorization denied",
			slog.String("user_id", userID),
			slog.String("error", errParam),
		)
		h.redirectWithConnectError(w, r, "access_denied")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectWithConnectError(w, r, "missing_code")
		return
	}

	// 3. 認可コードの交換とアスリートの紐付け
	athleteID, err := h.connect.HandleCallback(r.Context(), userID, code)
	if err != nil {
		slog.Error("strava connect failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		h.redirectWithConnectError(w, r, "connect_failed")
		return
	}

	slog.Info("strava connected",
		slog.String("user_id", userID),
		slog.Int64("athlete_id", athleteID),
	)
	http.Redirect(w, r, h.config.BaseURL+"/settings?connected=strava", http.StatusTemporaryRedirect)
}

// Deauthorize はStrava連携を解除する。
// POST /api/strava/deauthorize
func (h *StravaHandler) Deauthorize(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.connect.Deauthorize(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Strava連携を解除しました。",
	})
}

// redirectWithConnectError はフロントエンドの設定画面へエラーコード付きでリダイレクトする。
func (h *StravaHandler) redirectWithConnectError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.config.BaseURL+"/settings?error="+url.QueryEscape(code), http.StatusTemporaryRedirect)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
