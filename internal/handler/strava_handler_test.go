package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
)

func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := middleware.ContextWithUserID(req.Context(), "user-1")
	return req.WithContext(ctx)
}

func TestStravaConnect_SetsStateCookieAndRedirects(t *testing.T) {
	var gotState string
	connect := &mockConnectService{
		authorizeURLFn: func(state string) string {
			gotState = state
			return "https://www.strava.com/oauth/authorize?state=" + state
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodGet, "/auth/strava")
	w := httptest.NewRecorder()

	h.Connect(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}

	var stateCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("state cookie not set")
	}
	if !stateCookie.HttpOnly {
		t.Error("state cookie must be HttpOnly")
	}
	if stateCookie.Value != gotState {
		t.Errorf("cookie state = %q, authorize URL state = %q", stateCookie.Value, gotState)
	}
	if len(stateCookie.Value) != 32 { // 16バイトのhexエンコード
		t.Errorf("state length = %d, want 32", len(stateCookie.Value))
	}
	if !strings.Contains(resp.Header.Get("Location"), gotState) {
		t.Errorf("redirect location must contain state: %s", resp.Header.Get("Location"))
	}
}

func TestStravaCallback_Success(t *testing.T) {
	connect := &mockConnectService{
		callbackFn: func(ctx context.Context, userID, code string) (int64, error) {
			if userID != "user-1" || code != "auth-code" {
				t.Errorf("unexpected args: userID=%q code=%q", userID, code)
			}
			return 12345, nil
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodGet, "/auth/strava/callback?code=auth-code&state=nonce-1")
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce-1"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	wantLoc := "https://app.example.com/settings?connected=strava"
	if loc := resp.Header.Get("Location"); loc != wantLoc {
		t.Errorf("location = %q, want %q", loc, wantLoc)
	}
}

// stateノンスは検証結果によらずCookie削除で単回利用になることを検証
func TestStravaCallback_StateNonceIsSingleUse(t *testing.T) {
	calls := 0
	connect := &mockConnectService{
		callbackFn: func(ctx context.Context, userID, code string) (int64, error) {
			calls++
			return 12345, nil
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	// 1回目: 成功し、stateクッキーが削除される
	req1 := authedRequest(http.MethodGet, "/auth/strava/callback?code=auth-code&state=nonce-1")
	req1.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce-1"})
	w1 := httptest.NewRecorder()
	h.Callback(w1, req1)

	var cleared bool
	for _, c := range w1.Result().Cookies() {
		if c.Name == oauthStateCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("state cookie must be cleared on callback")
	}

	// 2回目: クッキーが消えているため同じstateを再利用できない
	req2 := authedRequest(http.MethodGet, "/auth/strava/callback?code=auth-code&state=nonce-1")
	w2 := httptest.NewRecorder()
	h.Callback(w2, req2)

	if !strings.Contains(w2.Result().Header.Get("Location"), "error=state_mismatch") {
		t.Errorf("replayed state must be rejected: %s", w2.Result().Header.Get("Location"))
	}
	if calls != 1 {
		t.Errorf("callback service calls = %d, want 1", calls)
	}
}

func TestStravaCallback_StateMismatch(t *testing.T) {
	connect := &mockConnectService{
		callbackFn: func(ctx context.Context, userID, code string) (int64, error) {
			t.Fatal("code exchange must not happen on state mismatch")
			return 0, nil
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodGet, "/auth/strava/callback?code=auth-code&state=attacker-state")
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce-1"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if !strings.Contains(w.Result().Header.Get("Location"), "error=state_mismatch") {
		t.Errorf("location = %q, want state_mismatch error", w.Result().Header.Get("Location"))
	}
}

func TestStravaCallback_UserDenied(t *testing.T) {
	connect := &mockConnectService{
		callbackFn: func(ctx context.Context, userID, code string) (int64, error) {
			t.Fatal("code exchange must not happen when user denied")
			return 0, nil
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodGet, "/auth/strava/callback?error=access_denied&state=nonce-1")
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce-1"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if !strings.Contains(w.Result().Header.Get("Location"), "error=access_denied") {
		t.Errorf("location = %q, want access_denied error", w.Result().Header.Get("Location"))
	}
}

func TestStravaCallback_ExchangeFails(t *testing.T) {
	connect := &mockConnectService{
		callbackFn: func(ctx context.Context, userID, code string) (int64, error) {
			return 0, errors.New("token exchange failed")
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodGet, "/auth/strava/callback?code=bad-code&state=nonce-1")
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce-1"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if !strings.Contains(w.Result().Header.Get("Location"), "error=connect_failed") {
		t.Errorf("location = %q, want connect_failed error", w.Result().Header.Get("Location"))
	}
}

func TestStravaDeauthorize_Success(t *testing.T) {
	var gotUserID string
	connect := &mockConnectService{
		deauthorizeFn: func(ctx context.Context, userID string) error {
			gotUserID = userID
			return nil
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodPost, "/api/strava/deauthorize")
	w := httptest.NewRecorder()

	h.Deauthorize(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotUserID != "user-1" {
		t.Errorf("userID = %q, want %q", gotUserID, "user-1")
	}
}

func TestStravaDeauthorize_NotConnected_Returns400(t *testing.T) {
	connect := &mockConnectService{
		deauthorizeFn: func(ctx context.Context, userID string) error {
			return model.ErrNotConnected
		},
	}
	h := NewStravaHandler(connect, testAuthConfig())

	req := authedRequest(http.MethodPost, "/api/strava/deauthorize")
	w := httptest.NewRecorder()

	h.Deauthorize(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var body apiErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != model.ErrCodeNotConnected {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotConnected)
	}
}

func TestStravaDeauthorize_NoSession_Returns401(t *testing.T) {
	h := NewStravaHandler(&mockConnectService{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/strava/deauthorize", nil)
	w := httptest.NewRecorder()

	h.Deauthorize(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}
