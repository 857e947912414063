package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/middleware"
)

// HealthChecker はDB疎通確認のためのインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionValidator  middleware.SessionValidator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証・連携
	AuthService    AuthServiceInterface
	ConnectService ConnectServiceInterface
	AuthConfig     AuthHandlerConfig

	// アクティビティ・エクスポート
	ActivityService ActivityServiceInterface
	Metrics         metrics.MetricsCollector
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Recovery → Logging → (apiグループ) Session → RateLimit → CSRF
//
// 認証ルート（/auth/*）のうちStrava連携のみセッション必須。
// エクスポートルートにはエクスポート専用レート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// 全ルートに効くミドルウェア
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService, deps.SessionValidator, deps.ConnectService, deps.AuthConfig)
	stravaHandler := NewStravaHandler(deps.ConnectService, deps.AuthConfig)
	activityHandler := NewActivityHandler(deps.ActivityService, deps.ConnectService)
	exportHandler := NewExportHandler(deps.ActivityService, deps.ConnectService, deps.Metrics)

	csrfConfig := middleware.CSRFConfig{CookieSecure: deps.AuthConfig.CookieSecure}

	// --- 認証不要のルート ---

	r.Get("/health", newHealthHandler(deps.HealthChecker))
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/email/start", authHandler.StartEmailLogin)
		r.Get("/email/callback", authHandler.EmailCallback)
		r.Get("/status", authHandler.Status)
		r.Post("/logout", authHandler.Logout)

		// Strava連携はログイン済みユーザーのみ
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionValidator))
			r.Get("/strava", stravaHandler.Connect)
			r.Get("/strava/callback", stravaHandler.Callback)
		})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionValidator))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		r.Get("/api/activities", activityHandler.ListActivities)

		// エクスポートは専用のレート制限を追加
		r.With(deps.RateLimiter.ExportMiddleware()).Get("/api/exports/gpx", exportHandler.ExportGPX)

		r.Post("/api/strava/deauthorize", stravaHandler.Deauthorize)
	})

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
