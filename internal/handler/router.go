package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	FederatedKeys  ReadinessChecker
	MetricsHandler http.Handler

	// アイデンティティ解決
	// Authenticator はBearerトークンとCookieを切り替える認証器、
	// CookieAuthenticator は外部ID登録で現在のセッションを調べるためのCookie専用の認証器。
	Authenticator       auth.Authenticator
	CookieAuthenticator auth.Authenticator
	Cookies             *cookie.Transport

	// 認証
	AuthService    AuthServiceInterface
	ProfileService ProfileServiceInterface

	// 外部ID
	TokenVerifier auth.TokenVerifier
	Registrar     FederatedRegistrar

	// ハンドオフ
	HandoffService        HandoffServiceInterface
	HandoffResolverSecret string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF → Identity → RateLimit(General)
//
// 匿名ユーザーを作成するルートでは Identity(Optional) → RateLimit(Bootstrap) → EnsureIdentity の順に挟む。
//
// チケット解決エンドポイントはサーバー間通信のためCSRFとアイデンティティの外に配置し、
// 共有シークレットで保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := deps.RateLimiter

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.ProfileService, deps.Cookies)
	federatedHandler := NewFederatedHandler(deps.TokenVerifier, deps.Registrar, deps.Cookies)
	handoffHandler := NewHandoffHandler(deps.HandoffService, deps.HandoffResolverSecret)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.FederatedKeys))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	r.With(handoffHandler.RequireResolverSecret).Post("/internal/handoff/resolve", handoffHandler.Resolve)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// --- アイデンティティ任意のルート（匿名ユーザーを作成しない） ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewIdentityMiddleware(deps.Authenticator, auth.ModeOptional))
			r.Use(limiter.GeneralMiddleware())

			r.Get("/auth/me", authHandler.Me)
			r.Post("/auth/signup", authHandler.Signup)
			r.Post("/auth/email/verify", authHandler.VerifyEmail)

			// 資格情報を扱うエンドポイントは送信元アドレスごとにも制限する
			r.Group(func(r chi.Router) {
				r.Use(limiter.CredentialMiddleware())

				r.Post("/auth/login", authHandler.Login)
				r.Post("/auth/password/forgot", authHandler.ForgotPassword)
				r.Post("/auth/password/reset", authHandler.ResetPassword)
			})

			// 登録済みユーザー専用
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRegistered)

				r.Post("/auth/logout", authHandler.Logout)
				r.Post("/auth/password/change", authHandler.ChangePassword)
				r.Post("/auth/email/resend", authHandler.ResendVerification)
			})
		})

		// --- アイデンティティ必須のルート（なければ匿名ユーザーを作成する） ---
		// 匿名ユーザーの作成は送信元アドレスごとに制限する
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewIdentityMiddleware(deps.Authenticator, auth.ModeOptional))
			r.Use(limiter.BootstrapMiddleware())
			r.Use(middleware.EnsureIdentity(deps.Authenticator))
			r.Use(limiter.GeneralMiddleware())

			r.Post("/auth/anonymous", authHandler.Anonymous)
			r.Post("/api/handoff/sign", handoffHandler.Sign)
			r.Post("/api/handoff/bind", handoffHandler.Bind)
		})

		// --- 外部ID登録（Bearerトークン + 任意のCookieセッション） ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewIdentityMiddleware(deps.CookieAuthenticator, auth.ModeOptional))
			r.Use(limiter.GeneralMiddleware())

			r.Post("/auth/federated/register", federatedHandler.Register)
		})
	})

	return r
}
