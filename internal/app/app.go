package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/config"
	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/credential"
	"github.com/hitoshi/agora/internal/database"
	"github.com/hitoshi/agora/internal/federated"
	"github.com/hitoshi/agora/internal/handler"
	"github.com/hitoshi/agora/internal/handoff"
	"github.com/hitoshi/agora/internal/identity"
	"github.com/hitoshi/agora/internal/logger"
	"github.com/hitoshi/agora/internal/mail"
	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/middleware"
	"github.com/hitoshi/agora/internal/mq"
	"github.com/hitoshi/agora/internal/repository"
	"github.com/hitoshi/agora/internal/security"
	"github.com/hitoshi/agora/internal/session"
	"github.com/hitoshi/agora/internal/user"
	"github.com/hitoshi/agora/internal/worker/cleanup"
)

// keySetClientTimeout は署名鍵セット取得のタイムアウト。
const keySetClientTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("federated", cfg.FederatedEnabled()),
		slog.String("mail_backend", cfg.MailBackend),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// バックグラウンド処理（鍵セット更新）の寿命
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)
	handoffRepo := repository.NewPostgresHandoffRepo(db)
	communityRepo := repository.NewPostgresCommunityRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. セッションとCookie
	sessions := session.NewStore(sessionRepo)
	cookies := cookie.NewTransport(cookie.Config{
		Secret:        cfg.SessionSecret,
		Domain:        cfg.CookieDomain,
		Secure:        cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
		SummaryMaxAge: cfg.SummaryMaxAge,
	})

	// 5. メール送信
	mailer, closeMailer, err := newMailDispatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMailer()

	// 6. 外部IDの検証とアップサート
	guard := security.NewOutboundGuard()
	upserter := identity.NewUpserter(
		userRepo, communityRepo, communityRepo,
		security.NewProfileSanitizer(guard),
		cfg.DefaultCommunityID,
	)

	bootstrapper := auth.NewBootstrapper(userRepo, sessions, cookies, collector)
	cookieAuth := auth.NewCookieAuthenticator(sessions, cookies, bootstrapper)

	// 未設定の場合はnilインターフェースのままにしてBearerトークンを扱わない
	var (
		verifier      auth.TokenVerifier
		federatedAuth auth.Authenticator
		federatedKeys handler.ReadinessChecker
	)
	if cfg.FederatedEnabled() {
		keySet := federated.NewKeySet(
			cfg.FederatedKeysURL,
			guard.NewSafeClient(keySetClientTimeout),
			cfg.FederatedRefreshWindow,
		).WithMetrics(collector)
		go keySet.Run(ctx)
		federatedKeys = keySet

		verifier = federated.NewVerifier(keySet, cfg.FederatedProjectID)
		federatedAuth = auth.NewFederatedAuthenticator(verifier, upserter, cookieAuth, collector)
	} else {
		slog.Warn("federated identity is disabled: FEDERATED_PROJECT_ID is not set")
	}
	selector := auth.NewSelector(cookieAuth, federatedAuth)

	// 7. ドメインサービスの初期化
	authService := auth.NewService(
		userRepo, communityRepo, communityRepo, tokenRepo,
		sessions, credential.NewHasher(), mailer, collector,
		auth.ServiceConfig{
			BaseURL:            cfg.BaseURL,
			TokenTTL:           cfg.TokenTTL,
			DefaultCommunityID: cfg.DefaultCommunityID,
		},
	)
	handoffService := handoff.NewService(handoffRepo, cfg.HandoffSecret, cfg.HandoffTTL, collector)
	userService := user.NewService(userRepo)

	// 8. ルーターの構築
	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			BearerExempt: cfg.FederatedEnabled(),
		},
		RateLimiter: limiter,

		HealthChecker:  db,
		FederatedKeys:  federatedKeys,
		MetricsHandler: metrics.Handler(registry),

		Authenticator:       selector,
		CookieAuthenticator: cookieAuth,
		Cookies:             cookies,

		AuthService:    authService,
		ProfileService: userService,

		TokenVerifier: verifier,
		Registrar:     upserter,

		HandoffService:        handoffService,
		HandoffResolverSecret: cfg.HandoffResolverSecret,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// レスポンス後に走るバックグラウンド処理（セッション失効、メンバー追加、メール送信）を待つ
	authService.Wait()
	upserter.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// rateLimiterConfig は設定値（req/min）からレート制限設定（req/sec）を組み立てる。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rl.CredentialRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rl.CredentialBurst = cfg.RateLimitAuth
	}
	return rl
}

// newMailDispatcher はMAIL_BACKENDに応じたメール送信先と、その解放関数を返す。
func newMailDispatcher(ctx context.Context, cfg *config.Config) (mail.Dispatcher, func(), error) {
	var backend mq.Backend
	switch cfg.MailBackend {
	case config.MailBackendRabbitMQ:
		client, err := mq.NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		backend = client
	case config.MailBackendPubSub:
		client, err := mq.NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		backend = client
	default:
		return mail.LogDispatcher{}, func() {}, nil
	}

	queue := mq.New(backend)
	closeQueue := func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close mail queue", slog.String("error", err.Error()))
		}
	}

	slog.Info("mail queue connected",
		slog.String("backend", cfg.MailBackend),
		slog.String("channel", cfg.MailChannel),
	)
	return mail.NewQueueDispatcher(queue, cfg.MailChannel), closeQueue, nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れのワンタイムトークンとハンドオフチケットを定期的に削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(slog.Default(),
		cleanup.Target{
			Name:      "one_time_tokens",
			Purger:    repository.NewPostgresTokenRepo(db),
			Retention: cfg.TokenRetention,
		},
		cleanup.Target{
			Name:      "handoff_tickets",
			Purger:    repository.NewPostgresHandoffRepo(db),
			Retention: cleanup.DefaultTicketRetention,
		},
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("token_retention", cfg.TokenRetention),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
