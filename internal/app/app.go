package app

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ltipoll/internal/config"
	"github.com/hitoshi/ltipoll/internal/database"
	"github.com/hitoshi/ltipoll/internal/handler"
	"github.com/hitoshi/ltipoll/internal/logger"
	"github.com/hitoshi/ltipoll/internal/lti"
	"github.com/hitoshi/ltipoll/internal/metrics"
	"github.com/hitoshi/ltipoll/internal/middleware"
	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/outcomes"
	"github.com/hitoshi/ltipoll/internal/poll"
	"github.com/hitoshi/ltipoll/internal/repository"
	"github.com/hitoshi/ltipoll/internal/security"
	"github.com/hitoshi/ltipoll/internal/session"
	"github.com/hitoshi/ltipoll/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, false)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. DEBUG指定時はログレベルを引き上げて再設定する
	if cfg.Debug {
		logger.SetupDefault(w, true)
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
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	case CommandCreateConsumer:
		return runCreateConsumer(w, cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// 期限切れセッションと使用済みnonceのクリーンアップジョブをバック
// グラウンドで定期実行する。
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

	// 2. リポジトリの初期化
	consumerRepo := repository.NewPostgresConsumerRepo(db)
	userRepo := repository.NewPostgresLTIUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	nonceRepo := repository.NewPostgresNonceRepo(db)
	questionRepo := repository.NewPostgresQuestionRepo(db)
	responseRepo := repository.NewPostgresResponseRepo(db)

	// 3. メトリクスとセキュリティサービスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	ssrfGuard := security.NewSSRFGuard()

	// 4. ドメインサービスの初期化
	validator := lti.NewRequestValidator(nonceRepo, cfg.LaunchClockSkew)
	resolver := lti.NewUserResolver(userRepo)
	launchService := lti.NewService(consumerRepo, sessionRepo, resolver, validator, collector)

	binder := session.NewBinder(sessionRepo, userRepo, session.BinderConfig{
		MaxAge:       cfg.SessionMaxAge,
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	})

	outcomeClient := outcomes.NewClient(ssrfGuard, collector, cfg.OutcomeTimeout)
	pollService := poll.NewService(questionRepo, responseRepo, consumerRepo, outcomeClient)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.DefaultRateLimiterConfig(cfg.RateLimitLaunch),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:         slog.Default(),
		RateLimiter:    rateLimiter,
		FrameAncestors: cfg.FrameAncestors,

		Binder: binder,

		LaunchService: launchService,
		PollService:   pollService,

		DB:             db,
		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 6. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(sessionRepo, nonceRepo, slog.Default())
	cleanupJob.NonceRetention = cfg.NonceRetention

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// クリーンアップジョブをバックグラウンドで定期実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	go func() {
		slog.Info("LTI tool server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully")
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

// runCleanup は期限切れセッションと古いnonceの削除を1回実行して終了する。
// serveモードの定期ジョブと同一の処理。cron等からの単発実行用。
func runCleanup(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresNonceRepo(db),
		slog.Default(),
	)
	job.NonceRetention = cfg.NonceRetention

	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
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

// runCreateConsumer はLTIコンシューマを登録し、生成したkey/secretを出力する。
// key/secretはサーバー側で生成し、LMS管理者に払い出す運用を前提とする。
//
//	ltipoll create-consumer -name <表示名> [-guid <デフォルトguid>] [-expires <YYYY-MM-DD>]
func runCreateConsumer(w io.Writer, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("create-consumer", flag.ContinueOnError)
	name := fs.String("name", "", "コンシューマの表示名（必須）")
	guid := fs.String("guid", "", "ローンチにguidが無い場合のデフォルトtool_consumer_instance_guid")
	expires := fs.String("expires", "", "失効日（YYYY-MM-DD、省略可）")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse create-consumer flags: %w", err)
	}

	if *name == "" {
		return fmt.Errorf("create-consumer: -name is required")
	}

	consumer := &model.Consumer{
		ID:                      uuid.New().String(),
		Name:                    *name,
		Key:                     lti.GenerateToken(cfg.SecretKey),
		Secret:                  lti.GenerateToken(cfg.SecretKey),
		DefaultToolInstanceGUID: *guid,
		CreatedAt:               time.Now(),
	}

	if *expires != "" {
		t, err := time.Parse("2006-01-02", *expires)
		if err != nil {
			return fmt.Errorf("create-consumer: invalid -expires date: %w", err)
		}
		consumer.ExpirationDate = &t
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := repository.NewPostgresConsumerRepo(db)
	if err := repo.Create(ctx, consumer); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	fmt.Fprintf(w, "consumer created\n")
	fmt.Fprintf(w, "  name:   %s\n", consumer.Name)
	fmt.Fprintf(w, "  key:    %s\n", consumer.Key)
	fmt.Fprintf(w, "  secret: %s\n", consumer.Secret)
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// --- compile-time interface checks ---

var _ handler.Pinger = (*sql.DB)(nil)
