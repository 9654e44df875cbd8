package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ltipoll/internal/middleware"
	"github.com/hitoshi/ltipoll/internal/session"
)

// Pinger はヘルスチェック用のDB疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger         *slog.Logger
	RateLimiter    *middleware.RateLimiter
	FrameAncestors string // CSP frame-ancestorsの値（LMSドメイン）

	// セッション
	Binder *session.Binder

	// ローンチ
	LaunchService LaunchServiceInterface

	// 投票
	PollService PollServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	LoggingMiddleware → RecoveryMiddleware → SecurityHeadersMiddleware
//
// ローンチPOSTはLTIセッションガードの外（認証の入口そのもの）に置き、
// レート制限のみ適用する。GET側と投票ルートはガードの内側に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.FrameAncestors))

	launchHandler := NewLaunchHandler(deps.LaunchService, deps.PollService, deps.Binder)
	pollHandler := NewPollHandler(deps.PollService, deps.Binder)

	// --- 認証不要のルート ---

	// LMSからの署名付きローンチの入口
	r.With(deps.RateLimiter.LaunchMiddleware()).Post("/lti/launch", launchHandler.Launch)

	// 運用エンドポイント
	r.Get("/health", healthHandler(deps.DB))
	r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)

	// --- LTI認証済みセッションが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLTISessionMiddleware(deps.Binder))

		// ローンチ後の分岐点
		r.Get("/lti/launch", launchHandler.Resume)

		// 設問・投票・結果
		r.Route("/questions/{id}", func(r chi.Router) {
			r.Get("/", pollHandler.GetQuestion)
			r.Post("/vote", pollHandler.Vote)
			r.Get("/results", pollHandler.Results)
		})
	})

	return r
}

// healthHandler はDB疎通を含むヘルスチェックハンドラーを返す。
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
