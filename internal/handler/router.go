package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memborsky/puckfetcher/internal/middleware"
)

// HealthChecker はヘルスチェックで到達性を確認する依存（DB接続など）のインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 購読
	Manager SubscriptionManager

	// 監視
	MetricsHandler http.Handler
	HealthChecker  HealthChecker // nilの場合はプロセスの生存のみを返す
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → RateLimit(General) → RateLimit(Command、コマンドのみ)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	health := NewHealthHandler(deps.HealthChecker)
	subHandler := NewSubscriptionHandler(deps.Manager, deps.Logger)

	// --- 監視 ---
	r.Get("/health", health.ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/subscriptions", func(r chi.Router) {
			r.Get("/", subHandler.ListSubscriptions)
			r.With(deps.RateLimiter.CommandMiddleware()).Post("/update", subHandler.UpdateAll)

			r.Route("/{index}", func(r chi.Router) {
				r.Get("/", subHandler.GetSubscription)
				r.Post("/enqueue", subHandler.Enqueue)
				r.Post("/mark", subHandler.Mark)
				r.Post("/unmark", subHandler.Unmark)

				// ネットワーク転送を伴うコマンド
				r.Group(func(r chi.Router) {
					r.Use(deps.RateLimiter.CommandMiddleware())
					r.Post("/update", subHandler.Update)
					r.Post("/download-queue", subHandler.DownloadQueue)
				})
			})
		})
	})

	return r
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// ServeHTTP はヘルスチェックに応答する。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		if err := h.checker.PingContext(r.Context()); err != nil {
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
