package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はAPIのレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	CommandRate     rate.Limit    // 更新・ダウンロードを伴うコマンドのレート（req/sec）。10/60
	CommandBurst    int           // コマンドのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/client、コマンド 10 req/min/client。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120)
}

// NewRateLimiterConfig はAPI全般のリクエスト数（1分あたり）からレート制限設定を組み立てる。
// 0以下の値はデフォルトの120として扱う。
func NewRateLimiterConfig(generalPerMinute int) RateLimiterConfig {
	if generalPerMinute <= 0 {
		generalPerMinute = 120
	}
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		CommandRate:     rate.Limit(10.0 / 60.0), // ~0.167 req/sec
		CommandBurst:    10,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterTable はクライアントキーからリミッターへのテーブル。
type limiterTable struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	limiters map[string]*clientLimiter
}

func newLimiterTable(r rate.Limit, burst int) *limiterTable {
	return &limiterTable{
		rate:     r,
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
	}
}

// get はクライアントのリミッターを取得または作成し、アクセス時刻を更新する。
func (t *limiterTable) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	cl, ok := t.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[key] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter
}

func (t *limiterTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// expire は最終アクセスからttlを超えたエントリを削除する。
func (t *limiterTable) expire(now time.Time, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cl := range t.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(t.limiters, key)
		}
	}
}

// RateLimiter はクライアント（リモートアドレス）ごとのレート制限を管理する。
// API全般のレート制限とコマンドのレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	general *limiterTable
	command *limiterTable

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterTable(config.GeneralRate, config.GeneralBurst),
		command: newLimiterTable(config.CommandRate, config.CommandBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general")
}

// CommandMiddleware は購読の更新やキュー処理などネットワーク転送を伴う
// コマンド用のレート制限ミドルウェアを返す。API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) CommandMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.command, "command")
}

func (rl *RateLimiter) middleware(table *limiterTable, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientKey(r)

			if !table.get(client).Allow() {
				writeRateLimitResponse(w, table.rate)
				slog.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// CommandLimiterCount は現在管理されているコマンドリミッターのエントリ数を返す。
func (rl *RateLimiter) CommandLimiterCount() int {
	return rl.command.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.expire(now, ttl)
	rl.command.expire(now, ttl)
}

// ClientKey はレート制限とログに使うクライアント識別子（リモートアドレスのホスト部）を返す。
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429を書き込む。
// Retry-Afterにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	WriteRateLimitExceeded(w, int(math.Ceil(1.0/float64(r))))
}
