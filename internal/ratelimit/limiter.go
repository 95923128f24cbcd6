// Package ratelimit はキー単位の自己レート制限を提供する。
// 同じキーの直前の呼び出し完了から一定間隔が経過するまで、次の呼び出しを待機させる。
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WaitObserver はレート制限による待機時間を受け取るインターフェース。
type WaitObserver interface {
	RecordRateLimitWait(op string, waited time.Duration)
}

// Limiter は操作名と識別子から作ったキーごとに最終完了時刻を保持する。
// プロセス内で1つだけ生成し、フェッチャーとダウンローダーに渡して使用する。
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
	observer WaitObserver
}

// New は新しいLimiterを生成する。observerはnilでもよい。
func New(logger *slog.Logger, observer WaitObserver) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
		observer: observer,
	}
}

// Key はopとdiscriminatorからレート制限キーを生成する。
func Key(op, discriminator string) string {
	return op + ":" + discriminator
}

// Interval はperiodあたりmaxPerPeriod回を許可する場合の最小間隔を返す。
// maxPerPeriodが0以下の場合は制限なし（0）を返す。
func Interval(maxPerPeriod int, period time.Duration) time.Duration {
	if maxPerPeriod <= 0 || period <= 0 {
		return 0
	}
	return period / time.Duration(maxPerPeriod)
}

// Gate はfnをレート制限付きで実行する。
// 同じキーの前回の完了からInterval未満しか経過していない場合は残り時間だけ待機する。
// 初回呼び出しは待機しない。fnの完了後（エラーの有無に関わらず）完了時刻を記録する。
// 待機中にctxがキャンセルされた場合はfnを実行せずctx.Err()を返す。
func (l *Limiter) Gate(
	ctx context.Context,
	op, discriminator string,
	maxPerPeriod int,
	period time.Duration,
	fn func(ctx context.Context) error,
) error {
	key := Key(op, discriminator)
	interval := Interval(maxPerPeriod, period)

	if err := l.wait(ctx, key, op); err != nil {
		return err
	}

	defer l.record(key, interval)
	return fn(ctx)
}

// wait は前回完了時刻に基づいて必要な時間だけ待機する。
func (l *Limiter) wait(ctx context.Context, key, op string) error {
	l.mu.Lock()
	lim, exists := l.limiters[key]
	l.mu.Unlock()

	if !exists {
		l.logger.Debug("レート制限キーを初期化します", slog.String("key", key))
		return nil
	}

	r := lim.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	l.logger.Info("自己レート制限に達したため待機します",
		slog.String("key", key),
		slog.Float64("wait_seconds", delay.Seconds()),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
	}

	if l.observer != nil {
		l.observer.RecordRateLimitWait(op, delay)
	}
	return nil
}

// record は完了時刻を記録する。
// 完了時点でトークンを消費した新しいリミッターに置き換えることで、
// 次の呼び出しが完了時刻からinterval待機するようにする。
func (l *Limiter) record(key string, interval time.Duration) {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	lim := rate.NewLimiter(limit, 1)
	lim.Allow()

	l.mu.Lock()
	l.limiters[key] = lim
	l.mu.Unlock()
}

// KeyCount は管理しているキーの数を返す。
// テストおよびメトリクス用。
func (l *Limiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
