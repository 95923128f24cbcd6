package fetch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/memborsky/puckfetcher/internal/metrics"
	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/ratelimit"
)

// DefaultMaxAttempts はフェッチ1回あたりの再試行上限のデフォルト値。
const DefaultMaxAttempts = 10

// rateLimitOp はフィード取得のレート制限キーに使う操作名。
const rateLimitOp = "feed"

// Result はフェッチ1回の結果。
type Result struct {
	Update model.UpdateResult
	// Changed は200を受け取り、エントリが前回から変化した場合にtrue。
	Changed bool
	// Attempts はソースを呼び出した回数。
	Attempts int
}

// Fetcher は購読のフィードを取得し、リダイレクトとエラーを解決して
// 購読のFeedStateとCurrentURLを更新する。
type Fetcher struct {
	source         FeedSource
	limiter        *ratelimit.Limiter
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxAttempts    int
	fetchesPerHour int
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// maxAttemptsが0以下の場合はDefaultMaxAttemptsを使用する。
func NewFetcher(
	source FeedSource,
	limiter *ratelimit.Limiter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxAttempts int,
	fetchesPerHour int,
) *Fetcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Fetcher{
		source:         source,
		limiter:        limiter,
		metrics:        collector,
		logger:         logger,
		maxAttempts:    maxAttempts,
		fetchesPerHour: fetchesPerHour,
	}
}

// Fetch は購読のフィードを取得する。
//
// 恒久的なリダイレクト（301/308）はsub.CurrentURLを書き換え、401/410はsub.CurrentURLを空にする。
// ただし一時的なリダイレクト（302/303/307）を経由した後は、どちらもこのフェッチ内の
// 取得先だけに作用し、sub.CurrentURLは変更しない。
// 失敗時はFeedStateを変更しない。
func (f *Fetcher) Fetch(ctx context.Context, sub *model.Subscription) (Result, error) {
	target := sub.CurrentURL
	viaTemporary := false

	for attempt := 0; ; attempt++ {
		if attempt > f.maxAttempts {
			f.metrics.RecordFetchFailure(sub.Name, "too_many_attempts")
			f.logger.Error("再試行回数の上限に達しました",
				slog.String("subscription", sub.Name),
				slog.String("url", target),
				slog.Int("attempts", attempt),
			)
			return Result{Update: model.UpdateResultFailure, Attempts: attempt},
				&model.UnreachableFeedError{URL: target, Reason: "too many attempts"}
		}
		if target == "" {
			f.metrics.RecordFetchFailure(sub.Name, "no_url")
			return Result{Update: model.UpdateResultFailure, Attempts: attempt},
				&model.UnreachableFeedError{Reason: "no URL"}
		}

		res, err := f.attempt(ctx, sub, target)
		calls := attempt + 1
		if err != nil {
			return Result{Update: model.UpdateResultFailure, Attempts: calls}, f.classifyError(ctx, sub, target, err)
		}

		f.metrics.RecordHTTPStatus(res.StatusCode)
		class := ClassifyHTTPStatus(res.StatusCode)

		switch class {
		case FetchResultOK:
			changed := !entriesEqual(sub.FeedState.Entries, res.Entries)
			sub.FeedState.Entries = res.Entries
			sub.FeedState.ETag = res.ETag
			sub.FeedState.LastModified = res.LastModified
			f.metrics.RecordFetchSuccess(sub.Name)
			f.logger.Info("フィードを取得しました",
				slog.String("subscription", sub.Name),
				slog.String("url", target),
				slog.Int("http_status", res.StatusCode),
				slog.Int("entries", len(res.Entries)),
				slog.Bool("changed", changed),
			)
			return Result{Update: model.UpdateResultSuccess, Changed: changed, Attempts: calls}, nil

		case FetchResultNotModified:
			f.metrics.RecordFetchSuccess(sub.Name)
			f.logger.Info("フィードは未変更です（304）",
				slog.String("subscription", sub.Name),
				slog.String("url", target),
			)
			return Result{Update: model.UpdateResultUnneeded, Attempts: calls}, nil

		case FetchResultPermanentRedirect:
			if res.RedirectURL == "" {
				f.logRetry(sub, target, res.StatusCode, "Locationのないリダイレクト")
				continue
			}
			f.logger.Info("恒久的なリダイレクトを受け取りました",
				slog.String("subscription", sub.Name),
				slog.String("from", target),
				slog.String("to", res.RedirectURL),
				slog.Bool("via_temporary", viaTemporary),
			)
			target = res.RedirectURL
			if !viaTemporary {
				sub.CurrentURL = target
			}

		case FetchResultTemporaryRedirect:
			if res.RedirectURL == "" {
				f.logRetry(sub, target, res.StatusCode, "Locationのないリダイレクト")
				continue
			}
			f.logger.Info("一時的なリダイレクトを受け取りました",
				slog.String("subscription", sub.Name),
				slog.String("from", target),
				slog.String("to", res.RedirectURL),
			)
			target = res.RedirectURL
			viaTemporary = true

		case FetchResultNotFound:
			f.metrics.RecordFetchFailure(sub.Name, "not_found")
			f.logger.Warn("フィードが見つかりません",
				slog.String("subscription", sub.Name),
				slog.String("url", target),
				slog.Int("http_status", res.StatusCode),
			)
			return Result{Update: model.UpdateResultFailure, Attempts: calls},
				&model.UnreachableFeedError{URL: target, Status: res.StatusCode, Reason: "not found"}

		case FetchResultStop:
			f.metrics.RecordFetchFailure(sub.Name, "gone")
			if !viaTemporary {
				sub.CurrentURL = ""
			}
			f.logger.Warn("フィードURLを破棄しました。設定ファイルのURLを確認してください",
				slog.String("subscription", sub.Name),
				slog.String("url", target),
				slog.Int("http_status", res.StatusCode),
				slog.String("provided_url", sub.ProvidedURL),
			)
			return Result{Update: model.UpdateResultFailure, Attempts: calls},
				&model.UnreachableFeedError{URL: target, Status: res.StatusCode, Reason: "unauthorized or gone"}

		default:
			f.logRetry(sub, target, res.StatusCode, "予期しないHTTPステータス")
		}
	}
}

// attempt はレート制限の下でソースを1回呼び出す。
func (f *Fetcher) attempt(ctx context.Context, sub *model.Subscription, target string) (*model.ParseResult, error) {
	var res *model.ParseResult
	err := f.limiter.Gate(ctx, rateLimitOp, sub.Name, f.fetchesPerHour, time.Hour, func(ctx context.Context) error {
		start := time.Now()
		defer func() { f.metrics.RecordFetchLatency(time.Since(start)) }()

		var err error
		res, err = f.source.Parse(ctx, target, sub.FeedState.ETag, sub.FeedState.LastModified)
		return err
	})
	return res, err
}

// classifyError はソースのエラーをドメインエラーに変換する。
// キャンセルはそのまま返す。
func (f *Fetcher) classifyError(ctx context.Context, sub *model.Subscription, target string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var malformed *model.MalformedFeedError
	if errors.As(err, &malformed) {
		f.metrics.RecordParseFailure(sub.Name)
		f.logger.Error("フィードの解析に失敗しました",
			slog.String("subscription", sub.Name),
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return malformed
	}

	f.metrics.RecordFetchFailure(sub.Name, "unreachable")
	f.logger.Error("フィードに接続できませんでした",
		slog.String("subscription", sub.Name),
		slog.String("url", target),
		slog.String("error", err.Error()),
	)
	var unreachable *model.UnreachableFeedError
	if errors.As(err, &unreachable) {
		return unreachable
	}
	return &model.UnreachableFeedError{URL: target, Reason: "request failed", Err: err}
}

func (f *Fetcher) logRetry(sub *model.Subscription, target string, status int, reason string) {
	f.logger.Warn("同じURLで再試行します",
		slog.String("subscription", sub.Name),
		slog.String("url", target),
		slog.Int("http_status", status),
		slog.String("reason", reason),
	)
}

func entriesEqual(a, b []model.Entry) bool {
	return slices.EqualFunc(a, b, func(x, y model.Entry) bool {
		return x.Title == y.Title && x.Link == y.Link && slices.Equal(x.URLs, y.URLs)
	})
}
