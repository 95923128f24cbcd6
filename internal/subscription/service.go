// Package subscription は購読1件ごとの更新処理と、複数の購読をまとめて扱うManagerを提供する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/memborsky/puckfetcher/internal/metrics"
	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/ratelimit"
	"github.com/memborsky/puckfetcher/internal/worker/download"
	"github.com/memborsky/puckfetcher/internal/worker/fetch"
)

// rateLimitOp はエントリダウンロードのレート制限キーに使う操作名。
const rateLimitOp = "download"

// FeedFetcher はフィード取得のインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, sub *model.Subscription) (fetch.Result, error)
}

// EntryDownloader はエンクロージャー1件のダウンロードのインターフェース。
type EntryDownloader interface {
	Download(ctx context.Context, rawURL, dest string) (download.Result, error)
}

// Service は購読1件の更新（フェッチ、バックログ計画、キュー処理）を行う。
type Service struct {
	fetcher          FeedFetcher
	downloader       EntryDownloader
	limiter          *ratelimit.Limiter
	metrics          metrics.MetricsCollector
	logger           *slog.Logger
	downloadsPerHour int
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	fetcher FeedFetcher,
	downloader EntryDownloader,
	limiter *ratelimit.Limiter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	downloadsPerHour int,
) *Service {
	return &Service{
		fetcher:          fetcher,
		downloader:       downloader,
		limiter:          limiter,
		metrics:          collector,
		logger:           logger,
		downloadsPerHour: downloadsPerHour,
	}
}

// AttemptUpdate はフィードを取得し、新しいエントリをダウンロードキューに追加してからキューを処理する。
// 取得が304の場合もキューの計画と処理を行い、Unneededを返す。
// 取得または計画に失敗した場合はFailureを返し、キューは処理しない。
func (s *Service) AttemptUpdate(ctx context.Context, sub *model.Subscription) (model.UpdateResult, error) {
	res, err := s.fetcher.Fetch(ctx, sub)
	if err != nil {
		return model.UpdateResultFailure, fmt.Errorf("フィード取得に失敗: %w", err)
	}

	plan, err := PlanBacklog(sub)
	if err != nil {
		s.logger.Error("バックログ上限が不正です。何もダウンロードしません",
			slog.String("subscription", sub.Name),
			slog.Any("backlog_limit", sub.BacklogLimit),
		)
		return model.UpdateResultFailure, err
	}
	if plan.FirstContact {
		s.logger.Info("初回取得のためバックログを計画しました",
			slog.String("subscription", sub.Name),
			slog.Int("entries", sub.EntryCount()),
			slog.Int("latest_entry_number", sub.LatestEntryNumberOr(0)),
		)
	}

	if len(plan.Numbers) == 0 {
		s.logger.Info("新しいエントリはありません",
			slog.String("subscription", sub.Name),
			slog.Int("entries", sub.EntryCount()),
		)
	} else {
		accepted := Enqueue(sub, plan.Numbers)
		s.logger.Info("新しいエントリをキューに追加しました",
			slog.String("subscription", sub.Name),
			slog.Any("added", accepted),
			slog.Int("queue_length", len(sub.FeedState.Queue)),
		)
	}

	if _, err := s.DownloadQueue(ctx, sub); err != nil {
		return res.Update, err
	}
	return res.Update, nil
}

// DownloadQueue はキューの先頭から順にエントリをダウンロードし、ダウンロードしたエントリ数を返す。
//
// 範囲外の番号は捨てる。ダウンロード済みとして記録されているエントリはI/Oなしでスキップし、
// 状態も変更しない。
// 転送エラーまたはctxのキャンセルで中断した場合は、処理中の番号をキューの先頭に戻してからエラーを返す。
func (s *Service) DownloadQueue(ctx context.Context, sub *model.Subscription) (int, error) {
	s.logger.Info("キューの処理を開始します",
		slog.String("subscription", sub.Name),
		slog.Int("queue_length", len(sub.FeedState.Queue)),
	)

	downloaded := 0
	for {
		if err := ctx.Err(); err != nil {
			return downloaded, err
		}
		num, ok := popFront(sub)
		if !ok {
			return downloaded, nil
		}

		entry, ok := sub.EntryByNumber(num)
		if !ok {
			s.logger.Warn("範囲外のエントリ番号をキューから破棄しました",
				slog.String("subscription", sub.Name),
				slog.Int("entry_number", num),
				slog.Int("entries", sub.EntryCount()),
			)
			continue
		}

		if sub.IsDownloaded(num) {
			s.logger.Info("ダウンロード済みのためスキップします",
				slog.String("subscription", sub.Name),
				slog.Int("entry_number", num),
				slog.Int("age", sub.EntryCount()-num),
			)
			continue
		}

		if err := s.downloadEntry(ctx, sub, num, entry); err != nil {
			requeueFront(sub, num)
			if ctx.Err() != nil {
				s.logger.Warn("ダウンロードが中断されました。エントリをキューに戻します",
					slog.String("subscription", sub.Name),
					slog.Int("entry_number", num),
				)
				return downloaded, ctx.Err()
			}
			s.logger.Error("エントリのダウンロードに失敗しました",
				slog.String("subscription", sub.Name),
				slog.Int("entry_number", num),
				slog.String("error", err.Error()),
			)
			return downloaded, fmt.Errorf("エントリ%dのダウンロードに失敗: %w", num, err)
		}

		ensureEntriesState(sub)
		sub.FeedState.EntriesState[num-1] = true
		advanceLatest(sub, num)
		s.metrics.RecordEntryDownloaded(sub.Name)
		downloaded++
	}
}

// downloadEntry はエントリのエンクロージャーをすべてダウンロードする。
// エンクロージャーが複数ある場合はエントリのタイトルのサブディレクトリに保存する。
func (s *Service) downloadEntry(ctx context.Context, sub *model.Subscription, num int, entry model.Entry) error {
	if len(entry.URLs) == 0 {
		s.logger.Info("エンクロージャーのないエントリです",
			slog.String("subscription", sub.Name),
			slog.Int("entry_number", num),
		)
		return nil
	}

	// 複数ある場合、タイトルはディレクトリ名に使うためファイル名はURLから取る
	dir := sub.Directory
	useTitle := sub.UseTitleAsFilename
	if len(entry.URLs) > 1 {
		dir = filepath.Join(dir, download.SanitizeFilename(entry.Title))
		useTitle = false
	}

	s.logger.Info("エントリをダウンロードします",
		slog.String("subscription", sub.Name),
		slog.Int("entry_number", num),
		slog.Int("age", sub.EntryCount()-num),
		slog.Int("enclosures", len(entry.URLs)),
	)

	return s.limiter.Gate(ctx, rateLimitOp, sub.Name, s.downloadsPerHour, time.Hour, func(ctx context.Context) error {
		for i, rawURL := range entry.URLs {
			dest := download.Destination(dir, rawURL, entry.Title, useTitle)
			if _, err := s.downloader.Download(ctx, rawURL, dest); err != nil {
				return fmt.Errorf("エンクロージャー %d/%d: %w", i+1, len(entry.URLs), err)
			}
		}
		return nil
	})
}

// advanceLatest は番号が高水位マークを超える場合に進める。
func advanceLatest(sub *model.Subscription, num int) {
	if num > sub.LatestEntryNumberOr(0) {
		sub.SetLatestEntryNumber(num)
	}
}

// IsCancellation はエラーがキャンセルまたはタイムアウトによるものかを返す。
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
