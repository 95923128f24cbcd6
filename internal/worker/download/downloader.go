// Package download はエンクロージャーをローカルファイルに保存する処理を提供する。
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/memborsky/puckfetcher/internal/metrics"
	"github.com/memborsky/puckfetcher/internal/security"
)

// PartialSuffix はダウンロード中のファイルに付ける拡張子。
// 完了後にリネームされるため、この拡張子のファイルは中断の残骸とみなせる。
const PartialSuffix = ".part"

// Result はダウンロード1件の結果。
type Result struct {
	Path    string
	Bytes   int64
	Skipped bool // 保存先が既に存在したため何もしなかった
}

// StatusError はダウンロード先が2xx以外を返した場合のエラー。
type StatusError struct {
	URL        string
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
}

// Downloader はエンクロージャーをHTTPで取得してファイルに保存する。
type Downloader struct {
	client    *http.Client
	guard     security.SSRFGuardService
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	userAgent string
}

// NewDownloader はDownloaderの新しいインスタンスを生成する。
func NewDownloader(
	guard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	userAgent string,
	timeout time.Duration,
) *Downloader {
	return &Downloader{
		client:    guard.NewSafeClient(timeout, security.FollowRedirects),
		guard:     guard,
		metrics:   collector,
		logger:    logger,
		userAgent: userAgent,
	}
}

// Download はrawURLの内容をdestに保存する。
// destが既に存在する場合は何もせずSkippedを返す（内容の検証はしない）。
// 転送は dest+".part" に書き込んでから名前を変更するため、
// 失敗やキャンセルでdestに不完全なファイルが残ることはない。
func (d *Downloader) Download(ctx context.Context, rawURL, dest string) (Result, error) {
	if _, err := os.Stat(dest); err == nil {
		d.metrics.RecordFileSkipped()
		d.logger.Info("ファイルが既に存在するためスキップします",
			slog.String("path", dest),
		)
		return Result{Path: dest, Skipped: true}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Result{}, fmt.Errorf("保存先の確認に失敗: %w", err)
	}

	if err := d.guard.ValidateURL(rawURL); err != nil {
		return Result{}, fmt.Errorf("URL検証に失敗: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("ディレクトリ作成に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	d.logger.Info("ダウンロードを開始します",
		slog.String("url", rawURL),
		slog.String("path", dest),
	)

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	written, err := writeAtomically(dest, resp.Body)
	if err != nil {
		return Result{}, err
	}

	d.metrics.RecordFileDownloaded(written)
	d.logger.Info("ダウンロードが完了しました",
		slog.String("path", dest),
		slog.Int64("bytes", written),
	)
	return Result{Path: dest, Bytes: written}, nil
}

// writeAtomically はrをdest+".part"に書き込み、成功したらdestに名前を変更する。
// 失敗した場合は一時ファイルを削除する。
func writeAtomically(dest string, r io.Reader) (written int64, err error) {
	partial := dest + PartialSuffix
	f, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("一時ファイル作成に失敗: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(partial)
		}
	}()

	written, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("ファイル書き込みに失敗: %w", err)
	}

	if err := os.Rename(partial, dest); err != nil {
		return written, fmt.Errorf("ファイル名の変更に失敗: %w", err)
	}
	return written, nil
}
