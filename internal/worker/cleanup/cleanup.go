// Package cleanup は中断されたダウンロードが残した一時ファイルの削除ジョブを提供する。
// 保持期間（デフォルト24時間）を超過した ".part" ファイルを購読のディレクトリから削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/memborsky/puckfetcher/internal/worker/download"
)

// DirectorySource は掃除対象のダウンロードディレクトリを列挙するインターフェース。
type DirectorySource interface {
	DownloadDirectories() []string
}

// CleanupJob は保持期間を超過した一時ファイルの削除ジョブ。
// 冪等: 削除対象がない場合や、ディレクトリが存在しない場合もエラーにならない。
type CleanupJob struct {
	dirs   DirectorySource
	logger *slog.Logger
	TTL    time.Duration // 一時ファイルの保持期間（デフォルト: 24時間）
	now    func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(dirs DirectorySource, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		dirs:   dirs,
		logger: logger,
		TTL:    24 * time.Hour,
		now:    time.Now,
	}
}

// Run は各ディレクトリを走査し、更新時刻がTTLより古い一時ファイルを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-j.TTL)

	var deletedCount int
	for _, dir := range j.dirs.DownloadDirectories() {
		n, err := j.cleanDir(ctx, dir, cutoff)
		deletedCount += n
		if err != nil {
			j.logger.Error("一時ファイルのクリーンアップに失敗しました",
				slog.String("directory", dir),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("一時ファイルのクリーンアップに失敗: %w", err)
		}
	}

	j.logger.Info("一時ファイルのクリーンアップが完了しました",
		slog.Int("deleted_count", deletedCount),
		slog.Duration("ttl", j.TTL),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) cleanDir(ctx context.Context, dir string, cutoff time.Time) (int, error) {
	var deleted int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), download.PartialSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		j.logger.Debug("一時ファイルを削除しました", slog.String("path", path))
		deleted++
		return nil
	})
	return deleted, err
}
