package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// staticDirs はDirectorySourceのテスト用モック。
type staticDirs []string

func (s staticDirs) DownloadDirectories() []string { return s }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupJob_Run_RemovesStalePartialFiles(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()

	stale := filepath.Join(dir, "ep1.mp3.part")
	nested := filepath.Join(dir, "Episode 2", "a.mp3.part")
	fresh := filepath.Join(dir, "ep3.mp3.part")
	complete := filepath.Join(dir, "ep0.mp3")
	writeFile(t, stale, 48*time.Hour)
	writeFile(t, nested, 25*time.Hour)
	writeFile(t, fresh, time.Hour)
	writeFile(t, complete, 72*time.Hour)

	job := NewCleanupJob(staticDirs{dir}, newTestLogger(&buf))
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if exists(stale) || exists(nested) {
		t.Error("stale partial files should be removed")
	}
	if !exists(fresh) {
		t.Error("fresh partial file must be kept")
	}
	if !exists(complete) {
		t.Error("completed download must never be removed")
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.part"), 48*time.Hour)
	writeFile(t, filepath.Join(dir, "b.part"), 48*time.Hour)

	job := NewCleanupJob(staticDirs{dir}, newTestLogger(&buf))
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_count"] == float64(2) {
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("duration_ms should be logged")
			}
			found = true
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=2 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_MissingDirectoryIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(staticDirs{filepath.Join(t.TempDir(), "never-created")}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Errorf("missing directory returned error: %v", err)
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.part"), 48*time.Hour)

	job := NewCleanupJob(staticDirs{dir}, newTestLogger(&buf))
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("1回目の Run() がエラーを返した: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}
}

func TestCleanupJob_CustomTTL(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	path := filepath.Join(dir, "a.part")
	writeFile(t, path, 2*time.Hour)

	job := NewCleanupJob(staticDirs{dir}, newTestLogger(&buf))
	job.TTL = time.Hour
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists(path) {
		t.Error("partial file older than custom TTL should be removed")
	}
}

func TestCleanupJob_Run_RespectsContext(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	path := filepath.Join(dir, "a.part")
	writeFile(t, path, 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewCleanupJob(staticDirs{dir}, newTestLogger(&buf))
	err := job.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !exists(path) {
		t.Error("cancelled job must not remove files")
	}
}
