package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/memborsky/puckfetcher/internal/config"
	"github.com/memborsky/puckfetcher/internal/database"
	"github.com/memborsky/puckfetcher/internal/handler"
	"github.com/memborsky/puckfetcher/internal/logger"
	"github.com/memborsky/puckfetcher/internal/metrics"
	"github.com/memborsky/puckfetcher/internal/middleware"
	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/ratelimit"
	"github.com/memborsky/puckfetcher/internal/repository"
	"github.com/memborsky/puckfetcher/internal/security"
	"github.com/memborsky/puckfetcher/internal/subscription"
	"github.com/memborsky/puckfetcher/internal/worker/cleanup"
	"github.com/memborsky/puckfetcher/internal/worker/download"
	fetchpkg "github.com/memborsky/puckfetcher/internal/worker/fetch"
)

// Version はビルド時に -ldflags "-X github.com/memborsky/puckfetcher/internal/app.Version=..." で上書きする。
var Version = "dev"

// ProjectURL はUser-Agentに含めるプロジェクトのURL。
const ProjectURL = "https://github.com/memborsky/puckfetcher"

// cleanupInterval は一時ファイルのクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// UserAgent はフィード取得とダウンロードで送るUser-Agentを返す。
func UserAgent() string {
	return fmt.Sprintf("puckfetcher/%s +%s", Version, ProjectURL)
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELとLOG_FILEに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はLOG_FILEより優先してログ出力先に使用する。
// 返されるcloseはログファイルを閉じる。
func Init(w io.Writer) (*config.Config, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	closeLog := func() error { return nil }
	if w == nil {
		w, closeLog, err = logger.OpenOutput(cfg.LogFile)
		if err != nil {
			return nil, nil, err
		}
	}
	logger.SetupDefault(w, level)

	return cfg, closeLog, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応する処理を実行する。
// argsにはos.Args[1:]を渡す。コマンドの結果はstdoutに、ログはlogwに書き込む
// （logwがnilの場合はLOG_FILEまたは標準エラー出力）。
// ctxがキャンセルされると実行中の更新は状態を保存して終了する。
func Run(ctx context.Context, stdout, logw io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	switch cmd {
	case CommandUnknown:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], Usage)
	case CommandHealthcheck:
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, closeLog, err := Init(logw)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer closeLog()

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", Version),
		slog.String("config_file", cfg.ConfigFile),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg)
	}

	c, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case CommandUpdate:
		return runUpdate(ctx, stdout, c, rest)
	case CommandUpdateForever:
		return runUpdateForever(ctx, cfg, c)
	case CommandList:
		for _, line := range c.manager.List() {
			fmt.Fprintln(stdout, line)
		}
		return nil
	case CommandDetails:
		return runDetails(stdout, c, rest)
	case CommandEnqueue:
		return runNumbersCommand(ctx, stdout, rest, c.manager.Enqueue)
	case CommandMark:
		return runNumbersCommand(ctx, stdout, rest, c.manager.Mark)
	case CommandUnmark:
		return runNumbersCommand(ctx, stdout, rest, c.manager.Unmark)
	case CommandDownloadQueue:
		return runDownloadQueue(ctx, stdout, c, rest)
	case CommandServe:
		return runServe(ctx, cfg, c)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// components は購読の更新に必要な依存関係をまとめたもの。
type components struct {
	manager  *subscription.Manager
	registry *prometheus.Registry
	db       *sql.DB // DATABASE_URL未設定の場合はnil
}

// newComponents は依存関係をワイヤリングし、購読ファイルと保存済みの状態を読み込む。
func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	log := slog.Default()

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. セキュリティとレート制限
	guard := security.NewSSRFGuard(cfg.AllowPrivateNetworks)
	limiter := ratelimit.New(log, collector)

	// 3. フェッチャーとダウンローダー
	source := fetchpkg.NewHTTPSource(guard, security.NewTitleSanitizer(), UserAgent(), cfg.FetchTimeout, cfg.FetchMaxSize)
	fetcher := fetchpkg.NewFetcher(source, limiter, collector, log, cfg.FetchMaxAttempts, cfg.FeedFetchesPerHour)
	downloader := download.NewDownloader(guard, collector, log, UserAgent(), cfg.DownloadTimeout)
	service := subscription.NewService(fetcher, downloader, limiter, collector, log, cfg.DownloadsPerHour)

	// 4. リポジトリ
	repo, db, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &components{
		manager:  subscription.NewManager(service, repo, log),
		registry: registry,
		db:       db,
	}

	// 5. 購読ファイル
	file, err := config.LoadSubscriptionsFile(cfg.ConfigFile, cfg.DataDir, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("購読ファイルの読み込みに失敗: %w", err)
	}
	if err := c.manager.Load(ctx, file.Resolved()); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Close はDB接続を閉じる。
func (c *components) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// openRepository はDATABASE_URLが設定されていればPostgreSQL、そうでなければJSONキャッシュファイルのリポジトリを返す。
func openRepository(ctx context.Context, cfg *config.Config) (repository.SubscriptionRepository, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		slog.Info("using cache file", slog.String("cache_file", cfg.CacheFile))
		return repository.NewFileSubscriptionRepo(cfg.CacheFile), nil, nil
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewPostgresSubscriptionRepo(db), db, nil
}

// runUpdate は全購読、または番号指定された購読を1回更新する。
func runUpdate(ctx context.Context, stdout io.Writer, c *components, args []string) error {
	if len(args) == 0 {
		if err := c.manager.UpdateAll(ctx); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Updated %d subscriptions.\n", c.manager.Len())
		return nil
	}

	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	outcome, err := c.manager.Update(ctx, index)
	return printOutcome(stdout, outcome, err)
}

func runDetails(stdout io.Writer, c *components, args []string) error {
	if len(args) == 0 {
		return &model.BadCommandError{Desc: "details requires a subscription number."}
	}
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	details, err := c.manager.Details(index)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, details)
	return nil
}

func runDownloadQueue(ctx context.Context, stdout io.Writer, c *components, args []string) error {
	if len(args) == 0 {
		return &model.BadCommandError{Desc: "download-queue requires a subscription number."}
	}
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	outcome, err := c.manager.DownloadQueue(ctx, index)
	return printOutcome(stdout, outcome, err)
}

// runNumbersCommand は "SUB NUMS..." 形式の引数を解析してenqueue/mark/unmarkを実行する。
func runNumbersCommand(
	ctx context.Context,
	stdout io.Writer,
	args []string,
	command func(ctx context.Context, index int, nums []int) (model.Outcome, error),
) error {
	if len(args) == 0 {
		return &model.BadCommandError{Desc: "a subscription number is required."}
	}
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	nums, invalid := subscription.ParseNumbers(strings.Join(args[1:], " "))
	if len(invalid) > 0 {
		slog.Warn("解釈できないエントリ番号を無視しました", slog.Any("tokens", invalid))
	}

	outcome, err := command(ctx, index, nums)
	return printOutcome(stdout, outcome, err)
}

// parseIndex は1始まりの購読番号を0始まりのインデックスに変換する。
// 範囲の検証はManagerが行う。
func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &model.BadCommandError{Desc: fmt.Sprintf("Invalid sub number %q.", s)}
	}
	return n - 1, nil
}

// printOutcome は結果のメッセージを表示し、失敗した場合はその原因を返す。
func printOutcome(stdout io.Writer, outcome model.Outcome, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, outcome.Message)
	if !outcome.Success {
		if outcome.Err != nil {
			return outcome.Err
		}
		return errors.New(outcome.Message)
	}
	return nil
}

// runUpdateForever はUPDATE_INTERVALごとに全購読を更新する。
// 一時ファイルのクリーンアップジョブをバックグラウンドで実行する。
func runUpdateForever(ctx context.Context, cfg *config.Config, c *components) error {
	go runCleanupLoop(ctx, cfg, c.manager)

	scheduler := fetchpkg.NewScheduler(c.manager, slog.Default())
	scheduler.Start(ctx, cfg.UpdateInterval)

	slog.Info("update scheduler stopped gracefully")
	return nil
}

// runCleanupLoop は起動直後に1回、その後cleanupIntervalごとにクリーンアップジョブを実行する。
func runCleanupLoop(ctx context.Context, cfg *config.Config, dirs cleanup.DirectorySource) {
	job := cleanup.NewCleanupJob(dirs, slog.Default())
	job.TTL = cfg.PartialFileTTL

	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runServe はAPIサーバーモードで起動する。
// 更新スケジューラとクリーンアップジョブをバックグラウンドで実行し、
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, c *components) error {
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:         slog.Default(),
		RateLimiter:    rateLimiter,
		Manager:        c.manager,
		MetricsHandler: metrics.Handler(c.registry),
	}
	if c.db != nil {
		deps.HealthChecker = c.db
	}

	// コマンドはダウンロード完了まで応答しないため書き込みタイムアウトは設けない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go runCleanupLoop(ctx, cfg, c.manager)
	go fetchpkg.NewScheduler(c.manager, slog.Default()).Start(ctx, cfg.UpdateInterval)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
