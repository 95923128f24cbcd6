// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フェッチャー、ダウンローダー、レートリミッターから利用する。
type MetricsCollector interface {
	RecordFetchSuccess(subscription string)
	RecordFetchFailure(subscription string, reason string)
	RecordParseFailure(subscription string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordFileDownloaded(bytes int64)
	RecordFileSkipped()
	RecordEntryDownloaded(subscription string)
	RecordRateLimitWait(op string, waited time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess     prometheus.Counter
	fetchFail        *prometheus.CounterVec
	parseFail        prometheus.Counter
	httpStatus       *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	filesDownloaded  prometheus.Counter
	filesSkipped     prometheus.Counter
	bytesDownloaded  prometheus.Counter
	entriesCompleted prometheus.Counter
	rateLimitWait    *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puckfetcher_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puckfetcher_fetch_fail_total",
			Help: "フィードフェッチ失敗の合計数",
		}, []string{"reason"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puckfetcher_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puckfetcher_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "puckfetcher_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		filesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puckfetcher_files_downloaded_total",
			Help: "ダウンロードしたファイルの合計数",
		}),
		filesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puckfetcher_files_skipped_total",
			Help: "既に存在したためスキップしたファイルの合計数",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puckfetcher_downloaded_bytes_total",
			Help: "ダウンロードしたバイト数の合計",
		}),
		entriesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puckfetcher_entries_downloaded_total",
			Help: "ダウンロード済みとして記録したエントリの合計数",
		}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "puckfetcher_rate_limit_wait_seconds",
			Help:    "自己レート制限による待機時間（秒）",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
		c.filesDownloaded,
		c.filesSkipped,
		c.bytesDownloaded,
		c.entriesCompleted,
		c.rateLimitWait,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(subscription string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を理由別に記録する。
func (c *Collector) RecordFetchFailure(subscription string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(subscription string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordFileDownloaded はファイルのダウンロード完了とバイト数を記録する。
func (c *Collector) RecordFileDownloaded(bytes int64) {
	c.filesDownloaded.Inc()
	c.bytesDownloaded.Add(float64(bytes))
}

// RecordFileSkipped は既存ファイルのスキップを記録する。
func (c *Collector) RecordFileSkipped() {
	c.filesSkipped.Inc()
}

// RecordEntryDownloaded はエントリのダウンロード完了を記録する。
func (c *Collector) RecordEntryDownloaded(subscription string) {
	c.entriesCompleted.Inc()
}

// RecordRateLimitWait はレート制限による待機時間を記録する。
func (c *Collector) RecordRateLimitWait(op string, waited time.Duration) {
	c.rateLimitWait.WithLabelValues(op).Observe(waited.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
