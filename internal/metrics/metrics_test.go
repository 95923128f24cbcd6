package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily はレジストリから指定名のメトリクスファミリーを取得する。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordFetchSuccess_IncrementsCounter はフェッチ成功カウンタが増加することを検証する。
func TestRecordFetchSuccess_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchSuccess("podcast")
	c.RecordFetchSuccess("podcast")

	mf := findMetricFamily(t, reg, "puckfetcher_fetch_success_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("fetch_success_total = %v, want 2", val)
	}
}

// TestRecordFetchFailure_LabelsByReason はフェッチ失敗カウンタが理由ラベル付きで増加することを検証する。
func TestRecordFetchFailure_LabelsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchFailure("podcast", "not_found")
	c.RecordFetchFailure("podcast", "not_found")
	c.RecordFetchFailure("other", "too_many_attempts")

	mf := findMetricFamily(t, reg, "puckfetcher_fetch_fail_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "not_found":
			if val != 2 {
				t.Errorf("fetch_fail_total{reason=not_found} = %v, want 2", val)
			}
		case "too_many_attempts":
			if val != 1 {
				t.Errorf("fetch_fail_total{reason=too_many_attempts} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestRecordParseFailure_IncrementsCounter はパース失敗カウンタが増加することを検証する。
func TestRecordParseFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordParseFailure("podcast")
	c.RecordParseFailure("podcast")
	c.RecordParseFailure("podcast")

	mf := findMetricFamily(t, reg, "puckfetcher_parse_fail_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 3 {
		t.Errorf("parse_fail_total = %v, want 3", val)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(304)
	c.RecordHTTPStatus(304)

	mf := findMetricFamily(t, reg, "puckfetcher_http_status_total")
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 1 {
				t.Errorf("http_status_total{status_code=200} = %v, want 1", val)
			}
		case "304":
			if val != 2 {
				t.Errorf("http_status_total{status_code=304} = %v, want 2", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestRecordFetchLatency_ObservesHistogram はフェッチレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordFetchLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchLatency(100 * time.Millisecond)
	c.RecordFetchLatency(2 * time.Second)

	h := findMetricFamily(t, reg, "puckfetcher_fetch_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestRecordFileDownloaded_AccumulatesBytes はダウンロード件数とバイト数が加算されることを検証する。
func TestRecordFileDownloaded_AccumulatesBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFileDownloaded(1024)
	c.RecordFileDownloaded(2048)
	c.RecordFileSkipped()

	files := findMetricFamily(t, reg, "puckfetcher_files_downloaded_total")
	if val := files.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("files_downloaded_total = %v, want 2", val)
	}
	bytes := findMetricFamily(t, reg, "puckfetcher_downloaded_bytes_total")
	if val := bytes.GetMetric()[0].GetCounter().GetValue(); val != 3072 {
		t.Errorf("downloaded_bytes_total = %v, want 3072", val)
	}
	skipped := findMetricFamily(t, reg, "puckfetcher_files_skipped_total")
	if val := skipped.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("files_skipped_total = %v, want 1", val)
	}
}

// TestRecordRateLimitWait_LabelsByOperation はレート制限待機が操作別に記録されることを検証する。
func TestRecordRateLimitWait_LabelsByOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimitWait("feed", 30*time.Second)
	c.RecordRateLimitWait("download", 2*time.Minute)
	c.RecordRateLimitWait("download", time.Minute)

	mf := findMetricFamily(t, reg, "puckfetcher_rate_limit_wait_seconds")
	for _, m := range mf.GetMetric() {
		op := m.GetLabel()[0].GetValue()
		count := m.GetHistogram().GetSampleCount()
		switch op {
		case "feed":
			if count != 1 {
				t.Errorf("feed wait count = %d, want 1", count)
			}
		case "download":
			if count != 2 {
				t.Errorf("download wait count = %d, want 2", count)
			}
		default:
			t.Errorf("unexpected op label: %s", op)
		}
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchSuccess("podcast")
	c.RecordFetchFailure("podcast", "unreachable")
	c.RecordHTTPStatus(200)
	c.RecordFetchLatency(500 * time.Millisecond)
	c.RecordEntryDownloaded("podcast")

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"puckfetcher_fetch_success_total",
		"puckfetcher_fetch_fail_total",
		"puckfetcher_http_status_total",
		"puckfetcher_fetch_latency_seconds",
		"puckfetcher_entries_downloaded_total",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordFetchSuccess("a")
	c2.RecordFetchSuccess("b")
	c2.RecordFetchSuccess("b")

	val1 := findMetricFamily(t, reg1, "puckfetcher_fetch_success_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findMetricFamily(t, reg2, "puckfetcher_fetch_success_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 fetch_success = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 fetch_success = %v, want 2", val2)
	}
}
