package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/memborsky/puckfetcher/internal/metrics"
	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/ratelimit"
)

// sourceCall はmockSourceへの呼び出し記録。
type sourceCall struct {
	url          string
	etag         string
	lastModified string
}

// mockSource はURLごとに固定の応答を返すFeedSourceのテスト用モック。
type mockSource struct {
	responses map[string]*model.ParseResult
	errs      map[string]error
	calls     []sourceCall
}

func (m *mockSource) Parse(_ context.Context, feedURL, etag, lastModified string) (*model.ParseResult, error) {
	m.calls = append(m.calls, sourceCall{url: feedURL, etag: etag, lastModified: lastModified})
	if err, ok := m.errs[feedURL]; ok {
		return nil, err
	}
	if res, ok := m.responses[feedURL]; ok {
		return res, nil
	}
	return &model.ParseResult{StatusCode: 404}, nil
}

func (m *mockSource) calledURLs() []string {
	urls := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		urls = append(urls, c.url)
	}
	return urls
}

func newTestFetcher(t *testing.T, source FeedSource, buf *bytes.Buffer) *Fetcher {
	t.Helper()
	logger := newTestLogger(buf)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	return NewFetcher(source, ratelimit.New(logger, collector), collector, logger, DefaultMaxAttempts, 0)
}

func newTestSubscription(t *testing.T, url string) *model.Subscription {
	t.Helper()
	sub, err := model.NewSubscription("Test Podcast", url, model.SubscriptionOptions{
		Directory:       t.TempDir(),
		DownloadBacklog: true,
	})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	return sub
}

func okResult(titles ...string) *model.ParseResult {
	entries := make([]model.Entry, 0, len(titles))
	for _, title := range titles {
		entries = append(entries, model.Entry{
			Title: title,
			URLs:  []string{"https://cdn.example.com/" + title + ".mp3"},
		})
	}
	return &model.ParseResult{
		StatusCode:   200,
		Entries:      entries,
		ETag:         `"v2"`,
		LastModified: "Wed, 01 Jan 2025 00:00:00 GMT",
	}
}

func TestFetcher_Fetch_Success200(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://example.com/feed": okResult("ep2", "ep1"),
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")

	res, err := f.Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Update != model.UpdateResultSuccess {
		t.Errorf("Update = %v, want success", res.Update)
	}
	if !res.Changed {
		t.Error("Changed should be true on first fetch")
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if len(sub.FeedState.Entries) != 2 || sub.FeedState.Entries[0].Title != "ep2" {
		t.Errorf("Entries = %+v", sub.FeedState.Entries)
	}
	if sub.FeedState.ETag != `"v2"` {
		t.Errorf("ETag = %q", sub.FeedState.ETag)
	}
	if sub.FeedState.LastModified != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("LastModified = %q", sub.FeedState.LastModified)
	}
}

func TestFetcher_Fetch_UnchangedEntriesReportNotChanged(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://example.com/feed": okResult("ep1"),
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")
	sub.FeedState.Entries = okResult("ep1").Entries

	res, err := f.Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Changed {
		t.Error("Changed should be false when entries are identical")
	}
}

func TestFetcher_Fetch_SendsConditionalHeaders(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://example.com/feed": {StatusCode: 304},
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")
	sub.FeedState.ETag = `"v1"`
	sub.FeedState.LastModified = "Tue, 31 Dec 2024 00:00:00 GMT"

	if _, err := f.Fetch(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(source.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(source.calls))
	}
	if source.calls[0].etag != `"v1"` || source.calls[0].lastModified != "Tue, 31 Dec 2024 00:00:00 GMT" {
		t.Errorf("conditional headers not passed: %+v", source.calls[0])
	}
}

func TestFetcher_Fetch_304KeepsState(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://example.com/feed": {StatusCode: 304},
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")
	sub.FeedState.Entries = okResult("ep1").Entries
	sub.FeedState.ETag = `"v1"`

	res, err := f.Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Update != model.UpdateResultUnneeded {
		t.Errorf("Update = %v, want unneeded", res.Update)
	}
	if len(sub.FeedState.Entries) != 1 || sub.FeedState.ETag != `"v1"` {
		t.Errorf("FeedState changed on 304: %+v", sub.FeedState)
	}
}

// 恒久的なリダイレクトはCurrentURLを更新し、次回以降は新しいURLを直接取得する。
func TestFetcher_Fetch_PermanentRedirectUpdatesCurrentURL(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://old.example.com/feed": {StatusCode: 301, RedirectURL: "https://new.example.com/feed"},
		"https://new.example.com/feed": okResult("ep1"),
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://old.example.com/feed")

	res, err := f.Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Update != model.UpdateResultSuccess {
		t.Errorf("Update = %v, want success", res.Update)
	}
	if sub.CurrentURL != "https://new.example.com/feed" {
		t.Errorf("CurrentURL = %q, want new URL", sub.CurrentURL)
	}
	if sub.ProvidedURL != "https://old.example.com/feed" {
		t.Errorf("ProvidedURL changed: %q", sub.ProvidedURL)
	}

	source.calls = nil
	if _, err := f.Fetch(context.Background(), sub); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got := source.calledURLs(); len(got) != 1 || got[0] != "https://new.example.com/feed" {
		t.Errorf("second fetch called %v, want only the new URL", got)
	}
}

// 一時的なリダイレクトはこのフェッチの取得先だけに作用する。
func TestFetcher_Fetch_TemporaryRedirectKeepsCurrentURL(t *testing.T) {
	for _, status := range []int{302, 303, 307} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			var buf bytes.Buffer
			source := &mockSource{responses: map[string]*model.ParseResult{
				"https://example.com/feed":        {StatusCode: status, RedirectURL: "https://mirror.example.com/feed"},
				"https://mirror.example.com/feed": okResult("ep1"),
			}}
			f := newTestFetcher(t, source, &buf)
			sub := newTestSubscription(t, "https://example.com/feed")

			res, err := f.Fetch(context.Background(), sub)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Update != model.UpdateResultSuccess {
				t.Errorf("Update = %v, want success", res.Update)
			}
			if sub.CurrentURL != "https://example.com/feed" {
				t.Errorf("CurrentURL = %q, want unchanged", sub.CurrentURL)
			}
			if len(sub.FeedState.Entries) != 1 {
				t.Errorf("entries from the redirect target not stored")
			}
		})
	}
}

// 一時的なリダイレクトの先で恒久的なリダイレクトや410を受けてもCurrentURLは変わらない。
func TestFetcher_Fetch_TemporaryThenPermanentRestoresURL(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://example.com/feed":       {StatusCode: 307, RedirectURL: "https://tmp.example.com/feed"},
		"https://tmp.example.com/feed":   {StatusCode: 308, RedirectURL: "https://final.example.com/feed"},
		"https://final.example.com/feed": {StatusCode: 410},
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")

	res, err := f.Fetch(context.Background(), sub)
	var unreachable *model.UnreachableFeedError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want UnreachableFeedError", err)
	}
	if res.Update != model.UpdateResultFailure {
		t.Errorf("Update = %v, want failure", res.Update)
	}
	if sub.CurrentURL != "https://example.com/feed" {
		t.Errorf("CurrentURL = %q, want restored original", sub.CurrentURL)
	}
	want := []string{"https://example.com/feed", "https://tmp.example.com/feed", "https://final.example.com/feed"}
	if got := source.calledURLs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("called %v, want %v", got, want)
	}
}

func TestFetcher_Fetch_404KeepsURL(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/missing")
	sub.FeedState.Entries = okResult("ep1").Entries

	res, err := f.Fetch(context.Background(), sub)
	var unreachable *model.UnreachableFeedError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want UnreachableFeedError", err)
	}
	if unreachable.Status != 404 {
		t.Errorf("Status = %d, want 404", unreachable.Status)
	}
	if res.Update != model.UpdateResultFailure {
		t.Errorf("Update = %v, want failure", res.Update)
	}
	if sub.CurrentURL != "https://example.com/missing" {
		t.Errorf("CurrentURL = %q, want unchanged", sub.CurrentURL)
	}
	if len(sub.FeedState.Entries) != 1 {
		t.Error("failed fetch must not discard entries")
	}
}

// 410/401はCurrentURLを空にし、ProvidedURLは保持する。
func TestFetcher_Fetch_GoneClearsCurrentURL(t *testing.T) {
	for _, status := range []int{401, 410} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			var buf bytes.Buffer
			source := &mockSource{responses: map[string]*model.ParseResult{
				"https://example.com/feed": {StatusCode: status},
			}}
			f := newTestFetcher(t, source, &buf)
			sub := newTestSubscription(t, "https://example.com/feed")

			_, err := f.Fetch(context.Background(), sub)
			var unreachable *model.UnreachableFeedError
			if !errors.As(err, &unreachable) {
				t.Fatalf("err = %v, want UnreachableFeedError", err)
			}
			if unreachable.Status != status {
				t.Errorf("Status = %d, want %d", unreachable.Status, status)
			}
			if sub.CurrentURL != "" {
				t.Errorf("CurrentURL = %q, want empty", sub.CurrentURL)
			}
			if sub.ProvidedURL != "https://example.com/feed" {
				t.Errorf("ProvidedURL = %q, want untouched", sub.ProvidedURL)
			}

			// URLがない状態の次のフェッチはソースを呼ばずに失敗する
			source.calls = nil
			_, err = f.Fetch(context.Background(), sub)
			if !errors.As(err, &unreachable) || unreachable.Reason != "no URL" {
				t.Errorf("err = %v, want no URL error", err)
			}
			if len(source.calls) != 0 {
				t.Errorf("source called %d times without URL", len(source.calls))
			}
		})
	}
}

// 再試行ループは必ずMaxAttempts+1回以内で終了する。
func TestFetcher_Fetch_TerminatesWithinMaxAttempts(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string]*model.ParseResult
	}{
		{
			name: "server error forever",
			responses: map[string]*model.ParseResult{
				"https://example.com/feed": {StatusCode: 500},
			},
		},
		{
			name: "redirect loop",
			responses: map[string]*model.ParseResult{
				"https://example.com/feed":  {StatusCode: 301, RedirectURL: "https://example.com/other"},
				"https://example.com/other": {StatusCode: 302, RedirectURL: "https://example.com/feed"},
			},
		},
		{
			name: "redirect without location",
			responses: map[string]*model.ParseResult{
				"https://example.com/feed": {StatusCode: 302},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			source := &mockSource{responses: tt.responses}
			f := newTestFetcher(t, source, &buf)
			sub := newTestSubscription(t, "https://example.com/feed")

			res, err := f.Fetch(context.Background(), sub)
			var unreachable *model.UnreachableFeedError
			if !errors.As(err, &unreachable) {
				t.Fatalf("err = %v, want UnreachableFeedError", err)
			}
			if res.Update != model.UpdateResultFailure {
				t.Errorf("Update = %v, want failure", res.Update)
			}
			if len(source.calls) != DefaultMaxAttempts+1 {
				t.Errorf("source calls = %d, want %d", len(source.calls), DefaultMaxAttempts+1)
			}
		})
	}
}

func TestFetcher_Fetch_RetryThenSuccess(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	source := &funcSource{fn: func(url string) (*model.ParseResult, error) {
		calls++
		if calls < 3 {
			return &model.ParseResult{StatusCode: 503}, nil
		}
		return okResult("ep1"), nil
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")

	res, err := f.Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestFetcher_Fetch_MalformedFeed(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{errs: map[string]error{
		"https://example.com/feed": &model.MalformedFeedError{URL: "https://example.com/feed", Err: errors.New("bad xml")},
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")

	res, err := f.Fetch(context.Background(), sub)
	var malformed *model.MalformedFeedError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want MalformedFeedError", err)
	}
	if res.Update != model.UpdateResultFailure {
		t.Errorf("Update = %v, want failure", res.Update)
	}
	if len(source.calls) != 1 {
		t.Errorf("malformed feed must not be retried, calls = %d", len(source.calls))
	}
}

func TestFetcher_Fetch_TransportErrorIsUnreachable(t *testing.T) {
	var buf bytes.Buffer
	cause := errors.New("dial tcp: no such host")
	source := &mockSource{errs: map[string]error{"https://example.com/feed": cause}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")

	_, err := f.Fetch(context.Background(), sub)
	var unreachable *model.UnreachableFeedError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want UnreachableFeedError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("UnreachableFeedError should wrap the transport error")
	}
	if !strings.Contains(buf.String(), "フィードに接続できませんでした") {
		t.Errorf("error log not found: %s", buf.String())
	}
}

func TestFetcher_Fetch_OversizedFeedKeepsReason(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{errs: map[string]error{
		"https://example.com/feed": &model.UnreachableFeedError{URL: "https://example.com/feed", Status: 200, Reason: "feed too large"},
	}}
	f := newTestFetcher(t, source, &buf)
	sub := newTestSubscription(t, "https://example.com/feed")

	res, err := f.Fetch(context.Background(), sub)
	var unreachable *model.UnreachableFeedError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want UnreachableFeedError", err)
	}
	if unreachable.Reason != "feed too large" {
		t.Errorf("Reason = %q, want %q", unreachable.Reason, "feed too large")
	}
	if res.Update != model.UpdateResultFailure {
		t.Errorf("Update = %v, want failure", res.Update)
	}
	if len(source.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(source.calls))
	}
}

func TestFetcher_Fetch_CancelledDuringRateLimitWait(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	source := &mockSource{responses: map[string]*model.ParseResult{
		"https://example.com/feed": {StatusCode: 304},
	}}
	f := NewFetcher(source, ratelimit.New(logger, collector), collector, logger, DefaultMaxAttempts, 1)
	sub := newTestSubscription(t, "https://example.com/feed")

	if _, err := f.Fetch(context.Background(), sub); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, sub)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if len(source.calls) != 1 {
		t.Errorf("source calls = %d, want 1", len(source.calls))
	}
}

// funcSource は関数で応答を決めるFeedSourceのテスト用モック。
type funcSource struct {
	fn func(url string) (*model.ParseResult, error)
}

func (s *funcSource) Parse(_ context.Context, feedURL, _, _ string) (*model.ParseResult, error) {
	return s.fn(feedURL)
}
