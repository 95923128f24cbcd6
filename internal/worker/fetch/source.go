package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/security"
)

// FeedSource はフィードを1回取得して型付きの結果を返すインターフェース。
// リダイレクトは追跡せず、3xxはRedirectURLに解決済みのLocationを入れて返す。
// フィードリンクを持つHTMLページも301として返す。
// 通信エラーはそのまま、本文の解析失敗は*model.MalformedFeedErrorとして返す。
type FeedSource interface {
	Parse(ctx context.Context, feedURL, etag, lastModified string) (*model.ParseResult, error)
}

// HTTPSource はHTTPで取得しgofeedで解析するFeedSourceの実装。
type HTTPSource struct {
	client      *http.Client
	guard       security.SSRFGuardService
	sanitizer   security.TitleSanitizer
	userAgent   string
	maxBodySize int64
}

// NewHTTPSource はHTTPSourceの新しいインスタンスを生成する。
func NewHTTPSource(
	guard security.SSRFGuardService,
	sanitizer security.TitleSanitizer,
	userAgent string,
	timeout time.Duration,
	maxBodySize int64,
) *HTTPSource {
	return &HTTPSource{
		client:      guard.NewSafeClient(timeout, security.NoRedirects),
		guard:       guard,
		sanitizer:   sanitizer,
		userAgent:   userAgent,
		maxBodySize: maxBodySize,
	}
}

// Parse はフィードURLに条件付きGETを送信し、結果を返す。
func (s *HTTPSource) Parse(ctx context.Context, feedURL, etag, lastModified string) (*model.ParseResult, error) {
	if err := s.guard.ValidateURL(feedURL); err != nil {
		return nil, fmt.Errorf("URL検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.5, */*;q=0.1")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	result := &model.ParseResult{StatusCode: resp.StatusCode}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			result.RedirectURL = resolveLocation(req.URL, loc)
		}
		return result, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	// 途中で切ったXMLは壊れたフィードに見えるため、上限超過は取得失敗として返す
	if int64(len(body)) > s.maxBodySize {
		return nil, &model.UnreachableFeedError{URL: feedURL, Status: resp.StatusCode, Reason: "feed too large"}
	}

	// ポッドキャストのWebページが指定された場合はheadのフィードリンクへ恒久的に移動したものとして扱う
	if isHTML(resp.Header.Get("Content-Type")) {
		if link, ok := selectFeedLink(parseFeedLinks(body, req.URL.String()), req.URL.String()); ok && link != feedURL {
			result.StatusCode = http.StatusMovedPermanently
			result.RedirectURL = link
			return result, nil
		}
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &model.MalformedFeedError{URL: feedURL, Err: err}
	}

	result.Entries = s.convertItems(parsed.Items)
	result.ETag = resp.Header.Get("ETag")
	result.LastModified = resp.Header.Get("Last-Modified")
	return result, nil
}

// convertItems はgofeedの記事をmodel.Entryに変換する。
// nilの記事と空のenclosure URLは捨てる。順序はフィードのまま（新しい順）。
func (s *HTTPSource) convertItems(items []*gofeed.Item) []model.Entry {
	entries := make([]model.Entry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}

		entry := model.Entry{
			Title: s.sanitizer.Sanitize(item.Title),
			Link:  strings.TrimSpace(item.Link),
		}
		for _, enc := range item.Enclosures {
			if enc == nil {
				continue
			}
			if href := strings.TrimSpace(enc.URL); href != "" {
				entry.URLs = append(entry.URLs, href)
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// resolveLocation はLocationヘッダーをリクエストURL基準の絶対URLに解決する。
// 解析できない場合はそのまま返す。
func resolveLocation(base *url.URL, location string) string {
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}
