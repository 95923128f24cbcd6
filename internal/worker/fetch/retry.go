package fetch

import "net/http"

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultPermanentRedirect は恒久的なリダイレクト（301/308）。
	FetchResultPermanentRedirect
	// FetchResultTemporaryRedirect は一時的なリダイレクト（302/303/307）。
	FetchResultTemporaryRedirect
	// FetchResultNotFound はフィードが見つからない（404）。URLは保持する。
	FetchResultNotFound
	// FetchResultStop はURLを破棄して停止するステータス（401/410）。
	FetchResultStop
	// FetchResultRetry は同じURLで再試行するステータス（その他すべて）。
	FetchResultRetry
)

// String はログ出力用の表現を返す。
func (r FetchResult) String() string {
	switch r {
	case FetchResultOK:
		return "ok"
	case FetchResultNotModified:
		return "not_modified"
	case FetchResultPermanentRedirect:
		return "permanent_redirect"
	case FetchResultTemporaryRedirect:
		return "temporary_redirect"
	case FetchResultNotFound:
		return "not_found"
	case FetchResultStop:
		return "stop"
	default:
		return "retry"
	}
}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
// Locationヘッダーの有無は考慮しない。Locationのない3xxの扱いは呼び出し側で決める。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch statusCode {
	case http.StatusNotModified:
		return FetchResultNotModified
	case http.StatusMovedPermanently, http.StatusPermanentRedirect:
		return FetchResultPermanentRedirect
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return FetchResultTemporaryRedirect
	case http.StatusNotFound:
		return FetchResultNotFound
	case http.StatusUnauthorized, http.StatusGone:
		return FetchResultStop
	}
	if statusCode >= 200 && statusCode < 300 {
		return FetchResultOK
	}
	return FetchResultRetry
}
