// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// MalformedSubscriptionError は購読の構築時に必須項目が欠けている場合のエラー。
type MalformedSubscriptionError struct {
	Desc string
}

// Error はerrorインターフェースを実装する。
func (e *MalformedSubscriptionError) Error() string {
	return "malformed subscription: " + e.Desc
}

// UnreachableFeedError はフィードに到達できない場合のエラー。
// Statusは原因となったHTTPステータス（該当しない場合は0）。
type UnreachableFeedError struct {
	URL    string
	Status int
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *UnreachableFeedError) Error() string {
	msg := "unreachable feed"
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因となったエラーを返す。
func (e *UnreachableFeedError) Unwrap() error {
	return e.Err
}

// MalformedFeedError はフィード本文をRSS/Atomとして解析できない場合のエラー。
type MalformedFeedError struct {
	URL string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *MalformedFeedError) Error() string {
	return fmt.Sprintf("malformed feed %s: %v", e.URL, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *MalformedFeedError) Unwrap() error {
	return e.Err
}

// BadCommandError はコマンドに不正な引数が与えられた場合のエラー。
type BadCommandError struct {
	Desc string
}

// Error はerrorインターフェースを実装する。
func (e *BadCommandError) Error() string {
	return "bad command: " + e.Desc
}

// ErrInvalidBacklogLimit はバックログ上限が負の値の場合のエラー。
var ErrInvalidBacklogLimit = errors.New("invalid backlog limit")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeBadCommand           = "BAD_COMMAND"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeUnreachableFeed      = "UNREACHABLE_FEED"
	ErrCodeMalformedFeed        = "MALFORMED_FEED"
	ErrCodeDownloadFailed       = "DOWNLOAD_FAILED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidBacklogLimit  = "INVALID_BACKLOG_LIMIT"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewBadCommandAPIError は不正なコマンド引数のエラーを生成する。
func NewBadCommandAPIError(desc string) *APIError {
	return &APIError{
		Code:     ErrCodeBadCommand,
		Message:  fmt.Sprintf("不正なコマンドです: %s", desc),
		Category: "validation",
		Action:   "購読番号とエントリ番号を確認してください。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(index string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %s", index),
		Category: "validation",
		Action:   "購読一覧から番号を確認してください。",
	}
}

// NewUnreachableFeedAPIError はフィードに到達できない場合のエラーを生成する。
func NewUnreachableFeedAPIError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnreachableFeed,
		Message:  fmt.Sprintf("フィードを取得できませんでした: %s", reason),
		Category: "feed",
		Action:   "URLが正しいか確認し、必要であれば設定ファイルのURLを更新してください。",
	}
}

// NewMalformedFeedAPIError はフィードの解析に失敗した場合のエラーを生成する。
func NewMalformedFeedAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeMalformedFeed,
		Message:  "フィードの解析に失敗しました。",
		Category: "feed",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
	}
}

// NewDownloadFailedAPIError はエンクロージャーのダウンロードに失敗した場合のエラーを生成する。
func NewDownloadFailedAPIError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDownloadFailed,
		Message:  fmt.Sprintf("ダウンロードに失敗しました: %s", reason),
		Category: "download",
		Action:   "失敗したエントリはキューに残っています。時間をおいて再度キューを処理してください。",
	}
}

// NewInvalidBacklogLimitAPIError は購読のバックログ上限が負の場合のエラーを生成する。
func NewInvalidBacklogLimitAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBacklogLimit,
		Message:  "購読のバックログ上限が負の値です。",
		Category: "config",
		Action:   "設定ファイルのbacklog_limitを0以上にしてください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewRateLimitExceededAPIError はAPIのレート制限を超えた場合のエラーを生成する。
func NewRateLimitExceededAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalAPIError は内部エラーを生成する。
func NewInternalAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
