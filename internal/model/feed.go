// Package model はドメインモデルを定義する。
package model

// UpdateResult はフィード更新の結果を表す。
type UpdateResult int

const (
	// UpdateResultSuccess は新しいフィードを取得できたことを示す。
	UpdateResultSuccess UpdateResult = iota
	// UpdateResultUnneeded はフィードが未変更（304）であることを示す。
	UpdateResultUnneeded
	// UpdateResultFailure はフィードを取得できなかったことを示す。
	UpdateResultFailure
)

// String はログ出力用の表現を返す。
func (r UpdateResult) String() string {
	switch r {
	case UpdateResultSuccess:
		return "success"
	case UpdateResultUnneeded:
		return "unneeded"
	case UpdateResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ParseResult はフィードソースが返す型付きの取得結果。
// ソース境界で一度だけ検証され、以降の処理は固定の形だけを扱う。
type ParseResult struct {
	StatusCode   int
	RedirectURL  string // 3xxのLocation（絶対URLに解決済み）
	Entries      []Entry
	ETag         string
	LastModified string
}

// Outcome は公開操作の成否と利用者向けメッセージ。
// Errは失敗の原因で、成功時はnil。
type Outcome struct {
	Success bool
	Message string
	Err     error
}
