// Package model はドメインモデルを定義する。
package model

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Entry はフィードから取得したエピソード（1件の記事）を表す。
// フェッチ成功時にスライスごと置き換えられ、フィールド単位でマージされることはない。
type Entry struct {
	Title string
	URLs  []string // enclosureのhref（出現順）
	Link  string
}

// FeedState はフィードの取得状態とダウンロード進捗を保持する。
type FeedState struct {
	// Entries は最新のエントリが先頭に来る順序で保持する。
	Entries      []Entry
	ETag         string
	LastModified string

	// LatestEntryNumber は古い順に数えて解決済み（ダウンロード済みまたは
	// バックログとして除外済み）のエントリ数。nilは未設定。
	LatestEntryNumber *int

	// EntriesState はゼロ始まりのエントリ番号からダウンロード済みフラグへのマップ。
	// キーが存在しないエントリは未ダウンロードとみなす。
	EntriesState map[int]bool

	// Queue は1始まりのエントリ番号のFIFO。重複を含まない。
	Queue []int
}

// Subscription は1件の購読フィードを表す。
type Subscription struct {
	ID          string
	Name        string
	ProvidedURL string
	// CurrentURL はフェッチに使用するURL。空文字列は「URLなし」を表す。
	CurrentURL string
	Directory  string

	DownloadBacklog    bool
	BacklogLimit       *int // nilは無制限
	UseTitleAsFilename bool

	FeedState FeedState
}

// SubscriptionOptions はNewSubscriptionの任意項目。
type SubscriptionOptions struct {
	Directory          string
	DownloadBacklog    bool
	BacklogLimit       *int
	UseTitleAsFilename bool
}

// NewSubscription は名前とURLを検証してSubscriptionを生成する。
// 名前またはURLが空の場合はMalformedSubscriptionErrorを返し、値は生成しない。
func NewSubscription(name, url string, opts SubscriptionOptions) (*Subscription, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &MalformedSubscriptionError{Desc: "No URL provided."}
	}
	if strings.TrimSpace(name) == "" {
		return nil, &MalformedSubscriptionError{Desc: "No name provided."}
	}

	return &Subscription{
		ID:                 uuid.New().String(),
		Name:               name,
		ProvidedURL:        url,
		CurrentURL:         url,
		Directory:          ExpandPath(opts.Directory),
		DownloadBacklog:    opts.DownloadBacklog,
		BacklogLimit:       opts.BacklogLimit,
		UseTitleAsFilename: opts.UseTitleAsFilename,
		FeedState: FeedState{
			EntriesState: make(map[int]bool),
		},
	}, nil
}

// EntryCount は現在保持しているエントリ数を返す。
func (s *Subscription) EntryCount() int {
	return len(s.FeedState.Entries)
}

// EntryByNumber は1始まりのエントリ番号（古い順）に対応するエントリを返す。
// 範囲外の場合はfalseを返す。
func (s *Subscription) EntryByNumber(num int) (Entry, bool) {
	n := len(s.FeedState.Entries)
	if num < 1 || num > n {
		return Entry{}, false
	}
	return s.FeedState.Entries[n-num], true
}

// IsDownloaded はエントリ番号が記録上ダウンロード済みかを返す。
func (s *Subscription) IsDownloaded(num int) bool {
	return s.FeedState.EntriesState[num-1]
}

// LatestEntryNumberOr は高水位マークを返す。未設定の場合はdefを返す。
func (s *Subscription) LatestEntryNumberOr(def int) int {
	if s.FeedState.LatestEntryNumber == nil {
		return def
	}
	return *s.FeedState.LatestEntryNumber
}

// SetLatestEntryNumber は高水位マークを設定する。
func (s *Subscription) SetLatestEntryNumber(n int) {
	s.FeedState.LatestEntryNumber = &n
}

// Clone は購読の深いコピーを返す。更新中の購読を別のゴルーチンから読むためのスナップショットに使う。
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.BacklogLimit != nil {
		v := *s.BacklogLimit
		c.BacklogLimit = &v
	}
	if s.FeedState.LatestEntryNumber != nil {
		v := *s.FeedState.LatestEntryNumber
		c.FeedState.LatestEntryNumber = &v
	}
	if s.FeedState.Entries != nil {
		c.FeedState.Entries = make([]Entry, len(s.FeedState.Entries))
		for i, e := range s.FeedState.Entries {
			e.URLs = slices.Clone(e.URLs)
			c.FeedState.Entries[i] = e
		}
	}
	c.FeedState.EntriesState = maps.Clone(s.FeedState.EntriesState)
	c.FeedState.Queue = slices.Clone(s.FeedState.Queue)
	return &c
}

// ExpandPath は先頭の "~" をホームディレクトリに、$VAR を環境変数に展開する。
func ExpandPath(p string) string {
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return os.ExpandEnv(p)
}
