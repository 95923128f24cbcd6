package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/memborsky/puckfetcher/internal/model"
)

// cacheFile はJSONキャッシュファイルのトップレベル。
type cacheFile struct {
	Subscriptions []subscriptionRecord `json:"subscriptions"`
}

// FileSubscriptionRepo はJSONファイルを使用した購読リポジトリ。
// 書き込みは一時ファイルへの書き出しとリネームで行う。
type FileSubscriptionRepo struct {
	path string
	mu   sync.Mutex
}

// NewFileSubscriptionRepo はFileSubscriptionRepoを生成する。
func NewFileSubscriptionRepo(path string) *FileSubscriptionRepo {
	return &FileSubscriptionRepo{path: path}
}

// List は保存されている購読をすべて返す。ファイルが存在しない場合は空のスライスを返す。
func (r *FileSubscriptionRepo) List(ctx context.Context) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.read()
	if err != nil {
		return nil, err
	}

	subs := make([]*model.Subscription, 0, len(records))
	for i, rec := range records {
		sub, err := decodeSubscription(rec)
		if err != nil {
			return nil, fmt.Errorf("キャッシュの%d件目の購読が不正です: %w", i, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Save は購読を1件保存する。同じIDがあれば置き換え、なければ末尾に追加する。
func (r *FileSubscriptionRepo) Save(ctx context.Context, sub *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.read()
	if err != nil {
		return err
	}

	rec := encodeSubscription(sub)
	replaced := false
	for i := range records {
		if records[i].ID == sub.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return r.write(records)
}

// SaveAll はファイルの内容を購読の一覧で置き換える。
func (r *FileSubscriptionRepo) SaveAll(ctx context.Context, subs []*model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]subscriptionRecord, 0, len(subs))
	for _, sub := range subs {
		records = append(records, encodeSubscription(sub))
	}
	return r.write(records)
}

func (r *FileSubscriptionRepo) read() ([]subscriptionRecord, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キャッシュファイルの読み込みに失敗しました: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("キャッシュファイルの解析に失敗しました: %w", err)
	}
	return cf.Subscriptions, nil
}

func (r *FileSubscriptionRepo) write(records []subscriptionRecord) error {
	data, err := json.MarshalIndent(cacheFile{Subscriptions: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("キャッシュのエンコードに失敗しました: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("キャッシュディレクトリの作成に失敗しました: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("キャッシュファイルの書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("キャッシュファイルの置き換えに失敗しました: %w", err)
	}
	return nil
}
