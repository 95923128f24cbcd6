// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/memborsky/puckfetcher/internal/model"
)

// SubscriptionRepository は購読と取得状態の永続化インターフェース。
// レートリミッターの時刻やHTTPクライアントは永続化しない。
type SubscriptionRepository interface {
	// List は保存されている購読をすべて返す。保存先が存在しない場合は空のスライスを返す。
	List(ctx context.Context) ([]*model.Subscription, error)

	// Save は購読を1件保存する。同じIDがあれば置き換え、なければ追加する。
	Save(ctx context.Context, sub *model.Subscription) error

	// SaveAll は購読の一覧を保存する。
	SaveAll(ctx context.Context, subs []*model.Subscription) error
}
