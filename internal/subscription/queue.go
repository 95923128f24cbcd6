package subscription

import (
	"github.com/memborsky/puckfetcher/internal/model"
)

// validNumbers は1..エントリ数の範囲内の番号だけを、重複を除いて入力順に返す。
func validNumbers(sub *model.Subscription, nums []int) []int {
	n := sub.EntryCount()
	seen := make(map[int]bool, len(nums))
	valid := make([]int, 0, len(nums))
	for _, num := range nums {
		if num < 1 || num > n || seen[num] {
			continue
		}
		seen[num] = true
		valid = append(valid, num)
	}
	return valid
}

// Enqueue は範囲内の番号のうち、まだキューにないものを末尾に追加する。
// 範囲内の番号（既にキューにあったものを含む）を返す。範囲外の番号は黙って無視する。
func Enqueue(sub *model.Subscription, nums []int) []int {
	valid := validNumbers(sub, nums)
	queued := make(map[int]bool, len(sub.FeedState.Queue))
	for _, num := range sub.FeedState.Queue {
		queued[num] = true
	}
	for _, num := range valid {
		if !queued[num] {
			sub.FeedState.Queue = append(sub.FeedState.Queue, num)
			queued[num] = true
		}
	}
	return valid
}

// Mark は範囲内の番号をダウンロード済みとして記録する。ダウンロードはしない。
func Mark(sub *model.Subscription, nums []int) []int {
	valid := validNumbers(sub, nums)
	ensureEntriesState(sub)
	for _, num := range valid {
		sub.FeedState.EntriesState[num-1] = true
	}
	return valid
}

// Unmark は範囲内の番号のダウンロード済み記録を削除する。
func Unmark(sub *model.Subscription, nums []int) []int {
	valid := validNumbers(sub, nums)
	for _, num := range valid {
		delete(sub.FeedState.EntriesState, num-1)
	}
	return valid
}

// requeueFront は番号をキューの先頭に戻す。
func requeueFront(sub *model.Subscription, num int) {
	sub.FeedState.Queue = append([]int{num}, sub.FeedState.Queue...)
}

// popFront はキューの先頭の番号を取り出す。
func popFront(sub *model.Subscription) (int, bool) {
	if len(sub.FeedState.Queue) == 0 {
		return 0, false
	}
	num := sub.FeedState.Queue[0]
	sub.FeedState.Queue = sub.FeedState.Queue[1:]
	return num, true
}

func ensureEntriesState(sub *model.Subscription) {
	if sub.FeedState.EntriesState == nil {
		sub.FeedState.EntriesState = make(map[int]bool)
	}
}
