package subscription

import (
	"github.com/memborsky/puckfetcher/internal/model"
)

// Plan はバックログ計画の結果。
type Plan struct {
	// Numbers はキューに追加するエントリ番号（古い順）。
	Numbers []int
	// FirstContact は今回の計画で高水位マークを初めて設定した場合にtrue。
	FirstContact bool
}

// PlanBacklog はエントリ一覧と高水位マークから、ダウンロードすべきエントリ番号を決める。
//
// 高水位マークが未設定の場合（初回取得）はバックログ設定に従って設定する:
// DownloadBacklogがfalseなら全件を解決済みとし、BacklogLimitがnilなら全件を対象とし、
// それ以外はBacklogLimit件（エントリ数で上限）を対象とする。
// BacklogLimitが負の場合はmodel.ErrInvalidBacklogLimitを返し、状態を変更しない。
func PlanBacklog(sub *model.Subscription) (Plan, error) {
	n := sub.EntryCount()
	plan := Plan{}

	if sub.FeedState.LatestEntryNumber == nil {
		latest, err := initialLatest(sub, n)
		if err != nil {
			return Plan{}, err
		}
		sub.SetLatestEntryNumber(latest)
		plan.FirstContact = true
	}

	latest := *sub.FeedState.LatestEntryNumber
	for num := latest + 1; num <= n; num++ {
		plan.Numbers = append(plan.Numbers, num)
	}
	return plan, nil
}

func initialLatest(sub *model.Subscription, n int) (int, error) {
	switch {
	case !sub.DownloadBacklog:
		return n, nil
	case sub.BacklogLimit == nil:
		return 0, nil
	case *sub.BacklogLimit < 0:
		return 0, model.ErrInvalidBacklogLimit
	default:
		return n - min(*sub.BacklogLimit, n), nil
	}
}
