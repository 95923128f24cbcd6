package subscription

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/memborsky/puckfetcher/internal/model"
)

// Status は購読の1行サマリーを返す。indexは0始まり。
// 例: "01/12 - 'name' |5|"（|の間は高水位マーク）
func Status(sub *model.Subscription, index, total int) string {
	width := len(strconv.Itoa(total))
	return fmt.Sprintf("%0*d/%d - '%s' |%d|", width, index+1, total, sub.Name, sub.LatestEntryNumberOr(0))
}

// Details は購読のキューとエントリごとのダウンロード状態を複数行で返す。
// エントリ状態は番号ごとに "NN+"（ダウンロード済み）または "NN-" で表す。
func Details(sub *model.Subscription, index, total int) string {
	var b strings.Builder
	b.WriteString(Status(sub, index, total))
	b.WriteString("\nStatus of podcast queue:\n")
	fmt.Fprintf(&b, "%v\n", sub.FeedState.Queue)
	b.WriteString("\nStatus of podcast entries:\n")

	n := sub.EntryCount()
	width := len(strconv.Itoa(n))
	indicators := make([]string, 0, n)
	for num := 1; num <= n; num++ {
		mark := "-"
		if sub.IsDownloaded(num) {
			mark = "+"
		}
		indicators = append(indicators, fmt.Sprintf("%0*d%s", width, num, mark))
	}
	b.WriteString(strings.Join(indicators, " "))
	return b.String()
}
