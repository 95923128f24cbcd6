package subscription

import (
	"slices"
	"strconv"
	"strings"
)

// MaxNumbers は1回の解析で展開するエントリ番号の上限。
const MaxNumbers = 100000

// ParseNumbers はエントリ番号のリスト表記を解析する。
// 空白とカンマで区切られたトークンを受け付け、"4-8" は両端を含む範囲として展開する。
// 結果は重複なしの昇順。解釈できないトークンと、展開すると合計がMaxNumbersを
// 超える範囲はinvalidに入れて返す。
//
//	ParseNumbers("1 23 4-8, 32 1") // [1 4 5 6 7 8 23 32]
func ParseNumbers(s string) (nums []int, invalid []string) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	seen := make(map[int]bool)
	for _, tok := range tokens {
		lo, hi, ok := parseToken(tok)
		if !ok || hi-lo >= MaxNumbers-len(nums) {
			invalid = append(invalid, tok)
			continue
		}
		for n := lo; n <= hi; n++ {
			if !seen[n] {
				seen[n] = true
				nums = append(nums, n)
			}
		}
	}
	slices.Sort(nums)
	return nums, invalid
}

// parseToken は "n" または "a-b" を解析する。逆順の範囲 "8-4" も受け付ける。
func parseToken(tok string) (lo, hi int, ok bool) {
	if a, b, found := strings.Cut(tok, "-"); found {
		lo, errA := strconv.Atoi(a)
		hi, errB := strconv.Atoi(b)
		if errA != nil || errB != nil || lo < 0 || hi < 0 {
			return 0, 0, false
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return n, n, true
}
