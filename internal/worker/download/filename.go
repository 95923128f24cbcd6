package download

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// fallbackName は名前が空になった場合に使うファイル名。
const fallbackName = "entry"

// invalidChars は主要なファイルシステムでファイル名に使えない文字。
var invalidChars = strings.NewReplacer(
	"/", "-", `\`, "-", ":", "-", "*", "-", "?", "-",
	`"`, "-", "<", "-", ">", "-", "|", "-",
)

// SanitizeFilename はファイル名として安全な文字列を返す。
// NFC正規化し、パス区切りと使用できない文字を "-" に置き換え、制御文字を除去する。
// 前後の空白とドットは取り除く。結果が空の場合は "entry" を返す。
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = invalidChars.Replace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return fallbackName
	}
	return name
}

// Destination はエンクロージャーの保存先パスを返す。
// ファイル名はURLパスの最後の要素（クエリは除く）。
// useTitleがtrueでtitleが空でない場合は、タイトルにURLの拡張子を付けた名前を使う。
func Destination(dir, rawURL, title string, useTitle bool) string {
	name := urlFilename(rawURL)
	if useTitle && strings.TrimSpace(title) != "" {
		name = title + path.Ext(name)
	}
	return filepath.Join(dir, SanitizeFilename(name))
}

// urlFilename はURLから最後のパス要素を取り出す。
func urlFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base == "." || base == "/" {
			return ""
		}
		return base
	}
	// 解析できないURLは最後の "/" 以降から "?" の前までを使う
	end := rawURL[strings.LastIndex(rawURL, "/")+1:]
	if i := strings.IndexByte(end, '?'); i >= 0 {
		end = end[:i]
	}
	return end
}
