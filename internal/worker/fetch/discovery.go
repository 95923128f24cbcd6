package fetch

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedLink はHTMLのheadから見つかったフィードへのリンク。
type feedLink struct {
	URL  string
	Atom bool
}

// isHTML はContent-TypeがHTMLかどうかを判定する。
func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// parseFeedLinks はHTMLのheadタグから rel="alternate" のRSS/Atomリンクを取り出す。
// 相対URLはbaseURLを基準に絶対URLに解決する。
func parseFeedLinks(body []byte, baseURL string) []feedLink {
	var links []feedLink

	base, err := url.Parse(baseURL)
	if err != nil {
		return links
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, linkType, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}

			if !containsToken(rel, "alternate") || href == "" {
				continue
			}
			var atom bool
			switch linkType {
			case "application/rss+xml":
			case "application/atom+xml":
				atom = true
			default:
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{URL: base.ResolveReference(ref).String(), Atom: atom})

		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == "head" {
				return links
			}
		}
	}
}

// selectFeedLink は候補から購読に使うフィードを選ぶ。
// 優先順位: 同一ホスト > RSS > 先頭。ポッドキャストのenclosureはRSSで配信されることが多い。
func selectFeedLink(links []feedLink, pageURL string) (string, bool) {
	if len(links) == 0 {
		return "", false
	}

	pageHost := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == pageHost {
			score += 100
		}
		if !l.Atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return links[best].URL, true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func containsToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if f == token {
			return true
		}
	}
	return false
}
