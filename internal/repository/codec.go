package repository

import (
	"github.com/google/uuid"

	"github.com/memborsky/puckfetcher/internal/model"
)

// subscriptionRecord は購読の永続化形式。JSONキャッシュの1要素に対応する。
// 空のCurrentURLはnullとして保存する。
type subscriptionRecord struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	ProvidedURL        string          `json:"provided_url"`
	CurrentURL         *string         `json:"current_url"`
	Directory          string          `json:"directory"`
	DownloadBacklog    bool            `json:"download_backlog"`
	BacklogLimit       *int            `json:"backlog_limit"`
	UseTitleAsFilename bool            `json:"use_title_as_filename"`
	FeedState          feedStateRecord `json:"feed_state"`
}

type feedStateRecord struct {
	Entries           []entryRecord `json:"entries"`
	ETag              string        `json:"etag,omitempty"`
	LastModified      string        `json:"last_modified,omitempty"`
	LatestEntryNumber *int          `json:"latest_entry_number"`
	EntriesState      map[int]bool  `json:"entries_state"`
	Queue             []int         `json:"queue"`
}

type entryRecord struct {
	Title string   `json:"title"`
	URLs  []string `json:"urls"`
	Link  string   `json:"link,omitempty"`
}

func encodeSubscription(sub *model.Subscription) subscriptionRecord {
	rec := subscriptionRecord{
		ID:                 sub.ID,
		Name:               sub.Name,
		ProvidedURL:        sub.ProvidedURL,
		Directory:          sub.Directory,
		DownloadBacklog:    sub.DownloadBacklog,
		BacklogLimit:       sub.BacklogLimit,
		UseTitleAsFilename: sub.UseTitleAsFilename,
		FeedState: feedStateRecord{
			Entries:           encodeEntries(sub.FeedState.Entries),
			ETag:              sub.FeedState.ETag,
			LastModified:      sub.FeedState.LastModified,
			LatestEntryNumber: sub.FeedState.LatestEntryNumber,
			EntriesState:      sub.FeedState.EntriesState,
			Queue:             sub.FeedState.Queue,
		},
	}
	if sub.CurrentURL != "" {
		current := sub.CurrentURL
		rec.CurrentURL = &current
	}
	if rec.FeedState.EntriesState == nil {
		rec.FeedState.EntriesState = map[int]bool{}
	}
	if rec.FeedState.Queue == nil {
		rec.FeedState.Queue = []int{}
	}
	return rec
}

// decodeSubscription は永続化形式から購読を復元する。
// 名前またはURLがない場合はMalformedSubscriptionErrorを返す。IDがない場合は新しく採番する。
func decodeSubscription(rec subscriptionRecord) (*model.Subscription, error) {
	if rec.ProvidedURL == "" {
		return nil, &model.MalformedSubscriptionError{Desc: "No URL provided."}
	}
	if rec.Name == "" {
		return nil, &model.MalformedSubscriptionError{Desc: "No name provided."}
	}

	sub := &model.Subscription{
		ID:                 rec.ID,
		Name:               rec.Name,
		ProvidedURL:        rec.ProvidedURL,
		Directory:          rec.Directory,
		DownloadBacklog:    rec.DownloadBacklog,
		BacklogLimit:       rec.BacklogLimit,
		UseTitleAsFilename: rec.UseTitleAsFilename,
		FeedState: model.FeedState{
			Entries:           decodeEntries(rec.FeedState.Entries),
			ETag:              rec.FeedState.ETag,
			LastModified:      rec.FeedState.LastModified,
			LatestEntryNumber: rec.FeedState.LatestEntryNumber,
			EntriesState:      rec.FeedState.EntriesState,
			Queue:             rec.FeedState.Queue,
		},
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if rec.CurrentURL != nil {
		sub.CurrentURL = *rec.CurrentURL
	}
	if sub.FeedState.EntriesState == nil {
		sub.FeedState.EntriesState = make(map[int]bool)
	}
	return sub, nil
}

func encodeEntries(entries []model.Entry) []entryRecord {
	out := make([]entryRecord, 0, len(entries))
	for _, e := range entries {
		urls := e.URLs
		if urls == nil {
			urls = []string{}
		}
		out = append(out, entryRecord{Title: e.Title, URLs: urls, Link: e.Link})
	}
	return out
}

func decodeEntries(records []entryRecord) []model.Entry {
	if len(records) == 0 {
		return nil
	}
	out := make([]model.Entry, 0, len(records))
	for _, r := range records {
		var urls []string
		if len(r.URLs) > 0 {
			urls = r.URLs
		}
		out = append(out, model.Entry{Title: r.Title, URLs: urls, Link: r.Link})
	}
	return out
}
