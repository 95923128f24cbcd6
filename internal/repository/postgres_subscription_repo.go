package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/memborsky/puckfetcher/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
// エントリとダウンロード状態はJSONB、キューはINTEGER[]として保存する。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const selectSubscriptionColumns = `SELECT id, name, provided_url, current_url, directory,
	download_backlog, backlog_limit, use_title_as_filename,
	entries, etag, last_modified, latest_entry_number, entries_state, queue
	FROM subscriptions`

// List は保存されている購読を作成順に返す。
func (r *PostgresSubscriptionRepo) List(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, selectSubscriptionColumns+` ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx, selectSubscriptionColumns+` WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Save は購読を1件保存する。同じIDがあれば更新する。
func (r *PostgresSubscriptionRepo) Save(ctx context.Context, sub *model.Subscription) error {
	return upsertSubscription(ctx, r.db, sub)
}

// SaveAll は購読の一覧を同一トランザクションで保存する。
func (r *PostgresSubscriptionRepo) SaveAll(ctx context.Context, subs []*model.Subscription) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, sub := range subs {
		if err := upsertSubscription(ctx, tx, sub); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// execer は*sql.DBと*sql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSubscription(ctx context.Context, db execer, sub *model.Subscription) error {
	rec := encodeSubscription(sub)

	entries, err := json.Marshal(rec.FeedState.Entries)
	if err != nil {
		return fmt.Errorf("エントリのエンコードに失敗しました: %w", err)
	}
	entriesState, err := json.Marshal(rec.FeedState.EntriesState)
	if err != nil {
		return fmt.Errorf("ダウンロード状態のエンコードに失敗しました: %w", err)
	}
	queue := make([]int64, 0, len(rec.FeedState.Queue))
	for _, n := range rec.FeedState.Queue {
		queue = append(queue, int64(n))
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, name, provided_url, current_url, directory,
			download_backlog, backlog_limit, use_title_as_filename,
			entries, etag, last_modified, latest_entry_number, entries_state, queue,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			provided_url = EXCLUDED.provided_url,
			current_url = EXCLUDED.current_url,
			directory = EXCLUDED.directory,
			download_backlog = EXCLUDED.download_backlog,
			backlog_limit = EXCLUDED.backlog_limit,
			use_title_as_filename = EXCLUDED.use_title_as_filename,
			entries = EXCLUDED.entries,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			latest_entry_number = EXCLUDED.latest_entry_number,
			entries_state = EXCLUDED.entries_state,
			queue = EXCLUDED.queue,
			updated_at = NOW()`,
		rec.ID, rec.Name, rec.ProvidedURL, rec.CurrentURL, rec.Directory,
		rec.DownloadBacklog, rec.BacklogLimit, rec.UseTitleAsFilename,
		string(entries), rec.FeedState.ETag, rec.FeedState.LastModified, rec.FeedState.LatestEntryNumber,
		string(entriesState), pq.Array(queue),
	)
	if err != nil {
		return fmt.Errorf("購読の保存に失敗しました: %w", err)
	}
	return nil
}

// scanner は*sql.Rowと*sql.Rowsの共通部分。
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*model.Subscription, error) {
	var (
		rec          subscriptionRecord
		currentURL   sql.NullString
		backlogLimit sql.NullInt64
		latest       sql.NullInt64
		entries      []byte
		entriesState []byte
		queue        pq.Int64Array
	)
	err := s.Scan(
		&rec.ID, &rec.Name, &rec.ProvidedURL, &currentURL, &rec.Directory,
		&rec.DownloadBacklog, &backlogLimit, &rec.UseTitleAsFilename,
		&entries, &rec.FeedState.ETag, &rec.FeedState.LastModified, &latest, &entriesState, &queue,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
	}

	if currentURL.Valid {
		rec.CurrentURL = &currentURL.String
	}
	if backlogLimit.Valid {
		v := int(backlogLimit.Int64)
		rec.BacklogLimit = &v
	}
	if latest.Valid {
		v := int(latest.Int64)
		rec.FeedState.LatestEntryNumber = &v
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &rec.FeedState.Entries); err != nil {
			return nil, fmt.Errorf("エントリの解析に失敗しました: %w", err)
		}
	}
	if len(entriesState) > 0 {
		if err := json.Unmarshal(entriesState, &rec.FeedState.EntriesState); err != nil {
			return nil, fmt.Errorf("ダウンロード状態の解析に失敗しました: %w", err)
		}
	}
	for _, n := range queue {
		rec.FeedState.Queue = append(rec.FeedState.Queue, int(n))
	}

	return decodeSubscription(rec)
}
