package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memborsky/puckfetcher/internal/config"
	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/repository"
)

// Summary は購読1件の概要。APIの一覧表示に使う。
type Summary struct {
	Index             int    `json:"index"`
	ID                string `json:"id"`
	Name              string `json:"name"`
	ProvidedURL       string `json:"provided_url"`
	CurrentURL        string `json:"current_url"`
	Directory         string `json:"directory"`
	Entries           int    `json:"entries"`
	LatestEntryNumber *int   `json:"latest_entry_number"`
	Queue             []int  `json:"queue"`
	Status            string `json:"status"`
}

// Manager は購読ファイルの購読一覧を保持し、インデックス指定のコマンドを実行する。
// 状態を変える操作はmuで直列化し、購読の状態が変わるたびにリポジトリへ保存する。
// 読み取り（List、Summaries、Details、Lenなど）は公開済みのスナップショットを返すため、
// 更新の実行中も待たされない。インデックスは0始まり。
type Manager struct {
	mu      sync.Mutex
	service *Service
	repo    repository.SubscriptionRepository
	logger  *slog.Logger
	subs    []*model.Subscription

	viewMu sync.RWMutex
	view   []*model.Subscription
}

// NewManager はManagerの新しいインスタンスを生成する。購読はLoadで読み込む。
func NewManager(service *Service, repo repository.SubscriptionRepository, logger *slog.Logger) *Manager {
	return &Manager{
		service: service,
		repo:    repo,
		logger:  logger,
	}
}

// Load は購読ファイルの設定と保存済みの状態を突き合わせて購読一覧を構築し、保存する。
//
// 保存済みの購読とは名前、次に設定URLの順で対応付ける。対応した購読には設定の変更
// （名前、ディレクトリ、バックログ設定、ファイル名設定）を反映し、URLが変わった場合は
// ProvidedURLとCurrentURLを設定のURLに置き換える。順序は購読ファイルの順になる。
func (m *Manager) Load(ctx context.Context, configured []config.ResolvedSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("保存済みの購読の読み込みに失敗: %w", err)
	}

	used := make(map[*model.Subscription]bool, len(stored))
	subs := make([]*model.Subscription, 0, len(configured))
	for _, rc := range configured {
		sub := matchStored(stored, used, rc)
		if sub == nil {
			sub, err = model.NewSubscription(rc.Name, rc.URL, rc.Options())
			if err != nil {
				return fmt.Errorf("購読 %q の作成に失敗: %w", rc.Name, err)
			}
			m.logger.Info("新しい購読を追加しました",
				slog.String("subscription", sub.Name),
				slog.String("url", sub.ProvidedURL),
			)
		} else {
			used[sub] = true
			m.applyConfig(sub, rc)
		}
		subs = append(subs, sub)
	}
	m.subs = subs
	m.publishAll()

	if err := m.repo.SaveAll(ctx, m.subs); err != nil {
		return fmt.Errorf("購読の保存に失敗: %w", err)
	}
	m.logger.Info("購読を読み込みました", slog.Int("count", len(m.subs)))
	return nil
}

func matchStored(stored []*model.Subscription, used map[*model.Subscription]bool, rc config.ResolvedSubscription) *model.Subscription {
	for _, s := range stored {
		if !used[s] && s.Name == rc.Name {
			return s
		}
	}
	for _, s := range stored {
		if !used[s] && s.ProvidedURL == rc.URL {
			return s
		}
	}
	return nil
}

func (m *Manager) applyConfig(sub *model.Subscription, rc config.ResolvedSubscription) {
	sub.Name = rc.Name
	sub.Directory = model.ExpandPath(rc.Directory)
	sub.DownloadBacklog = rc.DownloadBacklog
	sub.BacklogLimit = rc.BacklogLimit
	sub.UseTitleAsFilename = rc.UseTitleAsFilename

	if sub.ProvidedURL != rc.URL {
		m.logger.Info("設定ファイルのURLが変更されたため現在のURLを置き換えます",
			slog.String("subscription", sub.Name),
			slog.String("old_url", sub.ProvidedURL),
			slog.String("new_url", rc.URL),
		)
		sub.ProvidedURL = rc.URL
		sub.CurrentURL = rc.URL
	}
}

// UpdateAll はすべての購読を順に更新する。
// 購読ごとの失敗はログに記録して次の購読に進む。各購読の更新後に状態を保存する。
// ctxがキャンセルされた場合は処理中の購読の状態を保存してからctx.Err()を返す。
func (m *Manager) UpdateAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.subs)
	failed := 0
	for i, sub := range m.subs {
		m.logger.Info("購読を更新します",
			slog.Int("number", i+1),
			slog.Int("total", total),
			slog.String("subscription", sub.Name),
		)

		_, err := m.service.AttemptUpdate(ctx, sub)
		m.publish(i)
		if saveErr := m.save(ctx, sub); saveErr != nil {
			return saveErr
		}
		if err != nil {
			if IsCancellation(err) && ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			m.logger.Error("購読の更新に失敗しました",
				slog.String("subscription", sub.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("すべての購読の更新が完了しました",
		slog.Int("total", total),
		slog.Int("failed", failed),
	)
	return nil
}

// Update は1件の購読を更新する。
// 取得やダウンロードの失敗はOutcomeで返し、エラーは不正なインデックス、キャンセル、保存の失敗に限る。
func (m *Manager) Update(ctx context.Context, index int) (model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.at(index)
	if err != nil {
		return model.Outcome{}, err
	}

	result, updateErr := m.service.AttemptUpdate(ctx, sub)
	m.publish(index)
	if err := m.save(ctx, sub); err != nil {
		return model.Outcome{}, err
	}
	if updateErr != nil {
		if IsCancellation(updateErr) && ctx.Err() != nil {
			return model.Outcome{}, ctx.Err()
		}
		return model.Outcome{
			Success: false,
			Message: fmt.Sprintf("Unsuccessful update for sub '%s': %v", sub.Name, updateErr),
			Err:     updateErr,
		}, nil
	}
	return model.Outcome{
		Success: true,
		Message: fmt.Sprintf("Updated sub '%s' successfully (%s).", sub.Name, result),
	}, nil
}

// List は各購読の1行サマリーを返す。
func (m *Manager) List() []string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	lines := make([]string, 0, len(m.view))
	for i, sub := range m.view {
		lines = append(lines, Status(sub, i, len(m.view)))
	}
	return lines
}

// Summaries は各購読の概要を返す。
func (m *Manager) Summaries() []Summary {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	out := make([]Summary, 0, len(m.view))
	for i, sub := range m.view {
		out = append(out, summarize(sub, i, len(m.view)))
	}
	return out
}

// Summary は1件の購読の概要を返す。
func (m *Manager) Summary(index int) (Summary, error) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	sub, err := viewAt(m.view, index)
	if err != nil {
		return Summary{}, err
	}
	return summarize(sub, index, len(m.view)), nil
}

func summarize(sub *model.Subscription, index, total int) Summary {
	queue := append([]int{}, sub.FeedState.Queue...)
	var latest *int
	if sub.FeedState.LatestEntryNumber != nil {
		v := *sub.FeedState.LatestEntryNumber
		latest = &v
	}
	return Summary{
		Index:             index + 1,
		ID:                sub.ID,
		Name:              sub.Name,
		ProvidedURL:       sub.ProvidedURL,
		CurrentURL:        sub.CurrentURL,
		Directory:         sub.Directory,
		Entries:           sub.EntryCount(),
		LatestEntryNumber: latest,
		Queue:             queue,
		Status:            Status(sub, index, total),
	}
}

// Details は購読の詳細を返す。
func (m *Manager) Details(index int) (string, error) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	sub, err := viewAt(m.view, index)
	if err != nil {
		return "", err
	}
	return Details(sub, index, len(m.view)), nil
}

// Enqueue はエントリ番号をダウンロードキューに追加する。
// 追加する番号は先にダウンロード済みの記録を消すため、次のキュー処理で再度ダウンロードされる。
func (m *Manager) Enqueue(ctx context.Context, index int, nums []int) (model.Outcome, error) {
	return m.listCommand(ctx, index, nums, func(sub *model.Subscription) string {
		Unmark(sub, nums)
		accepted := Enqueue(sub, nums)
		return fmt.Sprintf("Added items %s to queue for '%s'.", formatNumbers(accepted), sub.Name)
	})
}

// Mark はエントリ番号をダウンロード済みとして記録する。
func (m *Manager) Mark(ctx context.Context, index int, nums []int) (model.Outcome, error) {
	return m.listCommand(ctx, index, nums, func(sub *model.Subscription) string {
		marked := Mark(sub, nums)
		return fmt.Sprintf("Marked items %s as downloaded for '%s'.", formatNumbers(marked), sub.Name)
	})
}

// Unmark はエントリ番号のダウンロード済みの記録を消す。キューには追加しない。
func (m *Manager) Unmark(ctx context.Context, index int, nums []int) (model.Outcome, error) {
	return m.listCommand(ctx, index, nums, func(sub *model.Subscription) string {
		unmarked := Unmark(sub, nums)
		return fmt.Sprintf("Unmarked items %s for '%s'.", formatNumbers(unmarked), sub.Name)
	})
}

func (m *Manager) listCommand(ctx context.Context, index int, nums []int, apply func(sub *model.Subscription) string) (model.Outcome, error) {
	if len(nums) == 0 {
		return model.Outcome{}, &model.BadCommandError{Desc: "Invalid list of nums []."}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.at(index)
	if err != nil {
		return model.Outcome{}, err
	}

	msg := apply(sub)
	m.publish(index)
	m.logger.Info(msg, slog.String("subscription", sub.Name))
	if err := m.save(ctx, sub); err != nil {
		return model.Outcome{}, err
	}
	return model.Outcome{Success: true, Message: msg}, nil
}

// DownloadQueue は購読のキューを処理する。
func (m *Manager) DownloadQueue(ctx context.Context, index int) (model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.at(index)
	if err != nil {
		return model.Outcome{}, err
	}

	downloaded, dlErr := m.service.DownloadQueue(ctx, sub)
	m.publish(index)
	if err := m.save(ctx, sub); err != nil {
		return model.Outcome{}, err
	}
	if dlErr != nil {
		if IsCancellation(dlErr) && ctx.Err() != nil {
			return model.Outcome{}, ctx.Err()
		}
		return model.Outcome{
			Success: false,
			Message: fmt.Sprintf("Queue downloading for '%s' stopped after %d entries: %v", sub.Name, downloaded, dlErr),
			Err:     dlErr,
		}, nil
	}
	return model.Outcome{
		Success: true,
		Message: fmt.Sprintf("Queue downloading for '%s' complete, %d entries downloaded.", sub.Name, downloaded),
	}, nil
}

// Len は購読数を返す。
func (m *Manager) Len() int {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return len(m.view)
}

// DownloadDirectories は購読のダウンロード先ディレクトリ（重複なし）を返す。
func (m *Manager) DownloadDirectories() []string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	seen := make(map[string]bool, len(m.view))
	dirs := make([]string, 0, len(m.view))
	for _, sub := range m.view {
		if sub.Directory == "" || seen[sub.Directory] {
			continue
		}
		seen[sub.Directory] = true
		dirs = append(dirs, sub.Directory)
	}
	return dirs
}

func (m *Manager) at(index int) (*model.Subscription, error) {
	return viewAt(m.subs, index)
}

func viewAt(subs []*model.Subscription, index int) (*model.Subscription, error) {
	if index < 0 || index >= len(subs) {
		return nil, &model.BadCommandError{Desc: fmt.Sprintf("Invalid sub index %d.", index+1)}
	}
	return subs[index], nil
}

// publishAll は全購読のスナップショットを作り直す。muを保持して呼ぶ。
func (m *Manager) publishAll() {
	view := make([]*model.Subscription, len(m.subs))
	for i, sub := range m.subs {
		view[i] = sub.Clone()
	}
	m.viewMu.Lock()
	m.view = view
	m.viewMu.Unlock()
}

// publish は1件の購読のスナップショットを差し替える。muを保持して呼ぶ。
func (m *Manager) publish(index int) {
	snapshot := m.subs[index].Clone()
	m.viewMu.Lock()
	m.view[index] = snapshot
	m.viewMu.Unlock()
}

// save は購読を保存する。中断後でも保存できるようにキャンセルを引き継がない。
func (m *Manager) save(ctx context.Context, sub *model.Subscription) error {
	if err := m.repo.Save(context.WithoutCancel(ctx), sub); err != nil {
		m.logger.Error("購読の保存に失敗しました",
			slog.String("subscription", sub.Name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("購読 %q の保存に失敗: %w", sub.Name, err)
	}
	return nil
}

func formatNumbers(nums []int) string {
	parts := make([]string, 0, len(nums))
	for _, n := range nums {
		parts = append(parts, fmt.Sprint(n))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// IsBadCommand はエラーがBadCommandErrorかを返す。
func IsBadCommand(err error) bool {
	var bad *model.BadCommandError
	return errors.As(err, &bad)
}
