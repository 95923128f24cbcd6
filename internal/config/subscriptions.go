package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/memborsky/puckfetcher/internal/model"
)

// Settings は購読ファイルのトップレベル設定。各購読のデフォルト値になる。
type Settings struct {
	Directory          string
	BacklogLimit       *int // nilは無制限
	DownloadBacklog    bool
	UseTitleAsFilename bool
}

// DefaultSettings は組み込みのデフォルト設定を返す。
func DefaultSettings(dataDir string) Settings {
	limit := 1
	return Settings{
		Directory:          dataDir,
		BacklogLimit:       &limit,
		DownloadBacklog:    true,
		UseTitleAsFilename: false,
	}
}

// OptionalInt はYAMLで「キーなし」と「明示的なnull」を区別する整数。
type OptionalInt struct {
	Set   bool
	Value *int
}

// SubscriptionConfig は購読ファイルの購読1件。省略された項目はnil（OptionalIntはSet=false）。
type SubscriptionConfig struct {
	Name               string
	URL                string
	Directory          string
	BacklogLimit       OptionalInt
	DownloadBacklog    *bool
	UseTitleAsFilename *bool
}

// ResolvedSubscription はデフォルトを適用済みの購読設定。
type ResolvedSubscription struct {
	Name               string
	URL                string
	Directory          string
	BacklogLimit       *int
	DownloadBacklog    bool
	UseTitleAsFilename bool
}

// Options はmodel.SubscriptionOptionsに変換する。
func (r ResolvedSubscription) Options() model.SubscriptionOptions {
	return model.SubscriptionOptions{
		Directory:          r.Directory,
		DownloadBacklog:    r.DownloadBacklog,
		BacklogLimit:       r.BacklogLimit,
		UseTitleAsFilename: r.UseTitleAsFilename,
	}
}

// SubscriptionsFile は読み込んだ購読ファイル。
type SubscriptionsFile struct {
	Settings      Settings
	Subscriptions []SubscriptionConfig
}

// Resolved はファイル内の購読すべてにデフォルトを適用して返す。順序はファイルのまま。
func (f *SubscriptionsFile) Resolved() []ResolvedSubscription {
	out := make([]ResolvedSubscription, 0, len(f.Subscriptions))
	for _, sc := range f.Subscriptions {
		out = append(out, ApplyDefaults(sc, f.Settings))
	}
	return out
}

// ApplyDefaults は購読設定の省略項目をデフォルトで埋めた値を返す。引数は変更しない。
// ディレクトリの省略時は defaults.Directory/<name>、相対パスは defaults.Directory 基準になる。
func ApplyDefaults(sc SubscriptionConfig, defaults Settings) ResolvedSubscription {
	r := ResolvedSubscription{
		Name:               sc.Name,
		URL:                sc.URL,
		BacklogLimit:       defaults.BacklogLimit,
		DownloadBacklog:    defaults.DownloadBacklog,
		UseTitleAsFilename: defaults.UseTitleAsFilename,
	}

	switch dir := model.ExpandPath(sc.Directory); {
	case dir == "":
		r.Directory = filepath.Join(defaults.Directory, sc.Name)
	case filepath.IsAbs(dir):
		r.Directory = dir
	default:
		r.Directory = filepath.Join(defaults.Directory, dir)
	}

	if sc.BacklogLimit.Set {
		r.BacklogLimit = sc.BacklogLimit.Value
	}
	if sc.DownloadBacklog != nil {
		r.DownloadBacklog = *sc.DownloadBacklog
	}
	if sc.UseTitleAsFilename != nil {
		r.UseTitleAsFilename = *sc.UseTitleAsFilename
	}
	return r
}

// LoadSubscriptionsFile は購読ファイルを読み込む。
// ファイルが存在しない場合は空のファイルを作成し、デフォルト設定のみを返す。
// 名前またはURLのない購読はスキップしてログに記録する。
func LoadSubscriptionsFile(path string, dataDir string, logger *slog.Logger) (*SubscriptionsFile, error) {
	file := &SubscriptionsFile{Settings: DefaultSettings(dataDir)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("購読ファイルが存在しないため作成します", slog.String("path", path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("設定ディレクトリの作成に失敗: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("購読ファイルの作成に失敗: %w", err)
		}
		return file, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読ファイルの読み込みに失敗: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("購読ファイルの解析に失敗: %w", err)
	}
	if len(root.Content) == 0 {
		return file, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("購読ファイルの解析に失敗: トップレベルがマッピングではありません（%d行目）", doc.Line)
	}

	var raw rawFile
	if err := doc.Decode(&raw); err != nil {
		return nil, fmt.Errorf("購読ファイルの解析に失敗: %w", err)
	}
	logUnknownKeys(doc, knownSettingKeys, logger)

	if raw.Directory != nil {
		file.Settings.Directory = model.ExpandPath(*raw.Directory)
	}
	if raw.BacklogLimit.Set {
		file.Settings.BacklogLimit = raw.BacklogLimit.Value
	}
	if raw.DownloadBacklog != nil {
		file.Settings.DownloadBacklog = *raw.DownloadBacklog
	}
	if raw.UseTitleAsFilename != nil {
		file.Settings.UseTitleAsFilename = *raw.UseTitleAsFilename
	}

	for i, rs := range raw.Subscriptions {
		sc := SubscriptionConfig(rs)
		if strings.TrimSpace(sc.Name) == "" || strings.TrimSpace(sc.URL) == "" {
			logger.Error("名前またはURLのない購読をスキップしました",
				slog.Int("index", i),
				slog.String("name", sc.Name),
				slog.String("url", sc.URL),
			)
			continue
		}
		file.Subscriptions = append(file.Subscriptions, sc)
	}
	return file, nil
}

var knownSettingKeys = map[string]bool{
	"directory":             true,
	"backlog_limit":         true,
	"download_backlog":      true,
	"use_title_as_filename": true,
	"subscriptions":         true,
}

func logUnknownKeys(mapping *yaml.Node, known map[string]bool, logger *slog.Logger) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if !known[key] {
			logger.Debug("未知の設定項目を無視しました", slog.String("key", key))
		}
	}
}

type rawFile struct {
	Directory          *string                 `yaml:"directory"`
	BacklogLimit       OptionalInt             `yaml:"backlog_limit"`
	DownloadBacklog    *bool                   `yaml:"download_backlog"`
	UseTitleAsFilename *bool                   `yaml:"use_title_as_filename"`
	Subscriptions      []rawSubscriptionConfig `yaml:"subscriptions"`
}

type rawSubscriptionConfig struct {
	Name               string      `yaml:"name"`
	URL                string      `yaml:"url"`
	Directory          string      `yaml:"directory"`
	BacklogLimit       OptionalInt `yaml:"backlog_limit"`
	DownloadBacklog    *bool       `yaml:"download_backlog"`
	UseTitleAsFilename *bool       `yaml:"use_title_as_filename"`
}

// UnmarshalYAML はyaml.Unmarshalerを実装する。
// yaml.v3はnullのノードに対してUnmarshalYAMLを呼ばないため、
// nullの判定は親のマッピングを見て行う（rawSubscriptionConfig, rawFile参照）。
func (o *OptionalInt) UnmarshalYAML(value *yaml.Node) error {
	var v int
	if err := value.Decode(&v); err != nil {
		return fmt.Errorf("backlog_limit: %w", err)
	}
	o.Set = true
	o.Value = &v
	return nil
}

// UnmarshalYAML はyaml.Unmarshalerを実装する。backlog_limitの明示的なnullを検出する。
func (r *rawSubscriptionConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain rawSubscriptionConfig
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if hasNullKey(value, "backlog_limit") {
		p.BacklogLimit = OptionalInt{Set: true}
	}
	*r = rawSubscriptionConfig(p)
	return nil
}

// UnmarshalYAML はyaml.Unmarshalerを実装する。backlog_limitの明示的なnullを検出する。
func (r *rawFile) UnmarshalYAML(value *yaml.Node) error {
	type plain rawFile
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if hasNullKey(value, "backlog_limit") {
		p.BacklogLimit = OptionalInt{Set: true}
	}
	*r = rawFile(p)
	return nil
}

func hasNullKey(mapping *yaml.Node, key string) bool {
	if mapping.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1].ShortTag() == "!!null"
		}
	}
	return false
}
