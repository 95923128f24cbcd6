package app

// Command はアプリケーションのサブコマンドを表す。
type Command string

const (
	// CommandUpdate は購読を1回更新する（番号指定時はその購読のみ）。
	CommandUpdate Command = "update"
	// CommandUpdateForever はUPDATE_INTERVALごとに全購読の更新を繰り返す。
	CommandUpdateForever Command = "update-forever"
	// CommandList は購読の一覧を表示する。
	CommandList Command = "list"
	// CommandDetails は購読のキューとエントリ状態を表示する。
	CommandDetails Command = "details"
	// CommandEnqueue はエントリ番号をダウンロードキューに追加する。
	CommandEnqueue Command = "enqueue"
	// CommandMark はエントリ番号をダウンロード済みとして記録する。
	CommandMark Command = "mark"
	// CommandUnmark はエントリ番号のダウンロード済みの記録を消す。
	CommandUnmark Command = "unmark"
	// CommandDownloadQueue は購読のダウンロードキューを処理する。
	CommandDownloadQueue Command = "download-queue"
	// CommandServe はAPIサーバーと更新スケジューラを起動する。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandUnknown はサポート外のコマンドを示す。
	CommandUnknown Command = ""
)

var commands = []Command{
	CommandUpdate,
	CommandUpdateForever,
	CommandList,
	CommandDetails,
	CommandEnqueue,
	CommandMark,
	CommandUnmark,
	CommandDownloadQueue,
	CommandServe,
	CommandMigrate,
	CommandHealthcheck,
}

// Usage はコマンドの使い方。
const Usage = `usage: puckfetcher <command> [args]

commands:
  update [SUB]              update all subscriptions, or only subscription SUB
  update-forever            update all subscriptions every UPDATE_INTERVAL
  list                      list subscriptions
  details SUB               show the queue and entry states of SUB
  enqueue SUB NUMS...       add entries to the download queue of SUB (e.g. "1 3-5")
  mark SUB NUMS...          mark entries of SUB as downloaded
  unmark SUB NUMS...        unmark entries of SUB
  download-queue SUB        download the queued entries of SUB
  serve                     run the HTTP API and the update scheduler
  migrate                   apply database migrations (DATABASE_URL)
  healthcheck               check the HTTP API of a running server

SUB is the 1-based number shown by "list".`

// ParseCommand はコマンドライン引数からサブコマンドと残りの引数を解析する。
// 引数が空の場合はCommandUpdate、サポート外のコマンドの場合はCommandUnknownを返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandUpdate, nil
	}

	for _, c := range commands {
		if args[0] == string(c) {
			return c, args[1:]
		}
	}
	return CommandUnknown, args[1:]
}
