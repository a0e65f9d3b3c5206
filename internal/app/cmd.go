package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとスケジューラを同一プロセスで起動する。
	CommandServe Command = "serve"
	// CommandWorker はAPIを公開せず、同期とスクレイピングのスケジューラのみを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを叩く。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// NeedsConfig は環境変数からの設定読み込みが必要なコマンドかを返す。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck
}

// RunsPipeline はフィード同期とスクレイピングを動かすコマンドかを返す。
func (c Command) RunsPipeline() bool {
	return c == CommandServe || c == CommandWorker
}
