// Package ledger は外部の ledger コマンドを会計エンジンとして使う.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"ledgerrest/internal/domain"
)

// DefaultBinary は PATH から探すコマンド名
const DefaultBinary = "ledger"

// fieldSep と recordSep は register 出力の区切り
const (
	fieldSep  = "\x1f"
	recordSep = "\n"
)

// registerFormat は register の1行を区切り文字付きのフィールドにする.
// 金額は記号を外した数量だけを出す.
var registerFormat = strings.Join([]string{
	`%(format_date(date, "%Y-%m-%d"))`,
	`%(payee)`,
	`%(display_account)`,
	`%(quantity(scrub(amount)))`,
	`%(quantity(scrub(display_amount)))`,
	`%(quantity(scrub(display_total)))`,
}, fieldSep) + recordSep

// CommandError は ledger コマンドの失敗
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("ledger %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
	}
	return fmt.Sprintf("ledger %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Engine は ledger コマンドを呼び出すエンジン
type Engine struct {
	binary string
	logger domain.Logger
}

var _ domain.Engine = (*Engine)(nil)

// New は新しいEngineインスタンスを作成
func New(binary string, logger domain.Logger) *Engine {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Engine{binary: binary, logger: logger}
}

// Load は元帳を解析させ、勘定科目の一覧を取り込む.
// 解析に失敗すれば ledger のエラー出力を含むエラーを返す.
func (e *Engine) Load(ctx context.Context, path string) (domain.Journal, error) {
	out, err := e.run(ctx, "-f", path, "accounts")
	if err != nil {
		return nil, err
	}
	return &Journal{engine: e, path: path, accounts: parseAccounts(out)}, nil
}

func (e *Engine) run(ctx context.Context, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, e.binary, args...)
	// 環境の LEDGER_FILE などに影響されないようにする
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C", "TZ=UTC"}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	e.logger.Debug("Engine command finished", map[string]interface{}{
		"args":     args,
		"duration": time.Since(start).String(),
		"ok":       err == nil,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// Journal は読み込み済みの元帳
type Journal struct {
	engine   *Engine
	path     string
	accounts []string
}

var _ domain.Journal = (*Journal)(nil)

// Accounts は読み込み時の勘定科目一覧を返す
func (j *Journal) Accounts(context.Context) ([]string, error) {
	return append([]string(nil), j.accounts...), nil
}

// Register は register レポートを実行する. args はレポートの引数、query は絞り込み式.
func (j *Journal) Register(ctx context.Context, args, query []string) ([]domain.Posting, error) {
	cmdArgs := make([]string, 0, 6+len(args)+len(query))
	cmdArgs = append(cmdArgs, "-f", j.path, "register", "--format", registerFormat)
	cmdArgs = append(cmdArgs, args...)
	// "--" 以降はオプションとして解釈されない
	cmdArgs = append(cmdArgs, "--")
	cmdArgs = append(cmdArgs, query...)

	out, err := j.engine.run(ctx, cmdArgs...)
	if err != nil {
		return nil, err
	}
	posts, err := ParseRegister(out)
	if err != nil {
		return nil, fmt.Errorf("parse register output: %w", err)
	}
	return posts, nil
}

func parseAccounts(out []byte) []string {
	var accounts []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			accounts = append(accounts, line)
		}
	}
	return accounts
}
