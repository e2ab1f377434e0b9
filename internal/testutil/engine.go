package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/apd/v3"

	"ledgerrest/internal/domain"
)

// RegisterCall は Register 呼び出し1回分の引数.
type RegisterCall struct {
	Args  []string
	Query []string
}

// FakeEngine は読み込み回数を数えるメモリ上の domain.Engine.
type FakeEngine struct {
	mu       sync.Mutex
	loads    atomic.Int64
	fail     error
	accounts []string
	postings []domain.Posting
	calls    []RegisterCall
}

var _ domain.Engine = (*FakeEngine)(nil)

// NewFakeEngine は指定した勘定科目とポスティングを返すエンジンを作成
func NewFakeEngine(accounts []string, postings []domain.Posting) *FakeEngine {
	return &FakeEngine{accounts: accounts, postings: postings}
}

// Fail は以降の読み込みを err で失敗させる. nil なら成功に戻す.
func (e *FakeEngine) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = err
}

// Loads は Load が呼ばれた回数を返す.
func (e *FakeEngine) Loads() int64 {
	return e.loads.Load()
}

// Calls は記録した Register 呼び出しを返す.
func (e *FakeEngine) Calls() []RegisterCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RegisterCall(nil), e.calls...)
}

func (e *FakeEngine) Load(_ context.Context, path string) (domain.Journal, error) {
	e.loads.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return nil, e.fail
	}
	if path == "" {
		return nil, errors.New("no path")
	}
	return &fakeJournal{engine: e, accounts: e.accounts, postings: e.postings}, nil
}

type fakeJournal struct {
	engine   *FakeEngine
	accounts []string
	postings []domain.Posting
}

func (j *fakeJournal) Accounts(context.Context) ([]string, error) {
	return append([]string(nil), j.accounts...), nil
}

func (j *fakeJournal) Register(_ context.Context, args, query []string) ([]domain.Posting, error) {
	j.engine.mu.Lock()
	j.engine.calls = append(j.engine.calls, RegisterCall{Args: args, Query: query})
	j.engine.mu.Unlock()

	var out []domain.Posting
	for _, p := range j.postings {
		if matches(p, query) {
			out = append(out, p)
		}
	}
	return out, nil
}

// matches は勘定科目がいずれかのクエリで始まるかを返す.
func matches(p domain.Posting, query []string) bool {
	if len(query) == 0 {
		return true
	}
	for _, q := range query {
		if len(p.Account) >= len(q) && p.Account[:len(q)] == q {
			return true
		}
	}
	return false
}

// Decimal は s を解析する. 失敗したらパニック.
func Decimal(s string) *apd.Decimal {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Posting は生の金額だけを持つポスティングを作成
func Posting(date, payee, account, amount string) domain.Posting {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	p := domain.Posting{Date: t, Payee: payee, Account: account}
	if amount != "" {
		p.Amount = Decimal(amount)
	}
	return p
}
