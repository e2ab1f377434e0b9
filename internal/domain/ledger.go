package domain

import (
	"context"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// CompoundValue は集計レポートでポスティングに付与される複合値.
// Value は複合値自身の値、Amount は複合値そのものの金額.
type CompoundValue struct {
	Value  *apd.Decimal
	Amount *apd.Decimal
}

// PostingExtension はレポート実行時にポスティングへ付与される拡張データ.
type PostingExtension struct {
	Compound *CompoundValue
	Total    *apd.Decimal
}

// Posting はレジスタレポートの1行を表す.
type Posting struct {
	Date     time.Time
	Payee    string
	Account  string
	Amount   *apd.Decimal // nil は金額なし
	Extended *PostingExtension
}

// DisplayAmount は表示用の金額を新しいDecimalとして返す.
// 複合値自身の値、複合値の金額、生の金額 (nil なら 0) の順で採用する.
func (p Posting) DisplayAmount() *apd.Decimal {
	if p.Extended != nil && p.Extended.Compound != nil {
		if p.Extended.Compound.Value != nil {
			return new(apd.Decimal).Set(p.Extended.Compound.Value)
		}
		if p.Extended.Compound.Amount != nil {
			return new(apd.Decimal).Set(p.Extended.Compound.Amount)
		}
	}
	if p.Amount == nil {
		return new(apd.Decimal)
	}
	return new(apd.Decimal).Set(p.Amount)
}

// DisplayTotal は拡張データの累計を返す. 無ければ DisplayAmount と同じ規則.
func (p Posting) DisplayTotal() *apd.Decimal {
	if p.Extended != nil && p.Extended.Total != nil {
		return new(apd.Decimal).Set(p.Extended.Total)
	}
	return p.DisplayAmount()
}

// Journal は読み込み済みの元帳スナップショット.
// リロード時は丸ごと置き換えられ、書き換えられることはない.
type Journal interface {
	Accounts(ctx context.Context) ([]string, error)
	Register(ctx context.Context, args, query []string) ([]Posting, error)
}

// Engine は外部の会計エンジン.
type Engine interface {
	Load(ctx context.Context, path string) (Journal, error)
}

// JournalState は元帳キャッシュの状態を表す.
type JournalState string

const (
	JournalFresh JournalState = "fresh"
	JournalStale JournalState = "stale"
)

// JournalStatus は元帳キャッシュの現在の状態.
type JournalStatus struct {
	Path       string       `json:"path"`
	State      JournalState `json:"state"`
	Generation uint64       `json:"generation"`
	Digest     string       `json:"digest,omitempty"`
	LoadedAt   time.Time    `json:"loaded_at,omitempty"`
	Reloads    int64        `json:"reloads"`
	Watched    []string     `json:"watched,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// JournalSource は必要に応じて元帳を読み込み直すキャッシュ.
type JournalSource interface {
	// EnsureFresh は Stale なら再読み込みし、現在のスナップショットと世代を返す.
	EnsureFresh(ctx context.Context) (Journal, uint64, error)
	// MarkStale は次回の利用時に再読み込みさせる.
	MarkStale()
	Status() JournalStatus
}
