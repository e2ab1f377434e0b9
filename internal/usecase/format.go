package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"ledgerrest/internal/domain"
)

// Rounding は2桁に丸める際の規則.
type Rounding string

const (
	RoundHalfUp   Rounding = "half_up"
	RoundHalfEven Rounding = "half_even"
)

// ParseRounding は設定値をRoundingに変換する.
func ParseRounding(s string) (Rounding, error) {
	switch Rounding(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoundHalfUp:
		return RoundHalfUp, nil
	case RoundHalfEven:
		return RoundHalfEven, nil
	default:
		return "", fmt.Errorf("invalid rounding %q: must be %s or %s", s, RoundHalfUp, RoundHalfEven)
	}
}

// Formatter はレポート結果をJSONに変換する.
type Formatter struct {
	ctx *apd.Context
}

// NewFormatter は新しいFormatterインスタンスを作成
func NewFormatter(rounding Rounding) *Formatter {
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp
	if rounding == RoundHalfEven {
		ctx.Rounding = apd.RoundHalfEven
	}
	return &Formatter{ctx: ctx}
}

// FormatAmount は固定小数点2桁の文字列にする. 指数表記にはしない.
func (f *Formatter) FormatAmount(d *apd.Decimal) (string, error) {
	var out apd.Decimal
	if _, err := f.ctx.Quantize(&out, d, -2); err != nil {
		return "", fmt.Errorf("quantize %s: %w", d.String(), err)
	}
	if out.IsZero() {
		out.Negative = false
	}
	return out.Text('f'), nil
}

// Posting は1件のポスティングをJSONオブジェクトにする.
func (f *Formatter) Posting(buf *bytes.Buffer, p domain.Posting) error {
	amount, err := f.FormatAmount(p.DisplayAmount())
	if err != nil {
		return err
	}
	total, err := f.FormatAmount(p.DisplayTotal())
	if err != nil {
		return err
	}

	buf.WriteString(`{"amount" : `)
	buf.WriteString(amount)
	buf.WriteString(`, "total" : `)
	buf.WriteString(total)
	buf.WriteString(`, "date" : `)
	writeJSONString(buf, p.Date.Format("2006-01-02"))
	buf.WriteString(`, "payee" : `)
	writeJSONString(buf, p.Payee)
	buf.WriteString(`, "account_name" : `)
	writeJSONString(buf, p.Account)
	buf.WriteString("}")
	return nil
}

// Postings はポスティングのリストをJSON配列にする.
func (f *Formatter) Postings(buf *bytes.Buffer, posts []domain.Posting) error {
	buf.WriteString("[")
	for i, p := range posts {
		if i > 0 {
			buf.WriteString(", ")
		}
		if err := f.Posting(buf, p); err != nil {
			return err
		}
	}
	buf.WriteString("]")
	return nil
}

// PostingBatches はPOSTの結果を配列の配列にする.
func (f *Formatter) PostingBatches(buf *bytes.Buffer, batches [][]domain.Posting) error {
	buf.WriteString("[")
	for i, posts := range batches {
		if i > 0 {
			buf.WriteString(", ")
		}
		if err := f.Postings(buf, posts); err != nil {
			return err
		}
	}
	buf.WriteString("]")
	return nil
}

// Accounts は勘定科目名のリストをJSON文字列配列にする.
func (f *Formatter) Accounts(buf *bytes.Buffer, accounts []string) {
	buf.WriteString("[")
	for i, a := range accounts {
		if i > 0 {
			buf.WriteString(", ")
		}
		writeJSONString(buf, a)
	}
	buf.WriteString("]")
}

func writeJSONString(buf *bytes.Buffer, s string) {
	data, err := json.Marshal(s)
	if err != nil {
		// string の Marshal は失敗しない
		buf.WriteString(`""`)
		return
	}
	buf.Write(data)
}
