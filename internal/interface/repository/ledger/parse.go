package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"ledgerrest/internal/domain"
)

const fieldCount = 6

// ErrShortRecord は register 出力のフィールド不足
var ErrShortRecord = errors.New("short register record")

// ParseRegister は register の出力をポスティングに変換する.
// 表示金額が生の金額と異なる行は複合値として保持する.
func ParseRegister(out []byte) ([]domain.Posting, error) {
	var posts []domain.Posting
	for i, line := range strings.Split(string(out), recordSep) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func parseRecord(line string) (domain.Posting, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) < fieldCount {
		return domain.Posting{}, fmt.Errorf("%w: %d fields", ErrShortRecord, len(fields))
	}

	date, err := time.Parse("2006-01-02", strings.TrimSpace(fields[0]))
	if err != nil {
		return domain.Posting{}, fmt.Errorf("date: %w", err)
	}

	amount, err := parseQuantity(fields[3])
	if err != nil {
		return domain.Posting{}, fmt.Errorf("amount: %w", err)
	}
	display, err := parseQuantity(fields[4])
	if err != nil {
		return domain.Posting{}, fmt.Errorf("display amount: %w", err)
	}
	total, err := parseQuantity(fields[5])
	if err != nil {
		return domain.Posting{}, fmt.Errorf("total: %w", err)
	}

	p := domain.Posting{
		Date:    date,
		Payee:   fields[1],
		Account: fields[2],
		Amount:  amount,
	}
	ext := &domain.PostingExtension{Total: total}
	if display != nil && (amount == nil || display.Cmp(amount) != 0) {
		ext.Compound = &domain.CompoundValue{Value: display}
	}
	if ext.Total != nil || ext.Compound != nil {
		p.Extended = ext
	}
	return p, nil
}

// parseQuantity は桁区切りを除いて10進数にする. 空なら nil.
func parseQuantity(s string) (*apd.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return nil, nil
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d, nil
}
