package parser

import (
	"net/url"
	"strings"

	"ledgerrest/internal/domain"
)

// SplitPath はパスを "/" で分割する. 先頭の "/" は空の要素になる.
func SplitPath(path string) []string {
	return strings.Split(path, "/")
}

// ParseQuery は生のクエリ文字列を出現順のキーと値の組に分解する.
// "=" を持たないキーは値が無いものとして捨てる.
func ParseQuery(rawQuery string) []domain.QueryArg {
	var args []domain.QueryArg

	for _, part := range strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' }) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}

		k, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		args = append(args, domain.QueryArg{Key: k, Value: v})
	}

	return args
}

// GroupArgs は同じキーの値を出現順のリストにまとめる.
func GroupArgs(args []domain.QueryArg) map[string][]string {
	grouped := make(map[string][]string)
	for _, a := range args {
		grouped[a.Key] = append(grouped[a.Key], a.Value)
	}
	return grouped
}
