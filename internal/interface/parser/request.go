// Package parser はリクエストの解析を行う.
//
// POSTボディは配列 > オブジェクト > 文字列配列 の固定形のJSONのみを受け付ける.
// 数値、真偽値、null、エスケープ、それ以上の入れ子は扱わない.
package parser

import (
	"fmt"
	"strings"

	"ledgerrest/internal/domain"
)

// Object はキーごとの文字列配列.
type Object map[string][]string

// cursor は未消費の入力を指す.
type cursor struct {
	rest string
	pos  int
}

func (c *cursor) empty() bool {
	return len(c.rest) == 0
}

// consume は次の1文字が b なら進めて true を返す.
func (c *cursor) consume(b byte) bool {
	if len(c.rest) == 0 || c.rest[0] != b {
		return false
	}
	c.advance(1)
	return true
}

func (c *cursor) peekIs(b byte) bool {
	return len(c.rest) > 0 && c.rest[0] == b
}

func (c *cursor) advance(n int) {
	c.rest = c.rest[n:]
	c.pos += n
}

// StripWhitespace は引用符の外側の空白を取り除く. 引用符内はそのまま.
func StripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inQuote := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inQuote || (ch != ' ' && ch != '\n' && ch != '\t' && ch != '\r') {
			b.WriteByte(ch)
		}
		if ch == '"' {
			inQuote = !inQuote
		}
	}

	return b.String()
}

// ParseRequests はPOSTボディを解析する.
// 入力が不正なら空のリストと domain.ErrMalformedRequest を返す.
// "[]" は空のリストと nil を返す.
func ParseRequests(body string) ([]Object, error) {
	c := &cursor{rest: StripWhitespace(body)}

	objects, ok := parseArrayOfObjects(c)
	if !ok {
		return []Object{}, fmt.Errorf("%w: unexpected input at offset %d", domain.ErrMalformedRequest, c.pos)
	}
	if !c.empty() {
		return []Object{}, fmt.Errorf("%w: trailing data at offset %d", domain.ErrMalformedRequest, c.pos)
	}

	return objects, nil
}

func parseString(c *cursor) (string, bool) {
	if !c.peekIs('"') {
		return "", false
	}

	end := strings.IndexByte(c.rest[1:], '"')
	if end < 0 {
		return "", false
	}

	s := c.rest[1 : end+1]
	c.advance(end + 2)
	return s, true
}

func parseStringArray(c *cursor) ([]string, bool) {
	if !c.consume('[') {
		return nil, false
	}

	list := []string{}
	if c.consume(']') {
		return list, true
	}

	for {
		s, ok := parseString(c)
		if !ok {
			return nil, false
		}
		list = append(list, s)

		if !c.consume(',') {
			break
		}
	}

	if !c.consume(']') {
		return nil, false
	}
	return list, true
}

func parseMember(c *cursor) (string, []string, bool) {
	key, ok := parseString(c)
	if !ok {
		return "", nil, false
	}
	if !c.consume(':') {
		return "", nil, false
	}

	values, ok := parseStringArray(c)
	if !ok {
		return "", nil, false
	}
	return key, values, true
}

func parseObject(c *cursor) (Object, bool) {
	if !c.consume('{') {
		return nil, false
	}

	obj := Object{}
	if c.consume('}') {
		return obj, true
	}

	for {
		key, values, ok := parseMember(c)
		if !ok {
			return nil, false
		}
		obj[key] = values

		if !c.consume(',') {
			break
		}
	}

	if !c.consume('}') {
		return nil, false
	}
	return obj, true
}

func parseArrayOfObjects(c *cursor) ([]Object, bool) {
	if !c.consume('[') {
		return nil, false
	}

	array := []Object{}
	if c.consume(']') {
		return array, true
	}

	for {
		obj, ok := parseObject(c)
		if !ok {
			return nil, false
		}
		array = append(array, obj)

		if !c.consume(',') {
			break
		}
	}

	if !c.consume(']') {
		return nil, false
	}
	return array, true
}
