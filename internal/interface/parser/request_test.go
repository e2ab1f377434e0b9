package parser

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerrest/internal/domain"
)

func TestParseRequestsExample(t *testing.T) {
	body := `[{"arg1":["cat","dog"],"arg2":["kiwi"]},{"arg1":["panda"],"arg2":["coconut"]}]`

	got, err := ParseRequests(body)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Object{"arg1": {"cat", "dog"}, "arg2": {"kiwi"}}, got[0])
	assert.Equal(t, Object{"arg1": {"panda"}, "arg2": {"coconut"}}, got[1])
}

func TestParseRequestsWhitespace(t *testing.T) {
	body := "[\n  { \"args\" : [ \"--monthly\" ],\n    \"query\" : [\"Expenses:Food and Drink\", \"  x \"] }\n]\n"

	got, err := ParseRequests(body)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"--monthly"}, got[0]["args"])
	assert.Equal(t, []string{"Expenses:Food and Drink", "  x "}, got[0]["query"])
}

func TestParseRequestsEmpty(t *testing.T) {
	got, err := ParseRequests("[ ]")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ParseRequests(`[{}]`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0])

	got, err = ParseRequests(`[{"args":[]}]`)
	require.NoError(t, err)
	assert.Equal(t, []string{}, got[0]["args"])
}

func TestParseRequestsMalformed(t *testing.T) {
	bodies := []string{
		"",
		"{}",
		"[",
		"[{",
		`[{"args"}]`,
		`[{"args":}]`,
		`[{"args":["a"}]`,
		`[{"args":["a",]}]`,
		`[{"args":["a""b"]}]`,
		`[{"args":["a"]},]`,
		`[{"args":["a"]}]]`,
		`[{"args":[1]}]`,
		`[{"args":[["a"]]}]`,
		`[{"args":["a"]} {"query":["b"]}]`,
		`[{"args":["unterminated]}]`,
		`[{args:["a"]}]`,
		`[{"args":["a"]}] trailing`,
	}

	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			got, err := ParseRequests(body)
			assert.ErrorIs(t, err, domain.ErrMalformedRequest)
			assert.NotNil(t, got)
			assert.Empty(t, got)
		})
	}
}

func TestParseRequestsDuplicateKeyLastWins(t *testing.T) {
	got, err := ParseRequests(`[{"query":["a"],"query":["b"]}]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got[0]["query"])
}

// marshalObjects は検証用に文法どおりの文字列へ戻す.
func marshalObjects(objs []Object) string {
	var b strings.Builder
	b.WriteString("[")
	for i, obj := range objs {
		if i > 0 {
			b.WriteString(",")
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("{")
		for j, k := range keys {
			if j > 0 {
				b.WriteString(",")
			}
			b.WriteString(`"` + k + `":[`)
			for n, v := range obj[k] {
				if n > 0 {
					b.WriteString(",")
				}
				b.WriteString(`"` + v + `"`)
			}
			b.WriteString("]")
		}
		b.WriteString("}")
	}
	b.WriteString("]")
	return b.String()
}

func TestParseRequestsRoundTrip(t *testing.T) {
	batches := [][]Object{
		{},
		{{"args": {}, "query": {"Expenses"}}},
		{
			{"args": {"--monthly", "--begin", "2015/01/01"}, "query": {"Expenses", "and", "not", "Rent"}},
			{"args": {"-B"}, "query": {"Assets:Checking"}},
			{"query": {"Income with space"}},
		},
	}

	for _, batch := range batches {
		text := marshalObjects(batch)
		got, err := ParseRequests(text)
		require.NoError(t, err, text)
		assert.Equal(t, batch, got)
		assert.Equal(t, text, marshalObjects(got))
	}
}

func TestStripWhitespace(t *testing.T) {
	assert.Equal(t, `["a b",{"c":"d e"}]`, StripWhitespace(" [ \"a b\" ,\n\t{ \"c\" : \"d e\" } ] "))
}
