package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
	return name
}

func TestDiscoverIncludes(t *testing.T) {
	dir := t.TempDir()
	abs := writeFile(t, filepath.Join(dir, "abs", "prices.db"), "P 2024/01/01 EUR 1.10 USD\n")
	writeFile(t, filepath.Join(dir, "sub", "2024.ledger"), "include ../common.ledger\n!include nested.ledger\n")
	writeFile(t, filepath.Join(dir, "sub", "nested.ledger"), "2024/01/02 Shop\n  Expenses:Food  10 EUR\n  Assets:Cash\n")
	writeFile(t, filepath.Join(dir, "common.ledger"), "account Assets:Cash\n")
	root := writeFile(t, filepath.Join(dir, "main.ledger"),
		"; top\n!include sub/2024.ledger\n!include "+abs+"\n!include common.ledger\n")

	files, err := DiscoverIncludes(root)
	require.NoError(t, err)

	assert.Equal(t, []string{
		root,
		filepath.Join(dir, "sub", "2024.ledger"),
		filepath.Join(dir, "common.ledger"),
		filepath.Join(dir, "sub", "nested.ledger"),
		abs,
	}, files)
}

func TestDiscoverIncludesCycle(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a.ledger"), "!include b.ledger\n")
	b := writeFile(t, filepath.Join(dir, "b.ledger"), "!include a.ledger\n")

	files, err := DiscoverIncludes(a)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, files)
}

func TestDiscoverIncludesMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := DiscoverIncludes(filepath.Join(dir, "none.ledger"))
	assert.Error(t, err)

	root := writeFile(t, filepath.Join(dir, "main.ledger"), "!include gone.ledger\n")
	files, err := DiscoverIncludes(root)
	require.NoError(t, err)
	assert.Equal(t, []string{root, filepath.Join(dir, "gone.ledger")}, files)
}

func TestParseInclude(t *testing.T) {
	tests := []struct {
		line   string
		target string
		ok     bool
	}{
		{"!include other.ledger", "other.ledger", true},
		{"include\t/abs/file.ledger  ", "/abs/file.ledger", true},
		{"!include", "", false},
		{"!includes x", "", false},
		{"  !include indented.ledger", "", false},
		{"; !include commented.ledger", "", false},
		{"2024/01/01 include shop", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			target, ok := parseInclude(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.target, target)
		})
	}
}
