package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/repository/metrics"
	"ledgerrest/internal/testutil"
)

func TestNewJournalDefersLoad(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "invoked")
	bin := filepath.Join(dir, "ledger")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\ntouch "+marker+"\nprintf 'Assets:Cash\\n'\n"), 0o755))
	ledgerFile := filepath.Join(dir, "main.ledger")
	require.NoError(t, os.WriteFile(ledgerFile, []byte("2024/01/05 Opening\n"), 0o644))

	c := defaultConfig()
	c.File = ledgerFile
	c.LedgerBin = bin

	repo, watcher, err := newJournal(c, testutil.NewRecordingLogger(), metrics.New(""))
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	assert.Equal(t, domain.JournalStale, repo.Status().State)
	assert.Empty(t, watcher.Watched())
	assert.NoFileExists(t, marker)

	_, _, err = repo.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, marker)
	assert.Equal(t, domain.JournalFresh, repo.Status().State)
	assert.Equal(t, []string{ledgerFile}, watcher.Watched())
}
