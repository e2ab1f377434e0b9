// Package journal は元帳スナップショットの鮮度管理とファイル監視を行う.
package journal

import (
	"context"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"ledgerrest/internal/domain"
)

// Arming は再読み込みの後に監視を張り直す先.
type Arming interface {
	Arm(files []string) []string
}

// Repository は元帳スナップショットを保持する.
// 初期状態は Stale で、MarkStale は状態を変えるだけで読み込みは次の EnsureFresh まで遅らせる.
type Repository struct {
	path    string
	engine  domain.Engine
	logger  domain.Logger
	metrics domain.MetricsCollector

	// reloadMu は同時の再読み込みを1回にまとめる
	reloadMu sync.Mutex

	mu         sync.RWMutex
	watcher    Arming
	journal    domain.Journal
	stale      bool
	epoch      uint64
	generation uint64
	digest     string
	loadedAt   time.Time
	reloads    int64
	watched    []string
	lastErr    error
}

var _ domain.JournalSource = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(path string, engine domain.Engine, logger domain.Logger, metrics domain.MetricsCollector) *Repository {
	return &Repository{
		path:    path,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		stale:   true,
	}
}

// SetWatcher は再読み込みのたびに監視を張り直す先を設定する.
func (r *Repository) SetWatcher(w Arming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watcher = w
}

// EnsureFresh は Stale なら読み込み直し、現在のスナップショットと世代を返す.
// 失敗したときは Stale のまま ErrJournalUnavailable を返す.
func (r *Repository) EnsureFresh(ctx context.Context) (domain.Journal, uint64, error) {
	if j, gen, ok := r.current(); ok {
		return j, gen, nil
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	// 待っている間に他の呼び出しが読み込んだかもしれない
	if j, gen, ok := r.current(); ok {
		return j, gen, nil
	}

	r.mu.RLock()
	epoch := r.epoch
	watcher := r.watcher
	r.mu.RUnlock()

	start := time.Now()
	j, files, digest, err := r.load(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()

		r.metrics.RecordReload(false)
		r.logger.Error("Failed to load ledger", err, map[string]interface{}{
			"path": r.path,
		})
		return nil, 0, &domain.ErrJournalUnavailable{Path: r.path, Err: err}
	}

	watched := files
	if watcher != nil {
		watched = watcher.Arm(files)
	}

	r.mu.Lock()
	r.journal = j
	r.generation++
	r.digest = digest
	r.loadedAt = time.Now()
	r.reloads++
	r.watched = watched
	r.lastErr = nil
	// 読み込み中に MarkStale されていたら次回もう一度読む
	r.stale = r.epoch != epoch
	gen := r.generation
	r.mu.Unlock()

	r.metrics.RecordReload(true)
	r.logger.Info("Ledger reloaded", map[string]interface{}{
		"path":       r.path,
		"generation": gen,
		"files":      len(files),
		"watched":    len(watched),
		"digest":     shortDigest(digest),
		"duration":   time.Since(start).String(),
	})
	return j, gen, nil
}

// MarkStale は次の EnsureFresh で読み込み直させる.
func (r *Repository) MarkStale() {
	r.mu.Lock()
	r.epoch++
	wasFresh := !r.stale
	r.stale = true
	r.mu.Unlock()

	if wasFresh {
		r.logger.Info("Ledger marked stale", map[string]interface{}{
			"path": r.path,
		})
	}
}

// Status は現在の状態を返す.
func (r *Repository) Status() domain.JournalStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := domain.JournalStatus{
		Path:       r.path,
		State:      domain.JournalFresh,
		Generation: r.generation,
		Digest:     r.digest,
		LoadedAt:   r.loadedAt,
		Reloads:    r.reloads,
		Watched:    append([]string(nil), r.watched...),
	}
	if r.stale {
		st.State = domain.JournalStale
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func (r *Repository) current() (domain.Journal, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stale || r.journal == nil {
		return nil, 0, false
	}
	return r.journal, r.generation, true
}

func (r *Repository) load(ctx context.Context) (domain.Journal, []string, string, error) {
	j, err := r.engine.Load(ctx, r.path)
	if err != nil {
		return nil, nil, "", err
	}

	files, err := DiscoverIncludes(r.path)
	if err != nil {
		return nil, nil, "", err
	}

	return j, files, digestFiles(files), nil
}

// digestFiles はファイル群の名前と内容から BLAKE3 ダイジェストを作る.
// 読めないファイルは名前だけを含める.
func digestFiles(files []string) string {
	h := blake3.New()
	for _, f := range files {
		h.Write([]byte(f))
		h.Write([]byte{0})
		if data, err := os.ReadFile(f); err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
