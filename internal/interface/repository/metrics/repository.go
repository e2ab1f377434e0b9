package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ledgerrest/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu             sync.Mutex
	metricsFile    string
	startTime      time.Time
	connections    int64
	requests       int64
	bytes          int64
	cacheHits      int64
	cacheMisses    int64
	reloads        int64
	reloadFailures int64
	watchEvents    int64
	authFailures   int64
	notFound       int64
	errors         int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
	}
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
}

func (r *Repository) RecordRequest() {
	atomic.AddInt64(&r.requests, 1)
}

func (r *Repository) RecordCacheHit() {
	atomic.AddInt64(&r.cacheHits, 1)
}

func (r *Repository) RecordCacheMiss() {
	atomic.AddInt64(&r.cacheMisses, 1)
}

func (r *Repository) RecordReload(ok bool) {
	if ok {
		atomic.AddInt64(&r.reloads, 1)
		return
	}
	atomic.AddInt64(&r.reloadFailures, 1)
}

func (r *Repository) RecordWatchEvent() {
	atomic.AddInt64(&r.watchEvents, 1)
}

func (r *Repository) RecordAuthFailure() {
	atomic.AddInt64(&r.authFailures, 1)
}

func (r *Repository) RecordNotFound() {
	atomic.AddInt64(&r.notFound, 1)
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
}

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:          time.Now(),
		StartTime:          r.startTime,
		CurrentConnections: atomic.LoadInt64(&r.connections),
		TotalRequests:      atomic.LoadInt64(&r.requests),
		BytesTransferred:   atomic.LoadInt64(&r.bytes),
		CacheHits:          atomic.LoadInt64(&r.cacheHits),
		CacheMisses:        atomic.LoadInt64(&r.cacheMisses),
		Reloads:            atomic.LoadInt64(&r.reloads),
		ReloadFailures:     atomic.LoadInt64(&r.reloadFailures),
		WatchEvents:        atomic.LoadInt64(&r.watchEvents),
		AuthFailures:       atomic.LoadInt64(&r.authFailures),
		NotFound:           atomic.LoadInt64(&r.notFound),
		Errors:             atomic.LoadInt64(&r.errors),
		Uptime:             time.Since(r.startTime).Round(time.Second).String(),
	}
}
