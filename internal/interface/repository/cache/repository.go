package cache

import (
	"bytes"
	"encoding/hex"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"ledgerrest/internal/domain"
)

// compressThreshold を超えるボディは圧縮して保持する
const compressThreshold = 1024

// Repository はレポート結果キャッシュのリポジトリ実装
// 元帳の世代が変わるとすべてのエントリを捨てる
type Repository struct {
	mu         sync.Mutex
	maxSize    int64
	currSize   int64
	generation uint64
	seq        uint64
	entries    map[string]*Entry
}

// Verify interface implementation
var _ domain.CacheManager = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(maxSize int64) *Repository {
	return &Repository{
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}
}

// Key はリクエストの要素からキャッシュキーを作る
func Key(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key は domain.CacheManager 用の Key
func (r *Repository) Key(parts ...string) string {
	return Key(parts...)
}

// Get はキャッシュからデータを取得
func (r *Repository) Get(generation uint64, key string) (*domain.CacheEntry, bool) {
	r.mu.Lock()
	if generation != r.generation {
		r.resetLocked(generation)
	}
	entry, exists := r.entries[key]
	r.mu.Unlock()

	if !exists {
		return nil, false
	}

	data := entry.Data
	if entry.Compressed {
		var err error
		data, err = decompress(data)
		if err != nil {
			r.delete(key)
			return nil, false
		}
	}

	return &domain.CacheEntry{
		StatusCode: entry.StatusCode,
		Data:       data,
		Headers:    entry.Headers,
		CreatedAt:  entry.CreatedAt,
	}, true
}

// Set はキャッシュにデータを保存
func (r *Repository) Set(generation uint64, key string, entry *domain.CacheEntry) error {
	if r.maxSize <= 0 {
		return nil
	}

	data := entry.Data
	compressed := false

	// 大きなデータの場合は圧縮を試みる
	if len(data) > compressThreshold {
		if compData, err := compress(data); err == nil && len(compData) < len(data) {
			data = compData
			compressed = true
		}
	}

	if int64(len(data)) > r.maxSize {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if generation != r.generation {
		r.resetLocked(generation)
	}

	if old, exists := r.entries[key]; exists {
		r.currSize -= old.Size
		delete(r.entries, key)
	}

	for r.currSize+int64(len(data)) > r.maxSize && len(r.entries) > 0 {
		r.evictOldest()
	}

	r.seq++
	e := NewEntry(key, entry.StatusCode, entry.Headers, data, compressed)
	e.seq = r.seq
	r.entries[key] = e
	r.currSize += int64(len(data))

	return nil
}

// Purge はすべてのエントリを捨てる
func (r *Repository) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(r.generation)
}

// Len はエントリ数を返す
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Repository) resetLocked(generation uint64) {
	r.generation = generation
	r.entries = make(map[string]*Entry)
	r.currSize = 0
}

func (r *Repository) delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		r.currSize -= entry.Size
		delete(r.entries, key)
	}
}

func (r *Repository) evictOldest() {
	var oldestKey string
	var oldest *Entry

	for key, entry := range r.entries {
		if oldest == nil || entry.seq < oldest.seq {
			oldestKey = key
			oldest = entry
		}
	}

	if oldest != nil {
		r.currSize -= oldest.Size
		delete(r.entries, oldestKey)
	}
}

// compress はデータをgzip圧縮する
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompress はgzip圧縮されたデータを展開する
func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
