package domain

import "time"

// CacheManager はレポート結果キャッシュのインターフェース.
// エントリは元帳の世代に紐付き、世代が変わると無効になる.
type CacheManager interface {
	// Key はリクエストの要素からキャッシュキーを作る.
	Key(parts ...string) string
	Get(generation uint64, key string) (*CacheEntry, bool)
	Set(generation uint64, key string, entry *CacheEntry) error
	Purge()
}

// CacheEntry はキャッシュのエントリを表す.
type CacheEntry struct {
	StatusCode int
	Data       []byte
	Headers    map[string]string
	CreatedAt  time.Time
}
