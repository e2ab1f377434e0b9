package cache

import (
	"time"
)

// Entry はキャッシュエントリのメタデータと本体を表す
type Entry struct {
	Key        string
	StatusCode int
	Headers    map[string]string
	Data       []byte
	Size       int64
	CreatedAt  time.Time
	Compressed bool
	seq        uint64
}

// NewEntry は新しいEntryインスタンスを作成
func NewEntry(key string, status int, headers map[string]string, data []byte, compressed bool) *Entry {
	return &Entry{
		Key:        key,
		StatusCode: status,
		Headers:    headers,
		Data:       data,
		Size:       int64(len(data)),
		CreatedAt:  time.Now(),
		Compressed: compressed,
	}
}
