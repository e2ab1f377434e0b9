package testutil

import (
	"strings"
	"sync"

	"ledgerrest/internal/domain"
)

// LogRecord は記録したログ1件.
type LogRecord struct {
	Level   string
	Message string
	Err     error
	Fields  map[string]interface{}
}

// RecordingLogger は検証用にログ呼び出しを記録する.
type RecordingLogger struct {
	mu      sync.Mutex
	records []LogRecord
}

var _ domain.Logger = (*RecordingLogger)(nil)

// NewRecordingLogger は新しいRecordingLoggerインスタンスを作成
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) Debug(msg string, fields map[string]interface{}) {
	l.add(LogRecord{Level: "DEBUG", Message: msg, Fields: fields})
}

func (l *RecordingLogger) Info(msg string, fields map[string]interface{}) {
	l.add(LogRecord{Level: "INFO", Message: msg, Fields: fields})
}

func (l *RecordingLogger) Warn(msg string, fields map[string]interface{}) {
	l.add(LogRecord{Level: "WARN", Message: msg, Fields: fields})
}

func (l *RecordingLogger) Error(msg string, err error, fields map[string]interface{}) {
	l.add(LogRecord{Level: "ERROR", Message: msg, Err: err, Fields: fields})
}

func (l *RecordingLogger) add(r LogRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

// Records はこれまでのログのコピーを返す.
func (l *RecordingLogger) Records() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogRecord(nil), l.records...)
}

// Find はメッセージに substr を含むログを返す.
func (l *RecordingLogger) Find(substr string) []LogRecord {
	var out []LogRecord
	for _, r := range l.Records() {
		if strings.Contains(r.Message, substr) {
			out = append(out, r)
		}
	}
	return out
}
