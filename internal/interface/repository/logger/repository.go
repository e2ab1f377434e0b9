package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ledgerrest/internal/domain"
)

// Repository はロガーのリポジトリ実装.
type Repository struct {
	mu       sync.Mutex
	out      io.Writer
	file     *os.File
	config   *RotationConfig
	level    LogLevel
	dir      string
	filename string
	done     chan struct{}
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New はログディレクトリにファイル出力するRepositoryインスタンスを作成.
func New(directory, filename string, level LogLevel, config *RotationConfig) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	if config == nil {
		config = DefaultRotationConfig()
	}

	path := filepath.Join(directory, filename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	logger := &Repository{
		out:      file,
		file:     file,
		config:   config,
		level:    level,
		dir:      directory,
		filename: filename,
		done:     make(chan struct{}),
	}

	// ログクリーンアップを定期的に実行
	go logger.periodicCleanup()

	return logger, nil
}

// NewWriter はローテーションしない出力先へ書き込むRepositoryを作成.
func NewWriter(w io.Writer, level LogLevel) *Repository {
	return &Repository{out: w, level: level}
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(DEBUG, msg, nil, fields))
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(INFO, msg, nil, fields))
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(WARN, msg, nil, fields))
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.log(NewLogEntry(ERROR, msg, err, fields))
}

// log はログエントリを書き込み.
func (r *Repository) log(entry *LogEntry) {
	if entry.Level.rank() < r.level.rank() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		if needs, err := needsRotation(r.file.Name(), r.config.MaxSize); err == nil && needs {
			if err := r.rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
			}
		}
	}

	if _, err := io.WriteString(r.out, entry.Format()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log: %v\n", err)
	}
}

// rotate はログファイルをローテーション.
func (r *Repository) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	if err := rotateFile(r.file.Name()); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join(r.dir, r.filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	r.file = file
	r.out = file
	return nil
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleanOldLogs(r.dir, r.filename, r.config)
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	close(r.done)
	err := r.file.Close()
	r.file = nil
	r.out = io.Discard
	return err
}
