package logger

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogLevel はログレベルを表す.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// rank はレベルの重要度を返す. 大きいほど重要.
func (l LogLevel) rank() int {
	switch l {
	case DEBUG:
		return 0
	case INFO:
		return 1
	case WARN:
		return 2
	default:
		return 3
	}
}

// LevelFromVerbosity は 0..9 の詳細度をしきい値に変換.
// 数値が大きいほど多く出力する.
func LevelFromVerbosity(v int) (LogLevel, error) {
	switch {
	case v < 0 || v > 9:
		return "", fmt.Errorf("invalid log level %d: must be 0-9", v)
	case v <= 2:
		return ERROR, nil
	case v <= 4:
		return WARN, nil
	case v <= 6:
		return INFO, nil
	default:
		return DEBUG, nil
	}
}

// LogEntry はログエントリを表す.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Format はログエントリを文字列に変換.
func (e *LogEntry) Format() string {
	timestamp := e.Timestamp.Format("2006/01/02 15:04:05.000")

	logMsg := fmt.Sprintf("[%s] %s %s", timestamp, e.Level, e.Message)

	if len(e.Fields) > 0 {
		if fields, err := json.Marshal(e.Fields); err == nil {
			logMsg += fmt.Sprintf(" fields=%s", string(fields))
		}
	}

	if e.Error != "" {
		logMsg += fmt.Sprintf(" error=%s", e.Error)
	}

	return logMsg + "\n"
}

// NewLogEntry は新しいLogEntryインスタンスを作成.
func NewLogEntry(
	level LogLevel, msg string, err error, fields map[string]interface{},
) *LogEntry {
	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}

	if err != nil {
		entry.Error = err.Error()
	}

	return entry
}
