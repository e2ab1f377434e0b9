package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest()
	RecordCacheHit()
	RecordCacheMiss()
	RecordReload(ok bool)
	RecordWatchEvent()
	RecordAuthFailure()
	RecordNotFound()
	RecordError()
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	CacheHits          int64     `json:"cache_hits"`
	CacheMisses        int64     `json:"cache_misses"`
	Reloads            int64     `json:"reloads"`
	ReloadFailures     int64     `json:"reload_failures"`
	WatchEvents        int64     `json:"watch_events"`
	AuthFailures       int64     `json:"auth_failures"`
	NotFound           int64     `json:"not_found"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToPrometheusFormat はメトリクスをPrometheus形式にフォーマット
func (ms *MetricsSnapshot) ToPrometheusFormat() string {
	type metric struct {
		name, help, kind string
		value            int64
	}

	list := []metric{
		{"ledger_rest_current_connections", "Current number of open connections", "gauge", ms.CurrentConnections},
		{"ledger_rest_requests_total", "Total number of answered requests", "counter", ms.TotalRequests},
		{"ledger_rest_bytes_sent_total", "Total number of response body bytes", "counter", ms.BytesTransferred},
		{"ledger_rest_cache_hits_total", "Total number of report cache hits", "counter", ms.CacheHits},
		{"ledger_rest_cache_misses_total", "Total number of report cache misses", "counter", ms.CacheMisses},
		{"ledger_rest_reloads_total", "Total number of successful ledger reloads", "counter", ms.Reloads},
		{"ledger_rest_reload_failures_total", "Total number of failed ledger reloads", "counter", ms.ReloadFailures},
		{"ledger_rest_watch_events_total", "Total number of ledger change notifications", "counter", ms.WatchEvents},
		{"ledger_rest_auth_failures_total", "Total number of rejected authentications", "counter", ms.AuthFailures},
		{"ledger_rest_not_found_total", "Total number of unmatched routes", "counter", ms.NotFound},
		{"ledger_rest_errors_total", "Total number of failed requests", "counter", ms.Errors},
	}

	var metrics []string
	for _, m := range list {
		metrics = append(metrics, fmt.Sprintf("# HELP %s %s\n# TYPE %s %s\n%s %d",
			m.name, m.help, m.name, m.kind, m.name, m.value))
	}

	return strings.Join(metrics, "\n\n") + "\n"
}
