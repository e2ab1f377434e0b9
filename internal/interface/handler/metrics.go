package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/usecase"
)

// MetricsHandler はメトリクス関連のHTTPリクエストを処理
type MetricsHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	logger         domain.Logger
}

// NewMetricsHandler は新しいMetricsHandlerインスタンスを作成
func NewMetricsHandler(
	metricsUseCase *usecase.MetricsUseCase, logger domain.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		metricsUseCase: metricsUseCase,
		logger:         logger,
	}
}

// Routes は /metrics, /stats, /health を持つルーターを返す
func (h *MetricsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/metrics", h.HandleMetrics)
	r.Get("/stats", h.HandleStats)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleMetrics はPrometheus形式のメトリクスを提供
func (h *MetricsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.metricsUseCase.GetPrometheusMetrics(r.Context())
	if err != nil {
		h.logger.Error("Failed to get metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(metrics))
}

// HandleStats はJSON形式の詳細な統計情報を提供
func (h *MetricsHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metricsUseCase.GetMetricsSnapshot())
}

// HandleHealth は元帳の状態を含むヘルスチェックを提供
func (h *MetricsHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	health := h.metricsUseCase.GetHealth()
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

func (h *MetricsHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
