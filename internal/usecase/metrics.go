package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ledgerrest/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	journal      domain.JournalSource
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
	// Journal は /health に元帳の状態を載せるために使う. nil でもよい.
	Journal domain.JournalSource
}

// Health は /health の応答
type Health struct {
	Status  string                `json:"status"`
	Uptime  string                `json:"uptime"`
	Journal *domain.JournalStatus `json:"journal,omitempty"`
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		journal:      config.Journal,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start は定期的なメトリクス保存を開始
func (uc *MetricsUseCase) Start() error {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})

	uc.wg.Add(1)
	go uc.startPeriodicSave()
	return nil
}

// Stop は定期保存を止め、最後のスナップショットを保存する
func (uc *MetricsUseCase) Stop() error {
	var err error
	uc.stopOnce.Do(func() {
		uc.logger.Info("Stopping metrics collection", nil)
		close(uc.done)
		uc.wg.Wait()
		err = uc.saveMetrics()
	})
	return err
}

// startPeriodicSave は定期的なメトリクス保存を行う
func (uc *MetricsUseCase) startPeriodicSave() {
	defer uc.wg.Done()

	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	snapshot := uc.GetMetricsSnapshot()

	// メトリクスの保存処理をリポジトリに委譲
	if saver, ok := uc.metrics.(interface {
		SaveMetrics(*domain.MetricsSnapshot) error
	}); ok {
		if err := saver.SaveMetrics(snapshot); err != nil {
			return fmt.Errorf("failed to save metrics snapshot: %w", err)
		}
	}

	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() *domain.MetricsSnapshot {
	return uc.metrics.GetSnapshot()
}

// GetPrometheusMetrics はPrometheus形式のメトリクスを取得
func (uc *MetricsUseCase) GetPrometheusMetrics(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uc.GetMetricsSnapshot().ToPrometheusFormat(), nil
}

// GetHealth は元帳の状態を含むヘルスチェック結果を返す.
// 最後の読み込みが失敗していれば degraded.
func (uc *MetricsUseCase) GetHealth() Health {
	h := Health{
		Status: "ok",
		Uptime: uc.GetMetricsSnapshot().Uptime,
	}
	if uc.journal != nil {
		st := uc.journal.Status()
		h.Journal = &st
		if st.LastError != "" {
			h.Status = "degraded"
		}
	}
	return h
}
