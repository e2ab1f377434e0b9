package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/daemon"
	"ledgerrest/internal/interface/handler"
	"ledgerrest/internal/interface/repository/access"
	"ledgerrest/internal/interface/repository/cache"
	"ledgerrest/internal/interface/repository/journal"
	"ledgerrest/internal/interface/repository/ledger"
	"ledgerrest/internal/interface/repository/logger"
	"ledgerrest/internal/interface/repository/metrics"
	"ledgerrest/internal/interface/runner"
	"ledgerrest/internal/usecase"
)

// closer は終了時に閉じるロガー
type closer interface {
	domain.Logger
	Close() error
}

func newLogger(c config) (closer, error) {
	level, err := logger.LevelFromVerbosity(c.Level)
	if err != nil {
		return nil, err
	}
	if c.LogDir == "" {
		return logger.NewWriter(os.Stderr, level), nil
	}
	return logger.New(c.LogDir, "ledger-rest.log", level, logger.DefaultRotationConfig())
}

// newJournal は Stale の元帳キャッシュと監視を作る. 最初の読み込みは最初のリクエストで行う.
func newJournal(c config, log domain.Logger, m domain.MetricsCollector) (*journal.Repository, *journal.Watcher, error) {
	repo := journal.New(c.File, ledger.New(c.LedgerBin, log), log, m)
	watcher, err := journal.NewWatcher(log, m, repo.MarkStale)
	if err != nil {
		return nil, nil, err
	}
	repo.SetWatcher(watcher)
	return repo, watcher, nil
}

func runServe(ctx context.Context, c config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Close()

	rounding, err := usecase.ParseRounding(c.Rounding)
	if err != nil {
		return err
	}

	// 鍵のパスワード入力はソケットを開く前に済ませる
	var tlsConfig *tls.Config
	gateConfig := access.Config{Logger: log}
	if c.tlsEnabled() {
		tlsConfig, gateConfig.ClientCAs, err = loadServerTLS(c, keyPassword(c.KeyPasswordFile, os.Stdin, os.Stderr))
		if err != nil {
			return err
		}
	}
	if c.Pass != "" {
		if gateConfig.Users, err = access.LoadUsers(c.Pass); err != nil {
			return err
		}
	}

	metricsRepo := metrics.New(c.MetricsFile)
	gateConfig.Metrics = metricsRepo

	journalRepo, watcher, err := newJournal(c, log, metricsRepo)
	if err != nil {
		return err
	}
	defer watcher.Close()

	var reportCache domain.CacheManager
	if c.CacheSize > 0 {
		reportCache = cache.New(c.CacheSize)
	}

	reports := usecase.NewReportUseCase(usecase.ReportConfig{
		Prefix:    c.Prefix,
		Journal:   journalRepo,
		Cache:     reportCache,
		Formatter: usecase.NewFormatter(rounding),
		Logger:    log,
		Metrics:   metricsRepo,
		Timeout:   c.EngineTimeout,
	})

	d, err := daemon.New(daemon.Config{
		Address:   c.Address,
		Port:      c.Port,
		TLS:       tlsConfig,
		Responder: reports,
		Access:    access.New(gateConfig),
		Logger:    log,
		Metrics:   metricsRepo,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	loop, err := runner.New(log, d, watcher)
	if err != nil {
		return err
	}
	defer loop.Close()

	metricsUseCase := usecase.NewMetricsUseCase(metricsRepo, log, usecase.MetricsConfig{
		SaveInterval: c.MetricsInterval,
		Journal:      journalRepo,
	})
	if err := metricsUseCase.Start(); err != nil {
		return err
	}
	defer metricsUseCase.Stop()

	if c.MetricsAddress != "" {
		metricsServer := &http.Server{
			Addr:              c.MetricsAddress,
			Handler:           handler.NewMetricsHandler(metricsUseCase, log).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("Starting metrics server", map[string]interface{}{"address": c.MetricsAddress})
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", err, nil)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error("Error shutting down metrics server", err, nil)
			}
		}()
	}

	register, accounts := reports.Routes()
	log.Info("Serving ledger", map[string]interface{}{
		"ledger":   c.File,
		"register": register,
		"accounts": accounts,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		log.Info("Shutdown signal received", nil)
		loop.Stop()
	}()

	if err := loop.Run(); err != nil {
		return err
	}
	log.Info("Shutdown complete", nil)
	return nil
}
